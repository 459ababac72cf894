package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamhouse/questd/internal/actions"
	"github.com/dreamhouse/questd/internal/conditions"
	"github.com/dreamhouse/questd/internal/core"
)

// Simulate evaluates q against a sample event the way the runtime would,
// using only facts carried by the event. Commands are resolved by name but
// no handler, store or network call is made.
func Simulate(ctx context.Context, q *core.Quest, sample core.Event) *core.ExecutionTrace {
	trace := &core.ExecutionTrace{
		ID:        uuid.New().String(),
		Quest:     q.Title,
		DryRun:    true,
		Event:     sample,
		Operator:  q.ConditionOperator,
		FailedAt:  -1,
		StartedAt: time.Now(),
	}

	verdict := conditions.EvaluateQuest(ctx, q, sample, conditions.EventOnly(sample))
	trace.Conditions = verdict.Trace
	trace.Matched = verdict.Matched
	if verdict.Matched {
		trace.Commands = actions.Resolve(q.Commands)
	}
	trace.FinishedAt = time.Now()
	return trace
}

// ==================== Request decoding ====================

// DryRunError reports a dry-run request that could not be decoded. It is
// distinct from a verdict of no match.
type DryRunError struct {
	Field string
	Err   error
}

func (e *DryRunError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed dry-run request: %v", e.Err)
	}
	return fmt.Sprintf("malformed dry-run request: %s: %v", e.Field, e.Err)
}

func (e *DryRunError) Unwrap() error { return e.Err }

// DryRunRequest is a decoded dry-run request. Either Quest is set, or Title
// names a stored quest for the caller to load.
type DryRunRequest struct {
	Quest  *core.Quest
	Title  string
	Sample core.Event
}

type dryRunWire struct {
	Quest  json.RawMessage `json:"quest"`
	Title  string          `json:"title"`
	Sample json.RawMessage `json:"sample"`
}

// DecodeDryRunRequest decodes {quest|title, sample}. The sample's handle,
// text, registered and has_canon keys fill the event; every other key lands
// in Extra.
func DecodeDryRunRequest(data []byte) (*DryRunRequest, error) {
	var wire dryRunWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &DryRunError{Err: err}
	}

	req := &DryRunRequest{Title: strings.TrimSpace(wire.Title)}
	if len(bytes.TrimSpace(wire.Quest)) > 0 && !bytes.Equal(bytes.TrimSpace(wire.Quest), []byte("null")) {
		q, err := core.DecodeQuest(wire.Quest)
		if err != nil {
			return nil, &DryRunError{Field: "quest", Err: err}
		}
		req.Quest = q
	}
	if req.Quest == nil && req.Title == "" {
		return nil, &DryRunError{Field: "quest", Err: core.ErrMissingRequired}
	}

	sample, err := DecodeSample(wire.Sample)
	if err != nil {
		return nil, &DryRunError{Field: "sample", Err: err}
	}
	req.Sample = sample
	return req, nil
}

// DecodeSample turns a flat sample object into an event
func DecodeSample(raw json.RawMessage) (core.Event, error) {
	ev := core.Event{Source: "dry_run", ReceivedAt: time.Now()}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ev, nil
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return ev, err
	}

	probe := core.Event{Extra: fields}
	for key, v := range fields {
		switch key {
		case "handle":
			ev.Handle = core.NormalizeHandle(fmt.Sprint(v))
		case "text", "post_text":
			ev.Text = fmt.Sprint(v)
		case "did":
			ev.DID = fmt.Sprint(v)
		case "uri":
			ev.URI = fmt.Sprint(v)
		case "cid":
			ev.CID = fmt.Sprint(v)
		case "registered":
			b, ok := probe.ExtraBool(key)
			if !ok {
				return ev, fmt.Errorf("registered: not a boolean: %v", v)
			}
			ev.Registered = b
		case "has_canon":
			b, ok := probe.ExtraBool(key)
			if !ok {
				return ev, fmt.Errorf("has_canon: not a boolean: %v", v)
			}
			ev.HasCanon = b
		case "extra":
			nested, ok := v.(map[string]any)
			if !ok {
				return ev, fmt.Errorf("extra: not an object")
			}
			if ev.Extra == nil {
				ev.Extra = make(map[string]any, len(nested))
			}
			for k, nv := range nested {
				if _, set := ev.Extra[k]; !set {
					ev.Extra[k] = nv
				}
			}
		default:
			if ev.Extra == nil {
				ev.Extra = make(map[string]any)
			}
			ev.Extra[key] = v
		}
	}
	return ev, nil
}
