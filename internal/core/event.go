package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// EVENT - A normalized trigger occurrence
// -----------------------------------------------------------------------------

// PostRef points at a post on the social network
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Event is what every trigger adapter produces. Handle, Text, Registered,
// HasCanon and Extra are what predicates read; the rest is source metadata
// used by commands that act on the triggering post.
type Event struct {
	Source     TriggerType    `json:"source,omitempty"`
	Handle     string         `json:"handle"`
	DID        string         `json:"did,omitempty"`
	Text       string         `json:"text"`
	Registered bool           `json:"registered"`
	HasCanon   bool           `json:"has_canon"`
	URI        string         `json:"uri,omitempty"`
	CID        string         `json:"cid,omitempty"`
	RootURI    string         `json:"root_uri,omitempty"`
	RootCID    string         `json:"root_cid,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Post returns the triggering post, if any
func (e Event) Post() (PostRef, bool) {
	if e.URI == "" || e.CID == "" {
		return PostRef{}, false
	}
	return PostRef{URI: e.URI, CID: e.CID}, true
}

// Root returns the thread root, falling back to the post itself
func (e Event) Root() PostRef {
	if e.RootURI != "" && e.RootCID != "" {
		return PostRef{URI: e.RootURI, CID: e.RootCID}
	}
	return PostRef{URI: e.URI, CID: e.CID}
}

// CanonFlag reports the canon flag from the event or its extra payload
func (e Event) CanonFlag() bool {
	if e.HasCanon {
		return true
	}
	v, _ := e.ExtraBool("has_canon")
	return v
}

// ExtraBool reads a boolean-ish value from Extra
func (e Event) ExtraBool(key string) (bool, bool) {
	v, ok := e.Extra[key]
	if !ok || v == nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	case json.Number:
		f, err := t.Float64()
		return f != 0, err == nil
	}
	return false, false
}

// ExtraInt reads an integer value from Extra
func (e Event) ExtraInt(key string) (int, bool) {
	v, ok := e.Extra[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	case []any:
		return len(t), true
	}
	return 0, false
}

// ExtraStrings reads a list of keys from Extra. Lists, comma-separated
// strings and objects (their keys) are accepted.
func (e Event) ExtraStrings(key string) ([]string, bool) {
	v, ok := e.Extra[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	case map[string]any:
		out := make([]string, 0, len(t))
		for k := range t {
			out = append(out, k)
		}
		sort.Strings(out)
		return out, true
	}
	return nil, false
}

// -----------------------------------------------------------------------------
// BINDINGS - per-execution template variables
// -----------------------------------------------------------------------------

// Template variable names produced and consumed by commands
const (
	VarName           = "name"
	VarHandle         = "handle"
	VarPostText       = "post_text"
	VarKindredHandle  = "kindred_handle"
	VarSouvenirName   = "souvenir_name"
	VarOriginSpectrum = "origin_spectrum"
)

// Bindings maps template variables to values for one execution only
type Bindings map[string]string

// With returns a copy of b with key set to value
func (b Bindings) With(key, value string) Bindings {
	out := make(Bindings, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	out[key] = value
	return out
}

// Copy returns an independent copy of b
func (b Bindings) Copy() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// -----------------------------------------------------------------------------
// EXECUTION TRACE
// -----------------------------------------------------------------------------

// ConditionTrace is the evaluation record of one condition
type ConditionTrace struct {
	Condition string `json:"condition"`
	Value     string `json:"value,omitempty"`
	Matched   bool   `json:"matched"`
	Reason    string `json:"reason"`
}

// CommandPlan is a resolved command invocation, before execution
type CommandPlan struct {
	Index int      `json:"index"`
	Cmd   string   `json:"cmd"`
	Args  []string `json:"args"`
	Known bool     `json:"known"`
}

// EffectKind names a side effect
type EffectKind string

const (
	EffectLike          EffectKind = "like"
	EffectReply         EffectKind = "reply"
	EffectRegister      EffectKind = "register"
	EffectSetName       EffectKind = "set_name"
	EffectAddCanon      EffectKind = "add_canon"
	EffectAwardSouvenir EffectKind = "award_souvenir"
	EffectSpectrum      EffectKind = "spectrum"
	EffectOrigin        EffectKind = "origin"
	EffectPair          EffectKind = "pair"
	EffectDisableQuest  EffectKind = "disable_quest"
)

// ReasonDisableCommand is the transition reason used when a quest disables
// itself through the disable_quest command
const ReasonDisableCommand = "disable_quest command"

// Effect describes one side effect. Deferred effects are applied by the
// runtime only after the whole pipeline succeeds.
type Effect struct {
	Kind     EffectKind `json:"kind"`
	Target   string     `json:"target,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Deferred bool       `json:"deferred,omitempty"`
}

// StepStatus is the outcome of one command
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// CommandStep records how one command ran
type CommandStep struct {
	Index   int        `json:"index"`
	Cmd     string     `json:"cmd"`
	Status  StepStatus `json:"status"`
	Effects []Effect   `json:"effects,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// ExecutionTrace is the diagnostic record of one evaluation. The dry-run
// simulator fills the evaluation half; the runtime also fills Steps.
type ExecutionTrace struct {
	ID         string           `json:"id"`
	Quest      string           `json:"quest"`
	DryRun     bool             `json:"dry_run"`
	Event      Event            `json:"event"`
	Operator   Operator         `json:"condition_operator"`
	Conditions []ConditionTrace `json:"conditions"`
	Matched    bool             `json:"matched"`
	Commands   []CommandPlan    `json:"commands"`
	Steps      []CommandStep    `json:"steps,omitempty"`
	Bindings   Bindings         `json:"bindings,omitempty"`
	Error      string           `json:"error,omitempty"`
	FailedAt   int              `json:"failed_at"`
	Disabled   bool             `json:"disabled_quest,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// CommandNames lists the resolved command names in order
func (t *ExecutionTrace) CommandNames() []string {
	names := make([]string, len(t.Commands))
	for i, c := range t.Commands {
		names[i] = c.Cmd
	}
	return names
}
