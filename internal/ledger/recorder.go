package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dreamhouse/questd/internal/core"
)

// Execution is the detail payload of quest.executed and quest.failed entries
type Execution struct {
	ExecutionID string           `json:"execution_id"`
	Source      core.TriggerType `json:"source,omitempty"`
	Handle      string           `json:"handle,omitempty"`
	URI         string           `json:"uri,omitempty"`
	Commands    []string         `json:"commands"`
	Steps       []StepSummary    `json:"steps,omitempty"`
	FailedAt    int              `json:"failed_at"`
	Error       string           `json:"error,omitempty"`
	Disabled    bool             `json:"disabled_quest,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
}

// StepSummary is one command step as recorded in the ledger
type StepSummary struct {
	Cmd    string          `json:"cmd"`
	Status core.StepStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// Transition is the detail payload of quest.enabled and quest.disabled entries
type Transition struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// Recorder records runtime activity into a Store
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Store returns the underlying store
func (r *Recorder) Store() *Store {
	return r.store
}

// RecordExecution records a matched execution. Failed pipelines are recorded
// under quest.failed with the failing command index.
func (r *Recorder) RecordExecution(ctx context.Context, trace *core.ExecutionTrace) error {
	action := ActionQuestExecuted
	if trace.Error != "" {
		action = ActionQuestFailed
	}

	details := Execution{
		ExecutionID: trace.ID,
		Source:      trace.Event.Source,
		Handle:      trace.Event.Handle,
		URI:         trace.Event.URI,
		Commands:    trace.CommandNames(),
		FailedAt:    trace.FailedAt,
		Error:       trace.Error,
		Disabled:    trace.Disabled,
		DurationMS:  trace.FinishedAt.Sub(trace.StartedAt).Milliseconds(),
	}
	for _, st := range trace.Steps {
		details.Steps = append(details.Steps, StepSummary{Cmd: st.Cmd, Status: st.Status, Error: st.Error})
	}

	_, err := r.store.Append(ctx, action, ActorEngine, EntityQuest, trace.Quest, details)
	return err
}

// RecordTransition records an enabled flag change. Changes made by the
// disable_quest command are attributed to the engine, all others to the
// operator.
func (r *Recorder) RecordTransition(ctx context.Context, quest string, enabled bool, reason string) error {
	action := ActionQuestDisabled
	if enabled {
		action = ActionQuestEnabled
	}
	actor := ActorOperator
	if reason == core.ReasonDisableCommand {
		actor = ActorEngine
	}
	_, err := r.store.Append(ctx, action, actor, EntityQuest, quest, Transition{Enabled: enabled, Reason: reason})
	return err
}

// RecordSaved records an operator creating or replacing a quest
func (r *Recorder) RecordSaved(ctx context.Context, q *core.Quest) error {
	_, err := r.store.Append(ctx, ActionQuestSaved, ActorOperator, EntityQuest, q.Title, map[string]interface{}{
		"trigger_type": q.TriggerType,
		"enabled":      q.Enabled,
		"conditions":   len(q.Conditions),
		"commands":     len(q.Commands),
	})
	return err
}

// RecordDeleted records an operator deleting a quest
func (r *Recorder) RecordDeleted(ctx context.Context, title string) error {
	_, err := r.store.Append(ctx, ActionQuestDeleted, ActorOperator, EntityQuest, title, nil)
	return err
}

// HistoryItem is a decoded ledger entry for display
type HistoryItem struct {
	Seq        int64       `json:"seq"`
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Action     string      `json:"action"`
	Actor      string      `json:"actor"`
	Quest      string      `json:"quest"`
	Execution  *Execution  `json:"execution,omitempty"`
	Transition *Transition `json:"transition,omitempty"`
}

// Decode unpacks an entry's details according to its action
func Decode(e *Entry) (HistoryItem, error) {
	item := HistoryItem{
		Seq:       e.Seq,
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Action:    e.Action,
		Actor:     e.Actor,
		Quest:     e.EntityID,
	}
	if e.Details == "" {
		return item, nil
	}
	switch e.Action {
	case ActionQuestExecuted, ActionQuestFailed:
		item.Execution = &Execution{}
		if err := json.Unmarshal([]byte(e.Details), item.Execution); err != nil {
			return item, fmt.Errorf("decode entry %s: %w", e.ID, err)
		}
	case ActionQuestEnabled, ActionQuestDisabled:
		item.Transition = &Transition{}
		if err := json.Unmarshal([]byte(e.Details), item.Transition); err != nil {
			return item, fmt.Errorf("decode entry %s: %w", e.ID, err)
		}
	}
	return item, nil
}

// History returns a quest's decoded entries, newest first
func (r *Recorder) History(ctx context.Context, quest string, limit int) ([]HistoryItem, error) {
	entries, err := r.store.History(ctx, quest, limit)
	if err != nil {
		return nil, err
	}
	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		item, err := Decode(e)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
