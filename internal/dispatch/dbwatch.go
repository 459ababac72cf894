package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// ChangeSource delivers row changes until ctx ends
type ChangeSource interface {
	Subscribe(ctx context.Context, buffer int) <-chan core.ChangeEvent
}

// DBWatch dispatches row changes to database_watch quests
type DBWatch struct {
	source  ChangeSource
	runtime Runtime
	lookup  DreamerLookup
	buffer  int
}

// NewDBWatch creates the database_watch adapter. lookup may be nil.
func NewDBWatch(source ChangeSource, runtime Runtime, lookup DreamerLookup) *DBWatch {
	return &DBWatch{source: source, runtime: runtime, lookup: lookup, buffer: 256}
}

// Name implements Adapter
func (d *DBWatch) Name() string { return string(core.TriggerDatabaseWatch) }

// Run consumes the change source until ctx ends
func (d *DBWatch) Run(ctx context.Context) error {
	changes := d.source.Subscribe(ctx, d.buffer)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			if _, err := d.Handle(ctx, ch); err != nil {
				logging.WithFields(map[string]interface{}{
					"adapter": d.Name(),
					"table":   ch.Table,
				}).Warn("dispatch failed: %v", err)
			}
		}
	}
}

// WatchMatches reports whether a database_watch config selects ch
func WatchMatches(cfg *core.DatabaseWatchConfig, ch core.ChangeEvent) bool {
	if cfg == nil || cfg.Table == "" {
		return false
	}
	return strings.EqualFold(cfg.Table, ch.Table) && cfg.Operation == ch.Operation
}

// Handle dispatches one change and returns the number of quests it was
// queued for
func (d *DBWatch) Handle(ctx context.Context, ch core.ChangeEvent) (int, error) {
	ev := ChangeToEvent(ch)
	fillDreamer(ctx, d.lookup, &ev)
	return d.runtime.DispatchTrigger(ctx, core.TriggerDatabaseWatch, ev, func(q *core.Quest) bool {
		cfg, _ := q.TriggerConfig.(*core.DatabaseWatchConfig)
		return WatchMatches(cfg, ch)
	})
}

// ChangeToEvent builds the event for a row change. Row columns are exposed
// as extras; handle and text columns fill the matching event fields.
func ChangeToEvent(ch core.ChangeEvent) core.Event {
	ev := core.Event{
		Source: core.TriggerDatabaseWatch,
		Extra: map[string]any{
			"table":     ch.Table,
			"operation": string(ch.Operation),
		},
		ReceivedAt: ch.At,
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	for k, v := range ch.Row {
		if _, taken := ev.Extra[k]; !taken {
			ev.Extra[k] = v
		}
	}
	if h, ok := ch.Row["handle"]; ok && h != nil {
		ev.Handle = core.NormalizeHandle(fmt.Sprint(h))
	}
	if t, ok := ch.Row["text"]; ok && t != nil {
		ev.Text = fmt.Sprint(t)
	}
	return ev
}
