// Package dispatch turns external occurrences into events and hands them to
// the quest runtime. Each trigger type has one adapter; the dispatcher runs
// them side by side and keeps their quest sets current.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// Runtime is the part of the quest runtime adapters dispatch into
type Runtime interface {
	Dispatch(ctx context.Context, title string, ev core.Event) error
	DispatchTrigger(ctx context.Context, t core.TriggerType, ev core.Event, accept func(*core.Quest) bool) (int, error)
}

// QuestLister lists quests by trigger type
type QuestLister interface {
	ListByTrigger(ctx context.Context, t core.TriggerType, enabledOnly bool) ([]*core.Quest, error)
}

// Adapter produces events for one trigger type until ctx ends
type Adapter interface {
	Name() string
	Run(ctx context.Context) error
}

// Reconciler is an adapter whose work depends on the current quest set
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Config configures the dispatcher
type Config struct {
	ReconcileInterval time.Duration
}

// DefaultConfig returns default dispatcher settings
func DefaultConfig() Config {
	return Config{ReconcileInterval: 30 * time.Second}
}

// Dispatcher runs adapters and periodically reconciles their quest sets
type Dispatcher struct {
	config   Config
	adapters []Adapter
}

// New creates a dispatcher over adapters
func New(cfg Config, adapters ...Adapter) *Dispatcher {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	return &Dispatcher{config: cfg, adapters: adapters}
}

// Adapters returns the names of the configured adapters
func (d *Dispatcher) Adapters() []string {
	names := make([]string, len(d.adapters))
	for i, a := range d.adapters {
		names[i] = a.Name()
	}
	return names
}

// Reconcile refreshes every adapter's quest set once. Failures are logged;
// the returned error joins them.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	var errs []error
	for _, a := range d.adapters {
		r, ok := a.(Reconciler)
		if !ok {
			continue
		}
		if err := r.Reconcile(ctx); err != nil {
			logging.WithField("adapter", a.Name()).Warn("reconcile failed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run starts every adapter and blocks until ctx ends. An adapter returning
// an error stops the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	_ = d.Reconcile(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range d.adapters {
		a := a
		g.Go(func() error {
			logging.WithField("adapter", a.Name()).Info("adapter started")
			err := a.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("adapter %s: %w", a.Name(), err)
			}
			logging.WithField("adapter", a.Name()).Info("adapter stopped")
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.config.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				_ = d.Reconcile(gctx)
			}
		}
	})

	return g.Wait()
}

// dropBenign hides dispatch errors that only mean the quest went away or
// was disabled since the last reconcile
func dropBenign(err error) error {
	if errors.Is(err, core.ErrQuestDisabled) || errors.Is(err, core.ErrQuestNotFound) {
		return nil
	}
	return err
}
