// Package engine runs quests: it owns the enable/disable state machine,
// serializes executions per quest, and applies deferred effects.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamhouse/questd/internal/actions"
	"github.com/dreamhouse/questd/internal/conditions"
	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// QuestStore is the part of quest storage the runtime needs
type QuestStore interface {
	Get(ctx context.Context, title string) (*core.Quest, error)
	ListByTrigger(ctx context.Context, t core.TriggerType, enabledOnly bool) ([]*core.Quest, error)
	SetEnabled(ctx context.Context, title string, enabled bool) (bool, error)
}

// Recorder persists executions and state transitions
type Recorder interface {
	RecordExecution(ctx context.Context, trace *core.ExecutionTrace) error
	RecordTransition(ctx context.Context, quest string, enabled bool, reason string) error
}

// Policy decides what happens to an event when its quest is busy
type Policy int

const (
	// DropIfBusy discards the event if the quest is running or has work queued
	DropIfBusy Policy = iota
	// Queue appends to the quest's FIFO; a full queue drops with a warning
	Queue
	// QueueOrReject appends to the FIFO; a full queue returns ErrQuestBusy
	QueueOrReject
)

func (p Policy) String() string {
	switch p {
	case DropIfBusy:
		return "drop_if_busy"
	case Queue:
		return "queue"
	case QueueOrReject:
		return "queue_or_reject"
	default:
		return "unknown"
	}
}

// PolicyFor returns the busy policy for a trigger type
func PolicyFor(t core.TriggerType) Policy {
	switch t {
	case core.TriggerPoll, core.TriggerCron:
		return DropIfBusy
	case core.TriggerWebhook:
		return QueueOrReject
	default:
		return Queue
	}
}

// Config configures the runtime
type Config struct {
	QueueSize        int
	ExecutionTimeout time.Duration

	// OnTrace, if set, is called after every execution that reached the
	// evaluator
	OnTrace func(*core.ExecutionTrace)
}

// DefaultConfig returns default runtime settings
func DefaultConfig() Config {
	return Config{
		QueueSize:        16,
		ExecutionTimeout: 30 * time.Second,
	}
}

// Runtime dispatches events to quests. Each quest has one worker goroutine
// and a bounded queue, so at most one pipeline per quest is in flight while
// different quests run in parallel.
type Runtime struct {
	config   Config
	store    QuestStore
	facts    conditions.Facts
	pipeline *actions.Pipeline
	recorder Recorder
	stats    *Stats

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type job struct {
	event  core.Event
	queued time.Time
}

type worker struct {
	title   string
	jobs    chan job
	pending atomic.Int32 // queued + running
}

// NewRuntime creates a runtime. world and social may be nil; commands that
// need them will fail. recorder may be nil.
func NewRuntime(cfg Config, store QuestStore, world actions.World, social actions.Social, recorder Recorder) *Runtime {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	r := &Runtime{
		config:   cfg,
		store:    store,
		pipeline: actions.NewPipeline(actions.NewCatalog(world, social), cfg.ExecutionTimeout),
		recorder: recorder,
		stats:    newStats(),
		workers:  make(map[string]*worker),
	}
	if world != nil {
		r.facts = world
	}
	return r
}

// Stats returns the runtime's counters
func (r *Runtime) Stats() *Stats {
	return r.stats
}

// ==================== Dispatch ====================

// Dispatch hands ev to one quest, applying the busy policy of the quest's
// trigger type. Disabled quests are rejected with ErrQuestDisabled.
func (r *Runtime) Dispatch(ctx context.Context, title string, ev core.Event) error {
	q, err := r.store.Get(ctx, title)
	if err != nil {
		return err
	}
	if !q.Enabled {
		return fmt.Errorf("%w: %s", core.ErrQuestDisabled, title)
	}
	return r.enqueue(q, ev)
}

// DispatchTrigger hands ev to every enabled quest of trigger type t that
// accept admits. A nil accept admits every quest. It returns the number of
// quests the event was queued for.
func (r *Runtime) DispatchTrigger(ctx context.Context, t core.TriggerType, ev core.Event, accept func(*core.Quest) bool) (int, error) {
	quests, err := r.store.ListByTrigger(ctx, t, true)
	if err != nil {
		return 0, fmt.Errorf("list %s quests: %w", t, err)
	}
	if ev.Source == "" {
		ev.Source = t
	}

	n := 0
	for _, q := range quests {
		if !q.Enabled || (accept != nil && !accept(q)) {
			continue
		}
		if err := r.enqueue(q, ev); err != nil {
			if errors.Is(err, core.ErrRuntimeClosed) {
				return n, err
			}
			continue
		}
		n++
	}
	return n, nil
}

func (r *Runtime) enqueue(q *core.Quest, ev core.Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	policy := PolicyFor(q.TriggerType)
	log := logging.WithFields(map[string]interface{}{
		"quest":   q.Title,
		"trigger": string(q.TriggerType),
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.ErrRuntimeClosed
	}

	w := r.workerLocked(q.Title)
	r.stats.dispatched(q.Title)

	if policy == DropIfBusy {
		if !w.pending.CompareAndSwap(0, 1) {
			r.stats.dropped(q.Title)
			log.Debug("quest busy, dropping %s event", q.TriggerType)
			return nil
		}
		w.jobs <- job{event: ev, queued: time.Now()}
		return nil
	}

	w.pending.Add(1)
	select {
	case w.jobs <- job{event: ev, queued: time.Now()}:
		return nil
	default:
		w.pending.Add(-1)
	}

	if policy == QueueOrReject {
		r.stats.rejected(q.Title)
		log.Warn("queue full, rejecting event")
		return fmt.Errorf("%w: %s", core.ErrQuestBusy, q.Title)
	}
	r.stats.dropped(q.Title)
	log.Warn("queue full, dropping event from %s", ev.Handle)
	return nil
}

// workerLocked returns the quest's worker, starting it on first use.
// r.mu must be held.
func (r *Runtime) workerLocked(title string) *worker {
	if w, ok := r.workers[title]; ok {
		return w
	}
	w := &worker{title: title, jobs: make(chan job, r.config.QueueSize)}
	r.workers[title] = w
	r.wg.Add(1)
	go r.runWorker(w)
	return w
}

func (r *Runtime) runWorker(w *worker) {
	defer r.wg.Done()
	for j := range w.jobs {
		r.runJob(w.title, j)
		w.pending.Add(-1)
	}
}

// Close stops accepting events and waits for queued and in-flight
// executions to finish, or for ctx to end.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, w := range r.workers {
		close(w.jobs)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for quest workers: %w", ctx.Err())
	}
}

// ==================== Execution ====================

// runJob re-reads the quest so an event queued before a disable is
// filtered when it reaches the front of the queue
func (r *Runtime) runJob(title string, j job) {
	ctx := context.Background()

	q, err := r.store.Get(ctx, title)
	if err != nil {
		logging.WithField("quest", title).Warn("quest vanished before execution: %v", err)
		r.stats.filtered(title)
		return
	}
	if !q.Enabled {
		logging.WithField("quest", title).Debug("quest disabled while queued, skipping")
		r.stats.filtered(title)
		return
	}

	logging.WithField("quest", title).Debug("job started after %s in queue", time.Since(j.queued).Round(time.Millisecond))
	trace := r.Execute(ctx, q, j.event)
	if r.config.OnTrace != nil {
		r.config.OnTrace(trace)
	}
}

// factsFor answers fact predicates from the world store. Fact extras in an
// event payload are only consulted when the runtime has no store.
func (r *Runtime) factsFor(ev core.Event) conditions.Facts {
	if r.facts != nil {
		return r.facts
	}
	return conditions.EventOnly(ev)
}

// Execute evaluates q against ev and, on a match, runs its commands and
// applies deferred effects. It does not consult the busy policy; callers
// outside the worker must serialize per quest themselves.
func (r *Runtime) Execute(ctx context.Context, q *core.Quest, ev core.Event) *core.ExecutionTrace {
	trace := &core.ExecutionTrace{
		ID:        uuid.New().String(),
		Quest:     q.Title,
		Event:     ev,
		Operator:  q.ConditionOperator,
		FailedAt:  -1,
		StartedAt: time.Now(),
	}
	log := logging.WithFields(map[string]interface{}{
		"quest":        q.Title,
		"execution_id": trace.ID,
	})

	verdict := conditions.EvaluateQuest(ctx, q, ev, r.factsFor(ev))
	trace.Conditions = verdict.Trace
	trace.Matched = verdict.Matched
	r.stats.executed(q.Title, verdict.Matched)

	if !verdict.Matched {
		trace.FinishedAt = time.Now()
		return trace
	}

	trace.Commands = actions.Resolve(q.Commands)
	log.Info("conditions matched for %s, running %d commands", ev.Handle, len(q.Commands))
	res := r.pipeline.Run(ctx, q.Title, q.Commands, ev, nil)
	trace.Steps = res.Steps
	trace.Bindings = res.Bindings
	trace.FailedAt = res.FailedAt()

	if res.Err != nil {
		trace.Error = res.Err.Error()
		r.stats.failed(q.Title)
	} else {
		for _, eff := range res.Deferred {
			if eff.Kind != core.EffectDisableQuest {
				continue
			}
			if err := r.disable(ctx, q.Title, core.ReasonDisableCommand); err != nil {
				log.Error("failed to disable quest: %v", err)
				continue
			}
			trace.Disabled = true
		}
	}
	trace.FinishedAt = time.Now()

	if r.recorder != nil {
		if err := r.recorder.RecordExecution(ctx, trace); err != nil {
			log.Warn("failed to record execution: %v", err)
		}
	}
	return trace
}

// ==================== State ====================

// Enable turns a quest on. Future events are dispatched to it.
func (r *Runtime) Enable(ctx context.Context, title, reason string) error {
	return r.setEnabled(ctx, title, true, reason)
}

// Disable turns a quest off. Executions already running complete; queued
// events are skipped when they reach the worker.
func (r *Runtime) Disable(ctx context.Context, title, reason string) error {
	return r.disable(ctx, title, reason)
}

func (r *Runtime) disable(ctx context.Context, title, reason string) error {
	return r.setEnabled(ctx, title, false, reason)
}

// setEnabled is idempotent: only an actual change is recorded
func (r *Runtime) setEnabled(ctx context.Context, title string, enabled bool, reason string) error {
	changed, err := r.store.SetEnabled(ctx, title, enabled)
	if err != nil {
		return fmt.Errorf("set enabled=%t for %q: %w", enabled, title, err)
	}
	if !changed {
		return nil
	}
	logging.WithField("quest", title).Info("quest enabled=%t (%s)", enabled, reason)
	if r.recorder != nil {
		if err := r.recorder.RecordTransition(ctx, title, enabled, reason); err != nil {
			logging.WithField("quest", title).Warn("failed to record transition: %v", err)
		}
	}
	return nil
}
