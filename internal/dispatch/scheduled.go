package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
	"github.com/dreamhouse/questd/internal/scheduler"
)

// TaskScheduler is the part of the scheduler the poll and cron adapters use
type TaskScheduler interface {
	Register(task *scheduler.Task) error
	Unregister(taskID string)
	GetTask(taskID string) (scheduler.Task, bool)
}

// PollConfig configures the poll adapter
type PollConfig struct {
	Timeout  time.Duration
	MaxBody  int64
	Disabled bool
}

// DefaultPollConfig returns default poll settings
func DefaultPollConfig() PollConfig {
	return PollConfig{Timeout: 10 * time.Second, MaxBody: 64 << 10}
}

// Scheduled registers one scheduler task per poll and cron quest. Both
// trigger types share the same task set so a quest whose trigger changes
// between the two is moved on the next reconcile.
type Scheduled struct {
	config  PollConfig
	runtime Runtime
	quests  QuestLister
	sched   TaskScheduler
	lookup  DreamerLookup
	client  *http.Client

	mu    sync.Mutex
	tasks map[string]string // task id -> signature
}

// NewScheduled creates the poll and cron adapter. lookup fills dreamer
// flags of poll events that carry a handle and may be nil.
func NewScheduled(cfg PollConfig, runtime Runtime, quests QuestLister, sched TaskScheduler, lookup DreamerLookup) *Scheduled {
	def := DefaultPollConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = def.MaxBody
	}
	return &Scheduled{
		config:  cfg,
		runtime: runtime,
		quests:  quests,
		sched:   sched,
		lookup:  lookup,
		client:  &http.Client{Timeout: cfg.Timeout},
		tasks:   make(map[string]string),
	}
}

// Name implements Adapter
func (s *Scheduled) Name() string { return "scheduled" }

// Run waits for ctx; the scheduler owns the task loops
func (s *Scheduled) Run(ctx context.Context) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.tasks {
		s.sched.Unregister(id)
	}
	s.tasks = make(map[string]string)
	return nil
}

func pollTaskID(title string) string { return "poll:" + title }
func cronTaskID(title string) string { return "cron:" + title }

// Tasks returns the registered task IDs
func (s *Scheduled) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Reconcile registers tasks for new or changed quests and removes tasks
// whose quest is gone or disabled
func (s *Scheduled) Reconcile(ctx context.Context) error {
	want := make(map[string]*scheduler.Task)
	sigs := make(map[string]string)

	if !s.config.Disabled {
		polls, err := s.quests.ListByTrigger(ctx, core.TriggerPoll, true)
		if err != nil {
			return err
		}
		for _, q := range polls {
			cfg, ok := q.TriggerConfig.(*core.PollConfig)
			if !ok || cfg.URL == "" {
				logging.WithField("quest", q.Title).Warn("poll quest has no url, skipping")
				continue
			}
			title, target := q.Title, cfg.URL
			interval := time.Duration(cfg.IntervalSeconds) * time.Second
			sigs[pollTaskID(title)] = fmt.Sprintf("%s|%s", interval, target)
			want[pollTaskID(title)] = scheduler.IntervalTask(pollTaskID(title), title, interval, func(ctx context.Context) error {
				s.PollOnce(ctx, title, target)
				return nil
			})
		}
	}

	crons, err := s.quests.ListByTrigger(ctx, core.TriggerCron, true)
	if err != nil {
		return err
	}
	for _, q := range crons {
		cfg, ok := q.TriggerConfig.(*core.CronConfig)
		if !ok {
			continue
		}
		if _, err := scheduler.ParseCron(cfg.Expression); err != nil {
			logging.WithField("quest", q.Title).Warn("skipping cron quest: %v", err)
			continue
		}
		title := q.Title
		sigs[cronTaskID(title)] = cfg.Expression
		want[cronTaskID(title)] = scheduler.CronTask(cronTaskID(title), title, cfg.Expression, func(ctx context.Context) error {
			return s.Tick(ctx, title)
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.tasks {
		if _, ok := want[id]; !ok {
			s.sched.Unregister(id)
			delete(s.tasks, id)
		}
	}
	for id, task := range want {
		if cur, ok := s.tasks[id]; ok && cur == sigs[id] {
			continue
		}
		if err := s.sched.Register(task); err != nil {
			logging.WithField("task", id).Warn("register failed: %v", err)
			continue
		}
		s.tasks[id] = sigs[id]
	}
	return nil
}

// Tick dispatches one cron firing
func (s *Scheduled) Tick(ctx context.Context, title string) error {
	ev := core.Event{
		Source:     core.TriggerCron,
		Extra:      map[string]any{"fired_at": time.Now().UTC().Format(time.RFC3339)},
		ReceivedAt: time.Now(),
	}
	return dropBenign(s.runtime.Dispatch(ctx, title, ev))
}

// PollOnce fetches target and dispatches the response. Fetch failures
// produce no event.
func (s *Scheduled) PollOnce(ctx context.Context, title, target string) bool {
	log := logging.WithFields(map[string]interface{}{"quest": title, "trigger": string(core.TriggerPoll)})

	ev, err := s.fetch(ctx, target)
	if err != nil {
		log.Warn("poll failed: %v", err)
		return false
	}
	fillDreamer(ctx, s.lookup, &ev)
	if err := dropBenign(s.runtime.Dispatch(ctx, title, ev)); err != nil {
		log.Warn("dispatch failed: %v", err)
		return false
	}
	return true
}

func (s *Scheduled) fetch(ctx context.Context, target string) (core.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return core.Event{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return core.Event{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxBody))
	if err != nil {
		return core.Event{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 500 {
		return core.Event{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	ev := core.Event{
		Source: core.TriggerPoll,
		Extra: map[string]any{
			"status": resp.StatusCode,
			"url":    target,
			"body":   string(body),
		},
		ReceivedAt: time.Now(),
	}

	// JSON object bodies are flattened into the event
	var obj map[string]any
	if strings.Contains(resp.Header.Get("Content-Type"), "json") || json.Valid(body) {
		if json.Unmarshal(body, &obj) == nil {
			for k, v := range obj {
				if _, taken := ev.Extra[k]; !taken {
					ev.Extra[k] = v
				}
			}
			if h, ok := obj["handle"].(string); ok {
				ev.Handle = core.NormalizeHandle(h)
			}
			if t, ok := obj["text"].(string); ok {
				ev.Text = t
			}
		}
	}
	return ev, nil
}
