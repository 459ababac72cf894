// Package scheduler runs interval and cron tasks. The poll and cron trigger
// adapters share one scheduler.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dreamhouse/questd/internal/logging"
)

// Scheduler manages scheduled tasks
type Scheduler struct {
	tasks    map[string]*Task
	running  map[string]context.CancelFunc
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	timezone *time.Location
}

// Config configures the scheduler
type Config struct {
	Timezone string `json:"timezone"` // IANA name; default UTC
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{Timezone: "UTC"}
}

// NewScheduler creates a new scheduler. An unknown timezone is an error.
func NewScheduler(cfg Config) (*Scheduler, error) {
	name := cfg.Timezone
	if name == "" {
		name = "UTC"
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:    make(map[string]*Task),
		running:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
		timezone: tz,
	}, nil
}

// Timezone returns the location cron expressions are evaluated in
func (s *Scheduler) Timezone() *time.Location {
	return s.timezone
}

// Task represents a scheduled task
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   Schedule      `json:"schedule"`
	Handler    TaskHandler   `json:"-"`
	Enabled    bool          `json:"enabled"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Timeout    time.Duration `json:"timeout"`

	cron cron.Schedule
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Schedule defines when a task runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // For interval schedules
	Cron     string        `json:"cron,omitempty"`     // 5-field expression
}

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // Run every X duration
	ScheduleCron     ScheduleType = "cron"     // Cron expression
)

// Equal reports whether two schedules fire at the same times
func (s Schedule) Equal(o Schedule) bool {
	return s.Type == o.Type && s.Interval == o.Interval && s.Cron == o.Cron
}

// cronParser accepts exactly five fields; descriptors such as @hourly are
// not enabled
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a standard 5-field cron expression. Expressions carry
// no timezone of their own; the scheduler's timezone applies.
func ParseCron(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return nil, fmt.Errorf("invalid cron expression %q: timezone prefixes are not supported", expr)
	}
	sched, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Register adds a task, replacing any task with the same ID
func (s *Scheduler) Register(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}

	switch task.Schedule.Type {
	case ScheduleInterval:
		if task.Schedule.Interval <= 0 {
			return fmt.Errorf("task %s: interval must be positive", task.ID)
		}
	case ScheduleCron:
		sched, err := ParseCron(task.Schedule.Cron)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		task.cron = sched
	default:
		return fmt.Errorf("task %s: unknown schedule type %q", task.ID, task.Schedule.Type)
	}

	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}
	task.CreatedAt = time.Now()
	task.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTaskLocked(task.ID)
	nextRun := s.calculateNextRun(task)
	task.NextRun = &nextRun
	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}
	return nil
}

// Unregister removes a task from the scheduler
func (s *Scheduler) Unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTaskLocked(taskID)
	delete(s.tasks, taskID)
}

func (s *Scheduler) stopTaskLocked(taskID string) {
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, task := range s.tasks {
		if task.Enabled {
			s.startTask(task)
		}
	}
	return nil
}

// Stop cancels every task loop and waits for running handlers to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = make(map[string]context.CancelFunc)
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
}

// startTask starts a single task's loop. s.mu must be held.
func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(taskCtx, task)
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		wait := time.Until(*task.NextRun)
		s.mu.RUnlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.executeTask(ctx, task)
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
		logging.WithField("task", task.ID).Warn("scheduled task failed: %v", err)
	} else {
		task.LastError = ""
	}
	// no backfill: the next run is computed from now, not from the missed slot
	nextRun := s.calculateNextRun(task)
	task.NextRun = &nextRun
	s.mu.Unlock()
}

func (s *Scheduler) calculateNextRun(task *Task) time.Time {
	now := time.Now().In(s.timezone)
	if task.Schedule.Type == ScheduleCron && task.cron != nil {
		return task.cron.Next(now)
	}
	return now.Add(task.Schedule.Interval)
}

// RunNow executes a task immediately, outside its schedule
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeTask(ctx, task)
	}()
	return nil
}

// GetTask returns a copy of a task by ID
func (s *Scheduler) GetTask(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// TaskIDs returns the registered task IDs, sorted
func (s *Scheduler) TaskIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
		Timezone:     s.timezone.String(),
	}
	for _, task := range s.tasks {
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}
	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool   `json:"started"`
	TotalTasks   int    `json:"total_tasks"`
	RunningTasks int    `json:"running_tasks"`
	TotalRuns    int64  `json:"total_runs"`
	TotalErrors  int64  `json:"total_errors"`
	Timezone     string `json:"timezone"`
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleInterval, Interval: interval},
		Handler:  handler,
	}
}

// CronTask creates a task that runs on a cron expression
func CronTask(id, name, expr string, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleCron, Cron: expr},
		Handler:  handler,
	}
}
