package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noop(ctx context.Context) error { return nil }

func TestNewScheduler(t *testing.T) {
	t.Run("named timezone", func(t *testing.T) {
		s, err := NewScheduler(Config{Timezone: "America/New_York"})
		if err != nil {
			t.Fatalf("NewScheduler failed: %v", err)
		}
		if s.Timezone().String() != "America/New_York" {
			t.Errorf("Timezone = %s", s.Timezone())
		}
	})

	t.Run("empty defaults to UTC", func(t *testing.T) {
		s, err := NewScheduler(Config{})
		if err != nil {
			t.Fatalf("NewScheduler failed: %v", err)
		}
		if s.Timezone() != time.UTC {
			t.Errorf("Timezone = %s, want UTC", s.Timezone())
		}
	})

	t.Run("invalid timezone", func(t *testing.T) {
		if _, err := NewScheduler(Config{Timezone: "Invalid/Timezone"}); err == nil {
			t.Error("expected error for unknown timezone")
		}
	})
}

func TestScheduler_Register(t *testing.T) {
	s, _ := NewScheduler(DefaultConfig())

	t.Run("interval task", func(t *testing.T) {
		task := IntervalTask("poll:a", "Poll A", time.Minute, noop)
		if err := s.Register(task); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if task.Timeout == 0 {
			t.Error("default timeout not set")
		}
		if task.NextRun == nil {
			t.Fatal("NextRun not set")
		}
		if d := time.Until(*task.NextRun); d < 50*time.Second || d > time.Minute {
			t.Errorf("NextRun in %s, want about a minute", d)
		}
	})

	t.Run("cron task", func(t *testing.T) {
		task := CronTask("cron:b", "Cron B", "0 * * * *", noop)
		if err := s.Register(task); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		next := task.NextRun.In(time.UTC)
		if next.Minute() != 0 || next.Second() != 0 {
			t.Errorf("NextRun = %s, want top of the hour", next)
		}
	})

	tests := []struct {
		name string
		task *Task
	}{
		{"missing id", IntervalTask("", "x", time.Minute, noop)},
		{"missing handler", IntervalTask("x", "x", time.Minute, nil)},
		{"zero interval", IntervalTask("x", "x", 0, noop)},
		{"bad cron", CronTask("x", "x", "every tuesday", noop)},
		{"six fields", CronTask("x", "x", "0 0 * * * *", noop)},
		{"descriptor", CronTask("x", "x", "@hourly", noop)},
		{"every", CronTask("x", "x", "@every 5m", noop)},
		{"tz prefix", CronTask("x", "x", "TZ=Asia/Tokyo 0 9 * * *", noop)},
		{"cron_tz prefix", CronTask("x", "x", "CRON_TZ=UTC 0 9 * * *", noop)},
		{"unknown type", &Task{ID: "x", Handler: noop, Schedule: Schedule{Type: "daily"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Register(tt.task); err == nil {
				t.Error("expected error")
			}
		})
	}

	if ids := s.TaskIDs(); len(ids) != 2 || ids[0] != "cron:b" || ids[1] != "poll:a" {
		t.Errorf("TaskIDs = %v", ids)
	}
}

func TestParseCron_Timezone(t *testing.T) {
	sched, err := ParseCron("30 9 * * 1")
	if err != nil {
		t.Fatal(err)
	}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tz database unavailable")
	}
	// Sunday 2024-03-03 12:00 in Tokyo
	from := time.Date(2024, 3, 3, 12, 0, 0, 0, tokyo)
	next := sched.Next(from)
	want := time.Date(2024, 3, 4, 9, 30, 0, 0, tokyo)
	if !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}

func TestScheduler_RunsIntervalTask(t *testing.T) {
	s, _ := NewScheduler(DefaultConfig())

	var count int32
	task := IntervalTask("poll:fast", "fast", 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err := s.Register(task); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&count) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if atomic.LoadInt32(&count) < 3 {
		t.Errorf("task ran %d times, want at least 3", count)
	}
	after := atomic.LoadInt32(&count)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&count) != after {
		t.Error("task kept running after Stop")
	}
}

func TestScheduler_ErrorsAreCounted(t *testing.T) {
	s, _ := NewScheduler(DefaultConfig())
	done := make(chan struct{}, 1)
	task := IntervalTask("poll:err", "err", time.Hour, func(ctx context.Context) error {
		defer func() { done <- struct{}{} }()
		return errors.New("upstream 500")
	})
	if err := s.Register(task); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("poll:err"); err != nil {
		t.Fatal(err)
	}
	<-done
	s.Stop()

	// RunNow's goroutine records the error after the handler returns
	deadline := time.Now().Add(time.Second)
	for {
		got, _ := s.GetTask("poll:err")
		if got.ErrorCount == 1 {
			if got.LastError != "upstream 500" {
				t.Errorf("LastError = %q", got.LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ErrorCount = %d, want 1", got.ErrorCount)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := s.GetStats()
	if stats.TotalErrors != 1 || stats.TotalRuns != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestScheduler_RunNow_NotFound(t *testing.T) {
	s, _ := NewScheduler(DefaultConfig())
	if err := s.RunNow("nonexistent"); err == nil {
		t.Error("expected error for nonexistent task")
	}
}

func TestScheduler_ReplaceAndUnregister(t *testing.T) {
	s, _ := NewScheduler(DefaultConfig())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	var old, replaced int32
	_ = s.Register(IntervalTask("cron:q", "q", 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&old, 1)
		return nil
	}))
	_ = s.Register(CronTask("cron:q", "q", "0 0 1 1 *", func(ctx context.Context) error {
		atomic.AddInt32(&replaced, 1)
		return nil
	}))

	snapshot := atomic.LoadInt32(&old)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&old) > snapshot+1 {
		t.Error("replaced task loop still running")
	}
	if atomic.LoadInt32(&replaced) != 0 {
		t.Error("yearly task should not have run")
	}

	got, ok := s.GetTask("cron:q")
	if !ok || got.Schedule.Type != ScheduleCron {
		t.Fatalf("GetTask = %+v, %v", got, ok)
	}
	if stats := s.GetStats(); stats.RunningTasks != 1 {
		t.Errorf("RunningTasks = %d, want 1", stats.RunningTasks)
	}

	s.Unregister("cron:q")
	if _, ok := s.GetTask("cron:q"); ok {
		t.Error("task still registered")
	}
	if stats := s.GetStats(); stats.RunningTasks != 0 || stats.TotalTasks != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSchedule_Equal(t *testing.T) {
	a := Schedule{Type: ScheduleCron, Cron: "* * * * *"}
	if !a.Equal(Schedule{Type: ScheduleCron, Cron: "* * * * *"}) {
		t.Error("identical schedules differ")
	}
	if a.Equal(Schedule{Type: ScheduleInterval, Interval: time.Minute}) {
		t.Error("different schedules equal")
	}
}
