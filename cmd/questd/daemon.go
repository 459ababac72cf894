package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dreamhouse/questd/internal/actions"
	"github.com/dreamhouse/questd/internal/api"
	"github.com/dreamhouse/questd/internal/config"
	"github.com/dreamhouse/questd/internal/dispatch"
	"github.com/dreamhouse/questd/internal/engine"
	"github.com/dreamhouse/questd/internal/ledger"
	"github.com/dreamhouse/questd/internal/logging"
	"github.com/dreamhouse/questd/internal/pgwatch"
	"github.com/dreamhouse/questd/internal/scheduler"
	"github.com/dreamhouse/questd/internal/social"
	"github.com/dreamhouse/questd/internal/storage"
)

const seenPruneInterval = 6 * time.Hour

// daemon owns every long-running component
type daemon struct {
	cfg *config.Config

	db         *storage.DB
	runtime    *engine.Runtime
	sched      *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	server     *api.Server
	redisSeen  *dispatch.RedisSeen
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}

	// Storage
	db, err := storage.Open(storage.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.db = db
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	feed := storage.NewChangeFeed()
	world := storage.NewWorldStore(db, feed)
	quests := storage.NewQuestStore(db)
	recorder := ledger.NewRecorder(ledger.NewStore(db.Conn()))

	// Social network
	client := social.NewClient(social.Config{
		Service:       cfg.Social.Service,
		AppView:       cfg.Social.AppView,
		Identifier:    cfg.Social.Identifier,
		Password:      cfg.Social.Password,
		RatePerSecond: cfg.Social.RatePerSecond,
		Burst:         cfg.Social.Burst,
		Timeout:       config.Seconds(cfg.Social.TimeoutSec, 15*time.Second),
	})
	var writer actions.Social = client
	if !client.CanWrite() {
		logging.Warn("no social credentials configured, likes and replies will only be logged")
		writer = social.NewLogClient()
	}

	// Runtime
	traces := api.NewTraceHub()
	d.runtime = engine.NewRuntime(engine.Config{
		QueueSize:        cfg.Runtime.QueueSize,
		ExecutionTimeout: config.Seconds(cfg.Runtime.ExecutionTimeoutSec, 30*time.Second),
		OnTrace:          traces.Publish,
	}, quests, world, writer, recorder)

	sched, err := scheduler.NewScheduler(scheduler.Config{Timezone: cfg.Scheduler.Timezone})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	d.sched = sched

	// Reply dedupe
	var seen dispatch.SeenSet
	if cfg.Redis.Enabled() {
		d.redisSeen = dispatch.NewRedisSeen(dispatch.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      time.Duration(cfg.Redis.TTLHours) * time.Hour,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := d.redisSeen.Ping(ctx)
		cancel()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		seen = d.redisSeen
		logging.WithField("addr", cfg.Redis.Addr).Info("using redis seen set")
	} else {
		seenStore := storage.NewSeenStore(db)
		seen = seenStore
		if err := d.schedulePrune(seenStore); err != nil {
			d.Close()
			return nil, err
		}
	}

	// Trigger adapters
	adapters := []dispatch.Adapter{
		dispatch.NewReplyMonitor(dispatch.ReplyMonitorConfig{
			Interval: config.Seconds(cfg.ReplyMonitor.IntervalSec, time.Minute),
			SelfDID:  cfg.Social.SelfDID,
		}, d.runtime, quests, client, seen, world),
		dispatch.NewScheduled(dispatch.PollConfig{
			Timeout:  config.Seconds(cfg.Poll.TimeoutSec, 10*time.Second),
			MaxBody:  cfg.Poll.MaxBody,
			Disabled: !cfg.Poll.Enabled,
		}, d.runtime, quests, sched, world),
		dispatch.NewDBWatch(feed, d.runtime, world),
	}
	if cfg.Firehose.Enabled {
		adapters = append(adapters, dispatch.NewFirehose(dispatch.FirehoseConfig{
			Endpoint:   cfg.Firehose.Endpoint,
			MinBackoff: config.Seconds(cfg.Firehose.MinBackoffSec, time.Second),
			MaxBackoff: config.Seconds(cfg.Firehose.MaxBackoffSec, time.Minute),
		}, d.runtime, quests, client, world))
	}
	if cfg.Postgres.Enabled() {
		if err := installTriggers(cfg.Postgres); err != nil {
			d.Close()
			return nil, err
		}
		adapters = append(adapters, pgwatch.New(pgwatch.Config{
			DSN:     cfg.Postgres.DSN,
			Channel: cfg.Postgres.Channel,
		}, feed))
	}

	d.dispatcher = dispatch.New(dispatch.Config{
		ReconcileInterval: config.Seconds(cfg.Dispatch.ReconcileIntervalSec, 30*time.Second),
	}, adapters...)

	// HTTP
	d.server = api.New(api.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Quests:        quests,
		Runtime:       d.runtime,
		Recorder:      recorder,
		Traces:        traces,
		WebhookPrefix: cfg.Webhook.Prefix,
		Webhook: dispatch.NewWebhook(dispatch.WebhookConfig{
			Prefix:     cfg.Webhook.Prefix,
			MaxBody:    cfg.Webhook.MaxBody,
			RetryAfter: cfg.Webhook.RetryAfterSec,
		}, d.runtime, quests),
	})

	return d, nil
}

// schedulePrune keeps the sqlite seen set bounded
func (d *daemon) schedulePrune(seen *storage.SeenStore) error {
	retention := time.Duration(d.cfg.ReplyMonitor.SeenRetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return nil
	}
	return d.sched.Register(scheduler.IntervalTask("seen-prune", "Prune seen replies", seenPruneInterval,
		func(ctx context.Context) error {
			n, err := seen.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logging.WithField("removed", n).Info("pruned seen replies")
			}
			return nil
		}))
}

// installTriggers attaches the notify trigger to every watched table
func installTriggers(cfg config.PostgresConfig) error {
	if len(cfg.Tables) == 0 {
		return nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, table := range cfg.Tables {
		if err := pgwatch.InstallNotifyTrigger(ctx, db, table, cfg.Channel); err != nil {
			return fmt.Errorf("install notify trigger on %s: %w", table, err)
		}
		logging.WithField("table", table).Info("notify trigger installed")
	}
	return nil
}

// Run starts every component and blocks until ctx ends or one of them fails
func (d *daemon) Run(ctx context.Context) error {
	if err := d.sched.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- d.server.Start()
	}()
	go func() {
		errCh <- d.dispatcher.Run(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			logging.Error("component failed: %v", runErr)
		}
	}

	timeout := config.Seconds(d.cfg.Runtime.ShutdownTimeoutSec, 30*time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := d.server.Stop(shutdownCtx); err != nil {
		logging.Warn("http shutdown: %v", err)
	}
	cancel()
	d.sched.Stop()
	if err := d.runtime.Close(shutdownCtx); err != nil {
		logging.Warn("runtime shutdown: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Close releases storage and connections
func (d *daemon) Close() {
	if d.redisSeen != nil {
		d.redisSeen.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}
