// Package pgwatch turns PostgreSQL LISTEN/NOTIFY row changes into change
// events for database_watch quests.
package pgwatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// DefaultChannel is the NOTIFY channel used by the installed triggers
const DefaultChannel = "questd_changes"

// Publisher receives decoded row changes
type Publisher interface {
	Publish(ev core.ChangeEvent)
}

// Config configures the watcher
type Config struct {
	DSN          string
	Channel      string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
}

func (c *Config) defaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.MinReconnect <= 0 {
		c.MinReconnect = time.Second
	}
	if c.MaxReconnect < c.MinReconnect {
		c.MaxReconnect = time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 90 * time.Second
	}
}

// Watcher listens on one channel and publishes every notification
type Watcher struct {
	config Config
	pub    Publisher
}

// New creates a watcher. Run opens the connection.
func New(cfg Config, pub Publisher) *Watcher {
	cfg.defaults()
	return &Watcher{config: cfg, pub: pub}
}

// Name implements dispatch.Adapter
func (w *Watcher) Name() string { return "pgwatch" }

// Run listens until ctx ends. The listener reconnects on its own; a nil
// notification marks a reconnect, after which changes may have been missed.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.WithField("adapter", w.Name())

	listener := pq.NewListener(w.config.DSN, w.config.MinReconnect, w.config.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnectionAttemptFailed:
				log.Warn("connection attempt failed: %v", err)
			case pq.ListenerEventDisconnected:
				log.Warn("disconnected: %v", err)
			case pq.ListenerEventReconnected:
				log.Info("reconnected")
			}
		})
	defer listener.Close()

	if err := listener.Listen(w.config.Channel); err != nil {
		return fmt.Errorf("listen %s: %w", w.config.Channel, err)
	}
	log.Info("listening on %s", w.config.Channel)

	ping := time.NewTicker(w.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				log.Warn("listener reconnected, changes during the gap were not delivered")
				continue
			}
			w.handle(n)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				log.Warn("ping failed: %v", err)
			}
		}
	}
}

func (w *Watcher) handle(n *pq.Notification) {
	ev, err := ParseNotification(n.Extra)
	if err != nil {
		logging.WithField("channel", n.Channel).Warn("dropping notification: %v", err)
		return
	}
	w.pub.Publish(ev)
}

type payload struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Row       map[string]any `json:"row"`
}

// ParseNotification decodes a payload written by the installed trigger
func ParseNotification(raw string) (core.ChangeEvent, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return core.ChangeEvent{}, fmt.Errorf("%w: %v", core.ErrMalformedPayload, err)
	}
	if p.Table == "" {
		return core.ChangeEvent{}, fmt.Errorf("%w: missing table", core.ErrMalformedPayload)
	}
	op, ok := core.ParseDBOperation(p.Operation)
	if !ok {
		return core.ChangeEvent{}, fmt.Errorf("%w: operation %q", core.ErrMalformedPayload, p.Operation)
	}
	return core.ChangeEvent{Table: p.Table, Operation: op, Row: p.Row, At: time.Now().UTC()}, nil
}

// ==================== Trigger installer ====================

const notifyFunction = `CREATE OR REPLACE FUNCTION questd_notify_change() RETURNS trigger AS $$
DECLARE
	rec record;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify(TG_ARGV[0], json_build_object(
		'table', TG_TABLE_NAME,
		'operation', TG_OP,
		'row', row_to_json(rec))::text);
	RETURN rec;
END;
$$ LANGUAGE plpgsql`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// TriggerName returns the name of the notify trigger installed on table
func TriggerName(table string) string {
	return "questd_notify_" + table
}

// InstallNotifyTrigger creates the notify function and a row trigger on
// table that publishes to channel. Re-running it replaces the trigger.
// NOTIFY payloads are capped at 8000 bytes by the server, so very wide rows
// fail the triggering statement.
func InstallNotifyTrigger(ctx context.Context, db *sql.DB, table, channel string) error {
	if !tableName.MatchString(table) {
		return fmt.Errorf("%w: table name %q", core.ErrInvalidInput, table)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	trigger := pq.QuoteIdentifier(TriggerName(table))
	target := pq.QuoteIdentifier(table)
	stmts := []string{
		notifyFunction,
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, target),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION questd_notify_change(%s)",
			trigger, target, pq.QuoteLiteral(channel)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger on %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// RemoveNotifyTrigger drops the trigger installed on table
func RemoveNotifyTrigger(ctx context.Context, db *sql.DB, table string) error {
	if !tableName.MatchString(table) {
		return fmt.Errorf("%w: table name %q", core.ErrInvalidInput, table)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
		pq.QuoteIdentifier(TriggerName(table)), pq.QuoteIdentifier(table)))
	if err != nil {
		return fmt.Errorf("remove trigger on %s: %w", table, err)
	}
	return nil
}
