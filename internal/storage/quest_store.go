package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dreamhouse/questd/internal/core"
)

// QuestStore handles quest persistence
type QuestStore struct {
	db *DB
}

// NewQuestStore creates a new quest store
func NewQuestStore(db *DB) *QuestStore {
	return &QuestStore{db: db}
}

// Save inserts or replaces a quest. Configuration, conditions and commands
// are always written in canonical JSON.
func (s *QuestStore) Save(ctx context.Context, q *core.Quest) error {
	title := strings.TrimSpace(q.Title)
	if title == "" {
		return fmt.Errorf("%w: title", core.ErrMissingRequired)
	}
	if !q.TriggerType.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownTrigger, q.TriggerType)
	}

	cfg := q.TriggerConfig
	if cfg == nil || cfg.Type() != q.TriggerType {
		cfg = core.DefaultTriggerConfig(q.TriggerType)
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	conds := q.Conditions
	if conds == nil {
		conds = []core.Condition{}
	}
	conditions, err := json.Marshal(conds)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	cmds := q.Commands
	if cmds == nil {
		cmds = []core.Command{}
	}
	commands, err := json.Marshal(cmds)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO quests (
		    title, description, enabled, trigger_type, trigger_config,
		    conditions, condition_operator, commands, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(title) DO UPDATE SET
		    description = excluded.description,
		    enabled = excluded.enabled,
		    trigger_type = excluded.trigger_type,
		    trigger_config = excluded.trigger_config,
		    conditions = excluded.conditions,
		    condition_operator = excluded.condition_operator,
		    commands = excluded.commands,
		    updated_at = CURRENT_TIMESTAMP
	`,
		title, q.Description, q.Enabled, string(q.TriggerType), string(config),
		string(conditions), string(core.ParseOperator(string(q.ConditionOperator))), string(commands), q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save quest %q: %w", title, err)
	}
	return nil
}

const questColumns = `title, description, enabled, trigger_type, trigger_config,
	conditions, condition_operator, commands, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQuest reads one row and decodes it through the same path as the wire
// format, so rows written by older tools (string-encoded JSON, legacy
// commands) normalise the same way
func scanQuest(row rowScanner) (*core.Quest, error) {
	var (
		title, description, triggerType, config, conditions, operator, commands string
		enabled                                                                 bool
		createdAt                                                               int64
	)
	if err := row.Scan(&title, &description, &enabled, &triggerType, &config,
		&conditions, &operator, &commands, &createdAt); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(map[string]interface{}{
		"title":              title,
		"description":        description,
		"enabled":            enabled,
		"trigger_type":       triggerType,
		"trigger_config":     rawOrString(config),
		"conditions":         rawOrString(conditions),
		"condition_operator": operator,
		"commands":           rawOrString(commands),
		"created_at":         createdAt,
	})
	if err != nil {
		return nil, err
	}
	q, err := core.DecodeQuest(doc)
	if err != nil {
		return nil, fmt.Errorf("decode stored quest %q: %w", title, err)
	}
	return q, nil
}

func rawOrString(s string) interface{} {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

// Get returns a quest by title
func (s *QuestStore) Get(ctx context.Context, title string) (*core.Quest, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+questColumns+` FROM quests WHERE title = ?`, title)
	q, err := scanQuest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrQuestNotFound, title)
	}
	return q, err
}

// List returns all quests ordered by title
func (s *QuestStore) List(ctx context.Context) ([]*core.Quest, error) {
	return s.query(ctx, `SELECT `+questColumns+` FROM quests ORDER BY title`)
}

// ListByTrigger returns the quests of one trigger type
func (s *QuestStore) ListByTrigger(ctx context.Context, t core.TriggerType, enabledOnly bool) ([]*core.Quest, error) {
	if enabledOnly {
		return s.query(ctx, `SELECT `+questColumns+` FROM quests WHERE trigger_type = ? AND enabled = 1 ORDER BY title`, string(t))
	}
	return s.query(ctx, `SELECT `+questColumns+` FROM quests WHERE trigger_type = ? ORDER BY title`, string(t))
}

func (s *QuestStore) query(ctx context.Context, query string, args ...interface{}) ([]*core.Quest, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quests: %w", err)
	}
	defer rows.Close()

	var quests []*core.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, err
		}
		quests = append(quests, q)
	}
	return quests, rows.Err()
}

// SetEnabled sets the enabled flag and reports whether it changed
func (s *QuestStore) SetEnabled(ctx context.Context, title string, enabled bool) (bool, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE quests SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE title = ? AND enabled != ?
	`, enabled, title, enabled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.conn.QueryRowContext(ctx, `SELECT 1 FROM quests WHERE title = ?`, title).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", core.ErrQuestNotFound, title)
	}
	return false, err
}

// Delete removes a quest. Only operators delete quests; commands never do.
func (s *QuestStore) Delete(ctx context.Context, title string) error {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM quests WHERE title = ?`, title)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrQuestNotFound, title)
	}
	return nil
}

// Count returns the number of quests, and how many are enabled
func (s *QuestStore) Count(ctx context.Context) (total, enabled int, err error) {
	err = s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM quests`).Scan(&total, &enabled)
	return total, enabled, err
}
