// Package ledger keeps the append-only record of quest executions and state
// transitions. Every entry is hash-chained to the previous one, so edits to
// past entries are detectable.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash of the first entry
const GenesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Store manages the append-only ledger
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Entry represents an immutable ledger entry
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`      // "quest.executed", "quest.disabled", etc.
	Actor      string    `json:"actor"`       // "engine", "operator" or "system"
	EntityType string    `json:"entity_type"` // "quest"
	EntityID   string    `json:"entity_id"`   // quest title
	Details    string    `json:"details"`     // JSON blob
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// Action constants
const (
	ActionQuestExecuted = "quest.executed"
	ActionQuestFailed   = "quest.failed"
	ActionQuestEnabled  = "quest.enabled"
	ActionQuestDisabled = "quest.disabled"
	ActionQuestSaved    = "quest.saved"
	ActionQuestDeleted  = "quest.deleted"
)

// Actor constants
const (
	ActorEngine   = "engine"
	ActorOperator = "operator"
	ActorSystem   = "system"
)

// EntityQuest is the entity type of every quest entry
const EntityQuest = "quest"

// Append adds a new entry with hash chaining. It is the only write path.
func (s *Store) Append(ctx context.Context, action, actor, entityType, entityID string, details interface{}) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	prevHash, err := s.getLastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    detailsJSON,
		PrevHash:   prevHash,
	}
	entry.Hash = computeHash(entry)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp, entry.Action, entry.Actor, entry.EntityType, entry.EntityID,
		entry.Details, entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	entry.Seq, _ = res.LastInsertId()

	return entry, nil
}

// getLastHash returns the hash of the most recent entry
func (s *Store) getLastHash(ctx context.Context) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM ledger ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

// computeHash hashes the canonical form of an entry, excluding the hash and
// the storage sequence. The timestamp is hashed as UTC text so the result
// does not depend on how a driver restores time zones.
func computeHash(entry *Entry) string {
	canonical := struct {
		ID         string `json:"id"`
		Timestamp  string `json:"timestamp"`
		Action     string `json:"action"`
		Actor      string `json:"actor"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Details    string `json:"details"`
		PrevHash   string `json:"prev_hash"`
	}{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

const entryColumns = `seq, id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var entityType, entityID, details, prevHash sql.NullString
	err := row.Scan(
		&entry.Seq, &entry.ID, &entry.Timestamp, &entry.Action, &entry.Actor,
		&entityType, &entityID, &details, &prevHash, &entry.Hash,
	)
	if err != nil {
		return nil, err
	}
	entry.EntityType = entityType.String
	entry.EntityID = entityID.String
	entry.Details = details.String
	entry.PrevHash = prevHash.String
	return &entry, nil
}

// VerifyChain checks every link of the ledger in insertion order.
// It returns nil if valid, or a *ChainError for the first broken link.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := GenesisHash
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         "chain_broken",
			}
		}

		expectedHash := computeHash(entry)
		if entry.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedHash,
				ActualHash:   entry.Hash,
				Type:         "hash_mismatch",
			}
		}

		expectedPrevHash = entry.Hash
	}

	return rows.Err()
}

// ChainError represents a broken chain
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	if e.Type == "chain_broken" {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

// QueryOptions filters entries
type QueryOptions struct {
	Action     string    // Filter by action type
	Actor      string    // Filter by actor
	EntityType string    // Filter by entity type
	EntityID   string    // Filter by entity ID
	Since      time.Time // Entries at or after this time
	Until      time.Time // Entries at or before this time
	Limit      int       // Maximum entries to return
	Offset     int       // Skip first N entries
}

// Query returns matching entries, newest first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger WHERE 1=1`
	var args []interface{}

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until.UTC())
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetByID returns a single entry by ID, or nil if there is none
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return entry, nil
}

// GetRecent returns the most recent entries
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{Limit: limit})
}

// Count returns the total number of entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger").Scan(&count)
	return count, err
}

// History returns a quest's entries, newest first
func (s *Store) History(ctx context.Context, quest string, limit int) ([]*Entry, error) {
	return s.Query(ctx, QueryOptions{
		EntityType: EntityQuest,
		EntityID:   quest,
		Limit:      limit,
	})
}

// Summary statistics
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	ByActor      map[string]int `json:"by_actor"`
	ByQuest      map[string]int `json:"by_quest"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the ledger
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		ByAction: make(map[string]int),
		ByActor:  make(map[string]int),
		ByQuest:  make(map[string]int),
	}

	entries, err := s.Query(ctx, QueryOptions{})
	if err != nil {
		return nil, err
	}
	summary.TotalEntries = len(entries)
	if n := len(entries); n > 0 {
		last, first := entries[0].Timestamp, entries[n-1].Timestamp
		summary.FirstEntry = &first
		summary.LastEntry = &last
	}
	for _, e := range entries {
		summary.ByAction[e.Action]++
		summary.ByActor[e.Actor]++
		if e.EntityType == EntityQuest && e.EntityID != "" {
			summary.ByQuest[e.EntityID]++
		}
	}

	if err := s.VerifyChain(ctx); err != nil {
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}

	return summary, nil
}
