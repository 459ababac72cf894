package storage

import (
	"context"
	"fmt"
	"time"
)

// SeenStore remembers which replies the reply monitor has dispatched
type SeenStore struct {
	db *DB
}

// NewSeenStore creates a seen-reply store
func NewSeenStore(db *DB) *SeenStore {
	return &SeenStore{db: db}
}

// MarkSeen records uri and reports whether it was new
func (s *SeenStore) MarkSeen(ctx context.Context, uri string) (bool, error) {
	res, err := s.db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO seen_replies (uri, seen_at) VALUES (?, ?)`, uri, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark seen %s: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Seen reports whether uri was already recorded
func (s *SeenStore) Seen(ctx context.Context, uri string) (bool, error) {
	var one int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_replies WHERE uri = ?`, uri).Scan(&one)
	return one > 0, err
}

// Prune forgets replies seen before cutoff and returns how many were removed
func (s *SeenStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM seen_replies WHERE seen_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
