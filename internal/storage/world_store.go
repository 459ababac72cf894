package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dreamhouse/questd/internal/core"
)

// WorldStore persists dreamers and what quests award them. It answers
// predicate fact lookups and serves command side effects. Every write is
// published on the change feed for database_watch quests.
type WorldStore struct {
	db   *DB
	feed *ChangeFeed
}

// NewWorldStore creates a world store publishing to feed. feed may be nil.
func NewWorldStore(db *DB, feed *ChangeFeed) *WorldStore {
	return &WorldStore{db: db, feed: feed}
}

// Feed returns the store's change feed
func (s *WorldStore) Feed() *ChangeFeed {
	return s.feed
}

func (s *WorldStore) publish(table string, op core.DBOperation, row map[string]any) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(core.ChangeEvent{Table: table, Operation: op, Row: row})
}

func (s *WorldStore) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var one int
	err := s.db.conn.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ==================== Facts ====================

// HasCanon reports whether the dreamer has a canon entry with key
func (s *WorldStore) HasCanon(ctx context.Context, handle, key string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM canon WHERE handle = ? AND key = ?`, core.NormalizeHandle(handle), key)
}

// CanonCount returns how many canon entries the dreamer has
func (s *WorldStore) CanonCount(ctx context.Context, handle string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM canon WHERE handle = ?`, core.NormalizeHandle(handle)).Scan(&n)
	return n, err
}

// HasSouvenir reports whether the dreamer holds the souvenir
func (s *WorldStore) HasSouvenir(ctx context.Context, handle, key string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM souvenirs WHERE handle = ? AND key = ?`, core.NormalizeHandle(handle), key)
}

// HasRead reports whether the dreamer has read the book
func (s *WorldStore) HasRead(ctx context.Context, handle, book string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM books_read WHERE handle = ? AND book = ?`, core.NormalizeHandle(handle), book)
}

// HasBiblioStamp reports whether the dreamer holds the stamp
func (s *WorldStore) HasBiblioStamp(ctx context.Context, handle, stamp string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM biblio_stamps WHERE handle = ? AND stamp = ?`, core.NormalizeHandle(handle), stamp)
}

// ==================== Dreamers ====================

// IsRegistered reports whether handle belongs to a registered dreamer
func (s *WorldStore) IsRegistered(ctx context.Context, handle string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM dreamers WHERE handle = ?`, core.NormalizeHandle(handle))
}

// Dreamer returns a dreamer, or nil if the handle is not registered
func (s *WorldStore) Dreamer(ctx context.Context, handle string) (*core.Dreamer, error) {
	d := &core.Dreamer{}
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT handle, did, name, origin, created_at FROM dreamers WHERE handle = ?
	`, core.NormalizeHandle(handle)).Scan(&d.Handle, &d.DID, &d.Name, &d.Origin, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDreamers returns registered dreamers, newest first
func (s *WorldStore) ListDreamers(ctx context.Context, limit int) ([]*core.Dreamer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT handle, did, name, origin, created_at FROM dreamers
		ORDER BY created_at DESC, handle LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Dreamer
	for rows.Next() {
		d := &core.Dreamer{}
		if err := rows.Scan(&d.Handle, &d.DID, &d.Name, &d.Origin, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Register creates a dreamer and reports whether one was created
func (s *WorldStore) Register(ctx context.Context, d core.Dreamer) (bool, error) {
	handle := core.NormalizeHandle(d.Handle)
	if handle == "" {
		return false, fmt.Errorf("%w: handle", core.ErrMissingRequired)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO dreamers (handle, did, name, origin, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO NOTHING
	`, handle, d.DID, d.Name, d.Origin, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("register %s: %w", handle, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.publish("dreamers", core.OpInsert, map[string]any{"handle": handle, "did": d.DID, "name": d.Name})
	return true, nil
}

// SetName sets a dreamer's display name, registering unknown handles
func (s *WorldStore) SetName(ctx context.Context, handle, name string) error {
	handle = core.NormalizeHandle(handle)
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO dreamers (handle, name) VALUES (?, ?)
		ON CONFLICT(handle) DO UPDATE SET name = excluded.name
	`, handle, name)
	if err != nil {
		return fmt.Errorf("set name for %s: %w", handle, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish("dreamers", core.OpUpdate, map[string]any{"handle": handle, "name": name})
	}
	return nil
}

// SetOrigin records a registered dreamer's declared origin
func (s *WorldStore) SetOrigin(ctx context.Context, handle, origin string) error {
	handle = core.NormalizeHandle(handle)
	res, err := s.db.conn.ExecContext(ctx, `UPDATE dreamers SET origin = ? WHERE handle = ?`, origin, handle)
	if err != nil {
		return fmt.Errorf("set origin for %s: %w", handle, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dreamer %s", core.ErrRecordNotFound, handle)
	}
	s.publish("dreamers", core.OpUpdate, map[string]any{"handle": handle, "origin": origin})
	return nil
}

// RegisteredAmong returns the handles that belong to registered dreamers,
// in input order
func (s *WorldStore) RegisteredAmong(ctx context.Context, handles []string) ([]string, error) {
	var out []string
	for _, h := range handles {
		ok, err := s.IsRegistered(ctx, h)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, core.NormalizeHandle(h))
		}
	}
	return out, nil
}

// ==================== Canon ====================

// AddCanon records a canon entry. Re-adding a key replaces its
// description, type and style.
func (s *WorldStore) AddCanon(ctx context.Context, e core.CanonEntry) error {
	handle := core.NormalizeHandle(e.Handle)
	if handle == "" || strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("%w: canon handle and key", core.ErrMissingRequired)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var existed bool
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM canon WHERE handle = ? AND key = ?`, handle, e.Key).Scan(&one)
		existed = err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO canon (handle, key, description, type, rowstyle, quest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(handle, key) DO UPDATE SET
			    description = excluded.description,
			    type = excluded.type,
			    rowstyle = excluded.rowstyle,
			    quest = excluded.quest
		`, handle, e.Key, e.Description, string(e.Type), e.Rowstyle, e.Quest, e.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("add canon %s for %s: %w", e.Key, handle, err)
	}

	op := core.OpInsert
	if existed {
		op = core.OpUpdate
	}
	s.publish("canon", op, map[string]any{
		"handle":      handle,
		"key":         e.Key,
		"description": e.Description,
		"type":        string(e.Type),
		"rowstyle":    e.Rowstyle,
		"quest":       e.Quest,
	})
	return nil
}

// Canon lists a dreamer's canon entries, oldest first
func (s *WorldStore) Canon(ctx context.Context, handle string) ([]core.CanonEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT handle, key, description, type, rowstyle, quest, created_at
		FROM canon WHERE handle = ? ORDER BY id
	`, core.NormalizeHandle(handle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.CanonEntry
	for rows.Next() {
		var e core.CanonEntry
		var typ string
		if err := rows.Scan(&e.Handle, &e.Key, &e.Description, &typ, &e.Rowstyle, &e.Quest, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = core.CanonType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ==================== Souvenirs ====================

// DefineSouvenir adds or updates a souvenir in the catalog
func (s *WorldStore) DefineSouvenir(ctx context.Context, sv core.Souvenir) error {
	if strings.TrimSpace(sv.Key) == "" {
		return fmt.Errorf("%w: souvenir key", core.ErrMissingRequired)
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO souvenir_catalog (key, name, description) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name, description = excluded.description
	`, sv.Key, sv.Name, sv.Description)
	return err
}

// AwardSouvenir gives a souvenir once. It returns the catalog entry (or a
// bare one named after the key) and whether it was newly awarded.
func (s *WorldStore) AwardSouvenir(ctx context.Context, handle, key string) (core.Souvenir, bool, error) {
	handle = core.NormalizeHandle(handle)
	sv := core.Souvenir{Key: key, Name: key}
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT name, description FROM souvenir_catalog WHERE key = ?
	`, key).Scan(&sv.Name, &sv.Description)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return sv, false, err
	}
	if sv.Name == "" {
		sv.Name = key
	}

	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO souvenirs (handle, key) VALUES (?, ?) ON CONFLICT(handle, key) DO NOTHING
	`, handle, key)
	if err != nil {
		return sv, false, fmt.Errorf("award %s to %s: %w", key, handle, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sv, false, nil
	}
	s.publish("souvenirs", core.OpInsert, map[string]any{"handle": handle, "key": key, "name": sv.Name})
	return sv, true, nil
}

// Souvenirs lists the keys of a dreamer's souvenirs
func (s *WorldStore) Souvenirs(ctx context.Context, handle string) ([]string, error) {
	return s.keys(ctx, `SELECT key FROM souvenirs WHERE handle = ? ORDER BY key`, handle)
}

func (s *WorldStore) keys(ctx context.Context, query, handle string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, core.NormalizeHandle(handle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ==================== Reading ====================

// MarkRead records that a dreamer read a book
func (s *WorldStore) MarkRead(ctx context.Context, handle, book string) error {
	handle = core.NormalizeHandle(handle)
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO books_read (handle, book) VALUES (?, ?) ON CONFLICT DO NOTHING
	`, handle, book)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish("books_read", core.OpInsert, map[string]any{"handle": handle, "book": book})
	}
	return nil
}

// AddBiblioStamp gives a dreamer a biblio stamp
func (s *WorldStore) AddBiblioStamp(ctx context.Context, handle, stamp string) error {
	handle = core.NormalizeHandle(handle)
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO biblio_stamps (handle, stamp) VALUES (?, ?) ON CONFLICT DO NOTHING
	`, handle, stamp)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish("biblio_stamps", core.OpInsert, map[string]any{"handle": handle, "stamp": stamp})
	}
	return nil
}

// ==================== Spectrum ====================

// Spectrum returns the stored spectrum and whether one exists
func (s *WorldStore) Spectrum(ctx context.Context, handle string) (core.Spectrum, bool, error) {
	var sp core.Spectrum
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT entropy, oblivion, liberty, authority, receptive, skeptic
		FROM spectrum WHERE handle = ?
	`, core.NormalizeHandle(handle)).Scan(&sp.Entropy, &sp.Oblivion, &sp.Liberty, &sp.Authority, &sp.Receptive, &sp.Skeptic)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Spectrum{}, false, nil
	}
	if err != nil {
		return core.Spectrum{}, false, err
	}
	return sp, true, nil
}

// SetSpectrum stores a dreamer's spectrum
func (s *WorldStore) SetSpectrum(ctx context.Context, handle string, sp core.Spectrum) error {
	return s.Transaction(ctx, handle, func(*core.Spectrum) (core.Spectrum, error) { return sp, nil })
}

// ModSpectrum adds delta to one axis, starting from zero if the dreamer has
// no spectrum yet
func (s *WorldStore) ModSpectrum(ctx context.Context, handle, axis string, delta int) (core.Spectrum, error) {
	if !core.ValidAxis(axis) {
		return core.Spectrum{}, fmt.Errorf("%w: unknown spectrum axis %q", core.ErrInvalidArgs, axis)
	}
	var out core.Spectrum
	err := s.Transaction(ctx, handle, func(cur *core.Spectrum) (core.Spectrum, error) {
		base := core.Spectrum{}
		if cur != nil {
			base = *cur
		}
		next, err := base.Add(axis, delta)
		out = next
		return next, err
	})
	return out, err
}

// Transaction reads the dreamer's spectrum (nil if none), applies fn and
// writes the result back atomically
func (s *WorldStore) Transaction(ctx context.Context, handle string, fn func(cur *core.Spectrum) (core.Spectrum, error)) error {
	handle = core.NormalizeHandle(handle)
	var (
		next    core.Spectrum
		existed bool
	)
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var cur core.Spectrum
		err := tx.QueryRowContext(ctx, `
			SELECT entropy, oblivion, liberty, authority, receptive, skeptic
			FROM spectrum WHERE handle = ?
		`, handle).Scan(&cur.Entropy, &cur.Oblivion, &cur.Liberty, &cur.Authority, &cur.Receptive, &cur.Skeptic)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			next, err = fn(nil)
		case err != nil:
			return err
		default:
			existed = true
			next, err = fn(&cur)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO spectrum (handle, entropy, oblivion, liberty, authority, receptive, skeptic, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(handle) DO UPDATE SET
			    entropy = excluded.entropy, oblivion = excluded.oblivion,
			    liberty = excluded.liberty, authority = excluded.authority,
			    receptive = excluded.receptive, skeptic = excluded.skeptic,
			    updated_at = CURRENT_TIMESTAMP
		`, handle, next.Entropy, next.Oblivion, next.Liberty, next.Authority, next.Receptive, next.Skeptic)
		return err
	})
	if err != nil {
		return err
	}

	op := core.OpInsert
	if existed {
		op = core.OpUpdate
	}
	s.publish("spectrum", op, map[string]any{"handle": handle, "spectrum": next.String()})
	return nil
}

// ==================== Pairs ====================

// RecordPair records that handle was paired with kindred by quest
func (s *WorldStore) RecordPair(ctx context.Context, handle, kindred, quest string) error {
	handle, kindred = core.NormalizeHandle(handle), core.NormalizeHandle(kindred)
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO pairs (handle, kindred, quest) VALUES (?, ?, ?)
	`, handle, kindred, quest)
	if err != nil {
		return fmt.Errorf("record pair %s/%s: %w", handle, kindred, err)
	}
	s.publish("pairs", core.OpInsert, map[string]any{"handle": handle, "kindred": kindred, "quest": quest})
	return nil
}

// Kindred lists the handles a dreamer has been paired with
func (s *WorldStore) Kindred(ctx context.Context, handle string) ([]string, error) {
	return s.keys(ctx, `SELECT DISTINCT kindred FROM pairs WHERE handle = ? ORDER BY kindred`, handle)
}
