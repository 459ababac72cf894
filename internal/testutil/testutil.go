// Package testutil provides shared testing utilities for questd.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/storage"
)

// TestDB opens a migrated in-memory quest database, closed on cleanup
func TestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open quest db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate quest db: %v", err)
	}
	return db
}

// SeedQuests saves quests into db and returns the store holding them
func SeedQuests(t *testing.T, db *storage.DB, quests ...*core.Quest) *storage.QuestStore {
	t.Helper()
	store := storage.NewQuestStore(db)
	for _, q := range quests {
		if err := store.Save(context.Background(), q); err != nil {
			t.Fatalf("seed quest %q: %v", q.Title, err)
		}
	}
	return store
}

// SeedDreamer registers handle in db with one memory canon entry per key.
// The returned world store has no change feed.
func SeedDreamer(t *testing.T, db *storage.DB, handle string, canonKeys ...string) *storage.WorldStore {
	t.Helper()
	ctx := context.Background()
	world := storage.NewWorldStore(db, nil)
	if _, err := world.Register(ctx, core.Dreamer{Handle: handle}); err != nil {
		t.Fatalf("seed dreamer %s: %v", handle, err)
	}
	for _, key := range canonKeys {
		entry := core.CanonEntry{
			Handle:      handle,
			Key:         key,
			Description: fmt.Sprintf("seeded %s", key),
			Type:        core.CanonMemory,
		}
		if err := world.AddCanon(ctx, entry); err != nil {
			t.Fatalf("seed canon %s for %s: %v", key, handle, err)
		}
	}
	return world
}

// TestContext is cancelled after 30s or when the test ends
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// RequireEnv skips the test unless key is set, e.g. for a live Postgres
// or Redis
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	val := os.Getenv(key)
	if val == "" {
		t.Skipf("%s not set", key)
	}
	return val
}
