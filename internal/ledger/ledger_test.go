package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dreamhouse/questd/internal/core"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			entity_type TEXT,
			entity_id TEXT,
			details TEXT,
			prev_hash TEXT,
			hash TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create ledger table: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func mustAppend(t *testing.T, store *Store, action, actor, quest string) *Entry {
	t.Helper()
	e, err := store.Append(context.Background(), action, actor, EntityQuest, quest, nil)
	if err != nil {
		t.Fatalf("Append(%s) failed: %v", action, err)
	}
	return e
}

func TestStore_Append(t *testing.T) {
	store := NewStore(setupTestDB(t))

	entry, err := store.Append(context.Background(), ActionQuestExecuted, ActorEngine, EntityQuest, "first words", map[string]interface{}{
		"execution_id": "x",
	})
	if err != nil {
		t.Fatalf("Failed to append first entry: %v", err)
	}
	if entry.PrevHash != GenesisHash {
		t.Errorf("First entry should have genesis prev_hash, got %s", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Entry hash should not be empty")
	}
	if entry.Seq != 1 {
		t.Errorf("Seq = %d, want 1", entry.Seq)
	}

	entry2 := mustAppend(t, store, ActionQuestDisabled, ActorEngine, "first words")
	if entry2.PrevHash != entry.Hash {
		t.Errorf("Second entry prev_hash should match first entry hash")
	}
}

func TestStore_Append_SameTimestampKeepsOrder(t *testing.T) {
	store := NewStore(setupTestDB(t))

	// many entries in a tight loop share timestamps at coarse resolution;
	// the chain must still follow insertion order
	for i := 0; i < 50; i++ {
		mustAppend(t, store, ActionQuestExecuted, ActorEngine, "burst")
	}
	if err := store.VerifyChain(context.Background()); err != nil {
		t.Errorf("Chain verification should pass: %v", err)
	}
}

func TestStore_VerifyChain_TamperedHash(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)

	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "q")
	mustAppend(t, store, ActionQuestFailed, ActorEngine, "q")

	if _, err := db.Exec("UPDATE ledger SET details = '{\"error\":\"rewritten\"}' WHERE action = ?", ActionQuestFailed); err != nil {
		t.Fatalf("Failed to tamper with entry: %v", err)
	}

	err := store.VerifyChain(context.Background())
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Expected ChainError, got %T (%v)", err, err)
	}
	if chainErr.Type != "hash_mismatch" || chainErr.EntryNum != 2 {
		t.Errorf("ChainError = %+v", chainErr)
	}
}

func TestStore_VerifyChain_BrokenLink(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)

	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "q")
	mustAppend(t, store, ActionQuestFailed, ActorEngine, "q")

	if _, err := db.Exec("UPDATE ledger SET prev_hash = 'broken' WHERE action = ?", ActionQuestFailed); err != nil {
		t.Fatalf("Failed to break chain: %v", err)
	}

	err := store.VerifyChain(context.Background())
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Expected ChainError, got %T (%v)", err, err)
	}
	if chainErr.Type != "chain_broken" {
		t.Errorf("Expected chain_broken error type, got %s", chainErr.Type)
	}
	if chainErr.Error() == "" {
		t.Error("empty error message")
	}
}

func TestStore_Query(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "a")
	mustAppend(t, store, ActionQuestDisabled, ActorOperator, "a")
	mustAppend(t, store, ActionQuestEnabled, ActorOperator, "b")
	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "b")

	tests := []struct {
		name string
		opts QueryOptions
		want int
	}{
		{"by action", QueryOptions{Action: ActionQuestExecuted}, 2},
		{"by actor", QueryOptions{Actor: ActorOperator}, 2},
		{"by quest", QueryOptions{EntityType: EntityQuest, EntityID: "a"}, 2},
		{"limit", QueryOptions{Limit: 3}, 3},
		{"offset only", QueryOptions{Offset: 3}, 1},
		{"no match", QueryOptions{EntityID: "zzz"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(entries), tt.want)
			}
		})
	}

	recent, _ := store.GetRecent(ctx, 1)
	if len(recent) != 1 || recent[0].EntityID != "b" || recent[0].Action != ActionQuestExecuted {
		t.Errorf("GetRecent should return the newest entry first, got %+v", recent)
	}
}

func TestStore_GetByID(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	entry, err := store.Append(ctx, ActionQuestSaved, ActorOperator, EntityQuest, "q", map[string]interface{}{"enabled": true})
	if err != nil {
		t.Fatal(err)
	}

	retrieved, err := store.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Entry not found")
	}
	if retrieved.Action != entry.Action || retrieved.Hash != entry.Hash || retrieved.Details != `{"enabled":true}` {
		t.Errorf("GetByID = %+v", retrieved)
	}

	notFound, err := store.GetByID(ctx, "non-existent")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if notFound != nil {
		t.Error("Should return nil for non-existent ID")
	}
}

func TestStore_GetSummary(t *testing.T) {
	store := NewStore(setupTestDB(t))

	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "a")
	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "b")
	mustAppend(t, store, ActionQuestDisabled, ActorOperator, "a")

	summary, err := store.GetSummary(context.Background())
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.TotalEntries != 3 {
		t.Errorf("Expected 3 total entries, got %d", summary.TotalEntries)
	}
	if !summary.ChainValid {
		t.Errorf("Chain should be valid, error: %s", summary.ChainError)
	}
	if summary.ByAction[ActionQuestExecuted] != 2 || summary.ByActor[ActorOperator] != 1 || summary.ByQuest["a"] != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.FirstEntry == nil || summary.LastEntry == nil || summary.LastEntry.Before(*summary.FirstEntry) {
		t.Errorf("time range = %v .. %v", summary.FirstEntry, summary.LastEntry)
	}
}

func TestStore_Count(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	if count, _ := store.Count(ctx); count != 0 {
		t.Errorf("Expected 0 entries, got %d", count)
	}
	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "a")
	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "b")
	if count, _ := store.Count(ctx); count != 2 {
		t.Errorf("Expected 2 entries, got %d", count)
	}
}

func TestStore_Query_TimeRange(t *testing.T) {
	store := NewStore(setupTestDB(t))

	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "a")
	time.Sleep(10 * time.Millisecond)
	midpoint := time.Now()
	time.Sleep(10 * time.Millisecond)
	mustAppend(t, store, ActionQuestExecuted, ActorEngine, "b")

	entries, err := store.Query(context.Background(), QueryOptions{Since: midpoint})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].EntityID != "b" {
		t.Errorf("Expected only b since midpoint, got %d entries", len(entries))
	}
}

func TestRecorder_Execution(t *testing.T) {
	store := NewStore(setupTestDB(t))
	recorder := NewRecorder(store)
	ctx := context.Background()

	start := time.Now()
	ok := &core.ExecutionTrace{
		ID:         "exec-1",
		Quest:      "first words",
		Event:      core.Event{Source: core.TriggerBskyReply, Handle: "alice.bsky.social"},
		Matched:    true,
		Commands:   []core.CommandPlan{{Index: 0, Cmd: "like_post", Known: true}},
		Steps:      []core.CommandStep{{Index: 0, Cmd: "like_post", Status: core.StepOK}},
		FailedAt:   -1,
		StartedAt:  start,
		FinishedAt: start.Add(42 * time.Millisecond),
	}
	if err := recorder.RecordExecution(ctx, ok); err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}

	failed := *ok
	failed.ID = "exec-2"
	failed.Error = "like_post: social unavailable"
	failed.FailedAt = 0
	failed.Steps = []core.CommandStep{{Index: 0, Cmd: "like_post", Status: core.StepFailed, Error: "social unavailable"}}
	if err := recorder.RecordExecution(ctx, &failed); err != nil {
		t.Fatal(err)
	}

	history, err := recorder.History(ctx, "first words", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history items, got %d", len(history))
	}

	newest := history[0]
	if newest.Action != ActionQuestFailed || newest.Execution == nil {
		t.Fatalf("newest = %+v", newest)
	}
	if newest.Execution.ExecutionID != "exec-2" || newest.Execution.FailedAt != 0 || newest.Execution.Steps[0].Status != core.StepFailed {
		t.Errorf("failed execution = %+v", newest.Execution)
	}

	oldest := history[1]
	if oldest.Action != ActionQuestExecuted || oldest.Execution.DurationMS != 42 || oldest.Execution.Handle != "alice.bsky.social" {
		t.Errorf("executed = %+v", oldest.Execution)
	}
	if len(oldest.Execution.Commands) != 1 || oldest.Execution.Commands[0] != "like_post" {
		t.Errorf("commands = %v", oldest.Execution.Commands)
	}
}

func TestRecorder_Transition(t *testing.T) {
	store := NewStore(setupTestDB(t))
	recorder := NewRecorder(store)
	ctx := context.Background()

	if err := recorder.RecordTransition(ctx, "q", false, core.ReasonDisableCommand); err != nil {
		t.Fatal(err)
	}
	if err := recorder.RecordTransition(ctx, "q", true, "operator"); err != nil {
		t.Fatal(err)
	}

	history, err := recorder.History(ctx, "q", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(history))
	}
	if history[0].Action != ActionQuestEnabled || history[0].Actor != ActorOperator || !history[0].Transition.Enabled {
		t.Errorf("enable = %+v", history[0])
	}
	if history[1].Action != ActionQuestDisabled || history[1].Actor != ActorEngine || history[1].Transition.Reason != core.ReasonDisableCommand {
		t.Errorf("disable = %+v", history[1])
	}
}

func TestRecorder_SavedAndDeleted(t *testing.T) {
	store := NewStore(setupTestDB(t))
	recorder := NewRecorder(store)
	ctx := context.Background()

	q := core.NewQuest("q", core.TriggerCron)
	if err := recorder.RecordSaved(ctx, q); err != nil {
		t.Fatal(err)
	}
	if err := recorder.RecordDeleted(ctx, "q"); err != nil {
		t.Fatal(err)
	}

	history, _ := recorder.History(ctx, "q", 0)
	if len(history) != 2 || history[0].Action != ActionQuestDeleted || history[1].Action != ActionQuestSaved {
		t.Errorf("history = %+v", history)
	}
	if history[0].Execution != nil || history[0].Transition != nil {
		t.Error("delete entry should carry no decoded details")
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	entry := &Entry{
		ID:         "test-id",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Action:     ActionQuestExecuted,
		Actor:      ActorEngine,
		EntityType: EntityQuest,
		EntityID:   "q",
		Details:    `{"key":"value"}`,
		PrevHash:   "prev-hash-value",
	}

	hash1 := computeHash(entry)
	if hash1 != computeHash(entry) {
		t.Error("Hash should be deterministic")
	}

	// same instant in another zone hashes the same
	shifted := *entry
	shifted.Timestamp = entry.Timestamp.In(time.FixedZone("X", 3600))
	if computeHash(&shifted) != hash1 {
		t.Error("Hash should not depend on time zone")
	}

	// seq is storage detail, not content
	shifted.Seq = 99
	if computeHash(&shifted) != hash1 {
		t.Error("Hash should not depend on seq")
	}

	entry.Details = `{"key":"different"}`
	if hash1 == computeHash(entry) {
		t.Error("Hash should change when entry changes")
	}
}
