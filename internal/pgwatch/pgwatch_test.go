package pgwatch

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/testutil"
)

type memPublisher struct {
	mu     sync.Mutex
	events []core.ChangeEvent
}

func (p *memPublisher) Publish(ev core.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *memPublisher) Events() []core.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ChangeEvent(nil), p.events...)
}

func TestParseNotification(t *testing.T) {
	ev, err := ParseNotification(`{"table":"dreamers","operation":"insert","row":{"handle":"eve","id":3}}`)
	require.NoError(t, err)
	assert.Equal(t, "dreamers", ev.Table)
	assert.Equal(t, core.OpInsert, ev.Operation)
	assert.Equal(t, "eve", ev.Row["handle"])
	assert.False(t, ev.At.IsZero())

	for _, raw := range []string{
		`not json`,
		`{"operation":"INSERT"}`,
		`{"table":"dreamers","operation":"TRUNCATE"}`,
	} {
		_, err := ParseNotification(raw)
		assert.ErrorIs(t, err, core.ErrMalformedPayload, raw)
	}
}

func TestWatcher_Handle(t *testing.T) {
	pub := &memPublisher{}
	w := New(Config{}, pub)
	assert.Equal(t, DefaultChannel, w.config.Channel)

	w.handle(&pq.Notification{Channel: DefaultChannel, Extra: `{"table":"books","operation":"DELETE","row":{"id":1}}`})
	w.handle(&pq.Notification{Channel: DefaultChannel, Extra: `{}`})

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, core.OpDelete, events[0].Operation)
}

func TestInstallNotifyTrigger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE OR REPLACE FUNCTION questd_notify_change()")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TRIGGER IF EXISTS "questd_notify_dreamers" ON "dreamers"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TRIGGER "questd_notify_dreamers" AFTER INSERT OR UPDATE OR DELETE ON "dreamers" FOR EACH ROW EXECUTE FUNCTION questd_notify_change('quests')`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, InstallNotifyTrigger(context.Background(), db, "dreamers", "quests"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallNotifyTrigger_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE OR REPLACE FUNCTION")).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = InstallNotifyTrigger(context.Background(), db, "dreamers", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstallNotifyTrigger_RejectsBadTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"", "drop table x;", "1abc", "a-b"} {
		err := InstallNotifyTrigger(context.Background(), db, table, "")
		assert.ErrorIs(t, err, core.ErrInvalidInput, table)
	}
	assert.ErrorIs(t, RemoveNotifyTrigger(context.Background(), db, "bad name"), core.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveNotifyTrigger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DROP TRIGGER IF EXISTS "questd_notify_canon" ON "canon"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, RemoveNotifyTrigger(context.Background(), db, "canon"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Runs against a real server when QUESTD_TEST_POSTGRES_DSN is set.
func TestWatcher_Postgres(t *testing.T) {
	dsn := testutil.RequireEnv(t, "QUESTD_TEST_POSTGRES_DSN")
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := testutil.TestContext(t)
	table := "questd_watch_" + testutil.RandomID()
	_, err = db.ExecContext(ctx, "CREATE TABLE "+pq.QuoteIdentifier(table)+" (id serial primary key, handle text)")
	require.NoError(t, err)
	defer db.Exec("DROP TABLE " + pq.QuoteIdentifier(table))

	channel := "questd_test_" + testutil.RandomID()
	require.NoError(t, InstallNotifyTrigger(ctx, db, table, channel))

	pub := &memPublisher{}
	w := New(Config{DSN: dsn, Channel: channel}, pub)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	require.Eventually(t, func() bool {
		db.ExecContext(ctx, "INSERT INTO "+pq.QuoteIdentifier(table)+" (handle) VALUES ('eve')")
		return len(pub.Events()) > 0
	}, 10*time.Second, 200*time.Millisecond)

	ev := pub.Events()[0]
	assert.Equal(t, table, ev.Table)
	assert.Equal(t, core.OpInsert, ev.Operation)
	assert.Equal(t, "eve", ev.Row["handle"])
}
