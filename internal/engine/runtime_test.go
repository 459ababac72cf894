package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	store    *testutil.MemQuestStore
	world    *testutil.FakeWorld
	social   *testutil.MockSocial
	recorder *testutil.MemRecorder
	runtime  *Runtime
}

func newHarness(t *testing.T, cfg Config, quests ...*core.Quest) *harness {
	t.Helper()
	h := &harness{
		store:    testutil.NewMemQuestStore(quests...),
		world:    testutil.NewFakeWorld(),
		social:   &testutil.MockSocial{},
		recorder: &testutil.MemRecorder{},
	}
	h.runtime = NewRuntime(cfg, h.store, h.world, h.social, h.recorder)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runtime.Close(ctx)
	})
	return h
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runtime.Close(ctx))
}

// blockLikes makes every like wait for release. started receives once per
// like that begins.
func (h *harness) blockLikes() (started chan struct{}, release func()) {
	started = make(chan struct{}, 16)
	gate := make(chan struct{})
	var once sync.Once
	h.social.LikeFunc = func(ctx context.Context, _ core.PostRef) error {
		started <- struct{}{}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return started, func() { once.Do(func() { close(gate) }) }
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		trigger core.TriggerType
		want    Policy
	}{
		{core.TriggerPoll, DropIfBusy},
		{core.TriggerCron, DropIfBusy},
		{core.TriggerBskyReply, Queue},
		{core.TriggerFirehosePhrase, Queue},
		{core.TriggerDatabaseWatch, Queue},
		{core.TriggerWebhook, QueueOrReject},
	}
	for _, tt := range tests {
		t.Run(string(tt.trigger), func(t *testing.T) {
			assert.Equal(t, tt.want, PolicyFor(tt.trigger))
		})
	}
	assert.Equal(t, "queue_or_reject", QueueOrReject.String())
}

func TestRuntime_DispatchTriggerRunsMatchingQuest(t *testing.T) {
	q := testutil.QuestFixture("Hello Quest", core.TriggerBskyReply)
	other := testutil.QuestFixture("Cron Quest", core.TriggerCron)
	h := newHarness(t, DefaultConfig(), q, other)

	n, err := h.runtime.DispatchTrigger(context.Background(), core.TriggerBskyReply,
		testutil.ReplyEvent("luna.bsky.social", "Hello, house!"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.close(t)

	assert.Equal(t, 1, h.social.LikeCount())
	require.Equal(t, 1, h.recorder.ExecutionCount())
	trace := h.recorder.Executions[0]
	assert.True(t, trace.Matched)
	assert.Equal(t, "Hello Quest", trace.Quest)
	assert.Equal(t, -1, trace.FailedAt)
	assert.Equal(t, []string{"like_post"}, trace.CommandNames())

	stats := h.runtime.Stats().Get("Hello Quest")
	assert.EqualValues(t, 1, stats.Executions)
	assert.EqualValues(t, 1, stats.Matches)
	assert.Zero(t, h.runtime.Stats().Get("Cron Quest").Dispatched)
}

func TestRuntime_DispatchTriggerAcceptFilter(t *testing.T) {
	a := testutil.QuestFixture("A", core.TriggerFirehosePhrase)
	b := testutil.QuestFixture("B", core.TriggerFirehosePhrase)
	h := newHarness(t, DefaultConfig(), a, b)

	n, err := h.runtime.DispatchTrigger(context.Background(), core.TriggerFirehosePhrase,
		testutil.ReplyEvent("x.bsky.social", "hello"), func(q *core.Quest) bool { return q.Title == "B" })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.close(t)

	require.Equal(t, 1, h.recorder.ExecutionCount())
	assert.Equal(t, "B", h.recorder.Executions[0].Quest)
	assert.Equal(t, core.TriggerFirehosePhrase, h.recorder.Executions[0].Event.Source)
}

func TestRuntime_NonMatchRunsNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig(), testutil.QuestFixture("Q", core.TriggerBskyReply))

	require.NoError(t, h.runtime.Dispatch(context.Background(), "Q", testutil.ReplyEvent("a.bsky.social", "goodbye")))
	h.close(t)

	assert.Zero(t, h.social.LikeCount())
	assert.Zero(t, h.recorder.ExecutionCount())
	stats := h.runtime.Stats().Get("Q")
	assert.EqualValues(t, 1, stats.Executions)
	assert.Zero(t, stats.Matches)
}

func TestRuntime_DispatchDisabledQuest(t *testing.T) {
	q := testutil.QuestFixture("Off", core.TriggerWebhook)
	q.Enabled = false
	h := newHarness(t, DefaultConfig(), q)

	err := h.runtime.Dispatch(context.Background(), "Off", testutil.ReplyEvent("a.bsky.social", "hello"))
	assert.ErrorIs(t, err, core.ErrQuestDisabled)

	err = h.runtime.Dispatch(context.Background(), "Missing", testutil.ReplyEvent("a.bsky.social", "hello"))
	assert.ErrorIs(t, err, core.ErrQuestNotFound)

	n, err := h.runtime.DispatchTrigger(context.Background(), core.TriggerWebhook, testutil.ReplyEvent("a.bsky.social", "hello"), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuntime_DisableQuestAppliesAfterSuccess(t *testing.T) {
	q := testutil.QuestFixture("One Shot", core.TriggerBskyReply)
	q.Commands = []core.Command{{Cmd: "like_post"}, {Cmd: "disable_quest"}}
	h := newHarness(t, DefaultConfig(), q)

	for i := 0; i < 3; i++ {
		_, err := h.runtime.DispatchTrigger(context.Background(), core.TriggerBskyReply,
			testutil.ReplyEvent("a.bsky.social", "hello"), nil)
		require.NoError(t, err)
	}
	h.close(t)

	assert.Equal(t, 1, h.social.LikeCount(), "later events must be filtered once disabled")

	stored, err := h.store.Get(context.Background(), "One Shot")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	require.Equal(t, 1, h.recorder.ExecutionCount())
	assert.True(t, h.recorder.Executions[0].Disabled)

	transitions := h.recorder.TransitionsFor("One Shot")
	require.Len(t, transitions, 1)
	assert.False(t, transitions[0].Enabled)
}

func TestRuntime_DisableIsIdempotent(t *testing.T) {
	q := testutil.QuestFixture("Q", core.TriggerCron)
	h := newHarness(t, DefaultConfig(), q)
	ctx := context.Background()

	require.NoError(t, h.runtime.Disable(ctx, "Q", "operator"))
	require.NoError(t, h.runtime.Disable(ctx, "Q", "operator"))

	// a quest that disables itself when already disabled records nothing new
	stored, _ := h.store.Get(ctx, "Q")
	stored.Commands = []core.Command{{Cmd: "disable_quest"}}
	trace := h.runtime.Execute(ctx, stored, testutil.ReplyEvent("a.bsky.social", "hello"))
	assert.True(t, trace.Matched)
	assert.Len(t, h.recorder.TransitionsFor("Q"), 1)

	require.NoError(t, h.runtime.Enable(ctx, "Q", "operator"))
	transitions := h.recorder.TransitionsFor("Q")
	require.Len(t, transitions, 2)
	assert.True(t, transitions[1].Enabled)

	assert.ErrorIs(t, h.runtime.Enable(ctx, "Nope", "operator"), core.ErrQuestNotFound)
}

func TestRuntime_FailedPipelineKeepsQuestEnabled(t *testing.T) {
	q := testutil.QuestFixture("Broken", core.TriggerBskyReply)
	q.Commands = []core.Command{
		{Cmd: "add_canon", Args: []string{"k:desc:prophecy"}},
		{Cmd: "disable_quest"},
	}
	h := newHarness(t, DefaultConfig(), q)

	require.NoError(t, h.runtime.Dispatch(context.Background(), "Broken", testutil.ReplyEvent("a.bsky.social", "hello")))
	h.close(t)

	stored, err := h.store.Get(context.Background(), "Broken")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)

	require.Equal(t, 1, h.recorder.ExecutionCount())
	trace := h.recorder.Executions[0]
	assert.Equal(t, 0, trace.FailedAt)
	assert.Contains(t, trace.Error, "add_canon")
	assert.False(t, trace.Disabled)
	assert.EqualValues(t, 1, h.runtime.Stats().Get("Broken").Failures)
}

func TestRuntime_DisabledWhileQueued(t *testing.T) {
	q := testutil.QuestFixture("Q", core.TriggerBskyReply)
	h := newHarness(t, DefaultConfig(), q)
	started, release := h.blockLikes()
	ctx := context.Background()

	require.NoError(t, h.runtime.Dispatch(ctx, "Q", testutil.ReplyEvent("a.bsky.social", "hello")))
	<-started
	require.NoError(t, h.runtime.Dispatch(ctx, "Q", testutil.ReplyEvent("b.bsky.social", "hello")))

	require.NoError(t, h.runtime.Disable(ctx, "Q", "operator"))
	release()
	h.close(t)

	assert.Equal(t, 1, h.social.LikeCount(), "in-flight execution completes")
	assert.EqualValues(t, 1, h.runtime.Stats().Get("Q").Filtered)
}

func TestRuntime_DropIfBusy(t *testing.T) {
	q := testutil.QuestFixture("Ticker", core.TriggerCron)
	h := newHarness(t, DefaultConfig(), q)
	started, release := h.blockLikes()
	ctx := context.Background()

	require.NoError(t, h.runtime.Dispatch(ctx, "Ticker", testutil.ReplyEvent("a.bsky.social", "hello")))
	<-started
	require.NoError(t, h.runtime.Dispatch(ctx, "Ticker", testutil.ReplyEvent("a.bsky.social", "hello")))
	require.NoError(t, h.runtime.Dispatch(ctx, "Ticker", testutil.ReplyEvent("a.bsky.social", "hello")))

	release()
	h.close(t)

	assert.Equal(t, 1, h.social.LikeCount())
	stats := h.runtime.Stats().Get("Ticker")
	assert.EqualValues(t, 3, stats.Dispatched)
	assert.EqualValues(t, 2, stats.Dropped)
	assert.EqualValues(t, 1, stats.Executions)
}

func TestRuntime_QueueOrRejectWhenFull(t *testing.T) {
	q := testutil.QuestFixture("Hook", core.TriggerWebhook)
	h := newHarness(t, Config{QueueSize: 1, ExecutionTimeout: 5 * time.Second}, q)
	started, release := h.blockLikes()
	ctx := context.Background()

	require.NoError(t, h.runtime.Dispatch(ctx, "Hook", testutil.ReplyEvent("a.bsky.social", "hello")))
	<-started
	require.NoError(t, h.runtime.Dispatch(ctx, "Hook", testutil.ReplyEvent("b.bsky.social", "hello")))

	err := h.runtime.Dispatch(ctx, "Hook", testutil.ReplyEvent("c.bsky.social", "hello"))
	assert.ErrorIs(t, err, core.ErrQuestBusy)

	release()
	h.close(t)

	assert.Equal(t, 2, h.social.LikeCount())
	assert.EqualValues(t, 1, h.runtime.Stats().Get("Hook").Rejected)
}

func TestRuntime_QueueDropsWhenFull(t *testing.T) {
	q := testutil.QuestFixture("Replies", core.TriggerBskyReply)
	h := newHarness(t, Config{QueueSize: 1, ExecutionTimeout: 5 * time.Second}, q)
	started, release := h.blockLikes()
	ctx := context.Background()

	require.NoError(t, h.runtime.Dispatch(ctx, "Replies", testutil.ReplyEvent("a.bsky.social", "hello")))
	<-started
	require.NoError(t, h.runtime.Dispatch(ctx, "Replies", testutil.ReplyEvent("b.bsky.social", "hello")))
	require.NoError(t, h.runtime.Dispatch(ctx, "Replies", testutil.ReplyEvent("c.bsky.social", "hello")))

	release()
	h.close(t)

	assert.Equal(t, 2, h.social.LikeCount())
	assert.EqualValues(t, 1, h.runtime.Stats().Get("Replies").Dropped)
}

func TestRuntime_QuestsRunInParallel(t *testing.T) {
	slow := testutil.QuestFixture("Slow", core.TriggerWebhook)
	fast := testutil.QuestFixture("Fast", core.TriggerWebhook)
	fast.Commands = []core.Command{{Cmd: "reply_post", Args: []string{"hi {{handle}}"}}}
	h := newHarness(t, DefaultConfig(), slow, fast)
	started, release := h.blockLikes()
	defer release()
	ctx := context.Background()

	require.NoError(t, h.runtime.Dispatch(ctx, "Slow", testutil.ReplyEvent("a.bsky.social", "hello")))
	<-started
	require.NoError(t, h.runtime.Dispatch(ctx, "Fast", testutil.ReplyEvent("b.bsky.social", "hello")))

	require.Eventually(t, func() bool { return h.social.ReplyCount() == 1 }, 2*time.Second, 10*time.Millisecond,
		"a blocked quest must not hold up another")
	assert.Zero(t, h.social.LikeCount())

	release()
	h.close(t)
	assert.Equal(t, 1, h.social.LikeCount())
}

func TestRuntime_ClosedRejectsDispatch(t *testing.T) {
	h := newHarness(t, DefaultConfig(), testutil.QuestFixture("Q", core.TriggerWebhook))
	h.close(t)

	err := h.runtime.Dispatch(context.Background(), "Q", testutil.ReplyEvent("a.bsky.social", "hello"))
	assert.ErrorIs(t, err, core.ErrRuntimeClosed)
	require.NoError(t, h.runtime.Close(context.Background()))
}

func TestRuntime_OnTrace(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := DefaultConfig()
	cfg.OnTrace = func(trace *core.ExecutionTrace) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, trace.ID)
	}
	h := newHarness(t, cfg, testutil.QuestFixture("Q", core.TriggerBskyReply))

	require.NoError(t, h.runtime.Dispatch(context.Background(), "Q", testutil.ReplyEvent("a.bsky.social", "nope")))
	h.close(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 1)
}

func TestRuntime_FactsFromWorld(t *testing.T) {
	q := testutil.QuestFixture("Veteran", core.TriggerBskyReply)
	q.Conditions = []core.Condition{{Condition: "count_canon", Value: ">=2"}}
	h := newHarness(t, DefaultConfig(), q)
	h.world.Canon["a.bsky.social"] = []core.CanonEntry{{Key: "one"}, {Key: "two"}}

	trace := h.runtime.Execute(context.Background(), q, testutil.ReplyEvent("a.bsky.social", ""))
	assert.True(t, trace.Matched)

	// payload extras never override the store
	ev := testutil.ReplyEvent("a.bsky.social", "")
	ev.Extra = map[string]any{"canon_count": 1}
	trace = h.runtime.Execute(context.Background(), q, ev)
	assert.True(t, trace.Matched)

	ev = testutil.ReplyEvent("b.bsky.social", "")
	ev.Extra = map[string]any{"canon_count": 5, "canon": []any{"x", "y"}}
	trace = h.runtime.Execute(context.Background(), q, ev)
	assert.False(t, trace.Matched)
}

func TestRuntime_EventFactsWithoutWorld(t *testing.T) {
	q := testutil.QuestFixture("Veteran", core.TriggerBskyReply)
	q.Conditions = []core.Condition{{Condition: "user_has_souvenir", Value: "bell"}}
	q.Commands = []core.Command{}
	rt := NewRuntime(DefaultConfig(), testutil.NewMemQuestStore(q), nil, nil, nil)
	defer rt.Close(context.Background())

	ev := testutil.ReplyEvent("a.bsky.social", "")
	ev.Extra = map[string]any{"souvenirs": []any{"bell"}}
	assert.True(t, rt.Execute(context.Background(), q, ev).Matched)
}
