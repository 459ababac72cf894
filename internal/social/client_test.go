package social

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/testutil/mockservers"
)

func newTestClient(mock *mockservers.BskyMockServer, password string) *Client {
	return NewClient(Config{
		Service:       mock.URL(),
		AppView:       mock.URL() + "/",
		Identifier:    "questbot.bsky.social",
		Password:      password,
		RatePerSecond: 1000,
		Burst:         100,
	})
}

func TestClient_Replies(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	root := "at://did:plc:host/app.bsky.feed.post/root"
	now := time.Now()
	mock.SetThread(root,
		mockservers.ThreadReply{URI: root + "/2", CID: "c2", Handle: "Bob.bsky.social", DID: "did:plc:bob", Text: "second", CreatedAt: now},
		mockservers.ThreadReply{URI: root + "/1", CID: "c1", Handle: "alice.bsky.social", DID: "did:plc:alice", Text: "first", CreatedAt: now.Add(-time.Minute)},
	)

	c := newTestClient(mock, "")
	posts, err := c.Replies(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, posts, 2, "blocked replies are skipped")

	assert.Equal(t, "first", posts[0].Text)
	assert.Equal(t, "bob.bsky.social", posts[1].Handle)
	assert.Equal(t, root, posts[0].Root.URI)
	assert.Equal(t, core.PostRef{URI: root + "/2", CID: "c2"}, posts[1].Ref())
}

func TestClient_Replies_NotFound(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "")

	_, err := c.Replies(context.Background(), "at://nowhere")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NotFound", apiErr.Code)
	assert.Equal(t, 400, apiErr.Status)
}

func TestClient_LikeAndReply(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "app-password")
	ctx := context.Background()
	post := core.PostRef{URI: "at://did:plc:alice/app.bsky.feed.post/1", CID: "c1"}

	require.NoError(t, c.Like(ctx, post))
	ref, err := c.Reply(ctx, post, core.PostRef{}, "welcome")
	require.NoError(t, err)
	assert.NotEmpty(t, ref.URI)
	assert.NotEmpty(t, ref.CID)

	records := mock.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "app.bsky.feed.like", records[0].Collection)
	assert.Equal(t, "did:plc:questbot", records[0].Repo)
	assert.Equal(t, "app.bsky.feed.post", records[1].Collection)
	assert.Equal(t, "welcome", records[1].Record["text"])

	reply := records[1].Record["reply"].(map[string]interface{})
	assert.Equal(t, post.URI, reply["root"].(map[string]interface{})["uri"], "empty root falls back to parent")

	assert.Equal(t, 1, mock.Sessions(), "session is reused")
}

func TestClient_ExpiredTokenRelogin(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "app-password")
	ctx := context.Background()
	post := core.PostRef{URI: "at://x/app.bsky.feed.post/1", CID: "c"}

	require.NoError(t, c.Like(ctx, post))
	mock.ExpireToken()
	require.NoError(t, c.Like(ctx, post))

	assert.Equal(t, 2, mock.Sessions())
	assert.Len(t, mock.Records(), 2)
}

func TestClient_NoCredentials(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "")
	assert.False(t, c.CanWrite())

	err := c.Like(context.Background(), core.PostRef{URI: "at://x", CID: "c"})
	assert.True(t, errors.Is(err, core.ErrSocialUnavailable), "got %v", err)
	assert.Equal(t, 0, mock.Calls("com.atproto.repo.createRecord"))
}

func TestClient_BadPassword(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "wrong")

	_, err := c.Reply(context.Background(), core.PostRef{URI: "at://x", CID: "c"}, core.PostRef{}, "hi")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "AuthenticationRequired", apiErr.Code)
}

func TestClient_ResolveHandle(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "")

	did, err := c.ResolveHandle(context.Background(), "@Alice.bsky.social")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice-bsky-social", did)
}

func TestClient_HandleFor(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := newTestClient(mock, "")

	handle, err := c.HandleFor(context.Background(), "did:plc:alice-bsky-social")
	require.NoError(t, err)
	assert.Equal(t, "alice.bsky.social", handle)

	_, err = c.HandleFor(context.Background(), "did:web:nowhere")
	require.Error(t, err)
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	mock := mockservers.NewBskyMockServer(t)
	c := NewClient(Config{AppView: mock.URL(), RatePerSecond: 0.001, Burst: 1})
	mock.SetThread("at://t")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Replies(ctx, "at://t")
	require.NoError(t, err, "first call uses the burst")
	_, err = c.Replies(ctx, "at://t")
	assert.Error(t, err, "second call must wait longer than the deadline")
}

func TestLogClient(t *testing.T) {
	l := NewLogClient()
	ctx := context.Background()
	post := core.PostRef{URI: "at://x", CID: "c"}

	require.NoError(t, l.Like(ctx, post))
	a, err := l.Reply(ctx, post, post, "hi")
	require.NoError(t, err)
	b, _ := l.Reply(ctx, post, post, "again")
	assert.NotEqual(t, a, b)
}
