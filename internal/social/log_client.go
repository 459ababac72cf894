package social

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// LogClient performs no network writes. Likes and replies are logged and
// acknowledged, so quests can run end to end without credentials.
type LogClient struct {
	seq atomic.Int64
}

// NewLogClient creates a log-only client
func NewLogClient() *LogClient {
	return &LogClient{}
}

// Like logs the like
func (l *LogClient) Like(ctx context.Context, post core.PostRef) error {
	logging.WithField("uri", post.URI).Info("like (not sent)")
	return nil
}

// Reply logs the reply and returns a synthetic reference
func (l *LogClient) Reply(ctx context.Context, parent, root core.PostRef, text string) (core.PostRef, error) {
	n := l.seq.Add(1)
	logging.WithFields(map[string]interface{}{
		"parent": parent.URI,
		"root":   root.URI,
	}).Info("reply (not sent): %s", text)
	return core.PostRef{
		URI: fmt.Sprintf("at://local/app.bsky.feed.post/%d", n),
		CID: fmt.Sprintf("local-%d", n),
	}, nil
}
