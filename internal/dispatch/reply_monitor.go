package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
	"github.com/dreamhouse/questd/internal/social"
)

// ThreadReader reads the replies under a post
type ThreadReader interface {
	Replies(ctx context.Context, uri string) ([]social.Post, error)
}

// ReplyMonitorConfig configures the bsky_reply adapter
type ReplyMonitorConfig struct {
	Interval time.Duration
	// SelfDID is the bot's own DID; its replies never fire quests
	SelfDID string
}

// ReplyMonitor polls the threads watched by bsky_reply quests. Each reply
// fires once: it is recorded in the seen set before it is dispatched.
type ReplyMonitor struct {
	config  ReplyMonitorConfig
	runtime Runtime
	quests  QuestLister
	threads ThreadReader
	seen    SeenSet
	lookup  DreamerLookup

	mu   sync.Mutex
	uris []string
}

// NewReplyMonitor creates the bsky_reply adapter. lookup may be nil.
func NewReplyMonitor(cfg ReplyMonitorConfig, runtime Runtime, quests QuestLister, threads ThreadReader, seen SeenSet, lookup DreamerLookup) *ReplyMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &ReplyMonitor{
		config:  cfg,
		runtime: runtime,
		quests:  quests,
		threads: threads,
		seen:    seen,
		lookup:  lookup,
	}
}

// Name implements Adapter
func (m *ReplyMonitor) Name() string { return string(core.TriggerBskyReply) }

// Reconcile refreshes the set of watched post URIs
func (m *ReplyMonitor) Reconcile(ctx context.Context) error {
	quests, err := m.quests.ListByTrigger(ctx, core.TriggerBskyReply, true)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var uris []string
	for _, q := range quests {
		uri := watchedURI(q)
		if uri == "" {
			logging.WithField("quest", q.Title).Debug("bsky_reply quest has no uri, not watching")
			continue
		}
		if !seen[uri] {
			seen[uri] = true
			uris = append(uris, uri)
		}
	}

	m.mu.Lock()
	m.uris = uris
	m.mu.Unlock()
	return nil
}

// Watched returns the post URIs being watched
func (m *ReplyMonitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uris...)
}

func watchedURI(q *core.Quest) string {
	cfg, ok := q.TriggerConfig.(*core.BskyReplyConfig)
	if !ok {
		return ""
	}
	return cfg.URI
}

// Run polls every interval until ctx ends
func (m *ReplyMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle over every watched thread and returns the number of
// replies dispatched. Read failures skip the thread until the next cycle.
func (m *ReplyMonitor) Poll(ctx context.Context) int {
	total := 0
	for _, uri := range m.Watched() {
		if ctx.Err() != nil {
			break
		}
		log := logging.WithFields(map[string]interface{}{"adapter": m.Name(), "uri": uri})

		replies, err := m.threads.Replies(ctx, uri)
		if err != nil {
			log.Warn("failed to read thread: %v", err)
			continue
		}

		for _, reply := range replies {
			if m.config.SelfDID != "" && reply.DID == m.config.SelfDID {
				continue
			}
			fresh, err := m.seen.MarkSeen(ctx, reply.URI)
			if err != nil {
				log.Warn("seen set unavailable, skipping reply: %v", err)
				continue
			}
			if !fresh {
				continue
			}

			ev := m.replyEvent(ctx, uri, reply)
			n, err := m.runtime.DispatchTrigger(ctx, core.TriggerBskyReply, ev, func(q *core.Quest) bool {
				return watchedURI(q) == uri
			})
			if err != nil {
				log.Error("dispatch failed: %v", err)
				continue
			}
			log.Debug("reply from %s dispatched to %d quests", reply.Handle, n)
			total++
		}
	}
	return total
}

func (m *ReplyMonitor) replyEvent(ctx context.Context, watched string, reply social.Post) core.Event {
	ev := core.Event{
		Source:     core.TriggerBskyReply,
		Handle:     reply.Handle,
		DID:        reply.DID,
		Text:       reply.Text,
		URI:        reply.URI,
		CID:        reply.CID,
		RootURI:    reply.Root.URI,
		RootCID:    reply.Root.CID,
		Extra:      map[string]any{"watched_uri": watched},
		ReceivedAt: time.Now(),
	}
	fillDreamer(ctx, m.lookup, &ev)
	return ev
}
