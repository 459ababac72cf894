package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// HandleResolver maps a DID to its current handle
type HandleResolver interface {
	HandleFor(ctx context.Context, did string) (string, error)
}

// FirehoseConfig configures the firehose_phrase adapter
type FirehoseConfig struct {
	Endpoint   string // Jetstream subscribe URL
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultFirehoseConfig returns the public Jetstream endpoint
func DefaultFirehoseConfig() FirehoseConfig {
	return FirehoseConfig{
		Endpoint:   "wss://jetstream2.us-east.bsky.network/subscribe",
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
	}
}

// Firehose holds one stream connection shared by every firehose_phrase
// quest. It only connects while at least one such quest is enabled.
type Firehose struct {
	config   FirehoseConfig
	runtime  Runtime
	quests   QuestLister
	resolver HandleResolver
	lookup   DreamerLookup

	mu      sync.Mutex
	phrases []*core.FirehosePhraseConfig
	wake    chan struct{}
	cursor  int64

	handles map[string]string
}

// NewFirehose creates the firehose_phrase adapter. resolver may be nil, in
// which case events carry the author DID as handle. lookup may be nil.
func NewFirehose(cfg FirehoseConfig, runtime Runtime, quests QuestLister, resolver HandleResolver, lookup DreamerLookup) *Firehose {
	def := DefaultFirehoseConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Firehose{
		config:   cfg,
		runtime:  runtime,
		quests:   quests,
		resolver: resolver,
		lookup:   lookup,
		wake:     make(chan struct{}, 1),
		handles:  make(map[string]string),
	}
}

// Name implements Adapter
func (f *Firehose) Name() string { return string(core.TriggerFirehosePhrase) }

// MatchPhrase returns the first configured phrase contained in text
func MatchPhrase(cfg *core.FirehosePhraseConfig, text string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	haystack := text
	if !cfg.CaseSensitive {
		haystack = strings.ToLower(text)
	}
	for _, p := range cfg.Phrases {
		needle := p
		if !cfg.CaseSensitive {
			needle = strings.ToLower(p)
		}
		if needle != "" && strings.Contains(haystack, needle) {
			return p, true
		}
	}
	return "", false
}

func phraseConfig(q *core.Quest) *core.FirehosePhraseConfig {
	cfg, _ := q.TriggerConfig.(*core.FirehosePhraseConfig)
	return cfg
}

// Reconcile refreshes the phrase snapshot used to pre-filter the stream
func (f *Firehose) Reconcile(ctx context.Context) error {
	quests, err := f.quests.ListByTrigger(ctx, core.TriggerFirehosePhrase, true)
	if err != nil {
		return err
	}
	var phrases []*core.FirehosePhraseConfig
	for _, q := range quests {
		if cfg := phraseConfig(q); cfg != nil && len(cfg.Phrases) > 0 {
			phrases = append(phrases, cfg)
		}
	}

	f.mu.Lock()
	f.phrases = phrases
	f.mu.Unlock()

	if len(phrases) > 0 {
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *Firehose) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.phrases) > 0
}

func (f *Firehose) anyMatch(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cfg := range f.phrases {
		if _, ok := MatchPhrase(cfg, text); ok {
			return true
		}
	}
	return false
}

// Run keeps the stream connected until ctx ends, reconnecting with capped
// exponential backoff
func (f *Firehose) Run(ctx context.Context) error {
	backoff := f.config.MinBackoff
	for {
		if !f.active() {
			select {
			case <-ctx.Done():
				return nil
			case <-f.wake:
				continue
			}
		}

		received, err := f.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = f.config.MinBackoff
		}
		logging.WithField("adapter", f.Name()).Warn("stream disconnected, reconnecting in %s: %v", backoff, err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > f.config.MaxBackoff {
			backoff = f.config.MaxBackoff
		}
	}
}

func (f *Firehose) streamURL() (string, error) {
	u, err := url.Parse(f.config.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("wantedCollections", "app.bsky.feed.post")
	f.mu.Lock()
	if f.cursor > 0 {
		q.Set("cursor", strconv.FormatInt(f.cursor, 10))
	}
	f.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream reads one connection until it fails. It reports whether any
// message was received.
func (f *Firehose) stream(ctx context.Context) (bool, error) {
	endpoint, err := f.streamURL()
	if err != nil {
		return false, fmt.Errorf("stream url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	logging.WithField("adapter", f.Name()).Info("connected to %s", f.config.Endpoint)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received = true
		if err := f.HandleMessage(ctx, data); err != nil {
			logging.WithField("adapter", f.Name()).Debug("skipping message: %v", err)
		}
	}
}

type jetstreamMessage struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`
	Commit *struct {
		Operation  string `json:"operation"`
		Collection string `json:"collection"`
		RKey       string `json:"rkey"`
		CID        string `json:"cid"`
		Record     struct {
			Text  string `json:"text"`
			Reply *struct {
				Root core.PostRef `json:"root"`
			} `json:"reply"`
		} `json:"record"`
	} `json:"commit"`
}

var errNotPost = errors.New("not a created post")

// HandleMessage processes one stream message. Created posts whose text
// contains a watched phrase are dispatched.
func (f *Firehose) HandleMessage(ctx context.Context, data []byte) error {
	var msg jetstreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformedPayload, err)
	}
	if msg.TimeUS > 0 {
		f.mu.Lock()
		f.cursor = msg.TimeUS
		f.mu.Unlock()
	}
	c := msg.Commit
	if msg.Kind != "commit" || c == nil || c.Operation != "create" || c.Collection != "app.bsky.feed.post" {
		return errNotPost
	}
	text := c.Record.Text
	if !f.anyMatch(text) {
		return nil
	}

	ev := core.Event{
		Source:     core.TriggerFirehosePhrase,
		Handle:     f.handleFor(ctx, msg.DID),
		DID:        msg.DID,
		Text:       text,
		URI:        fmt.Sprintf("at://%s/%s/%s", msg.DID, c.Collection, c.RKey),
		CID:        c.CID,
		Extra:      map[string]any{},
		ReceivedAt: time.Now(),
	}
	if c.Record.Reply != nil {
		ev.RootURI = c.Record.Reply.Root.URI
		ev.RootCID = c.Record.Reply.Root.CID
	}
	fillDreamer(ctx, f.lookup, &ev)

	_, err := f.runtime.DispatchTrigger(ctx, core.TriggerFirehosePhrase, ev, func(q *core.Quest) bool {
		_, ok := MatchPhrase(phraseConfig(q), text)
		return ok
	})
	return err
}

const maxCachedHandles = 10000

func (f *Firehose) handleFor(ctx context.Context, did string) string {
	if f.resolver == nil {
		return did
	}
	f.mu.Lock()
	h, ok := f.handles[did]
	f.mu.Unlock()
	if ok {
		return h
	}

	h, err := f.resolver.HandleFor(ctx, did)
	if err != nil || h == "" {
		return did
	}
	h = core.NormalizeHandle(h)

	f.mu.Lock()
	if len(f.handles) >= maxCachedHandles {
		f.handles = make(map[string]string)
	}
	f.handles[did] = h
	f.mu.Unlock()
	return h
}
