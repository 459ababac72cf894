package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/engine"
	"github.com/dreamhouse/questd/internal/logging"
)

// WebhookConfig configures webhook ingress
type WebhookConfig struct {
	Prefix     string // URL prefix the handler is mounted under
	MaxBody    int64
	RetryAfter int // seconds advertised on 503
}

// DefaultWebhookConfig returns default webhook settings
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{Prefix: "/hooks", MaxBody: 1 << 20, RetryAfter: 5}
}

// Webhook serves POST <prefix>/<path> for webhook quests
type Webhook struct {
	config  WebhookConfig
	runtime Runtime
	quests  QuestLister
}

// NewWebhook creates the webhook handler
func NewWebhook(cfg WebhookConfig, runtime Runtime, quests QuestLister) *Webhook {
	def := DefaultWebhookConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = def.MaxBody
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	return &Webhook{config: cfg, runtime: runtime, quests: quests}
}

type webhookResponse struct {
	Accepted []string `json:"accepted,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Path returns the quest path for a request URL path
func (h *Webhook) Path(urlPath string) string {
	p := strings.TrimPrefix(urlPath, h.config.Prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func presentedSecret(r *http.Request) string {
	if s := r.Header.Get("X-Quest-Secret"); s != "" {
		return s
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("secret")
}

func secretMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// ServeHTTP implements http.Handler
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
		return
	}
	path := h.Path(r.URL.Path)
	log := logging.WithFields(map[string]interface{}{"trigger": string(core.TriggerWebhook), "path": path})

	matching, err := h.questsFor(r.Context(), path)
	if err != nil {
		log.Error("list webhook quests: %v", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "internal error"})
		return
	}
	if len(matching) == 0 {
		writeJSON(w, http.StatusNotFound, webhookResponse{Error: "no quest on this path"})
		return
	}

	secret := presentedSecret(r)
	var authorized []*core.Quest
	for _, q := range matching {
		if secretMatches(q.TriggerConfig.(*core.WebhookConfig).Secret, secret) {
			authorized = append(authorized, q)
		}
	}
	if len(authorized) == 0 {
		log.Warn("rejected: %v", core.ErrWebhookUnauthorized)
		writeJSON(w, http.StatusUnauthorized, webhookResponse{Error: core.ErrWebhookUnauthorized.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "read body"})
		return
	}
	ev, err := engine.DecodeSample(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: core.ErrMalformedPayload.Error() + ": " + err.Error()})
		return
	}
	ev.Source = core.TriggerWebhook
	if ev.Extra == nil {
		ev.Extra = map[string]any{}
	}
	ev.Extra["path"] = path

	var accepted []string
	busy := false
	for _, q := range authorized {
		err := h.runtime.Dispatch(r.Context(), q.Title, ev)
		switch {
		case err == nil:
			accepted = append(accepted, q.Title)
		case errors.Is(err, core.ErrQuestBusy):
			busy = true
			log.Warn("quest %q busy, asking caller to retry", q.Title)
		case errors.Is(err, core.ErrQuestDisabled), errors.Is(err, core.ErrQuestNotFound):
		default:
			log.Error("dispatch %q: %v", q.Title, err)
		}
	}

	if busy && len(accepted) == 0 {
		w.Header().Set("Retry-After", strconv.Itoa(h.config.RetryAfter))
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Error: core.ErrQuestBusy.Error()})
		return
	}
	if len(accepted) == 0 {
		writeJSON(w, http.StatusNotFound, webhookResponse{Error: "no quest on this path"})
		return
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{Accepted: accepted})
}

func (h *Webhook) questsFor(ctx context.Context, path string) ([]*core.Quest, error) {
	quests, err := h.quests.ListByTrigger(ctx, core.TriggerWebhook, true)
	if err != nil {
		return nil, err
	}
	var out []*core.Quest
	for _, q := range quests {
		cfg, ok := q.TriggerConfig.(*core.WebhookConfig)
		if ok && cfg.Path == path {
			out = append(out, q)
		}
	}
	return out, nil
}
