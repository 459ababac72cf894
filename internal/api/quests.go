package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/engine"
	"github.com/dreamhouse/questd/internal/ledger"
)

// QuestAPI exposes quest state: read access, enable/disable and history
type QuestAPI struct {
	quests   QuestReader
	runtime  *engine.Runtime
	recorder *ledger.Recorder
}

// NewQuestAPI creates a new quest API. runtime and recorder may be nil.
func NewQuestAPI(quests QuestReader, runtime *engine.Runtime, recorder *ledger.Recorder) *QuestAPI {
	return &QuestAPI{quests: quests, runtime: runtime, recorder: recorder}
}

// RegisterRoutes registers quest routes
func (api *QuestAPI) RegisterRoutes(r chi.Router) {
	r.Route("/quests", func(r chi.Router) {
		r.Get("/", api.handleList)                      // GET /api/v1/quests?trigger=&enabled=
		r.Get("/{title}", api.handleGet)                // GET /api/v1/quests/{title}
		r.Post("/{title}/enable", api.handleEnable)     // POST /api/v1/quests/{title}/enable
		r.Post("/{title}/disable", api.handleDisable)   // POST /api/v1/quests/{title}/disable
		r.Get("/{title}/history", api.handleGetHistory) // GET /api/v1/quests/{title}/history?limit=
	})
}

func titleParam(r *http.Request) string {
	raw := chi.URLParam(r, "title")
	if t, err := url.PathUnescape(raw); err == nil {
		return t
	}
	return raw
}

// redacted hides webhook secrets from API output
func redacted(q *core.Quest) core.Quest {
	c := q.Clone()
	if wh, ok := c.TriggerConfig.(*core.WebhookConfig); ok && wh.Secret != "" {
		hidden := *wh
		hidden.Secret = ""
		c.TriggerConfig = &hidden
	}
	return c
}

func (api *QuestAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if api.quests == nil {
		respondError(w, http.StatusServiceUnavailable, "quest store not configured")
		return
	}
	quests, err := api.quests.List(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}

	query := r.URL.Query()
	trigger := core.TriggerType(query.Get("trigger"))
	var enabled *bool
	if v := query.Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		enabled = &b
	}

	out := make([]core.Quest, 0, len(quests))
	for _, q := range quests {
		if trigger != "" && q.TriggerType != trigger {
			continue
		}
		if enabled != nil && q.Enabled != *enabled {
			continue
		}
		out = append(out, redacted(q))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"quests": out,
		"count":  len(out),
	})
}

func (api *QuestAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	if api.quests == nil {
		respondError(w, http.StatusServiceUnavailable, "quest store not configured")
		return
	}
	q, err := api.quests.Get(r.Context(), titleParam(r))
	if err != nil {
		respondErr(w, err)
		return
	}

	resp := map[string]interface{}{"quest": redacted(q)}
	if api.runtime != nil {
		resp["stats"] = api.runtime.Stats().Get(q.Title)
	}
	respondJSON(w, http.StatusOK, resp)
}

type toggleRequest struct {
	Reason string `json:"reason"`
}

func (api *QuestAPI) handleEnable(w http.ResponseWriter, r *http.Request) {
	api.toggle(w, r, true)
}

func (api *QuestAPI) handleDisable(w http.ResponseWriter, r *http.Request) {
	api.toggle(w, r, false)
}

// toggle is idempotent; the ledger only records actual changes
func (api *QuestAPI) toggle(w http.ResponseWriter, r *http.Request, enabled bool) {
	if api.runtime == nil {
		respondError(w, http.StatusServiceUnavailable, "runtime not running")
		return
	}

	var req toggleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "api"
	}

	title := titleParam(r)
	var err error
	if enabled {
		err = api.runtime.Enable(r.Context(), title, reason)
	} else {
		err = api.runtime.Disable(r.Context(), title, reason)
	}
	if err != nil {
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"title":   title,
		"enabled": enabled,
	})
}

func (api *QuestAPI) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if api.recorder == nil {
		respondError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}

	title := titleParam(r)
	items, err := api.recorder.History(r.Context(), title, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if items == nil {
		items = []ledger.HistoryItem{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"quest":   title,
		"entries": items,
		"count":   len(items),
	})
}
