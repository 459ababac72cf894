package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dreamhouse/questd/internal/ledger"
)

// LedgerAPI provides read-only access to the execution ledger
type LedgerAPI struct {
	store *ledger.Store
}

// NewLedgerAPI creates a new ledger API
func NewLedgerAPI(store *ledger.Store) *LedgerAPI {
	return &LedgerAPI{store: store}
}

// RegisterRoutes registers ledger API routes (all read-only)
func (api *LedgerAPI) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", api.handleListEntries)        // GET /api/v1/ledger
		r.Get("/summary", api.handleGetSummary)  // GET /api/v1/ledger/summary
		r.Get("/verify", api.handleVerifyChain)  // GET /api/v1/ledger/verify
		r.Get("/entry/{id}", api.handleGetEntry) // GET /api/v1/ledger/entry/{id}
	})
}

// handleListEntries returns decoded ledger entries with optional filtering
// GET /api/v1/ledger?action=&actor=&quest=&since=&until=&limit=&offset=
func (api *LedgerAPI) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	opts := ledger.QueryOptions{
		Action: query.Get("action"),
		Actor:  query.Get("actor"),
	}
	if quest := query.Get("quest"); quest != "" {
		opts.EntityType = ledger.EntityQuest
		opts.EntityID = quest
	}

	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = t
	}
	if until := query.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		opts.Until = t
	}

	opts.Limit = 100
	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			opts.Limit = l
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			opts.Offset = o
		}
	}

	entries, err := api.store.Query(r.Context(), opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	items := make([]ledger.HistoryItem, 0, len(entries))
	for _, e := range entries {
		item, err := ledger.Decode(e)
		if err != nil {
			respondErr(w, err)
			return
		}
		items = append(items, item)
	}

	count, _ := api.store.Count(r.Context())

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries":       items,
		"count":         len(items),
		"total_entries": count,
		"limit":         opts.Limit,
		"offset":        opts.Offset,
	})
}

// handleGetSummary returns ledger statistics
// GET /api/v1/ledger/summary
func (api *LedgerAPI) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := api.store.GetSummary(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleVerifyChain verifies the integrity of the ledger chain
// GET /api/v1/ledger/verify
func (api *LedgerAPI) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	err := api.store.VerifyChain(r.Context())

	result := map[string]interface{}{
		"chain_valid": err == nil,
		"verified_at": time.Now().UTC(),
	}

	if err != nil {
		result["error"] = err.Error()
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			result["error_type"] = chainErr.Type
			result["entry_num"] = chainErr.EntryNum
			result["entry_id"] = chainErr.EntryID
		}
	}

	count, _ := api.store.Count(r.Context())
	result["total_entries"] = count

	respondJSON(w, http.StatusOK, result)
}

// handleGetEntry returns a single ledger entry by ID, raw hashes included
// GET /api/v1/ledger/entry/{id}
func (api *LedgerAPI) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing entry ID")
		return
	}

	entry, err := api.store.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if entry == nil {
		respondError(w, http.StatusNotFound, "entry not found")
		return
	}

	respondJSON(w, http.StatusOK, entry)
}
