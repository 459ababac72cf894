// Package api provides the HTTP API server for questd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/engine"
	"github.com/dreamhouse/questd/internal/ledger"
	"github.com/dreamhouse/questd/internal/logging"
)

// QuestReader is the read side of quest storage. Authoring happens through
// the CLI, so the API never writes definitions.
type QuestReader interface {
	Get(ctx context.Context, title string) (*core.Quest, error)
	List(ctx context.Context) ([]*core.Quest, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	quests   QuestReader
	runtime  *engine.Runtime
	recorder *ledger.Recorder
	traces   *TraceHub

	webhook       http.Handler
	webhookPrefix string
	corsOrigins   []string
	started       time.Time
}

// Config for the API server
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string

	Quests   QuestReader
	Runtime  *engine.Runtime
	Recorder *ledger.Recorder // optional; ledger routes are skipped without it
	Traces   *TraceHub        // optional; /ws/traces is skipped without it

	// Webhook is mounted under WebhookPrefix when set
	Webhook       http.Handler
	WebhookPrefix string
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		quests:        cfg.Quests,
		runtime:       cfg.Runtime,
		recorder:      cfg.Recorder,
		traces:        cfg.Traces,
		webhook:       cfg.Webhook,
		webhookPrefix: cfg.WebhookPrefix,
		corsOrigins:   cfg.CORSOrigins,
		started:       time.Now(),
	}
	if s.webhookPrefix == "" {
		s.webhookPrefix = "/hooks"
	}
	if len(s.corsOrigins) == 0 {
		s.corsOrigins = []string{"*"}
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Quest-Secret"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	// API routes; the websocket stream sits outside the timeout middleware
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/api/v1", func(r chi.Router) {
			NewQuestAPI(s.quests, s.runtime, s.recorder).RegisterRoutes(r)
			r.Post("/dryrun", s.handleDryRun)
			r.Get("/stats", s.handleGetStats)

			if s.recorder != nil {
				NewLedgerAPI(s.recorder.Store()).RegisterRoutes(r)
			}
		})
	})

	if s.traces != nil {
		r.Get("/ws/traces", s.traces.ServeHTTP)
	}

	if s.webhook != nil {
		r.Handle(s.webhookPrefix+"/*", s.webhook)
	}

	s.router = r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP server. It returns nil after a graceful Stop.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.traces != nil {
		s.traces.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// --- Response helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps sentinel errors onto status codes
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrQuestNotFound), errors.Is(err, core.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrMissingRequired):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrQuestBusy):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.Error("request failed: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.quests != nil {
		quests, err := s.quests.List(r.Context())
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
		enabled := 0
		for _, q := range quests {
			if q.Enabled {
				enabled++
			}
		}
		resp["quests"] = len(quests)
		resp["enabled"] = enabled
	}
	if s.traces != nil {
		resp["trace_clients"] = s.traces.Clients()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetStats returns runtime counters per quest
// GET /api/v1/stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		respondError(w, http.StatusServiceUnavailable, "runtime not running")
		return
	}
	stats := s.runtime.Stats().Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"quests": stats,
		"count":  len(stats),
	})
}

// handleDryRun evaluates a quest against a sample event without side effects
// POST /api/v1/dryrun
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, 1<<20)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, dryRunErrorBody(err))
		return
	}

	req, err := engine.DecodeDryRunRequest(body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, dryRunErrorBody(err))
		return
	}

	q := req.Quest
	if q == nil {
		if s.quests == nil {
			respondError(w, http.StatusServiceUnavailable, "quest store not configured")
			return
		}
		q, err = s.quests.Get(r.Context(), req.Title)
		if err != nil {
			respondErr(w, err)
			return
		}
	}

	trace := engine.Simulate(r.Context(), q, req.Sample)
	respondJSON(w, http.StatusOK, trace)
}

func dryRunErrorBody(err error) map[string]interface{} {
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  "malformed_request",
	}
	var dre *engine.DryRunError
	if errors.As(err, &dre) && dre.Field != "" {
		body["field"] = dre.Field
	}
	return body
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, &engine.DryRunError{Err: err}
	}
	return data, nil
}
