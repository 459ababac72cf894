package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/dispatch"
	"github.com/dreamhouse/questd/internal/engine"
	"github.com/dreamhouse/questd/internal/ledger"
	"github.com/dreamhouse/questd/internal/testutil"
)

type testEnv struct {
	srv      *Server
	store    *testutil.MemQuestStore
	recorder *ledger.Recorder
	runtime  *engine.Runtime
	traces   *TraceHub
}

// testServer wires a server over an in-memory quest store and a migrated
// sqlite ledger
func testServer(t *testing.T, quests ...*core.Quest) *testEnv {
	t.Helper()

	db := testutil.TestDB(t)
	recorder := ledger.NewRecorder(ledger.NewStore(db.Conn()))
	store := testutil.NewMemQuestStore(quests...)
	hub := NewTraceHub()

	cfg := engine.DefaultConfig()
	cfg.OnTrace = hub.Publish
	rt := engine.NewRuntime(cfg, store, nil, nil, recorder)
	t.Cleanup(func() {
		hub.Close()
		rt.Close(context.Background())
	})

	srv := New(Config{
		Quests:   store,
		Runtime:  rt,
		Recorder: recorder,
		Traces:   hub,
		Webhook:  dispatch.NewWebhook(dispatch.WebhookConfig{}, rt, store),
	})
	return &testEnv{srv: srv, store: store, recorder: recorder, runtime: rt, traces: hub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func webhookQuest() *core.Quest {
	q := testutil.QuestFixture("hook", core.TriggerWebhook)
	q.TriggerConfig = &core.WebhookConfig{Path: "/in", Secret: "s3cret"}
	return q
}

// --- Health & stats ---

func TestAPI_Health(t *testing.T) {
	off := testutil.QuestFixture("off", core.TriggerCron)
	off.Enabled = false
	env := testServer(t, testutil.QuestFixture("on", core.TriggerPoll), off)

	rr := env.do(t, "GET", "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	resp := decode(t, rr)
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["quests"].(float64) != 2 || resp["enabled"].(float64) != 1 {
		t.Errorf("counts = %v/%v", resp["quests"], resp["enabled"])
	}
}

func TestAPI_Stats(t *testing.T) {
	env := testServer(t)
	rr := env.do(t, "GET", "/api/v1/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decode(t, rr); resp["count"].(float64) != 0 {
		t.Errorf("count = %v", resp["count"])
	}

	srv := New(Config{})
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/stats", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("without runtime: expected 503, got %d", rr.Code)
	}
}

// --- Dry run ---

func TestAPI_DryRun(t *testing.T) {
	stored := testutil.QuestFixture("stored", core.TriggerBskyReply)
	env := testServer(t, stored)

	inline := `{"quest":{"title":"inline","trigger_type":"bsky_reply",
		"conditions":["reply_contains:hello"],"commands":["like_post","mystery_cmd"]},`

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantMatched bool
	}{
		{"inline match", inline + `"sample":{"handle":"eve","text":"well hello"}}`, http.StatusOK, true},
		{"inline no match", inline + `"sample":{"handle":"eve","text":"goodbye"}}`, http.StatusOK, false},
		{"stored by title", `{"title":"stored","sample":{"text":"hello"}}`, http.StatusOK, true},
		{"unknown title", `{"title":"nope","sample":{}}`, http.StatusNotFound, false},
		{"malformed", `{"quest":`, http.StatusBadRequest, false},
		{"missing quest", `{"sample":{"text":"hi"}}`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/dryrun", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			resp := decode(t, rr)
			switch tt.wantStatus {
			case http.StatusOK:
				if resp["matched"] != tt.wantMatched {
					t.Errorf("matched = %v, want %v", resp["matched"], tt.wantMatched)
				}
				if resp["dry_run"] != true {
					t.Error("trace not marked as dry run")
				}
			case http.StatusBadRequest:
				if resp["kind"] != "malformed_request" {
					t.Errorf("kind = %v", resp["kind"])
				}
			}
		})
	}
}

func TestAPI_DryRun_ResolvesCommands(t *testing.T) {
	env := testServer(t)
	body := `{"quest":{"title":"q","trigger_type":"webhook","conditions":["reply_contains:x"],
		"commands":["like_post","mystery_cmd"]},"sample":{"text":"x"}}`

	rr := env.do(t, "POST", "/api/v1/dryrun", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var trace core.ExecutionTrace
	if err := json.Unmarshal(rr.Body.Bytes(), &trace); err != nil {
		t.Fatal(err)
	}
	if !trace.Matched || len(trace.Commands) != 2 {
		t.Fatalf("trace = %+v", trace)
	}
	if !trace.Commands[0].Known || trace.Commands[1].Known {
		t.Errorf("known flags = %v, %v", trace.Commands[0].Known, trace.Commands[1].Known)
	}
	if len(trace.Steps) != 0 {
		t.Error("dry run executed commands")
	}
}

// --- Quests ---

func TestAPI_ListQuests(t *testing.T) {
	env := testServer(t, webhookQuest(), testutil.QuestFixture("poller", core.TriggerPoll))

	rr := env.do(t, "GET", "/api/v1/quests", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "s3cret") {
		t.Errorf("response leaks webhook secret: %s", rr.Body.String())
	}
	if resp := decode(t, rr); resp["count"].(float64) != 2 {
		t.Errorf("count = %v", resp["count"])
	}

	rr = env.do(t, "GET", "/api/v1/quests?trigger=poll", "")
	if resp := decode(t, rr); resp["count"].(float64) != 1 {
		t.Errorf("filtered count = %v", resp["count"])
	}

	rr = env.do(t, "GET", "/api/v1/quests?enabled=maybe", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad filter: expected 400, got %d", rr.Code)
	}
}

func TestAPI_GetQuest(t *testing.T) {
	env := testServer(t, webhookQuest())

	rr := env.do(t, "GET", "/api/v1/quests/hook", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "s3cret") {
		t.Error("response leaks webhook secret")
	}
	resp := decode(t, rr)
	q := resp["quest"].(map[string]interface{})
	if q["title"] != "hook" {
		t.Errorf("title = %v", q["title"])
	}
	if _, ok := resp["stats"]; !ok {
		t.Error("missing stats")
	}

	// the stored quest keeps its secret
	stored, _ := env.store.Get(context.Background(), "hook")
	if stored.TriggerConfig.(*core.WebhookConfig).Secret != "s3cret" {
		t.Error("redaction modified the stored quest")
	}

	rr = env.do(t, "GET", "/api/v1/quests/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestAPI_EnableDisable(t *testing.T) {
	env := testServer(t, testutil.QuestFixture("toggle me", core.TriggerCron))
	ctx := context.Background()

	rr := env.do(t, "POST", "/api/v1/quests/toggle%20me/disable", `{"reason":"maintenance"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("disable: expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	q, _ := env.store.Get(ctx, "toggle me")
	if q.Enabled {
		t.Fatal("quest still enabled")
	}

	// idempotent: no second ledger entry
	env.do(t, "POST", "/api/v1/quests/toggle%20me/disable", "")
	env.do(t, "POST", "/api/v1/quests/toggle%20me/enable", "")

	rr = env.do(t, "GET", "/api/v1/quests/toggle%20me/history", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("history: expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Entries []ledger.HistoryItem `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(resp.Entries))
	}
	if resp.Entries[0].Action != ledger.ActionQuestEnabled || resp.Entries[0].Transition.Reason != "api" {
		t.Errorf("newest = %+v", resp.Entries[0])
	}
	if resp.Entries[1].Action != ledger.ActionQuestDisabled || resp.Entries[1].Transition.Reason != "maintenance" {
		t.Errorf("oldest = %+v", resp.Entries[1])
	}

	rr = env.do(t, "POST", "/api/v1/quests/ghost/enable", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown quest: expected 404, got %d", rr.Code)
	}
}

// --- Ledger ---

func TestAPI_Ledger(t *testing.T) {
	env := testServer(t, testutil.QuestFixture("audited", core.TriggerPoll))
	ctx := context.Background()
	if err := env.runtime.Disable(ctx, "audited", "test"); err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, "GET", "/api/v1/ledger?quest=audited", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var list struct {
		Entries []ledger.HistoryItem `json:"entries"`
		Total   int                  `json:"total_entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Entries) != 1 || list.Total != 1 {
		t.Fatalf("list = %+v", list)
	}

	rr = env.do(t, "GET", "/api/v1/ledger/verify", "")
	if resp := decode(t, rr); resp["chain_valid"] != true {
		t.Errorf("verify = %v", resp)
	}

	rr = env.do(t, "GET", "/api/v1/ledger/entry/"+list.Entries[0].ID, "")
	if rr.Code != http.StatusOK {
		t.Errorf("entry: expected status 200, got %d", rr.Code)
	}
	if resp := decode(t, rr); resp["hash"] == "" {
		t.Error("entry missing hash")
	}

	rr = env.do(t, "GET", "/api/v1/ledger/entry/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing entry: expected 404, got %d", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/ledger/summary", "")
	if resp := decode(t, rr); resp["total_entries"].(float64) != 1 {
		t.Errorf("summary = %v", resp)
	}

	rr = env.do(t, "GET", "/api/v1/ledger?since=yesterday", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", rr.Code)
	}
}

// --- Webhook mount ---

func TestAPI_WebhookMounted(t *testing.T) {
	env := testServer(t, webhookQuest())

	req := httptest.NewRequest("POST", "/hooks/in", strings.NewReader(`{"handle":"eve","text":"hello"}`))
	req.Header.Set("X-Quest-Secret", "s3cret")
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, "POST", "/hooks/in", `{}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no secret: expected 401, got %d", rr.Code)
	}
}
