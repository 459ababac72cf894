package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamhouse/questd/internal/core"
)

func dialTraces(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/traces" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *TraceHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readTrace(t *testing.T, conn *websocket.Conn) TraceMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg TraceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestTraceHub_Stream(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	all := dialTraces(t, ts, "")
	only := dialTraces(t, ts, "?quest=wanted")
	waitClients(t, env.traces, 2)

	env.traces.Publish(&core.ExecutionTrace{Quest: "other", Matched: true})
	env.traces.Publish(&core.ExecutionTrace{Quest: "wanted", Matched: true, Error: "boom"})
	env.traces.Publish(&core.ExecutionTrace{Quest: "wanted"})

	first := readTrace(t, all)
	if first.Type != "execution" || first.Data.Quest != "other" {
		t.Errorf("first frame = %s %s", first.Type, first.Data.Quest)
	}

	got := readTrace(t, only)
	if got.Type != "failure" || got.Data.Quest != "wanted" {
		t.Errorf("filtered frame = %s %s", got.Type, got.Data.Quest)
	}
	if got = readTrace(t, only); got.Type != "no_match" {
		t.Errorf("second filtered frame type = %s", got.Type)
	}
}

func TestTraceHub_DisconnectAndClose(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn := dialTraces(t, ts, "")
	waitClients(t, env.traces, 1)
	conn.Close()
	waitClients(t, env.traces, 0)

	dialTraces(t, ts, "")
	waitClients(t, env.traces, 1)
	env.traces.Close()
	if n := env.traces.Clients(); n != 0 {
		t.Errorf("clients after close = %d", n)
	}

	rr := httptest.NewRecorder()
	env.traces.ServeHTTP(rr, httptest.NewRequest("GET", "/ws/traces", nil))
	if rr.Code != 503 {
		t.Errorf("after close: expected 503, got %d", rr.Code)
	}

	// publishing after close is a no-op
	env.traces.Publish(&core.ExecutionTrace{Quest: "late"})
}
