// Package mockservers provides httptest servers standing in for external
// services.
package mockservers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Record is a record written through createRecord
type Record struct {
	Repo       string                 `json:"repo"`
	Collection string                 `json:"collection"`
	Record     map[string]interface{} `json:"record"`
}

// ThreadReply is a reply served by getPostThread
type ThreadReply struct {
	URI       string
	CID       string
	Handle    string
	DID       string
	Text      string
	CreatedAt time.Time
}

// BskyMockServer provides a mock XRPC server for testing. It serves as both
// the AppView and the PDS.
type BskyMockServer struct {
	Server   *httptest.Server
	Handlers map[string]http.HandlerFunc
	t        *testing.T

	mu       sync.Mutex
	threads  map[string][]ThreadReply
	records  []Record
	sessions int
	calls    map[string]int

	expireNext bool

	// Password accepted by createSession
	Password string
}

// NewBskyMockServer creates a new mock XRPC server.
func NewBskyMockServer(t *testing.T) *BskyMockServer {
	t.Helper()

	mock := &BskyMockServer{
		Handlers: make(map[string]http.HandlerFunc),
		t:        t,
		threads:  make(map[string][]ThreadReply),
		calls:    make(map[string]int),
		Password: "app-password",
	}

	mock.SetupDefaults()

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		nsid := strings.TrimPrefix(r.URL.Path, "/xrpc/")

		mock.mu.Lock()
		mock.calls[nsid]++
		mock.mu.Unlock()

		if handler, ok := mock.Handlers[nsid]; ok {
			handler(w, r)
			return
		}

		w.WriteHeader(http.StatusNotImplemented)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "MethodNotImplemented",
			"message": nsid,
		})
	}))

	t.Cleanup(func() {
		mock.Server.Close()
	})

	return mock
}

// URL returns the server's base URL
func (m *BskyMockServer) URL() string {
	return m.Server.URL
}

// SetThread sets the replies served for the post at uri
func (m *BskyMockServer) SetThread(uri string, replies ...ThreadReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[uri] = replies
}

// AddReply appends a reply to the thread at uri
func (m *BskyMockServer) AddReply(uri string, reply ThreadReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[uri] = append(m.threads[uri], reply)
}

// ExpireToken makes the next createRecord fail with ExpiredToken
func (m *BskyMockServer) ExpireToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireNext = true
}

// Records returns the records written so far
func (m *BskyMockServer) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Sessions returns how many sessions were created
func (m *BskyMockServer) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Calls returns how many times nsid was called
func (m *BskyMockServer) Calls(nsid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[nsid]
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}

// SetupDefaults sets up default response handlers.
func (m *BskyMockServer) SetupDefaults() {
	m.Handlers["com.atproto.server.createSession"] = func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != m.Password {
			writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "Invalid identifier or password")
			return
		}

		m.mu.Lock()
		m.sessions++
		n := m.sessions
		m.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt":  fmt.Sprintf("access-%d", n),
			"refreshJwt": fmt.Sprintf("refresh-%d", n),
			"handle":     req.Identifier,
			"did":        "did:plc:questbot",
		})
	}

	m.Handlers["com.atproto.repo.createRecord"] = func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer access-") {
			writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "missing token")
			return
		}

		m.mu.Lock()
		if m.expireNext {
			m.expireNext = false
			m.mu.Unlock()
			writeError(w, http.StatusBadRequest, "ExpiredToken", "Token has expired")
			return
		}
		m.mu.Unlock()

		var rec Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}

		m.mu.Lock()
		m.records = append(m.records, rec)
		n := len(m.records)
		m.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]string{
			"uri": fmt.Sprintf("at://%s/%s/%d", rec.Repo, rec.Collection, n),
			"cid": fmt.Sprintf("bafyrecord%d", n),
		})
	}

	m.Handlers["app.bsky.feed.getPostThread"] = func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("uri")

		m.mu.Lock()
		replies, ok := m.threads[uri]
		replies = append([]ThreadReply(nil), replies...)
		m.mu.Unlock()

		if !ok {
			writeError(w, http.StatusBadRequest, "NotFound", "Post not found: "+uri)
			return
		}

		views := make([]map[string]interface{}, 0, len(replies))
		for _, rp := range replies {
			views = append(views, map[string]interface{}{
				"$type": "app.bsky.feed.defs#threadViewPost",
				"post": map[string]interface{}{
					"uri":    rp.URI,
					"cid":    rp.CID,
					"author": map[string]string{"did": rp.DID, "handle": rp.Handle},
					"record": map[string]interface{}{
						"text":      rp.Text,
						"createdAt": rp.CreatedAt.UTC().Format(time.RFC3339Nano),
						"reply": map[string]interface{}{
							"root":   map[string]string{"uri": uri, "cid": "bafyroot"},
							"parent": map[string]string{"uri": uri, "cid": "bafyroot"},
						},
					},
				},
			})
		}
		// a blocked reply has no post view
		views = append(views, map[string]interface{}{
			"$type":   "app.bsky.feed.defs#blockedPost",
			"uri":     uri + "/blocked",
			"blocked": true,
		})

		json.NewEncoder(w).Encode(map[string]interface{}{
			"thread": map[string]interface{}{
				"$type":   "app.bsky.feed.defs#threadViewPost",
				"post":    map[string]interface{}{"uri": uri, "cid": "bafyroot"},
				"replies": views,
			},
		})
	}

	m.Handlers["com.atproto.identity.resolveHandle"] = func(w http.ResponseWriter, r *http.Request) {
		handle := r.URL.Query().Get("handle")
		if handle == "" {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "handle is required")
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:" + strings.ReplaceAll(handle, ".", "-")})
	}

	m.Handlers["app.bsky.actor.getProfile"] = func(w http.ResponseWriter, r *http.Request) {
		actor := r.URL.Query().Get("actor")
		if !strings.HasPrefix(actor, "did:plc:") {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "Profile not found")
			return
		}
		handle := strings.ReplaceAll(strings.TrimPrefix(actor, "did:plc:"), "-", ".")
		json.NewEncoder(w).Encode(map[string]string{"did": actor, "handle": handle})
	}
}
