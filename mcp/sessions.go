package mcp

import (
	"net/http"
	"sync"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

// SessionTracker observes the mcp-session-id header on requests and
// responses. The SDK owns the transport state itself; the tracker only
// keeps created/last-seen records for observability and teardown.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	Created  time.Time
	LastSeen time.Time
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]*sessionRecord)}
}

// Track wraps a handler, recording session ids from the request header
// and from the response header the transport assigns on initialize.
func (t *SessionTracker) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.touch(r.Header.Get(sessionHeader))
		next.ServeHTTP(&sessionWriter{ResponseWriter: w, tracker: t}, r)
	})
}

func (t *SessionTracker) touch(id string) {
	if id == "" {
		return
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.sessions[id]; ok {
		record.LastSeen = now
		return
	}
	t.sessions[id] = &sessionRecord{Created: now, LastSeen: now}
}

// Active reports the number of sessions seen and not yet destroyed.
func (t *SessionTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// DestroyAll drops every session record. Called on server stop.
func (t *SessionTracker) DestroyAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]*sessionRecord)
}

// sessionWriter picks up the session id the transport assigns in the
// response header. Flush passes through so SSE streaming keeps working.
type sessionWriter struct {
	http.ResponseWriter
	tracker  *SessionTracker
	observed bool
}

func (w *sessionWriter) WriteHeader(status int) {
	w.observe()
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.observe()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *sessionWriter) observe() {
	if w.observed {
		return
	}
	w.observed = true
	w.tracker.touch(w.Header().Get(sessionHeader))
}
