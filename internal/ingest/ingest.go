// Package ingest couples live transport stream connections with the
// pipelines that consume them. A connection writes into its Session; the
// Hub hands the Session's reader to a Handler running in its own goroutine.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateKey is returned by Open when a session with the same stream
// key is already active.
var ErrDuplicateKey = errors.New("ingest: stream key already active")

// SessionStats captures connection-level counters for a session.
type SessionStats struct {
	Key           string `json:"streamKey"`
	BytesReceived int64  `json:"bytesReceived"`
	WriteCount    int64  `json:"writeCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Session is one active ingest connection. Bytes written to it are read by
// the handler on the other side of an in-memory pipe.
type Session struct {
	Key       string
	StartedAt time.Time

	pr *io.PipeReader
	pw *io.PipeWriter

	bytesReceived atomic.Int64
	writeCount    atomic.Int64
	remoteAddr    atomic.Value
}

// Write forwards p to the handler. It blocks until the handler has read
// it and fails once the handler has returned.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	s.bytesReceived.Add(int64(n))
	s.writeCount.Add(1)
	return n, err
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Session) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() SessionStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SessionStats{
		Key:           s.Key,
		BytesReceived: s.bytesReceived.Load(),
		WriteCount:    s.writeCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Handler consumes a session's byte stream until it returns.
type Handler func(key string, input io.Reader) error

// Hub tracks active sessions by stream key.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	handler Handler
	wg      sync.WaitGroup
}

// NewHub creates a Hub that runs handler for every opened session. A nil
// handler discards session input.
func NewHub(handler Handler) *Hub {
	if handler == nil {
		handler = func(_ string, r io.Reader) error {
			_, err := io.Copy(io.Discard, r)
			return err
		}
	}
	return &Hub{
		sessions: make(map[string]*Session),
		handler:  handler,
	}
}

// Open starts a session and its handler. The caller writes the stream into
// the returned Session and calls Close when the connection ends.
func (h *Hub) Open(key string) (*Session, error) {
	pr, pw := io.Pipe()
	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
	}

	h.mu.Lock()
	if _, ok := h.sessions[key]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	h.sessions[key] = s
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		err := h.handler(key, pr)
		// Unblocks the producer if the handler stopped early.
		if err == nil {
			err = io.ErrClosedPipe
		}
		pr.CloseWithError(err)
	}()
	return s, nil
}

// Close ends a session's input; its handler sees EOF.
func (h *Hub) Close(key string) {
	h.mu.Lock()
	s, ok := h.sessions[key]
	if ok {
		delete(h.sessions, key)
	}
	h.mu.Unlock()

	if ok {
		s.pw.Close()
	}
}

// Get returns the session for key.
func (h *Hub) Get(key string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[key]
	return s, ok
}

// List returns stats for every active session, ordered by key.
func (h *Hub) List() []SessionStats {
	h.mu.RLock()
	out := make([]SessionStats, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Stats())
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionStats) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Wait blocks until every handler has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}
