// Package sse implements the dual-endpoint streamable-HTTP transport
// (spec.md §4.14): GET /sse opens an event stream and allocates a session;
// POST /messages accepts one canonical request per call and the response is
// delivered as an SSE event on the paired GET stream.
package sse

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
)

// Session mirrors spec.md §3's Session (SSE) record. Mutated by both the GET
// stream writer and the POST handler.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	RemoteAddr   string

	mu     sync.Mutex
	queue  []json.RawMessage
	notify chan struct{}
	closed bool

	elem *list.Element // this session's node in the LRU list, owned by Table

	order *sessionOrder // serializes concurrent ServeMessages dispatch by receipt order
}

func newSession(remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		RemoteAddr:   remoteAddr,
		notify:       make(chan struct{}, 1),
		order:        newSessionOrder(),
	}
}

// sessionOrder is a ticket lock: ticket() is called synchronously in the
// ServeMessages goroutine for each POST, capturing arrival order before any
// dispatch latency can reorder things; await/done then let the dispatching
// goroutines enqueue their responses strictly in ticket order.
type sessionOrder struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func newSessionOrder() *sessionOrder {
	o := &sessionOrder{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *sessionOrder) ticket() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return t
}

func (o *sessionOrder) await(t uint64) {
	o.mu.Lock()
	for o.turn != t {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

func (o *sessionOrder) done() {
	o.mu.Lock()
	o.turn++
	o.mu.Unlock()
	o.cond.Broadcast()
}

// Enqueue appends an event for delivery in order: ordering guarantee (a) of
// spec.md §5 — within a session, responses are delivered in receipt order —
// holds because ServeMessages serializes dispatch completion through the
// session's sessionOrder ticket lock before ever calling Enqueue, and the
// GET stream then drains the queue strictly FIFO.
func (s *Session) Enqueue(event json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gwerrors.ErrUnknownSession
	}
	s.queue = append(s.queue, event)
	s.LastActivity = time.Now()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) drain() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Table is a bounded LRU of sessions (spec.md §4.14). Eviction marks a
// session closed so later Enqueue calls fail; it does not end a GET stream
// attached to that session, which stays open until its client disconnects
// or its idle timeout fires.
type Table struct {
	mu       sync.Mutex
	max      int
	lru      *list.List // front = most recently used
	sessions map[string]*Session
}

// NewTable constructs a session table bounded to max entries.
func NewTable(max int) *Table {
	return &Table{
		max:      max,
		lru:      list.New(),
		sessions: make(map[string]*Session),
	}
}

// New allocates and registers a fresh session, evicting the least-recently
// used one if the table is full.
func (t *Table) New(remoteAddr string) *Session {
	s := newSession(remoteAddr)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lru.Len() >= t.max {
		t.evictOldestLocked()
	}
	s.elem = t.lru.PushFront(s.ID)
	t.sessions[s.ID] = s
	return s
}

func (t *Table) evictOldestLocked() {
	back := t.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	t.lru.Remove(back)
	if s, ok := t.sessions[id]; ok {
		s.markClosed()
		delete(t.sessions, id)
	}
}

// Get looks up a session by id and marks it most-recently-used.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	t.lru.MoveToFront(s.elem)
	return s, true
}

// Evict removes a session explicitly, e.g. on idle timeout.
func (t *Table) Evict(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return
	}
	t.lru.Remove(s.elem)
	delete(t.sessions, id)
	s.markClosed()
}

// Config bounds the SSE transport's timing behavior.
type Config struct {
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// Handler wires the GET /sse and POST /messages endpoints against a shared
// session Table and a dispatch function that turns a canonical request body
// into a JSON-RPC response.
type Handler struct {
	table   *Table
	cfg     Config
	dispatch func(remoteAddr string, sessionID string, body []byte) (json.RawMessage, error)
}

// NewHandler constructs an SSE handler.
func NewHandler(table *Table, cfg Config, dispatch func(remoteAddr, sessionID string, body []byte) (json.RawMessage, error)) *Handler {
	return &Handler{table: table, cfg: cfg, dispatch: dispatch}
}

// ServeSSE implements GET /sse: writes the initial endpoint event, then
// pumps queued events until the client disconnects or the session idles out.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	session := h.table.New(r.RemoteAddr)
	defer h.table.Evict(session.ID)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?session=%s\n\n", session.ID)
	flusher.Flush()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	idle := time.NewTimer(h.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			return
		case <-ping.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-session.notify:
			for _, evt := range session.drain() {
				fmt.Fprintf(w, "data: %s\n\n", evt)
			}
			flusher.Flush()
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(h.cfg.IdleTimeout)
		}
	}
}

// ServeMessages implements POST /messages: requires a matching session id,
// accepts exactly one canonical request per call, and responds 202 Accepted
// immediately; the real JSON-RPC response is delivered asynchronously as an
// SSE event on the paired GET stream (spec.md §4.14, §3 invariant: unknown
// id => JSON-RPC error -32600).
func (h *Handler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = r.Header.Get("X-SweetMCP-Session")
	}

	session, ok := h.table.Get(sessionID)
	if !ok {
		writeJSONRPCError(w, gwerrors.CodeInvalidRequest, "unknown session")
		return
	}
	session.touch()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONRPCError(w, gwerrors.CodeParseError, "failed to read request body")
		return
	}

	ticket := session.order.ticket()
	go func() {
		result, err := h.dispatch(r.RemoteAddr, sessionID, body)

		session.order.await(ticket)
		defer session.order.done()

		if err != nil {
			code, msg := gwerrors.AsJSONRPC(err)
			errEvt, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": code, "message": msg},
			})
			_ = session.Enqueue(errEvt)
			return
		}
		_ = session.Enqueue(result)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func writeJSONRPCError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": code, "message": message},
	})
}
