package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTableEvictsOldestOnOverflow(t *testing.T) {
	table := NewTable(2)
	a := table.New("10.0.0.1:1")
	b := table.New("10.0.0.2:1")
	c := table.New("10.0.0.3:1") // evicts a, the least-recently-used

	_, ok := table.Get(a.ID)
	require.False(t, ok)
	_, ok = table.Get(b.ID)
	require.True(t, ok)
	_, ok = table.Get(c.ID)
	require.True(t, ok)
}

func TestTableGetMarksMostRecentlyUsed(t *testing.T) {
	table := NewTable(2)
	a := table.New("10.0.0.1:1")
	b := table.New("10.0.0.2:1")

	// Touch a so it becomes most-recently-used; next insert should evict b.
	_, ok := table.Get(a.ID)
	require.True(t, ok)

	table.New("10.0.0.3:1")

	_, ok = table.Get(a.ID)
	require.True(t, ok)
	_, ok = table.Get(b.ID)
	require.False(t, ok)
}

func TestSessionEnqueueAfterCloseFails(t *testing.T) {
	table := NewTable(4)
	s := table.New("10.0.0.1:1")
	table.Evict(s.ID)

	err := s.Enqueue(json.RawMessage(`{"x":1}`))
	require.Error(t, err)
}

func TestSessionDrainReturnsFIFOOrder(t *testing.T) {
	table := NewTable(4)
	s := table.New("10.0.0.1:1")

	require.NoError(t, s.Enqueue(json.RawMessage(`1`)))
	require.NoError(t, s.Enqueue(json.RawMessage(`2`)))
	require.NoError(t, s.Enqueue(json.RawMessage(`3`)))

	events := s.drain()
	require.Equal(t, []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`), json.RawMessage(`3`)}, events)
	require.Empty(t, s.drain())
}

func TestServeMessagesUnknownSessionReturnsJSONRPCError(t *testing.T) {
	table := NewTable(4)
	h := NewHandler(table, Config{IdleTimeout: time.Second, PingInterval: time.Second}, func(remoteAddr, sessionID string, body []byte) (json.RawMessage, error) {
		t.Fatal("dispatch should not be called for an unknown session")
		return nil, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/messages?session=does-not-exist", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	h.ServeMessages(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "error")
}

func TestServeMessagesDispatchesAndEnqueuesResult(t *testing.T) {
	table := NewTable(4)
	session := table.New("10.0.0.1:1")

	dispatched := make(chan struct{})
	h := NewHandler(table, Config{IdleTimeout: time.Second, PingInterval: time.Second}, func(remoteAddr, sessionID string, body []byte) (json.RawMessage, error) {
		defer close(dispatched)
		require.Equal(t, session.ID, sessionID)
		require.Equal(t, `{"jsonrpc":"2.0","method":"ping"}`, string(body))
		return json.RawMessage(`{"jsonrpc":"2.0","result":"pong"}`), nil
	})

	payload := `{"jsonrpc":"2.0","method":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/messages?session="+session.ID, strings.NewReader(payload))
	rec := httptest.NewRecorder()

	h.ServeMessages(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	<-dispatched
	var events []json.RawMessage
	require.Eventually(t, func() bool {
		events = session.drain()
		return len(events) > 0
	}, time.Second, time.Millisecond)
	require.JSONEq(t, `{"jsonrpc":"2.0","result":"pong"}`, string(events[0]))
}

func TestServeMessagesPreservesReceiptOrderUnderConcurrentDispatch(t *testing.T) {
	table := NewTable(4)
	session := table.New("10.0.0.1:1")

	// request "slow" finishes dispatch after "fast" even though it arrives
	// first, so a naive per-request goroutine would enqueue out of order.
	release := make(chan struct{})
	h := NewHandler(table, Config{IdleTimeout: time.Second, PingInterval: time.Second}, func(remoteAddr, sessionID string, body []byte) (json.RawMessage, error) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		if req.Method == "slow" {
			<-release
		}
		return json.RawMessage(`{"jsonrpc":"2.0","result":"` + req.Method + `"}`), nil
	})

	postReq := func(method string) *httptest.ResponseRecorder {
		payload := `{"jsonrpc":"2.0","method":"` + method + `"}`
		req := httptest.NewRequest(http.MethodPost, "/messages?session="+session.ID, strings.NewReader(payload))
		rec := httptest.NewRecorder()
		h.ServeMessages(rec, req)
		return rec
	}

	rec1 := postReq("slow")
	require.Equal(t, http.StatusAccepted, rec1.Code)

	rec2 := postReq("fast")
	require.Equal(t, http.StatusAccepted, rec2.Code)

	close(release)

	var events []json.RawMessage
	require.Eventually(t, func() bool {
		events = session.drain()
		return len(events) == 2
	}, time.Second, time.Millisecond)

	require.JSONEq(t, `{"jsonrpc":"2.0","result":"slow"}`, string(events[0]))
	require.JSONEq(t, `{"jsonrpc":"2.0","result":"fast"}`, string(events[1]))
}

func TestServeSSEWritesEndpointEventThenReturnsOnIdleTimeout(t *testing.T) {
	table := NewTable(4)
	h := NewHandler(table, Config{IdleTimeout: 50 * time.Millisecond, PingInterval: time.Hour}, nil)

	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeSSE(rec, req)
		close(done)
	}()

	// Give ServeSSE a moment to register the session and write the endpoint event.
	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body.String(), "event: endpoint") && table.lenForTest() == 1
	}, time.Second, time.Millisecond)

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var sawEndpoint bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: endpoint") {
			sawEndpoint = true
		}
	}
	require.True(t, sawEndpoint)

	<-done // idle timeout fires and the handler returns, evicting the session
}

func (t *Table) lenForTest() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
