// Package bridge implements the MCP Bridge (spec.md §4.11): a single
// multi-producer, single-consumer channel carrying
// (canonical-request, context, one-shot reply sender) tuples from the edge
// to the plugin host. The edge owns the send-half, the plugin host owns the
// receive-half; neither holds a back-reference (spec.md §3 ownership
// summary, §9 design notes).
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
	"github.com/sweetmcp/gateway/pkg/protocol"
)

// ReplyToken is a linear resource: only its first Send takes effect.
// Calling Cancelled surfaces ErrReplyCancelled to the waiting Dispatch
// caller. A token dropped without Send or Cancelled delivers nothing, and
// Dispatch then waits until its context is done.
type ReplyToken struct {
	ch   chan Reply
	once sync.Once
}

// Reply carries a plugin's response (or error) back to the edge.
type Reply struct {
	Result json.RawMessage
	Err    error
}

// Send delivers the reply exactly once; subsequent calls are no-ops.
func (t *ReplyToken) Send(r Reply) {
	t.once.Do(func() {
		t.ch <- r
		close(t.ch)
	})
}

// Cancelled marks the token as dropped without a reply, surfacing
// ErrReplyCancelled to whoever is waiting.
func (t *ReplyToken) Cancelled() {
	t.Send(Reply{Err: gwerrors.ErrReplyCancelled})
}

// Call is one unit of work travelling from edge to plugin host.
type Call struct {
	Request protocol.CanonicalRequest
	Context protocol.Context
	Reply   *ReplyToken
}

// Bridge is the bounded channel itself. Capacity defaults to 1024 per
// spec.md §4.11; overflow is reported to the caller as ErrBridgeOverflow so
// it can be translated to JSON-RPC -32000 "server busy".
type Bridge struct {
	calls chan Call
}

// New constructs a bridge with the given capacity (0 uses the spec default).
func New(capacity int) *Bridge {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bridge{calls: make(chan Call, capacity)}
}

// Dispatch enqueues a call and waits for its reply, respecting ctx
// cancellation: on cancel it stops waiting and returns ctx.Err(). A call
// already queued is still delivered to the consumer, which is not told of
// the cancellation.
func (b *Bridge) Dispatch(ctx context.Context, req protocol.CanonicalRequest, pctx protocol.Context) (json.RawMessage, error) {
	token := &ReplyToken{ch: make(chan Reply, 1)}
	call := Call{Request: req, Context: pctx, Reply: token}

	select {
	case b.calls <- call:
	default:
		return nil, gwerrors.ErrBridgeOverflow
	}

	select {
	case reply := <-token.ch:
		return reply.Result, reply.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recv is used by the plugin host to pull the next call off the bridge.
func (b *Bridge) Recv(ctx context.Context) (Call, bool) {
	select {
	case c := <-b.calls:
		return c, true
	case <-ctx.Done():
		return Call{}, false
	}
}
