package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
	"github.com/sweetmcp/gateway/pkg/protocol"
)

func TestDispatchDeliversConsumerReply(t *testing.T) {
	b := New(1)
	req := protocol.CanonicalRequest{Method: "tools/call"}

	done := make(chan error, 1)
	go func() {
		call, ok := b.Recv(context.Background())
		if !ok {
			done <- context.Canceled
			return
		}
		call.Reply.Send(Reply{Result: json.RawMessage(`{"ok":true}`)})
		done <- nil
	}()

	result, err := b.Dispatch(context.Background(), req, protocol.Context{})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
	require.NoError(t, <-done)
}

func TestDispatchReturnsErrorFromReply(t *testing.T) {
	b := New(1)
	req := protocol.CanonicalRequest{Method: "tools/call"}

	go func() {
		call, _ := b.Recv(context.Background())
		call.Reply.Send(Reply{Err: gwerrors.Internal("plugin crashed", nil)})
	}()

	_, err := b.Dispatch(context.Background(), req, protocol.Context{})
	require.Error(t, err)
}

func TestDispatchOverflowsWhenBridgeIsFull(t *testing.T) {
	b := New(1)
	req := protocol.CanonicalRequest{Method: "tools/call"}

	// Fill the single buffered slot without a consumer draining it.
	go func() {
		_, _ = b.Dispatch(context.Background(), req, protocol.Context{})
	}()
	time.Sleep(20 * time.Millisecond) // let the first Dispatch's call land in the channel

	_, err := b.Dispatch(context.Background(), req, protocol.Context{})
	require.ErrorIs(t, err, gwerrors.ErrBridgeOverflow)
}

func TestDispatchReturnsContextErrorOnCancellation(t *testing.T) {
	b := New(1)
	req := protocol.CanonicalRequest{Method: "tools/call"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Consume the call so nothing leaks, but never reply.
	go func() { _, _ = b.Recv(context.Background()) }()

	_, err := b.Dispatch(ctx, req, protocol.Context{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCancelledTokenSurfacesReplyCancelledError(t *testing.T) {
	token := &ReplyToken{ch: make(chan Reply, 1)}
	token.Cancelled()
	reply := <-token.ch
	require.ErrorIs(t, reply.Err, gwerrors.ErrReplyCancelled)
}

func TestReplyTokenSendIsExactlyOnce(t *testing.T) {
	token := &ReplyToken{ch: make(chan Reply, 1)}
	token.Send(Reply{Result: json.RawMessage(`1`)})
	token.Send(Reply{Result: json.RawMessage(`2`)}) // no-op, must not panic or block

	reply := <-token.ch
	require.JSONEq(t, `1`, string(reply.Result))
}
