// Package edge implements the Edge Service (spec.md §4.10): the request
// pipeline that composes rate limiting, auth, circuit breaking, load
// picking, and the local plugin bridge into a single admit/dispatch path.
package edge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sweetmcp/gateway/pkg/auth"
	"github.com/sweetmcp/gateway/pkg/bridge"
	"github.com/sweetmcp/gateway/pkg/circuit"
	"github.com/sweetmcp/gateway/pkg/gwerrors"
	"github.com/sweetmcp/gateway/pkg/loadpicker"
	"github.com/sweetmcp/gateway/pkg/log"
	"github.com/sweetmcp/gateway/pkg/metrics"
	"github.com/sweetmcp/gateway/pkg/peer"
	"github.com/sweetmcp/gateway/pkg/protocol"
	"github.com/sweetmcp/gateway/pkg/ratelimit"
	"github.com/sweetmcp/gateway/pkg/token"
)

// LocalOnlyMethods names methods that must never be forwarded to a peer
// (e.g. administrative or node-scoped operations).
var LocalOnlyMethods = map[string]bool{}

// Service wires every §4.4-4.9/§4.11 component into the single admit path
// described in spec.md §4.10.
type Service struct {
	RateLimit *ratelimit.Limiter
	Auth      *auth.Handler
	Breakers  *circuit.Registry
	Picker    *loadpicker.Picker
	Registry  *peer.Registry
	Bridge    *bridge.Bridge
	Tokens    *token.Manager
	Metrics   *metrics.Registry

	HTTPClient *http.Client // mTLS client used for peer-to-peer forwarding

	RequirePermission string // permission required on /rpc; empty = authentication only, no permission check
}

// durationBuckets matches a typical request-latency histogram shape.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Handle runs one canonical request through admit -> rate-limit -> auth ->
// dispatch (spec.md §4.10 pseudocode). endpoint is the rate-limit bucket
// key; the request is authenticated and checked against s.RequirePermission.
// Authentication is evaluated first so an authenticated caller is
// rate-limited by subject, but a rate-limit rejection is returned ahead of
// an auth failure.
func (s *Service) Handle(ctx context.Context, endpoint string, r *http.Request, req protocol.CanonicalRequest) (json.RawMessage, error) {
	stop := s.Metrics.Timer("gateway_request_duration_seconds", "request pipeline latency", durationBuckets, map[string]string{"method": req.Method})
	defer stop()

	principal := r.RemoteAddr
	actx, authErr := s.Auth.RequirePermission(r, s.RequirePermission)
	if authErr == nil {
		principal = actx.Subject
	}

	if !s.RateLimit.Admit(endpoint, principal, 1) {
		s.Metrics.IncCounter("gateway_rate_limited_total", "requests rejected by the rate limiter", map[string]string{"endpoint": endpoint}, 1)
		return nil, gwerrors.User(gwerrors.CodeRateLimited, "rate limit exceeded")
	}

	if authErr != nil {
		s.Metrics.IncCounter("gateway_auth_failures_total", "authentication failures", map[string]string{"endpoint": endpoint}, 1)
		return nil, authErr
	}

	return s.dispatch(ctx, req)
}

// dispatch implements the admit pseudocode of spec.md §4.10: local-only
// methods and the no-healthy-peers case go straight to the bridge; otherwise
// a peer is picked under its circuit breaker, with a single local fallback
// on remote failure.
func (s *Service) dispatch(ctx context.Context, req protocol.CanonicalRequest) (json.RawMessage, error) {
	if LocalOnlyMethods[req.Method] {
		return s.dispatchLocal(ctx, req)
	}

	healthy := s.Registry.Healthy()
	if len(healthy) == 0 {
		return s.dispatchLocal(ctx, req)
	}

	candidates := make([]string, 0, len(healthy))
	for _, p := range healthy {
		if s.Breakers.For(p.Addr).Admit() {
			candidates = append(candidates, p.Addr)
		}
	}
	if len(candidates) == 0 {
		return s.dispatchLocal(ctx, req)
	}

	addr, ok := s.Picker.Pick(candidates)
	if !ok {
		return s.dispatchLocal(ctx, req)
	}

	result, err := s.dispatchRemote(ctx, addr, req)
	if err == nil {
		s.Breakers.For(addr).RecordSuccess()
		s.Registry.MarkSuccess(addr)
		return result, nil
	}

	s.Breakers.For(addr).RecordFailure()
	s.Registry.MarkFailed(addr)
	s.Metrics.IncCounter("gateway_peer_failures_total", "forwarded requests that failed at a peer", map[string]string{"peer": addr}, 1)

	// Fall back to local exactly once (spec.md §4.10).
	return s.dispatchLocal(ctx, req)
}

// dispatchLocal hands the request to the plugin host over the bridge.
func (s *Service) dispatchLocal(ctx context.Context, req protocol.CanonicalRequest) (json.RawMessage, error) {
	pctx := protocol.Context{Variant: protocol.VariantJSONRPC}
	result, err := s.Bridge.Dispatch(ctx, req, pctx)
	if err != nil {
		log.Warnf("local dispatch failed for %s: %v", req.Method, err)
	}
	return result, err
}

// dispatchRemote forwards the canonical request to a peer's POST /rpc over
// the mTLS client, attaching an encrypted discovery token per spec.md §6
// ("peer-to-peer protocol").
func (s *Service) dispatchRemote(ctx context.Context, addr string, req protocol.CanonicalRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gwerrors.Internal("marshal peer request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("https://%s/rpc", addr), bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Peer("build peer request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if s.Tokens != nil {
		tok, err := s.Tokens.Encrypt([]byte(addr))
		if err == nil {
			encoded, marshalErr := encodeToken(tok)
			if marshalErr == nil {
				httpReq.Header.Set("X-SweetMCP-Token", encoded)
			}
		}
	}

	resp, err := s.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, gwerrors.Peer("peer request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, gwerrors.Peer("peer returned 5xx", fmt.Errorf("status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, gwerrors.Peer("read peer response", err)
	}
	return raw, nil
}

// wireToken is the header-transportable encoding of a token.Token.
type wireToken struct {
	Ciphertext []byte `json:"c"`
	Nonce      []byte `json:"n"`
	KeyID      string `json:"k"`
	CreatedAt  int64  `json:"t"`
}

func encodeToken(t token.Token) (string, error) {
	wt := wireToken{Ciphertext: t.Ciphertext, Nonce: t.Nonce[:], KeyID: t.KeyID, CreatedAt: t.CreatedAt}
	raw, err := json.Marshal(wt)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewHTTPClient builds the mTLS client used for outbound peer forwarding,
// given the client TLS config produced by pkg/tlsmgr's Manager.ClientConfig.
func NewHTTPClient(tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
}
