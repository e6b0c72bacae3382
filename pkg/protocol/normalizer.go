// Package protocol implements the Protocol Normalizer (spec.md §4.8):
// detection and conversion of GraphQL, Cap'n Proto, JSON-RPC, and MCP-SSE
// dialects to and from the canonical JSON-RPC 2.0 shape every downstream
// component consumes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
)

// Variant identifies the detected wire dialect.
type Variant int

const (
	VariantJSONRPC Variant = iota
	VariantGraphQL
	VariantCapnProto
	VariantMCPSSE
)

// CanonicalRequest is the single shape every internal component consumes
// (spec.md §3).
type CanonicalRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Context records enough about the original request to reverse the
// transformation; it lives for exactly one request (spec.md §3).
type Context struct {
	Variant         Variant
	CorrelationID   uuid.UUID
	OriginalHeaders http.Header

	// GraphQL-only: the operation name the response must be nested under.
	GraphQLOperation string
	// Cap'n Proto-only: the typed field name the response must be re-wrapped as.
	CapnpField string
	// MCP-SSE-only: whether the caller expects an SSE-framed response.
	SSE bool
}

// graphqlRequest is the minimal shape accepted on POST /graphql.
type graphqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// Detect implements the ordered detection policy of spec.md §4.8. First
// match wins.
func Detect(r *http.Request, body []byte) Variant {
	ct := r.Header.Get("Content-Type")

	if looksLikeJSONRPC(body) {
		if r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream" {
			return VariantMCPSSE
		}
		return VariantJSONRPC
	}
	if strings.Contains(ct, "application/graphql") || looksLikeGraphQL(body) {
		return VariantGraphQL
	}
	if strings.Contains(ct, "application/capnp") {
		return VariantCapnProto
	}
	if r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream" {
		return VariantMCPSSE
	}
	return VariantJSONRPC
}

// looksLikeGraphQL distinguishes a GraphQL body by its query/mutation/
// subscription keyword, never by a bare "{" prefix — that would also match
// every JSON-RPC and Cap'n-Proto-JSON envelope.
func looksLikeGraphQL(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	for _, prefix := range []string{"query", "mutation", "subscription"} {
		if bytes.HasPrefix(trimmed, []byte(prefix)) {
			return true
		}
	}
	return false
}

func looksLikeJSONRPC(body []byte) bool {
	var probe struct {
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.JSONRPC == "2.0"
}

// Normalize converts an inbound request body into a CanonicalRequest and the
// Context needed to reverse the transformation later. On parse failure for
// the fallback JSON-RPC path, it returns a gwerrors.User with CodeParseError.
func Normalize(r *http.Request, body []byte) (CanonicalRequest, Context, error) {
	ctx := Context{
		CorrelationID:   uuid.New(),
		OriginalHeaders: r.Header.Clone(),
	}

	variant := Detect(r, body)
	ctx.Variant = variant

	switch variant {
	case VariantGraphQL:
		return normalizeGraphQL(body, &ctx)
	case VariantCapnProto:
		return normalizeCapnProto(body, &ctx)
	case VariantMCPSSE:
		ctx.SSE = r.Method == http.MethodGet || r.URL.Path == "/messages"
		req, err := normalizeJSONRPC(body)
		return req, ctx, err
	default:
		req, err := normalizeJSONRPC(body)
		return req, ctx, err
	}
}

func normalizeJSONRPC(body []byte) (CanonicalRequest, error) {
	var req CanonicalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return CanonicalRequest{}, gwerrors.User(gwerrors.CodeParseError, "parse error")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return CanonicalRequest{}, gwerrors.User(gwerrors.CodeInvalidRequest, "invalid request")
	}
	return req, nil
}

func normalizeGraphQL(body []byte, ctx *Context) (CanonicalRequest, Context, error) {
	var gq graphqlRequest
	if err := json.Unmarshal(body, &gq); err != nil {
		return CanonicalRequest{}, *ctx, gwerrors.User(gwerrors.CodeParseError, "parse error")
	}

	op := gq.OperationName
	if op == "" {
		op = inferOperationName(gq.Query)
	}
	ctx.GraphQLOperation = op

	params, err := json.Marshal(map[string]any{
		"query":     gq.Query,
		"variables": gq.Variables,
	})
	if err != nil {
		return CanonicalRequest{}, *ctx, gwerrors.Internal("marshal graphql params", err)
	}

	return CanonicalRequest{
		JSONRPC: "2.0",
		Method:  "graphql." + op,
		Params:  params,
	}, *ctx, nil
}

// inferOperationName extracts the first field name from a GraphQL query
// body when the caller did not supply operationName, e.g.
// "query { time { utcTime } }" -> "time".
func inferOperationName(query string) string {
	idx := strings.Index(query, "{")
	if idx < 0 {
		return "unknown"
	}
	rest := strings.TrimSpace(query[idx+1:])
	end := strings.IndexAny(rest, " \t\n{(")
	if end < 0 {
		end = len(rest)
	}
	name := strings.TrimSpace(rest[:end])
	if name == "" {
		return "unknown"
	}
	return name
}

// capnpEnvelope is the schema-free "JSON value" mapping spec.md §4.8
// describes: a Cap'n Proto message decoded into a generic JSON object,
// tagged with the typed field name that names the method.
type capnpEnvelope struct {
	Field   string         `json:"field"`
	Payload map[string]any `json:"payload"`
}

func normalizeCapnProto(body []byte, ctx *Context) (CanonicalRequest, Context, error) {
	var env capnpEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return CanonicalRequest{}, *ctx, gwerrors.User(gwerrors.CodeParseError, "parse error")
	}
	ctx.CapnpField = env.Field

	params, err := json.Marshal(env.Payload)
	if err != nil {
		return CanonicalRequest{}, *ctx, gwerrors.Internal("marshal capnp params", err)
	}

	return CanonicalRequest{
		JSONRPC: "2.0",
		Method:  env.Field,
		Params:  params,
	}, *ctx, nil
}

// Denormalize re-encodes a canonical JSON-RPC response into the caller's
// original dialect (spec.md §4.8, §8 item 4).
func Denormalize(ctx Context, response json.RawMessage) ([]byte, string, error) {
	switch ctx.Variant {
	case VariantGraphQL:
		return denormalizeGraphQL(ctx, response)
	case VariantCapnProto:
		return denormalizeCapnProto(ctx, response)
	case VariantMCPSSE:
		return denormalizeSSE(response)
	default:
		return []byte(response), "application/json", nil
	}
}

func denormalizeGraphQL(ctx Context, response json.RawMessage) ([]byte, string, error) {
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(response, &rpcResp); err != nil {
		return nil, "", gwerrors.Internal("denormalize graphql response", err)
	}

	if rpcResp.Error != nil {
		out, err := json.Marshal(map[string]any{
			"data": nil,
			"errors": []map[string]any{
				{"message": rpcResp.Error.Message},
			},
		})
		return out, "application/json", err
	}

	out, err := json.Marshal(map[string]any{
		"data": map[string]json.RawMessage{
			ctx.GraphQLOperation: rpcResp.Result,
		},
		"errors": nil,
	})
	return out, "application/json", err
}

func denormalizeCapnProto(ctx Context, response json.RawMessage) ([]byte, string, error) {
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(response, &rpcResp); err != nil {
		return nil, "", gwerrors.Internal("denormalize capnp response", err)
	}
	payload, err := json.Marshal(map[string]any{
		"field":   ctx.CapnpField,
		"payload": rpcResp.Result,
	})
	if err != nil {
		return nil, "", err
	}
	return payload, "application/capnp", nil
}

func denormalizeSSE(response json.RawMessage) ([]byte, string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "data: %s\n\n", response)
	return buf.Bytes(), "text/event-stream", nil
}
