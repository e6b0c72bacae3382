// Package gwerrors defines the cross-component error taxonomy used by every
// request-path package in the gateway: UserError, PeerError, PluginError,
// InternalError, and Fatal. Each kind maps to a JSON-RPC error code so the
// edge service can translate an error returned from any component straight
// into a wire response without re-deriving the mapping at each call site.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of the five taxonomy buckets an error belongs to.
type Kind int

const (
	KindUser Kind = iota
	KindPeer
	KindPlugin
	KindInternal
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindPeer:
		return "peer"
	case KindPlugin:
		return "plugin"
	case KindInternal:
		return "internal"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// JSON-RPC 2.0 reserved and gateway-specific error codes (spec.md §7).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodePluginError    = -32000
	CodeServerBusy     = -32000
	CodeRateLimited    = -32001
	CodeForbidden      = -32002
)

// Error is the concrete gateway error type. Code is the JSON-RPC code that
// should be sent to the caller; Kind drives retry/logging policy.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, code int, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

func User(code int, msg string) *Error                 { return newErr(KindUser, code, msg, nil) }
func UserWrap(code int, msg string, err error) *Error   { return newErr(KindUser, code, msg, err) }
func Peer(msg string, err error) *Error                 { return newErr(KindPeer, 0, msg, err) }
func Plugin(msg string, err error) *Error               { return newErr(KindPlugin, CodePluginError, msg, err) }
func Internal(msg string, err error) *Error             { return newErr(KindInternal, CodeInternalError, msg, err) }
func Fatal(msg string, err error) *Error                { return newErr(KindFatal, 0, msg, err) }

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
	ErrRevoked      = errors.New("token revoked")
	ErrUnknownKeyID = errors.New("unknown key id")

	ErrMissingAuth      = errors.New("missing authorization")
	ErrMalformedAuth    = errors.New("malformed authorization")
	ErrBadSignature     = errors.New("bad signature")
	ErrAuthExpired      = errors.New("token expired")
	ErrInsufficientPerm = errors.New("insufficient permission")

	ErrCircuitOpen     = errors.New("circuit open")
	ErrNoHealthyPeers  = errors.New("no healthy peers")
	ErrBridgeOverflow  = errors.New("server busy")
	ErrReplyCancelled  = errors.New("cancelled reply")
	ErrUnknownMethod   = errors.New("method not found")
	ErrUnknownSession  = errors.New("unknown session")
)

// AsJSONRPC converts any error into a (code, message) pair suitable for a
// JSON-RPC error object. Errors not wrapped in *Error are treated as
// InternalError.
func AsJSONRPC(err error) (code int, message string) {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindUser:
			return e.Code, e.Message
		case KindPlugin:
			return CodePluginError, Sanitize(e.Message)
		case KindInternal, KindFatal:
			return CodeInternalError, "internal error"
		}
	}
	return CodeInternalError, "internal error"
}

// sanitizeKeywords is the fixed set of words a plugin error message is
// allowed to retain; everything else is redacted to avoid leaking plugin
// internals per spec.md §7.
var sanitizeKeywords = map[string]bool{
	"trap": true, "timeout": true, "fuel": true, "memory": true,
	"invalid": true, "json": true, "budget": true, "exceeded": true,
}

// Sanitize reduces a raw plugin error message to a fixed, safe phrase built
// only from the allowed keyword set.
func Sanitize(raw string) string {
	found := map[string]bool{}
	for kw := range sanitizeKeywords {
		if containsFold(raw, kw) {
			found[kw] = true
		}
	}
	if len(found) == 0 {
		return "plugin execution failed"
	}
	msg := "plugin execution failed"
	for kw := range found {
		msg += ": " + kw
	}
	return msg
}

func containsFold(s, substr string) bool {
	sl := []rune(s)
	bl := []rune(substr)
	if len(bl) == 0 || len(bl) > len(sl) {
		return false
	}
	toLower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}
	for i := 0; i+len(bl) <= len(sl); i++ {
		match := true
		for j, r := range bl {
			if toLower(sl[i+j]) != toLower(r) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
