package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies failures of the protocol layer.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedMessage
	KindProviderUnavailable
	KindHandshakeFailed
	KindCallTimeout
	KindToolNotFound
	KindInvalidArguments
	KindToolExecutionFailed
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	KindMalformedMessage:    "MalformedMessage",
	KindProviderUnavailable: "ProviderUnavailable",
	KindHandshakeFailed:     "HandshakeFailed",
	KindCallTimeout:         "CallTimeout",
	KindToolNotFound:        "ToolNotFound",
	KindInvalidArguments:    "InvalidArguments",
	KindToolExecutionFailed: "ToolExecutionFailed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrMalformedMessage    = &Error{Kind: KindMalformedMessage}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrHandshakeFailed     = &Error{Kind: KindHandshakeFailed}
	ErrCallTimeout         = &Error{Kind: KindCallTimeout}
	ErrToolNotFound        = &Error{Kind: KindToolNotFound}
	ErrInvalidArguments    = &Error{Kind: KindInvalidArguments}
	ErrToolExecutionFailed = &Error{Kind: KindToolExecutionFailed}
)

// Error is the typed failure surfaced to callers of both roles.
type Error struct {
	Kind     Kind
	Provider string
	Tool     string
	Message  string

	// Fragment holds a truncated copy of the input for MalformedMessage.
	Fragment string
	// Constraint names the violated schema constraint for InvalidArguments.
	Constraint string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" provider=")
		b.WriteString(e.Provider)
	}
	if e.Tool != "" {
		b.WriteString(" tool=")
		b.WriteString(e.Tool)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Constraint != "" {
		b.WriteString(" (")
		b.WriteString(e.Constraint)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels: a target with only Kind set matches any error of
// that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Provider == "" && t.Tool == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

const maxFragment = 64

// Malformed builds a MalformedMessage error for the given input.
func Malformed(data []byte, reason string) *Error {
	frag := string(data)
	if len(frag) > maxFragment {
		cut := maxFragment
		for cut > 0 && !utf8.RuneStart(frag[cut]) {
			cut--
		}
		frag = frag[:cut] + "..."
	}
	return &Error{Kind: KindMalformedMessage, Message: reason, Fragment: frag}
}

func Unavailable(provider string, err error) *Error {
	return &Error{Kind: KindProviderUnavailable, Provider: provider, Err: err}
}

func HandshakeFailed(provider, msg string, err error) *Error {
	return &Error{Kind: KindHandshakeFailed, Provider: provider, Message: msg, Err: err}
}

func CallTimeout(provider, tool string, err error) *Error {
	return &Error{Kind: KindCallTimeout, Provider: provider, Tool: tool, Err: err}
}

func ToolNotFound(provider, tool string) *Error {
	return &Error{Kind: KindToolNotFound, Provider: provider, Tool: tool, Message: "tool not found"}
}

func InvalidArguments(tool, constraint string) *Error {
	return &Error{Kind: KindInvalidArguments, Tool: tool, Message: "invalid arguments", Constraint: constraint}
}

func ExecutionFailed(provider, tool string, err error) *Error {
	return &Error{Kind: KindToolExecutionFailed, Provider: provider, Tool: tool, Err: err}
}
