// Package protocol implements the JSON-RPC 2.0 message model used by the
// Model Context Protocol: message envelopes, request variants, MCP payload
// types, newline framing and the error taxonomy shared by both roles.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// ID is a request identifier: either a string or an integer. The zero
// value is not a valid ID. IDs are comparable and usable as map keys.
type ID struct {
	str   string
	num   int64
	isNum bool
	valid bool
}

func StringID(s string) ID { return ID{str: s, valid: true} }

func IntID(n int64) ID { return ID{num: n, isNum: true, valid: true} }

func (id ID) Valid() bool { return id.valid }

func (id ID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}

// Message is a single JSON-RPC envelope. A request has Method and ID, a
// notification has Method and no ID, a response has ID and exactly one of
// Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

func (m Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

func (m Message) IsResponse() bool { return m.Method == "" }

// NewRequest builds a request. params may be nil.
func NewRequest(id ID, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification. params may be nil.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response. A nil result encodes as null.
func NewResult(id ID, result any) (Message, error) {
	raw := json.RawMessage("null")
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return Message{}, fmt.Errorf("marshal result: %w", err)
		}
		raw = b
	}
	return Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response. id may be nil when the
// request id could not be determined.
func NewErrorResponse(id *ID, rpcErr *RPCError) Message {
	return Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}

// Encode serializes a message to its single-line wire form.
func Encode(m Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	return json.Marshal(m)
}

// Decode parses one wire message. Unknown members are ignored. Anything
// that is not a well-formed request, notification or response yields a
// MalformedMessage error carrying a truncated fragment of the input.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, Malformed(data, err.Error())
	}
	if m.JSONRPC != Version {
		return Message{}, Malformed(data, fmt.Sprintf("unsupported jsonrpc version %q", m.JSONRPC))
	}
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	if m.Method != "" {
		if hasResult || hasError {
			return Message{}, Malformed(data, "request carries result or error")
		}
		return m, nil
	}
	switch {
	case hasResult && hasError:
		return Message{}, Malformed(data, "response carries both result and error")
	case !hasResult && !hasError:
		return Message{}, Malformed(data, "message has neither method, result nor error")
	case hasResult && m.ID == nil:
		return Message{}, Malformed(data, "success response without id")
	}
	return m, nil
}
