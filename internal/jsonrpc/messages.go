package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a single message as it travels
// between the child process and SSE subscribers.
type Message []byte

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewRequest builds a request for method with params marshalled to JSON. The
// ID is left unset so the dispatcher can allocate one.
func NewRequest(method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = b
	}
	return req, nil
}

// Response is the decoded shape of a reply. Result and Error are kept raw so
// callers can forward them without reinterpreting the child's payload.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// DecodeResponse decodes a reply object. Non-object payloads yield an empty
// Response rather than an error.
func DecodeResponse(msg Message) *Response {
	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return &Response{}
	}
	return &resp
}

// Failed reports whether the error member is present and truthy. A null,
// false, zero or empty-string error is treated as absent.
func (r *Response) Failed() bool {
	switch string(bytes.TrimSpace(r.Error)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// RPCError decodes the error member as a JSON-RPC error object. It reports
// false when the response did not fail or the member is not such an object,
// as with the bridge's own timeout payload.
func (r *Response) RPCError() (*Error, bool) {
	if !r.Failed() {
		return nil, false
	}
	var e Error
	if err := json.Unmarshal(r.Error, &e); err != nil || e.Message == "" {
		return nil, false
	}
	return &e, true
}

// ErrEmptyLine is returned by Parse for a line with no content.
var ErrEmptyLine = errors.New("empty line")

// Envelope is a parsed line of child output. Raw holds the compacted JSON
// exactly as received; ID and Method are extracted when the line is an object
// carrying them. Any valid JSON value is accepted: the bridge forwards
// whatever the child prints and only uses the id for correlation.
type Envelope struct {
	Raw    Message
	ID     *RequestID
	Method string
}

// Parse decodes a single line of child output.
func Parse(line []byte) (*Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, line); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	env := &Envelope{Raw: Message(buf.Bytes())}
	if buf.Bytes()[0] != '{' {
		return env, nil
	}

	var head struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(env.Raw, &head); err != nil {
		// Valid JSON with unexpected field types is still forwarded.
		return env, nil
	}
	env.Method = head.Method
	if len(head.ID) > 0 && !bytes.Equal(head.ID, []byte("null")) {
		var id RequestID
		if err := id.UnmarshalJSON(head.ID); err == nil && !id.IsNil() {
			env.ID = &id
		}
	}
	return env, nil
}

// Type returns "request", "notification" or "response" for object messages
// and "unknown" for anything else.
func (e *Envelope) Type() string {
	if e.Method != "" {
		if e.ID == nil {
			return "notification"
		}
		return "request"
	}
	if e.ID != nil {
		return "response"
	}
	return "unknown"
}
