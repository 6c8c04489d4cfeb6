package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP methods the bridge issues to the child server.
const (
	InitializeMethod Method = "initialize"
	ToolsListMethod  Method = "tools/list"
	ToolsCallMethod  Method = "tools/call"
)

// ProtocolVersion is the MCP revision announced in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// InitializeRequestID is the fixed id of the handshake request.
const InitializeRequestID = "init-1"

// ImplementationInfo names a client or server implementation.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises optional client features. The bridge does not
// offer any, so it is always sent as an empty object.
type ClientCapabilities struct{}

// InitializeRequest starts a session with the child server.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// BridgeClientInfo is announced as clientInfo during the handshake.
var BridgeClientInfo = ImplementationInfo{Name: "sse-wrapper", Version: "1.0.0"}

// NewInitializeRequest returns the handshake parameters sent after spawn.
func NewInitializeRequest() InitializeRequest {
	return InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      BridgeClientInfo,
	}
}

// ListToolsRequest carries no parameters; it marshals as {}.
type ListToolsRequest struct{}

// CallToolRequest invokes a tool by name. Arguments is forwarded verbatim
// from the HTTP request body.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
