package protocol

import "encoding/json"

// JSON-RPC 2.0 framing for the tool-call WebSocket endpoint.

const JSONRPCVersion = "2.0"

// JSON-RPC methods served over the tool WebSocket.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// JSON-RPC error codes (per spec).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCRequest is an incoming JSON-RPC 2.0 request frame.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is an outgoing JSON-RPC 2.0 response frame.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRPCResult builds a success response for the given request id.
func NewRPCResult(id json.RawMessage, result interface{}) RPCResponse {
	return RPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewRPCError builds an error response for the given request id.
func NewRPCError(id json.RawMessage, code int, message string) RPCResponse {
	return RPCResponse{JSONRPC: JSONRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}
