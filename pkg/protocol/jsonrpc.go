package protocol

import (
	"encoding/json"
	"fmt"
)

// MCPPayload is the JSON-RPC body carried by mcp/request, mcp/response and
// mcp/proposal envelopes. The gateway treats it as opaque apart from
// capability matching on method/params; correlation happens through envelope
// ids, not the JSON-RPC id.
type MCPPayload struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error object.
type MCPError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so MCP errors can be returned
// directly from request helpers.
func (e *MCPError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// NewMCPRequest creates a JSON-RPC request payload.
func NewMCPRequest(id interface{}, method string, params interface{}) (*MCPPayload, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &MCPPayload{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewMCPResponse creates a JSON-RPC response payload carrying a result.
func NewMCPResponse(id interface{}, result interface{}) (*MCPPayload, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	return &MCPPayload{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultJSON,
	}, nil
}

// NewMCPErrorResponse creates a JSON-RPC response payload carrying an error.
func NewMCPErrorResponse(id interface{}, code int, message string, data interface{}) (*MCPPayload, error) {
	var dataJSON json.RawMessage
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
	}

	return &MCPPayload{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// IsRequest returns true if the payload is a request.
func (m *MCPPayload) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the payload is a response.
func (m *MCPPayload) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the payload is a notification.
func (m *MCPPayload) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate checks the payload is a well-formed JSON-RPC message.
func (m *MCPPayload) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("invalid JSON-RPC version: %s", m.JSONRPC)
	}

	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return fmt.Errorf("invalid JSON-RPC message format")
	}

	return nil
}
