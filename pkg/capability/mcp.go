package capability

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON-RPC 2.0 envelopes shared by the MCP providers.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

const mcpProtocolVersion = "2024-11-05"

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "hiplan",
			"version": "0.1.0",
		},
	}
}

type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []mcpTool `json:"tools"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolCallResult struct {
	Content           []contentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError"`
}

func parseToolsList(raw json.RawMessage) ([]Descriptor, error) {
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	descs := make([]Descriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		descs = append(descs, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return descs, nil
}

// parseToolCall turns a tools/call result into an output value. Structured
// content wins over text; text blocks are joined with newlines.
func parseToolCall(raw json.RawMessage) (any, error) {
	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call: %w", err)
	}

	var texts []string
	for _, c := range res.Content {
		if c.Type == "text" || c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, &ToolError{Message: text}
	}

	if len(res.StructuredContent) > 0 && string(res.StructuredContent) != "null" {
		var out any
		if err := json.Unmarshal(res.StructuredContent, &out); err != nil {
			return nil, fmt.Errorf("decode structuredContent: %w", err)
		}
		return out, nil
	}
	return text, nil
}
