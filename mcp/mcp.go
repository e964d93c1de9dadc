// Package mcp implements the client side of the tool-server protocol: the
// JSON-RPC method names and payload shapes for the initialize handshake, tool
// discovery, and tool invocation, plus a Client that drives them over any
// transport.Transport.
package mcp

import (
	"encoding/json"
	"strings"
)

// Protocol method names.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"

	NotificationInitialized = "notifications/initialized"
	NotificationCancelled   = "notifications/cancelled"

	// ProtocolVersion is the protocol revision this client speaks.
	ProtocolVersion = "2024-11-05"
)

// Implementation describes one side of the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities is sent with the initialize request. This client
// consumes tools only.
type ClientCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// InitializeRequest is the params of the initialize round-trip.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResponse is the result of the initialize round-trip.
type InitializeResponse struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

// Tool is one advertised operation of a server. InputSchema is opaque to this
// layer; it is passed through to the completion backend unexamined.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResponse is the result of a tools/list discovery call.
type ListToolsResponse struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the params of a tools/call invocation. Arguments are a
// schema-free key-value map; validation belongs to the tool server.
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Content is one tagged block of a tool response. Only the "text" kind is
// consumed directly; other kinds are stringified.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Data carries the remaining fields of non-text content kinds so they can
	// be coerced to a textual representation.
	Data json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw body of non-text blocks for stringification.
func (c *Content) UnmarshalJSON(body []byte) error {
	type content Content
	var plain content
	if err := json.Unmarshal(body, &plain); err != nil {
		return err
	}
	*c = Content(plain)
	if c.Type != "text" {
		c.Data = append(json.RawMessage(nil), body...)
	}
	return nil
}

// MarshalJSON emits text blocks in their wire shape and replays the raw body
// of non-text blocks.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Type != "text" && len(c.Data) > 0 {
		return c.Data, nil
	}
	type content Content
	return json.Marshal(content(c))
}

// NewTextContent creates a text content block.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ToolResponse is the result of a tools/call invocation.
type ToolResponse struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text flattens the response content into one string: text blocks are used
// as-is, any other kind is coerced to its JSON representation, and multiple
// parts are concatenated with newlines.
func (r *ToolResponse) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
			continue
		}
		if len(c.Data) > 0 {
			parts = append(parts, string(c.Data))
			continue
		}
		js, _ := json.Marshal(c)
		parts = append(parts, string(js))
	}
	return strings.Join(parts, "\n")
}
