package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/xlog"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientInfo sets the implementation info sent in the initialize handshake.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.clientInfo = Implementation{Name: name, Version: version}
	}
}

// Client speaks the tool protocol to one server over one transport. It is
// safe for concurrent use; requests are correlated by id and sends are
// serialized for non-reentrant transports.
type Client struct {
	protocol       *protocol
	requestTimeout time.Duration
	clientInfo     Implementation

	serverInfo Implementation
}

// NewClient creates a client over the given transport. Connect must be called
// before any request.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		protocol:       newProtocol(),
		requestTimeout: DefaultRequestTimeout,
		clientInfo:     Implementation{Name: "toolmux", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context, tr transport.Transport) error {
	if err := c.protocol.connect(ctx, tr); err != nil {
		return errors.WithMessage(err, "failed to start transport")
	}

	req := &InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.clientInfo,
	}
	raw, err := c.protocol.request(ctx, MethodInitialize, req, &RequestOptions{Timeout: c.requestTimeout})
	if err != nil {
		_ = c.protocol.close()
		return errors.WithMessage(err, "initialize failed")
	}

	var resp InitializeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		_ = c.protocol.close()
		return errors.Wrap(err, "failed to parse initialize response")
	}
	c.serverInfo = resp.ServerInfo

	if err := c.protocol.notify(NotificationInitialized, struct{}{}); err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "failed_to_send_initialized",
			"err", err.Error(),
		)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "connected",
		"server", resp.ServerInfo.Name,
		"version", resp.ServerInfo.Version,
	)
	return nil
}

// ServerInfo returns the implementation info the server reported during the
// handshake.
func (c *Client) ServerInfo() Implementation {
	return c.serverInfo
}

// OnClose registers a callback invoked once when the connection is closed for
// any reason, including server process exit.
func (c *Client) OnClose(handler func()) {
	c.protocol.onClose = handler
}

// ListTools retrieves the server's tool catalogue. The orchestration layer
// calls this exactly once, at registration time.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.protocol.request(ctx, MethodListTools, struct{}{}, &RequestOptions{Timeout: c.requestTimeout})
	if err != nil {
		return nil, errors.WithMessage(err, "tools/list failed")
	}

	var resp ListToolsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to parse tools/list response")
	}
	return resp.Tools, nil
}

// CallTool invokes one tool with a schema-free argument map and returns its
// response. A response flagged IsError is surfaced as an error carrying the
// response text.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResponse, error) {
	req := &CallToolRequest{
		Name:      name,
		Arguments: arguments,
	}
	raw, err := c.protocol.request(ctx, MethodCallTool, req, &RequestOptions{Timeout: c.requestTimeout})
	if err != nil {
		return nil, errors.WithMessagef(err, "tools/call %s failed", name)
	}

	var resp ToolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to parse tools/call response")
	}
	if resp.IsError {
		return &resp, errors.Errorf("tool %s returned error: %s", name, resp.Text())
	}
	return &resp, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.protocol.close()
}
