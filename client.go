// Package toolmux connects a completion backend to any number of tool
// servers. Servers are registered over stdio-subprocess or streaming-HTTP
// transports, their tool catalogues are discovered once and merged into one
// flat namespace, and a conversation run dispatches the tool calls the model
// requests to the server that owns each tool.
package toolmux

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/toolmux/mcp/transport/sse"
	"github.com/effective-security/toolmux/mcp/transport/stdio"
	"github.com/effective-security/toolmux/orchestrator"
	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/pkg/metricskey"
	"github.com/effective-security/toolmux/registry"
	"github.com/effective-security/toolmux/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux", "toolmux")

// ErrAlreadyClosed is returned when the client is used after Close.
var ErrAlreadyClosed = errors.New("client already closed")

// ServerSpec describes how to reach one tool server. Exactly one of Command
// or URL must be set; Transport overrides both for in-process connections.
type ServerSpec struct {
	// Command spawns the server as a subprocess speaking newline-delimited
	// JSON-RPC over stdio.
	Command string
	Args    []string
	// Env is applied on top of the parent environment.
	Env map[string]string

	// URL connects to the server's streaming HTTP endpoint.
	URL string
	// Headers are sent on the event stream request and every POST.
	Headers map[string]string

	// Transport, when set, is used directly.
	Transport transport.Transport

	// RequestTimeout overrides the default per-request timeout.
	RequestTimeout time.Duration
}

// Client is the orchestration facade: it owns the server registry, the local
// tools, and the conversation loop.
type Client struct {
	model llms.Model
	reg   *registry.Registry
	orc   *orchestrator.Orchestrator

	mu         sync.Mutex
	closed     bool
	localTools map[string]tools.ITool
	localOrder []string
}

// NewClient creates a client for the given model. Options configure the
// conversation loop defaults and can be overridden per run.
func NewClient(model llms.Model, opts ...orchestrator.Option) *Client {
	c := &Client{
		model:      model,
		reg:        registry.New(),
		localTools: make(map[string]tools.ITool),
	}
	c.orc = orchestrator.New(model, c, opts...)
	return c
}

// RegisterServer connects to a tool server, performs the initialize handshake
// and a single tool discovery, and publishes the server's tools. Registering
// an id again releases the previous connection before replacing it. A failure
// at any step closes the transport and leaves the registry unchanged.
func (c *Client) RegisterServer(ctx context.Context, id string, spec ServerSpec) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WithStack(ErrAlreadyClosed)
	}
	c.mu.Unlock()

	started := time.Now()
	defer metricskey.PerfServerConnect.MeasureSince(started, id)

	tr, err := buildTransport(spec)
	if err != nil {
		return errors.WithMessagef(err, "failed to create transport for server %s", id)
	}

	var clientOpts []mcp.ClientOption
	if spec.RequestTimeout > 0 {
		clientOpts = append(clientOpts, mcp.WithRequestTimeout(spec.RequestTimeout))
	}
	mcpClient := mcp.NewClient(clientOpts...)

	if err := mcpClient.Connect(ctx, tr); err != nil {
		return errors.WithMessagef(err, "failed to connect to server %s", id)
	}

	// One-shot discovery: the tool list is fixed for the connection lifetime.
	serverTools, err := mcpClient.ListTools(ctx)
	if err != nil {
		_ = mcpClient.Close()
		return errors.WithMessagef(err, "failed to discover tools of server %s", id)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"server", id,
		"remote", mcpClient.ServerInfo().Name,
		"tools", len(serverTools),
	)

	return c.reg.Register(registry.NewServerConnection(id, mcpClient, serverTools))
}

// RegisterTools adds local in-process tools to the catalogue. A local tool
// shadows a remote tool of the same name.
func (c *Client) RegisterTools(list ...tools.ITool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.WithStack(ErrAlreadyClosed)
	}

	for _, tool := range list {
		name := tool.Name()
		if name == "" {
			return errors.New("tool requires a name")
		}
		if _, ok := c.localTools[name]; !ok {
			c.localOrder = append(c.localOrder, name)
		}
		c.localTools[name] = tool
	}
	return nil
}

// ReleaseServer closes one server connection and removes its routes.
func (c *Client) ReleaseServer(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WithStack(ErrAlreadyClosed)
	}
	c.mu.Unlock()

	return c.reg.Release(id)
}

// Servers returns the registered connections in registration order.
func (c *Client) Servers() []*registry.ServerConnection {
	return c.reg.All()
}

// Tools returns the merged catalogue: every server's tools in registration
// order, followed by the local tools.
func (c *Client) Tools() []llms.Tool {
	var catalogue []llms.Tool
	for _, tool := range c.reg.Tools() {
		catalogue = append(catalogue, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	c.mu.Lock()
	for _, name := range c.localOrder {
		tool := c.localTools[name]
		catalogue = append(catalogue, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	c.mu.Unlock()

	return catalogue
}

// Call routes one tool invocation: local tools first, then the server that
// owns the name. An unknown name fails with orchestrator.ErrNoRoute.
func (c *Client) Call(ctx context.Context, name string, arguments string) (string, error) {
	c.mu.Lock()
	local, isLocal := c.localTools[name]
	c.mu.Unlock()

	if isLocal {
		return local.Call(ctx, arguments)
	}

	conn, ok := c.reg.Resolve(name)
	if !ok {
		return "", errors.WithMessagef(orchestrator.ErrNoRoute, "tool %s", name)
	}

	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", errors.Wrapf(err, "invalid arguments for tool %s", name)
		}
	}

	resp, err := conn.CallTool(ctx, name, args)
	if err != nil {
		if resp != nil {
			// The server answered with an error result; surface its text so
			// the model can react to it.
			return resp.Text(), err
		}
		return "", err
	}
	return resp.Text(), nil
}

var _ orchestrator.Dispatcher = (*Client)(nil)

// Run executes one conversation and returns the final answer.
func (c *Client) Run(ctx context.Context, input string, opts ...orchestrator.Option) (*orchestrator.RunResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrAlreadyClosed)
	}
	c.mu.Unlock()

	return c.orc.Run(ctx, input, opts...)
}

// Close releases every server connection exactly once. Every connection is
// attempted; release failures are joined into the returned error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WithStack(ErrAlreadyClosed)
	}
	c.closed = true
	c.mu.Unlock()

	return c.reg.ReleaseAll()
}

func buildTransport(spec ServerSpec) (transport.Transport, error) {
	switch {
	case spec.Transport != nil:
		return spec.Transport, nil
	case spec.Command != "":
		return stdio.New(spec.Command, spec.Args, spec.Env), nil
	case spec.URL != "":
		return sse.New(spec.URL, sse.WithHeaders(spec.Headers)), nil
	}
	return nil, errors.New("server spec requires a command, a url, or a transport")
}
