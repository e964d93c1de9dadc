// Package registry tracks the set of connected tool servers and routes tool
// names to the server that owns them. Registration order is preserved so the
// merged catalogue is deterministic; duplicate tool names resolve to the most
// recently registered server.
package registry

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp"
	"github.com/effective-security/toolmux/pkg/metricskey"
	"github.com/effective-security/xlog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux", "registry")

// ServerConnection is one live tool server: its transport-owning client and
// the tool list captured by the single discovery call at registration time.
type ServerConnection struct {
	ID     string
	Client *mcp.Client
	Tools  []mcp.Tool

	// callMu serializes tool calls on this connection. Subprocess transports
	// interleave frames from concurrent writers without it.
	callMu sync.Mutex
}

// NewServerConnection creates a connection record for a registered server.
func NewServerConnection(id string, client *mcp.Client, tools []mcp.Tool) *ServerConnection {
	return &ServerConnection{
		ID:     id,
		Client: client,
		Tools:  tools,
	}
}

// CallTool invokes a tool on this server. Calls on the same connection are
// serialized; calls on distinct connections run concurrently.
func (c *ServerConnection) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolResponse, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return c.Client.CallTool(ctx, name, arguments)
}

// Close releases the connection's transport.
func (c *ServerConnection) Close() error {
	return c.Client.Close()
}

// Registry holds all registered server connections in registration order and
// keeps the route table consistent with the live set.
type Registry struct {
	mu      sync.Mutex
	servers *orderedmap.OrderedMap[string, *ServerConnection]
	router  *Router
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		servers: orderedmap.New[string, *ServerConnection](),
		router:  NewRouter(),
	}
}

// Register adds a connection under its id. If a server with the same id is
// already registered, the previous connection is released first and then
// replaced, so re-registration never leaks a transport. A failure to close
// the previous connection is logged, not returned: the registration itself
// succeeded. The new server's routes are published after any existing
// routes, claiming duplicate names.
func (r *Registry) Register(conn *ServerConnection) error {
	if conn == nil || conn.ID == "" {
		return errors.New("connection requires a server id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.servers.Get(conn.ID); ok {
		logger.KV(xlog.DEBUG, "server", conn.ID, "status", "replacing_existing")
		if err := prev.Close(); err != nil {
			logger.KV(xlog.WARNING, "server", conn.ID, "reason", "failed_to_release_replaced", "err", err.Error())
		}
		r.servers.Delete(conn.ID)
	}

	r.servers.Set(conn.ID, conn)
	r.rebuildRoutes()

	metricskey.StatsServersRegistered.IncrCounter(1, conn.ID)
	metricskey.StatsToolsDiscovered.IncrCounter(float64(len(conn.Tools)), conn.ID)
	logger.KV(xlog.DEBUG, "server", conn.ID, "tools", len(conn.Tools), "status", "registered")

	return nil
}

// Get returns the connection registered under the id.
func (r *Registry) Get(id string) (*ServerConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers.Get(id)
}

// All returns the connections in registration order.
func (r *Registry) All() []*ServerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*ServerConnection, 0, r.servers.Len())
	for pair := r.servers.Oldest(); pair != nil; pair = pair.Next() {
		conns = append(conns, pair.Value)
	}
	return conns
}

// Tools returns the merged catalogue: every registered server's tools in
// registration order. Duplicate names are kept; routing decides ownership.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tools []mcp.Tool
	for pair := r.servers.Oldest(); pair != nil; pair = pair.Next() {
		tools = append(tools, pair.Value.Tools...)
	}
	return tools
}

// Resolve returns the connection that owns the tool name, following the
// last-registration-wins rule.
func (r *Registry) Resolve(toolName string) (*ServerConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serverID, ok := r.router.Resolve(toolName)
	if !ok {
		return nil, false
	}
	return r.servers.Get(serverID)
}

// Release closes the connection registered under the id and removes it with
// its routes. Routes owned by other servers survive; names this server had
// shadowed are restored to their earlier owners.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.servers.Get(id)
	if !ok {
		return errors.Errorf("server %s is not registered", id)
	}

	err := conn.Close()
	r.servers.Delete(id)
	r.rebuildRoutes()

	metricskey.StatsServersReleased.IncrCounter(1, id)
	logger.KV(xlog.DEBUG, "server", id, "status", "released")

	if err != nil {
		return errors.WithMessagef(err, "failed to release server %s", id)
	}
	return nil
}

// ReleaseAll releases every registered connection. Every connection is
// attempted even when an earlier release fails; failures are joined into the
// returned error.
func (r *Registry) ReleaseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for pair := r.servers.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.Close(); err != nil {
			errs = append(errs, errors.WithMessagef(err, "failed to release server %s", pair.Key))
		}
		metricskey.StatsServersReleased.IncrCounter(1, pair.Key)
	}

	r.servers = orderedmap.New[string, *ServerConnection]()
	r.router = NewRouter()

	return errors.Join(errs...)
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers.Len()
}

// rebuildRoutes republishes the route table from the live set in registration
// order, so the newest registration of a duplicate name wins. Callers hold
// r.mu.
func (r *Registry) rebuildRoutes() {
	router := NewRouter()
	for pair := r.servers.Oldest(); pair != nil; pair = pair.Next() {
		for _, tool := range pair.Value.Tools {
			router.Publish(tool.Name, pair.Key)
		}
	}
	r.router = router
}
