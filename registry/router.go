package registry

import "sync"

// Router maps a tool name to the id of the server that owns it. When several
// servers advertise the same tool name, the most recent registration wins.
type Router struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewRouter creates an empty route table.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]string),
	}
}

// Publish binds a tool name to a server id, overwriting any earlier binding.
func (r *Router) Publish(toolName, serverID string) {
	r.mu.Lock()
	r.routes[toolName] = serverID
	r.mu.Unlock()
}

// Resolve returns the id of the server that owns the tool.
func (r *Router) Resolve(toolName string) (string, bool) {
	r.mu.RLock()
	serverID, ok := r.routes[toolName]
	r.mu.RUnlock()
	return serverID, ok
}

// RemoveServer drops every route owned by the given server id.
func (r *Router) RemoveServer(serverID string) {
	r.mu.Lock()
	for toolName, owner := range r.routes {
		if owner == serverID {
			delete(r.routes, toolName)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of published routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
