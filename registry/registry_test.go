package registry_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/toolmux/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport answers every request with an empty result and records
// lifecycle calls.
type stubTransport struct {
	closed   int
	closeErr error
	handler  func(ctx context.Context, message *transport.BaseJsonRpcMessage)
}

func (t *stubTransport) Start(ctx context.Context) error { return nil }

func (t *stubTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type == transport.BaseMessageTypeJSONRPCRequestType && t.handler != nil {
		resp := transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      message.JsonRpcRequest.Id,
			Result:  json.RawMessage(`{}`),
		})
		go t.handler(ctx, resp)
	}
	return nil
}

func (t *stubTransport) Close() error {
	t.closed++
	return t.closeErr
}

func (t *stubTransport) SetCloseHandler(handler func())      {}
func (t *stubTransport) SetErrorHandler(handler func(error)) {}
func (t *stubTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.handler = handler
}

var _ transport.Transport = (*stubTransport)(nil)

// trackingTransport counts how many tools/call requests are in flight at
// once. Responses are delayed so overlapping callers would be observed.
type trackingTransport struct {
	stubTransport

	mu        sync.Mutex
	active    int
	maxActive int
}

func (t *trackingTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type != transport.BaseMessageTypeJSONRPCRequestType || t.handler == nil {
		return nil
	}

	if message.JsonRpcRequest.Method == mcp.MethodCallTool {
		t.mu.Lock()
		t.active++
		if t.active > t.maxActive {
			t.maxActive = t.active
		}
		t.mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		t.mu.Lock()
		t.active--
		t.mu.Unlock()
	}

	resp := transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      message.JsonRpcRequest.Id,
		Result:  json.RawMessage(`{}`),
	})
	go t.handler(ctx, resp)
	return nil
}

func newConn(t *testing.T, id string, tr transport.Transport, toolNames ...string) *registry.ServerConnection {
	t.Helper()

	client := mcp.NewClient()
	if tr != nil {
		require.NoError(t, client.Connect(context.Background(), tr))
	}

	tools := make([]mcp.Tool, 0, len(toolNames))
	for _, name := range toolNames {
		tools = append(tools, mcp.Tool{Name: name})
	}
	return registry.NewServerConnection(id, client, tools)
}

func Test_Registry_MergedCatalogue(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(newConnNoTransport("alpha", "search", "read")))
	require.NoError(t, reg.Register(newConnNoTransport("beta", "fetch")))

	tools := reg.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "read", tools[1].Name)
	assert.Equal(t, "fetch", tools[2].Name)
	assert.Equal(t, 2, reg.Len())
}

func Test_Registry_LastRegistrationWins(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(newConnNoTransport("alpha", "search")))
	require.NoError(t, reg.Register(newConnNoTransport("beta", "search")))

	conn, ok := reg.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, "beta", conn.ID)

	// Both advertisements stay in the catalogue.
	assert.Len(t, reg.Tools(), 2)
}

func Test_Registry_ReleaseRestoresShadowedRoutes(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(newConnNoTransport("alpha", "search")))
	require.NoError(t, reg.Register(newConnNoTransport("beta", "search")))

	require.NoError(t, reg.Release("beta"))

	conn, ok := reg.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, "alpha", conn.ID)
	assert.Equal(t, 1, reg.Len())
}

func Test_Registry_RegisterReplacesAndReleases(t *testing.T) {
	tr := &stubTransport{}
	reg := registry.New()
	require.NoError(t, reg.Register(newConn(t, "alpha", tr, "search")))
	require.NoError(t, reg.Register(newConn(t, "alpha", nil, "search", "fetch")))

	// The previous connection was released, not leaked.
	assert.Equal(t, 1, tr.closed)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, reg.Tools(), 2)

	conn, ok := reg.Resolve("fetch")
	require.True(t, ok)
	assert.Equal(t, "alpha", conn.ID)
}

func Test_Registry_ReplaceSucceedsWhenOldCloseFails(t *testing.T) {
	tr := &stubTransport{closeErr: errors.New("pipe broken")}
	reg := registry.New()
	require.NoError(t, reg.Register(newConn(t, "alpha", tr, "search")))

	// The replacement registration succeeded; the old connection's close
	// failure must not be reported as a registration failure.
	require.NoError(t, reg.Register(newConn(t, "alpha", nil, "search", "fetch")))

	assert.Equal(t, 1, tr.closed)
	assert.Equal(t, 1, reg.Len())

	conn, ok := reg.Resolve("fetch")
	require.True(t, ok)
	assert.Equal(t, "alpha", conn.ID)
}

func Test_Registry_ReleaseUnknown(t *testing.T) {
	reg := registry.New()
	err := reg.Release("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func Test_Registry_ReleaseAllAttemptsEveryConnection(t *testing.T) {
	trA := &stubTransport{closeErr: errors.New("pipe broken")}
	trB := &stubTransport{}

	reg := registry.New()
	require.NoError(t, reg.Register(newConn(t, "alpha", trA, "search")))
	require.NoError(t, reg.Register(newConn(t, "beta", trB, "fetch")))

	err := reg.ReleaseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")

	// The failing release did not stop the second one.
	assert.Equal(t, 1, trA.closed)
	assert.Equal(t, 1, trB.closed)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.Tools())

	_, ok := reg.Resolve("fetch")
	assert.False(t, ok)
}

func Test_ServerConnection_SerializesCalls(t *testing.T) {
	tr := &trackingTransport{}
	conn := newConn(t, "alpha", tr, "search")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.CallTool(context.Background(), "search", map[string]any{"q": "go"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Calls on one connection never overlap on the wire.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.maxActive)
}

func Test_Registry_RejectsEmptyID(t *testing.T) {
	reg := registry.New()
	err := reg.Register(registry.NewServerConnection("", mcp.NewClient(), nil))
	require.Error(t, err)
	err = reg.Register(nil)
	require.Error(t, err)
}

func Test_Router_Basics(t *testing.T) {
	router := registry.NewRouter()
	router.Publish("search", "alpha")
	router.Publish("fetch", "beta")
	router.Publish("search", "beta")

	owner, ok := router.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, "beta", owner)

	router.RemoveServer("beta")
	_, ok = router.Resolve("search")
	assert.False(t, ok)
	_, ok = router.Resolve("fetch")
	assert.False(t, ok)
	assert.Equal(t, 0, router.Len())
}

func newConnNoTransport(id string, toolNames ...string) *registry.ServerConnection {
	tools := make([]mcp.Tool, 0, len(toolNames))
	for _, name := range toolNames {
		tools = append(tools, mcp.Tool{Name: name})
	}
	return registry.NewServerConnection(id, mcp.NewClient(), tools)
}
