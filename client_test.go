package toolmux_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux"
	"github.com/effective-security/toolmux/mcp"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/toolmux/mcp/transport/inmem"
	"github.com/effective-security/toolmux/orchestrator"
	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toolServer serves a fixed tool list over an in-process transport and
// answers calls through the handler.
type toolServer struct {
	name    string
	tools   []mcp.Tool
	handler func(name string, args map[string]any) (string, error)

	mu    sync.Mutex
	calls []string
}

func (s *toolServer) start(t *testing.T) *inmem.Transport {
	t.Helper()

	serverEnd, clientEnd := inmem.Pair()
	serverEnd.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
			return
		}
		req := message.JsonRpcRequest

		respond := func(result any) {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			_ = serverEnd.Send(ctx, transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
				Jsonrpc: "2.0",
				Id:      req.Id,
				Result:  raw,
			}))
		}

		switch req.Method {
		case mcp.MethodInitialize:
			respond(mcp.InitializeResponse{
				ProtocolVersion: mcp.ProtocolVersion,
				ServerInfo:      mcp.Implementation{Name: s.name, Version: "1.0"},
			})
		case mcp.MethodListTools:
			respond(mcp.ListToolsResponse{Tools: s.tools})
		case mcp.MethodCallTool:
			var callReq mcp.CallToolRequest
			require.NoError(t, json.Unmarshal(req.Params, &callReq))

			s.mu.Lock()
			s.calls = append(s.calls, callReq.Name)
			s.mu.Unlock()

			text, err := s.handler(callReq.Name, callReq.Arguments)
			if err != nil {
				respond(mcp.ToolResponse{
					IsError: true,
					Content: []mcp.Content{mcp.NewTextContent(err.Error())},
				})
				return
			}
			respond(mcp.ToolResponse{Content: []mcp.Content{mcp.NewTextContent(text)}})
		}
	})
	require.NoError(t, serverEnd.Start(context.Background()))
	return clientEnd
}

func (s *toolServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type scriptedModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	calls     int
}

func (m *scriptedModel) GetName() string                    { return "scripted" }
func (m *scriptedModel) GetProviderType() llms.ProviderType { return llms.ProviderAnthropic }

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return m.responses[idx], nil
}

func registerInmemServer(t *testing.T, client *toolmux.Client, id string, srv *toolServer) {
	t.Helper()
	srv.name = id
	require.NoError(t, client.RegisterServer(context.Background(), id, toolmux.ServerSpec{
		Transport: srv.start(t),
	}))
}

func Test_Client_TwoServerConversation(t *testing.T) {
	alpha := &toolServer{
		tools: []mcp.Tool{{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		handler: func(name string, args map[string]any) (string, error) {
			return "search says: " + args["q"].(string), nil
		},
	}
	beta := &toolServer{
		tools: []mcp.Tool{{Name: "fetch", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		handler: func(name string, args map[string]any) (string, error) {
			return "fetched page", nil
		},
	}

	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{
			StopReason: "tool_calls",
			ToolCalls: []llms.ToolCall{
				{ID: "c1", FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `{"q":"go"}`}},
				{ID: "c2", FunctionCall: &llms.FunctionCall{Name: "fetch", Arguments: `{}`}},
			},
		}}},
		{Choices: []*llms.ContentChoice{{Content: "done", StopReason: "stop"}}},
	}}

	client := toolmux.NewClient(model)
	registerInmemServer(t, client, "alpha", alpha)
	registerInmemServer(t, client, "beta", beta)
	defer func() { _ = client.Close() }()

	require.Len(t, client.Tools(), 2)
	require.Len(t, client.Servers(), 2)

	res, err := client.Run(context.Background(), "find go and fetch it")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)

	// Each call reached the server that owns the tool.
	assert.Equal(t, 1, alpha.callCount())
	assert.Equal(t, 1, beta.callCount())

	// human, assistant batch, two results in call order, final answer
	require.Len(t, res.Messages, 5)
	first := res.Messages[2].Parts[0].(llms.ToolCallResponse)
	assert.Equal(t, "search says: go", first.Content)
	second := res.Messages[3].Parts[0].(llms.ToolCallResponse)
	assert.Equal(t, "fetched page", second.Content)
}

func Test_Client_LastRegistrationWinsRouting(t *testing.T) {
	alpha := &toolServer{
		tools:   []mcp.Tool{{Name: "search"}},
		handler: func(string, map[string]any) (string, error) { return "from alpha", nil },
	}
	beta := &toolServer{
		tools:   []mcp.Tool{{Name: "search"}},
		handler: func(string, map[string]any) (string, error) { return "from beta", nil },
	}

	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	registerInmemServer(t, client, "alpha", alpha)
	registerInmemServer(t, client, "beta", beta)
	defer func() { _ = client.Close() }()

	// Both advertisements are in the catalogue, beta owns the route.
	assert.Len(t, client.Tools(), 2)

	out, err := client.Call(context.Background(), "search", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "from beta", out)
	assert.Equal(t, 0, alpha.callCount())
}

func Test_Client_UnknownToolFailsWithNoRoute(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	defer func() { _ = client.Close() }()

	_, err := client.Call(context.Background(), "ghost", `{}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, orchestrator.ErrNoRoute))
}

func Test_Client_ServerErrorSurfacesText(t *testing.T) {
	alpha := &toolServer{
		tools: []mcp.Tool{{Name: "search"}},
		handler: func(string, map[string]any) (string, error) {
			return "", errors.New("index unavailable")
		},
	}

	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	registerInmemServer(t, client, "alpha", alpha)
	defer func() { _ = client.Close() }()

	text, err := client.Call(context.Background(), "search", `{}`)
	require.Error(t, err)
	assert.Contains(t, text, "index unavailable")
}

type echoInput struct {
	Text string `json:"text"`
}

type echoOutput struct {
	Echo string `json:"echo"`
}

func Test_Client_LocalToolsShadowRemote(t *testing.T) {
	remote := &toolServer{
		tools:   []mcp.Tool{{Name: "echo"}},
		handler: func(string, map[string]any) (string, error) { return "remote echo", nil },
	}

	local, err := tools.NewTool("echo", "Echo locally",
		func(_ context.Context, req *echoInput) (*echoOutput, error) {
			return &echoOutput{Echo: req.Text}, nil
		})
	require.NoError(t, err)

	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	registerInmemServer(t, client, "remote", remote)
	require.NoError(t, client.RegisterTools(local))
	defer func() { _ = client.Close() }()

	out, err := client.Call(context.Background(), "echo", `{"text":"hi"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "hi")
	assert.Equal(t, 0, remote.callCount())
}

func Test_Client_ReleaseServerRemovesRoutes(t *testing.T) {
	alpha := &toolServer{
		tools:   []mcp.Tool{{Name: "search"}},
		handler: func(string, map[string]any) (string, error) { return "ok", nil },
	}

	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	registerInmemServer(t, client, "alpha", alpha)

	require.NoError(t, client.ReleaseServer("alpha"))
	assert.Empty(t, client.Tools())

	_, err := client.Call(context.Background(), "search", `{}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, orchestrator.ErrNoRoute))

	require.NoError(t, client.Close())
}

func Test_Client_CloseIsTerminal(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	require.NoError(t, client.Close())

	err := client.Close()
	assert.True(t, errors.Is(err, toolmux.ErrAlreadyClosed))

	err = client.RegisterServer(context.Background(), "x", toolmux.ServerSpec{Command: "cat"})
	assert.True(t, errors.Is(err, toolmux.ErrAlreadyClosed))

	_, err = client.Run(context.Background(), "hi")
	assert.True(t, errors.Is(err, toolmux.ErrAlreadyClosed))
}

func Test_Client_BadSpec(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: "unused"}}},
	}}
	client := toolmux.NewClient(model)
	defer func() { _ = client.Close() }()

	err := client.RegisterServer(context.Background(), "bad", toolmux.ServerSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a command, a url, or a transport")
}
