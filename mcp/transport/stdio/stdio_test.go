package stdio_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/toolmux/mcp/transport/stdio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
}

func Test_Stdio_EchoRoundTrip(t *testing.T) {
	requireUnix(t)

	// cat echoes each framed line straight back.
	tr := stdio.New("cat", nil, nil)

	received := make(chan *transport.BaseJsonRpcMessage, 1)
	tr.SetMessageHandler(func(_ context.Context, message *transport.BaseJsonRpcMessage) {
		received <- message
	})

	require.NoError(t, tr.Start(context.Background()))
	defer func() { _ = tr.Close() }()

	msg := transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      42,
		Method:  "tools/list",
	})
	require.NoError(t, tr.Send(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, transport.BaseMessageTypeJSONRPCRequestType, got.Type)
		assert.Equal(t, transport.RequestId(42), got.MessageID())
		assert.Equal(t, "tools/list", got.JsonRpcRequest.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received from subprocess")
	}
}

func Test_Stdio_ProcessExitTriggersClose(t *testing.T) {
	requireUnix(t)

	tr := stdio.New("true", nil, nil)

	closed := make(chan struct{})
	tr.SetCloseHandler(func() { close(closed) })

	require.NoError(t, tr.Start(context.Background()))

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close handler not invoked on process exit")
	}
}

func Test_Stdio_EnvOverlay(t *testing.T) {
	requireUnix(t)

	tr := stdio.New("sh", []string{"-c", `printf '{"jsonrpc":"2.0","method":"%s"}\n' "$GREETING"`},
		map[string]string{"GREETING": "notifications/test"})

	received := make(chan *transport.BaseJsonRpcMessage, 1)
	tr.SetMessageHandler(func(_ context.Context, message *transport.BaseJsonRpcMessage) {
		received <- message
	})

	require.NoError(t, tr.Start(context.Background()))
	defer func() { _ = tr.Close() }()

	select {
	case got := <-received:
		require.Equal(t, transport.BaseMessageTypeJSONRPCNotificationType, got.Type)
		assert.Equal(t, "notifications/test", got.JsonRpcNotification.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func Test_Stdio_CloseKillsUnresponsiveChild(t *testing.T) {
	requireUnix(t)

	// sleep ignores stdin closure, so Close must fall back to killing it.
	tr := stdio.New("sleep", []string{"30"}, nil,
		stdio.WithShutdownGracePeriod(100*time.Millisecond))

	closed := make(chan struct{})
	tr.SetCloseHandler(func() { close(closed) })

	require.NoError(t, tr.Start(context.Background()))

	started := time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(started), 5*time.Second)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close handler not invoked after kill")
	}
}

func Test_Stdio_SendBeforeStart(t *testing.T) {
	tr := stdio.New("cat", nil, nil)
	err := tr.Send(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      1,
		Method:  "initialize",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func Test_Stdio_SpawnFailure(t *testing.T) {
	tr := stdio.New("/nonexistent/binary-that-does-not-exist", nil, nil)
	err := tr.Start(context.Background())
	require.Error(t, err)
}
