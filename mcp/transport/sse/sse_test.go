package sse_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/toolmux/mcp/transport/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer is a minimal streaming endpoint: the GET stream announces the
// POST back-channel and replays events pushed through the events channel.
type sseServer struct {
	srv    *httptest.Server
	events chan string

	mu       sync.Mutex
	posts    [][]byte
	postHdrs []http.Header
}

func newSSEServer(t *testing.T) *sseServer {
	t.Helper()

	s := &sseServer{events: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
		flusher.Flush()

		for {
			select {
			case ev := <-s.events:
				fmt.Fprint(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		s.mu.Lock()
		s.posts = append(s.posts, body)
		s.postHdrs = append(s.postHdrs, r.Header.Clone())
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func Test_SSE_StartAnnouncesEndpointAndSends(t *testing.T) {
	server := newSSEServer(t)

	tr := sse.New(server.srv.URL+"/stream", sse.WithHeaders(map[string]string{
		"Authorization": "Bearer token-1",
	}))
	require.NoError(t, tr.Start(context.Background()))
	defer func() { _ = tr.Close() }()

	msg := transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      5,
		Method:  "tools/list",
	})
	require.NoError(t, tr.Send(context.Background(), msg))

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.posts, 1)

	var sent transport.BaseJSONRPCRequest
	require.NoError(t, json.Unmarshal(server.posts[0], &sent))
	assert.Equal(t, "tools/list", sent.Method)
	assert.Equal(t, transport.RequestId(5), sent.Id)
	assert.Equal(t, "Bearer token-1", server.postHdrs[0].Get("Authorization"))
}

func Test_SSE_ReceivesMessages(t *testing.T) {
	server := newSSEServer(t)

	tr := sse.New(server.srv.URL + "/stream")
	received := make(chan *transport.BaseJsonRpcMessage, 1)
	tr.SetMessageHandler(func(_ context.Context, message *transport.BaseJsonRpcMessage) {
		received <- message
	})

	require.NoError(t, tr.Start(context.Background()))
	defer func() { _ = tr.Close() }()

	// Comment keep-alives and unnamed events must both be handled.
	server.events <- ": keep-alive\n\n"
	server.events <- "data: {\"jsonrpc\":\"2.0\",\"id\":9,\"result\":{\"ok\":true}}\n\n"

	select {
	case got := <-received:
		assert.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, got.Type)
		assert.Equal(t, transport.RequestId(9), got.MessageID())
	case <-time.After(5 * time.Second):
		t.Fatal("no message received on stream")
	}
}

func Test_SSE_SendBeforeEndpoint(t *testing.T) {
	tr := sse.New("http://localhost:0/stream")
	err := tr.Send(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      1,
		Method:  "initialize",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint")
}

func Test_SSE_StartFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := sse.New(srv.URL)
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func Test_SSE_StartCanceledWaitingForEndpoint(t *testing.T) {
	// Stream opens but never announces an endpoint.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := sse.New(srv.URL)
	err := tr.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func Test_SSE_CloseInvokesHandlerOnce(t *testing.T) {
	server := newSSEServer(t)

	tr := sse.New(server.srv.URL + "/stream")
	var closes int
	var mu sync.Mutex
	tr.SetCloseHandler(func() {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	// Give the read loop time to observe the stream closure.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
}
