// Package sse implements the streaming-HTTP transport: the client holds one
// long-lived GET stream of server-sent events for inbound messages and POSTs
// outbound messages to the endpoint the server announces on that stream.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux/mcp/transport", "sse")

// endpointWaitTimeout bounds how long Start waits for the server to announce
// its POST endpoint on the event stream.
const endpointWaitTimeout = 30 * time.Second

// Transport is a client-side SSE transport.
type Transport struct {
	baseURL string
	headers map[string]string
	client  *http.Client

	mu             sync.Mutex
	endpoint       string
	endpointCh     chan struct{}
	stream         io.ReadCloser
	cancelStream   context.CancelFunc
	started        bool
	closeOnce      sync.Once
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

// Option configures the transport.
type Option func(*Transport)

// WithHeaders sets extra headers sent on the stream request and every POST,
// typically authorization.
func WithHeaders(headers map[string]string) Option {
	return func(t *Transport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

// WithHTTPClient overrides the HTTP client used for the stream and the POSTs.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// New creates an SSE transport for the given stream URL.
func New(baseURL string, opts ...Option) *Transport {
	t := &Transport{
		baseURL:    baseURL,
		headers:    make(map[string]string),
		client:     http.DefaultClient,
		endpointCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens the event stream and waits for the server to announce its POST
// endpoint.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("sse transport already started")
	}
	t.started = true
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Errorf("event stream returned status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.stream = resp.Body
	t.cancelStream = cancel
	t.mu.Unlock()

	go t.readLoop(resp.Body)

	select {
	case <-t.endpointCh:
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return errors.Wrap(ctx.Err(), "canceled while waiting for endpoint")
	case <-time.After(endpointWaitTimeout):
		_ = t.Close()
		return errors.New("timed out waiting for endpoint event")
	}
}

// readLoop parses the event stream: lines of "event:" and "data:" separated
// by blank lines, per the SSE wire format.
func (t *Transport) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var eventName string
	var data bytes.Buffer

	dispatch := func() {
		defer func() {
			eventName = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}
		switch eventName {
		case "endpoint":
			t.setEndpoint(strings.TrimSpace(data.String()))
		case "", "message":
			message, err := transport.Deserialize(data.Bytes())
			if err != nil {
				t.reportError(errors.WithMessage(err, "discarding unparsable event"))
				return
			}
			t.mu.Lock()
			handler := t.messageHandler
			t.mu.Unlock()
			if handler != nil {
				handler(context.Background(), message)
			}
		default:
			logger.KV(xlog.DEBUG, "reason", "ignored_event", "event", eventName)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment line, used by servers as keep-alive.
		}
	}

	if err := scanner.Err(); err != nil {
		t.reportError(errors.Wrap(err, "event stream read failed"))
	}
	t.shutdown()
}

// setEndpoint resolves the announced endpoint against the stream URL and
// unblocks Start.
func (t *Transport) setEndpoint(endpoint string) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		t.reportError(errors.Wrap(err, "invalid base URL"))
		return
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		t.reportError(errors.Wrap(err, "invalid endpoint URL"))
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	first := t.endpoint == ""
	t.endpoint = resolved
	t.mu.Unlock()

	if first {
		close(t.endpointCh)
	}
	logger.KV(xlog.DEBUG, "endpoint", resolved)
}

func (t *Transport) reportError(err error) {
	t.mu.Lock()
	handler := t.errorHandler
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Send POSTs one message to the server-announced endpoint.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint == "" {
		return errors.New("no endpoint announced yet")
	}

	body, err := message.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to post message")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return errors.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// Close tears down the event stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancelStream
	stream := t.stream
	t.cancelStream = nil
	t.stream = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	t.shutdown()
	return nil
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		handler := t.closeHandler
		t.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler.
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

var _ transport.Transport = (*Transport)(nil)
