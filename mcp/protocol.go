package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux", "mcp")

// DefaultRequestTimeout bounds every round-trip so a hung tool server cannot
// stall the conversation loop indefinitely.
const DefaultRequestTimeout = 60 * time.Second

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Timeout specifies a timeout for this request. If not specified,
	// DefaultRequestTimeout is used.
	Timeout time.Duration
}

// protocol implements JSON-RPC framing on top of a pluggable transport:
// request/response correlation, per-request timeouts, and cancellation
// notifications. Sends are serialized because subprocess stdio transports are
// not re-entrant.
type protocol struct {
	transport transport.Transport

	mu               sync.Mutex
	sendMu           sync.Mutex
	requestMessageID transport.RequestId
	closed           bool

	// Maps message ID to response handler.
	responseHandlers map[transport.RequestId]chan *responseEnvelope
	// Maps method name to notification handler.
	notificationHandlers map[string]func(notification *transport.BaseJSONRPCNotification)

	// onClose is invoked once when the connection is closed for any reason.
	onClose func()
}

type responseEnvelope struct {
	response json.RawMessage
	err      error
}

func newProtocol() *protocol {
	return &protocol{
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
		notificationHandlers: make(map[string]func(*transport.BaseJSONRPCNotification)),
	}
}

// connect attaches to the given transport, starts it, and starts listening
// for messages.
func (p *protocol) connect(ctx context.Context, tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(func() {
		p.handleClose()
	})

	tr.SetErrorHandler(func(err error) {
		logger.KV(xlog.WARNING, "reason", "transport_error", "err", err.Error())
	})

	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse, nil)
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.handleResponse(nil, message.JsonRpcError)
		}
	})

	return tr.Start(ctx)
}

func (p *protocol) handleClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	// Fail all pending requests.
	for id, ch := range p.responseHandlers {
		ch <- &responseEnvelope{err: errors.New("connection closed")}
		close(ch)
		delete(p.responseHandlers, id)
	}
	onClose := p.onClose
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (p *protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.Lock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.Unlock()

	if handler != nil {
		handler(notification)
	}
}

// handleRequest rejects inbound server-initiated requests: this client
// consumes tools only.
func (p *protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.KV(xlog.DEBUG, "method", request.Method, "id", request.Id)

	response := &transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      request.Id,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    -32601,
			Message: "method not found: " + request.Method,
		},
	}
	if err := p.send(ctx, transport.NewBaseMessageError(response)); err != nil {
		logger.KV(xlog.WARNING, "reason", "failed_to_send_error_response", "err", err.Error())
	}
}

func (p *protocol) handleResponse(response *transport.BaseJSONRPCResponse, errResp *transport.BaseJSONRPCError) {
	var id transport.RequestId
	var result json.RawMessage
	var err error

	if errResp != nil {
		id = errResp.Id
		err = errors.Errorf("RPC error %d: %s", errResp.Error.Code, errResp.Error.Message)
	} else {
		id = response.Id
		result = response.Result
	}

	p.mu.Lock()
	ch := p.responseHandlers[id]
	delete(p.responseHandlers, id)
	p.mu.Unlock()

	if ch != nil {
		ch <- &responseEnvelope{
			response: result,
			err:      err,
		}
		close(ch)
	}
}

func (p *protocol) setNotificationHandler(method string, handler func(notification *transport.BaseJSONRPCNotification)) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}

func (p *protocol) send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.transport.Send(ctx, message)
}

// request sends a request and waits for the correlated response, honoring the
// context and the per-request timeout.
func (p *protocol) request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.New("not connected")
	}

	if opts == nil {
		opts = &RequestOptions{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultRequestTimeout
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	p.requestMessageID++
	id := p.requestMessageID
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	marshalledParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalledParams,
		Id:      id,
	}

	if err := p.send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.response, nil
	case <-ctx.Done():
		_ = p.notify(NotificationCancelled, map[string]any{
			"requestId": id,
			"reason":    ctx.Err().Error(),
		})
		return nil, ctx.Err()
	case <-time.After(opts.Timeout):
		_ = p.notify(NotificationCancelled, map[string]any{
			"requestId": id,
			"reason":    "request timeout",
		})
		return nil, errors.Errorf("request timeout after %v", opts.Timeout)
	}
}

// notify emits a notification, which is a one-way message that does not
// expect a response.
func (p *protocol) notify(method string, params any) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}
	return p.send(context.Background(), transport.NewBaseMessageNotification(notification))
}

func (p *protocol) close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}
