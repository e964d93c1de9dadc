// Package inmem provides an in-process transport pair. It is used in tests to
// stand up a tool server inside the same process without subprocesses or
// sockets.
package inmem

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp/transport"
)

// Transport is one end of an in-process pair. Messages sent on one end are
// delivered to the peer's message handler on a fresh goroutine.
type Transport struct {
	mu             sync.Mutex
	peer           *Transport
	closed         bool
	closeOnce      sync.Once
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

// Pair creates two connected transports. Closing either end closes both.
func Pair() (*Transport, *Transport) {
	a := &Transport{}
	b := &Transport{}
	a.peer = b
	b.peer = a
	return a, b
}

// Start implements Transport.Start.
func (t *Transport) Start(ctx context.Context) error {
	return nil
}

// Send delivers the message to the peer's handler.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	peer := t.peer
	t.mu.Unlock()

	peer.mu.Lock()
	handler := peer.messageHandler
	closed := peer.closed
	peer.mu.Unlock()

	if closed {
		return errors.New("peer closed")
	}
	if handler == nil {
		return errors.New("peer has no message handler")
	}

	// A fresh goroutine keeps the caller's send path non-blocking, matching
	// the asynchronous delivery of the real transports.
	go handler(ctx, message)
	return nil
}

// Close closes both ends of the pair.
func (t *Transport) Close() error {
	t.closeLocal()
	if t.peer != nil {
		t.peer.closeLocal()
	}
	return nil
}

func (t *Transport) closeLocal() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
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
