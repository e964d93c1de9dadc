// Package stdio implements the subprocess transport: the tool server is
// spawned as a child process and exchanges newline-delimited JSON-RPC
// messages over its standard input and output. Process exit or stream
// closure is treated as a disconnect.
package stdio

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux/mcp/transport", "stdio")

// maxLineSize bounds one framed message; tool results can be large.
const maxLineSize = 16 * 1024 * 1024

// defaultGracePeriod is how long Close waits for the child to exit after its
// stdin is closed before it is killed.
const defaultGracePeriod = 5 * time.Second

// Option configures a subprocess transport.
type Option func(*Transport)

// WithShutdownGracePeriod overrides how long Close waits for the child to
// exit after stdin is closed before killing it.
func WithShutdownGracePeriod(d time.Duration) Option {
	return func(t *Transport) {
		t.gracePeriod = d
	}
}

// Transport spawns a command and frames JSON-RPC messages over its stdio.
type Transport struct {
	command     string
	args        []string
	env         map[string]string
	gracePeriod time.Duration

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	stdout         io.ReadCloser
	started        bool
	closeOnce      sync.Once
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

// New creates a subprocess transport for the given command, argument list and
// optional environment-variable overlay. The overlay is applied on top of the
// parent environment.
func New(command string, args []string, env map[string]string, opts ...Option) *Transport {
	t := &Transport{
		command:     command,
		args:        args,
		env:         env,
		gracePeriod: defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start spawns the child process and begins reading framed messages.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("stdio transport already started")
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Keep the server's diagnostics visible; the protocol uses stdout only.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to spawn %s", t.command)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.started = true

	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		message, err := transport.Deserialize(line)
		if err != nil {
			t.reportError(errors.WithMessage(err, "discarding unparsable message"))
			continue
		}

		t.mu.Lock()
		handler := t.messageHandler
		t.mu.Unlock()

		if handler != nil {
			handler(context.Background(), message)
		}
	}

	if err := scanner.Err(); err != nil {
		t.reportError(errors.Wrap(err, "stdout read failed"))
	}

	// Stream closed: the server exited or closed its end.
	logger.KV(xlog.DEBUG, "command", t.command, "status", "disconnected")
	t.shutdown()
}

func (t *Transport) reportError(err error) {
	t.mu.Lock()
	handler := t.errorHandler
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Send writes one framed message to the child's stdin.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	body, err := message.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return errors.New("stdio transport not started")
	}

	if _, err := stdin.Write(append(body, '\n')); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// Close terminates the child process and releases the streams. Closing stdin
// asks the server to exit; a server that ignores it is killed after the grace
// period, so Close never blocks unboundedly.
func (t *Transport) Close() error {
	var err error
	t.mu.Lock()
	if t.stdin != nil {
		// Closing stdin is the polite shutdown signal for stdio servers.
		err = t.stdin.Close()
		t.stdin = nil
	}
	cmd := t.cmd
	t.cmd = nil
	t.mu.Unlock()

	if cmd != nil {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		timer := time.NewTimer(t.gracePeriod)
		defer timer.Stop()

		select {
		case waitErr := <-done:
			if waitErr != nil && err == nil {
				err = waitErr
			}
		case <-timer.C:
			logger.KV(xlog.WARNING, "command", t.command, "status", "killing_after_grace_period")
			if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) && err == nil {
				err = killErr
			}
			// The kill signal surfaces through Wait; it is the expected
			// outcome here, not a release failure.
			<-done
		}
	}

	t.shutdown()
	return err
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
