package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/xlog"
)

// Callback receives notifications about the progress of a run.
type Callback interface {
	OnRunStart(ctx context.Context, input string)
	OnRunEnd(ctx context.Context, result string, messages []llms.Message)
	OnRunError(ctx context.Context, err error, messages []llms.Message)
	OnLLMCallStart(ctx context.Context, model llms.Model, messages []llms.Message)
	OnLLMCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse)
	OnToolStart(ctx context.Context, tool string, input string)
	OnToolEnd(ctx context.Context, tool string, input string, output string)
	OnToolError(ctx context.Context, tool string, input string, err error)
	OnToolNotFound(ctx context.Context, tool string)
}

// NoopCallback does nothing.
type NoopCallback struct{}

func NewNoopCallback() *NoopCallback {
	return &NoopCallback{}
}

var _ Callback = (*NoopCallback)(nil)

func (l *NoopCallback) OnRunStart(ctx context.Context, input string) {}
func (l *NoopCallback) OnRunEnd(ctx context.Context, result string, messages []llms.Message) {
}
func (l *NoopCallback) OnRunError(ctx context.Context, err error, messages []llms.Message) {}
func (l *NoopCallback) OnLLMCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
}
func (l *NoopCallback) OnLLMCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse) {
}
func (l *NoopCallback) OnToolStart(ctx context.Context, tool string, input string) {}
func (l *NoopCallback) OnToolEnd(ctx context.Context, tool string, input string, output string) {}
func (l *NoopCallback) OnToolError(ctx context.Context, tool string, input string, err error)  {}
func (l *NoopCallback) OnToolNotFound(ctx context.Context, tool string)                        {}

// PrinterCallback is a callback handler that prints to the Writer.
type PrinterCallback struct {
	Out io.Writer
}

func NewPrinterCallback(out io.Writer) *PrinterCallback {
	return &PrinterCallback{Out: out}
}

var _ Callback = (*PrinterCallback)(nil)

func (l *PrinterCallback) OnRunStart(ctx context.Context, input string) {
	fmt.Fprintf(l.Out, "Run Start\nInput: %s\n", input)
}

func (l *PrinterCallback) OnRunEnd(ctx context.Context, result string, messages []llms.Message) {
	fmt.Fprintf(l.Out, "Run End\n%s\n", result)
}

func (l *PrinterCallback) OnRunError(ctx context.Context, err error, messages []llms.Message) {
	fmt.Fprintf(l.Out, "Run Error: %s\n", err.Error())
}

func (l *PrinterCallback) OnLLMCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	fmt.Fprintf(l.Out, "LLM Call: %s, messages: %d\n", model.GetName(), len(messages))
}

func (l *PrinterCallback) OnLLMCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse) {
	for _, choice := range resp.Choices {
		if choice.Content != "" {
			fmt.Fprintln(l.Out, choice.Content)
		}
	}
}

func (l *PrinterCallback) OnToolStart(ctx context.Context, tool string, input string) {
	fmt.Fprintf(l.Out, "Tool Start: %s\nInput: %s\n", tool, input)
}

func (l *PrinterCallback) OnToolEnd(ctx context.Context, tool string, input string, output string) {
	fmt.Fprintf(l.Out, "Tool End: %s\nOutput: %s\n", tool, output)
}

func (l *PrinterCallback) OnToolError(ctx context.Context, tool string, input string, err error) {
	fmt.Fprintf(l.Out, "Tool Error: %s: %s\n", tool, err.Error())
}

func (l *PrinterCallback) OnToolNotFound(ctx context.Context, tool string) {
	fmt.Fprintf(l.Out, "Tool Not Found: %s\n", tool)
}

// PackageLoggerCallback is a callback handler that prints to the logger.
type PackageLoggerCallback struct {
	logger *xlog.PackageLogger
}

func NewPackageLoggerCallback(logger *xlog.PackageLogger) *PackageLoggerCallback {
	return &PackageLoggerCallback{logger: logger}
}

var _ Callback = (*PackageLoggerCallback)(nil)

func (l *PackageLoggerCallback) OnRunStart(ctx context.Context, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "run_start",
		"input", input,
	)
}

func (l *PackageLoggerCallback) OnRunEnd(ctx context.Context, result string, messages []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "run_end",
		"messages", len(messages),
	)
}

func (l *PackageLoggerCallback) OnRunError(ctx context.Context, err error, messages []llms.Message) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "run_error",
		"err", err.Error(),
	)
}

func (l *PackageLoggerCallback) OnLLMCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_start",
		"model", model.GetName(),
		"messages", len(messages),
	)
}

func (l *PackageLoggerCallback) OnLLMCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_end",
		"model", model.GetName(),
		"choices", len(resp.Choices),
	)
}

func (l *PackageLoggerCallback) OnToolStart(ctx context.Context, tool string, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_start",
		"tool", tool,
		"input", input,
	)
}

func (l *PackageLoggerCallback) OnToolEnd(ctx context.Context, tool string, input string, output string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_end",
		"tool", tool,
		"output", output,
	)
}

func (l *PackageLoggerCallback) OnToolError(ctx context.Context, tool string, input string, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "tool_error",
		"tool", tool,
		"err", err.Error(),
	)
}

func (l *PackageLoggerCallback) OnToolNotFound(ctx context.Context, tool string) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "tool_not_found",
		"tool", tool,
	)
}
