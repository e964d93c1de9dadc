// Package orchestrator drives the conversation loop: it sends the history to
// the completion backend with the merged tool catalogue, dispatches the tool
// calls the model requests to their owning servers, appends the results, and
// repeats until the model answers without requesting tools.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/pkg/llmutils"
	"github.com/effective-security/toolmux/pkg/metricskey"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux", "orchestrator")

const (
	// DefaultMaxTurns bounds the number of model round-trips in one run.
	DefaultMaxTurns = 24
	// DefaultMaxToolCalls bounds the total tool calls in one run.
	DefaultMaxToolCalls = 64
	// DefaultMaxContentSize bounds the accumulated conversation size.
	DefaultMaxContentSize = 1024 * 1024
	// DefaultToolCallTimeout bounds each individual tool invocation.
	DefaultToolCallTimeout = 2 * time.Minute
	// DefaultMaxRetries bounds retries on empty backend responses.
	DefaultMaxRetries = 3
)

var (
	// ErrMaxTurnsExceeded is returned when the model keeps requesting tools
	// past the configured turn limit.
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")

	// ErrNoRoute is returned by a Dispatcher when no registered server owns
	// the requested tool name.
	ErrNoRoute = errors.New("no route for tool")
)

// Dispatcher routes tool invocations to their owners. The registry-backed
// client implements it; tests substitute fakes.
type Dispatcher interface {
	// Tools returns the merged catalogue in registration order.
	Tools() []llms.Tool

	// Call invokes the named tool with the JSON-encoded arguments and
	// returns the textual result. An unknown name fails with ErrNoRoute.
	Call(ctx context.Context, name string, arguments string) (string, error)
}

// RunResult is the outcome of one completed run.
type RunResult struct {
	// Content is the final assistant answer.
	Content string
	// Messages is the full transcript of the run, tool traffic included.
	Messages []llms.Message
	// Response is the last backend response.
	Response *llms.ContentResponse
}

// Orchestrator runs conversations against one model and one dispatcher.
type Orchestrator struct {
	model      llms.Model
	dispatcher Dispatcher
	cfg        *Config
}

// New creates an orchestrator.
func New(model llms.Model, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	return &Orchestrator{
		model:      model,
		dispatcher: dispatcher,
		cfg:        NewConfig(opts...),
	}
}

// Run executes one conversation: the user input is appended to any persisted
// history and the loop runs until the model stops requesting tools, the turn
// limit trips, or the backend fails.
func (o *Orchestrator) Run(ctx context.Context, input string, opts ...Option) (*RunResult, error) {
	started := time.Now()
	modelName := o.model.GetName()
	defer metricskey.PerfChatRun.MeasureSince(started, modelName)

	cfg := o.cfg
	if len(opts) > 0 {
		merged := *o.cfg
		for _, opt := range opts {
			opt(&merged)
		}
		cfg = &merged
	}

	callback := cfg.CallbackHandler
	if callback != nil {
		callback.OnRunStart(ctx, input)
	}

	result, messages, err := o.run(ctx, cfg, input)
	if err != nil {
		if callback != nil {
			callback.OnRunError(ctx, err, messages)
		}
		return nil, err
	}
	if callback != nil {
		callback.OnRunEnd(ctx, result.Content, messages)
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, cfg *Config, input string) (*RunResult, []llms.Message, error) {
	modelName := o.model.GetName()

	var messageHistory []llms.Message
	if cfg.SystemPrompt != "" {
		messageHistory = append(messageHistory, llms.MessageFromTextParts(llms.RoleSystem, cfg.SystemPrompt))
	}
	if cfg.Store != nil {
		prevMessages := cfg.Store.Messages(ctx, cfg.ChatID)
		logger.ContextKV(ctx, xlog.DEBUG,
			"chat_id", cfg.ChatID,
			"message_history", len(prevMessages),
		)
		messageHistory = append(messageHistory, prevMessages...)
	}

	var runMessages []llms.Message
	if input != "" {
		userMessage := llms.MessageFromTextParts(llms.RoleHuman, input)
		messageHistory = append(messageHistory, userMessage)
		runMessages = append(runMessages, userMessage)
	}

	catalogue := o.dispatcher.Tools()
	var extraOptions []llms.CallOption
	if len(catalogue) > 0 {
		prov := o.model.GetProviderType()
		if !prov.Supports(llms.CapabilityFunctionCalling) {
			return nil, messageHistory, errors.Newf("model %s does not support function calling", modelName)
		}
		extraOptions = append(extraOptions, llms.WithTools(catalogue))
	}
	callOpts := cfg.GetCallOptions(extraOptions...)

	var resp *llms.ContentResponse
	var err error
	var totalToolCalls int
	turns := 0
	retryCount := 0
	consecutiveNotFoundCount := 0

	bytesLimit := values.NumbersCoalesce(cfg.MaxContentSize, uint64(DefaultMaxContentSize))
	toolsLimit := values.NumbersCoalesce(cfg.MaxToolCalls, DefaultMaxToolCalls)
	maxTurns := values.NumbersCoalesce(cfg.MaxTurns, DefaultMaxTurns)

	for {
		// In-flight tool calls have been awaited by executeToolCalls; do not
		// start another turn on a canceled context.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, messageHistory, errors.Wrap(ctxErr, "run canceled")
		}
		if turns >= maxTurns {
			return nil, messageHistory, errors.WithMessagef(ErrMaxTurnsExceeded, "after %d turns", turns)
		}
		turns++

		bytesSent := llmutils.CountMessagesContentSize(messageHistory)
		if bytesSent > bytesLimit {
			return nil, messageHistory, errors.Newf("conversation content size exceeded limit of %d bytes", bytesLimit)
		}

		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnLLMCallStart(ctx, o.model, messageHistory)
		}
		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(messageHistory)), modelName)

		resp, err = o.model.GenerateContent(ctx, messageHistory, callOpts...)
		if err != nil {
			return nil, messageHistory, errors.Wrap(err, "failed to generate content from LLM")
		}

		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnLLMCallEnd(ctx, o.model, resp)
		}

		if len(resp.Choices) == 0 {
			retryCount++
			if retryCount >= DefaultMaxRetries {
				logger.ContextKV(ctx, xlog.ERROR,
					"status", "max_retries_exceeded",
					"input", slices.StringUpto(input, 64),
					"retry_count", retryCount,
				)
				return nil, messageHistory, errors.Newf("LLM returned empty response after %d retries", retryCount)
			}
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "retrying_empty_response",
				"retry_count", retryCount,
			)
			continue
		}

		var toolExecuted, notFoundCount int
		toolExecuted, notFoundCount, messageHistory, runMessages, err = o.executeToolCalls(ctx, cfg, messageHistory, runMessages, resp)
		if err != nil {
			return nil, messageHistory, err
		}

		if toolExecuted == 0 {
			break
		}
		totalToolCalls += toolExecuted
		if notFoundCount > 0 {
			consecutiveNotFoundCount += notFoundCount
			if consecutiveNotFoundCount > 3 {
				return nil, messageHistory, errors.New("the number of not found tools is exceeded")
			}
		} else {
			consecutiveNotFoundCount = 0
		}
		if totalToolCalls >= toolsLimit {
			return nil, messageHistory, errors.Newf("the tool calls limit of %d is exceeded", toolsLimit)
		}
	}

	result := resp.Choices[0].Content
	if len(resp.Choices) > 1 {
		var combined strings.Builder
		for i, choice := range resp.Choices {
			if i > 0 {
				combined.WriteString("\n\n")
			}
			combined.WriteString(choice.Content)
		}
		result = combined.String()
	}

	finalMessage := llms.MessageFromTextParts(llms.RoleAI, result)
	messageHistory = append(messageHistory, finalMessage)
	runMessages = append(runMessages, finalMessage)

	if cfg.Store != nil && len(runMessages) > 0 {
		if err := cfg.Store.Add(ctx, cfg.ChatID, runMessages...); err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"chat_id", cfg.ChatID,
				"reason", "failed_to_store_messages",
				"err", err.Error(),
			)
		}
		logger.ContextKV(ctx, xlog.DEBUG,
			"chat_id", cfg.ChatID,
			"status", "added_message_history",
			"messages", len(runMessages),
			"human", slices.StringUpto(input, 64),
			"ai", slices.StringUpto(result, 64),
		)
	}

	return &RunResult{
		Content:  result,
		Messages: messageHistory,
		Response: resp,
	}, messageHistory, nil
}

// executeToolCalls dispatches the tool calls of one response and appends the
// batched assistant message and the results to the history. Calls run
// concurrently; results are appended in the order the model requested them.
func (o *Orchestrator) executeToolCalls(
	ctx context.Context,
	cfg *Config,
	messageHistory []llms.Message,
	runMessages []llms.Message,
	resp *llms.ContentResponse,
) (int, int, []llms.Message, []llms.Message, error) {
	executedCount := 0
	notFoundCount := 0

	type toolCallResult struct {
		toolCall llms.ToolCall
		response string
		err      error
		index    int
	}

	var toolCalls []llms.ToolCall

	for _, choice := range resp.Choices {
		var choiceToolCalls []llms.ToolCall

		for i, toolCall := range choice.ToolCalls {
			executedCount++

			if toolCall.ID == "" {
				toolCall.ID = fmt.Sprintf("%s_%d", toolCall.FunctionCall.Name, i)
			}
			toolCall.Type = values.StringsCoalesce(toolCall.Type, "function")

			choiceToolCalls = append(choiceToolCalls, toolCall)

			logger.ContextKV(ctx, xlog.DEBUG,
				"status", "tool_call_found",
				"tool_call_id", toolCall.ID,
				"tool_call_name", toolCall.FunctionCall.Name,
			)
		}

		if len(choiceToolCalls) == 0 {
			continue
		}

		toolCalls = append(toolCalls, choiceToolCalls...)
		assistantResponse := llms.MessageFromToolCalls(llms.RoleAI, choiceToolCalls...)
		messageHistory = append(messageHistory, assistantResponse)
		runMessages = append(runMessages, assistantResponse)
	}

	if executedCount == 0 {
		return executedCount, notFoundCount, messageHistory, runMessages, nil
	}

	availableTools := toolNames(o.dispatcher.Tools())

	// Buffered to prevent deadlock when a goroutine outlives the collector.
	resultChan := make(chan toolCallResult, len(toolCalls))

	var notFoundMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(toolCalls))

	for i, toolCall := range toolCalls {
		go func(index int, tc llms.ToolCall) {
			defer wg.Done()
			toolName := tc.FunctionCall.Name
			toolArgs := tc.FunctionCall.Arguments

			if cfg.CallbackHandler != nil {
				cfg.CallbackHandler.OnToolStart(ctx, toolName, toolArgs)
			}

			callCtx := ctx
			if cfg.ToolCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, cfg.ToolCallTimeout)
				defer cancel()
			}

			started := time.Now()
			res, err := o.dispatcher.Call(callCtx, toolName, toolArgs)
			metricskey.PerfToolCall.MeasureSince(started, toolName)

			if errors.Is(err, ErrNoRoute) {
				notFoundMu.Lock()
				notFoundCount++
				notFoundMu.Unlock()
				metricskey.StatsToolCallsNotFound.IncrCounter(1, toolName)
				if cfg.CallbackHandler != nil {
					cfg.CallbackHandler.OnToolNotFound(ctx, toolName)
				}

				available := strings.Join(availableTools, ", ")
				logger.ContextKV(ctx, xlog.WARNING,
					"status", "tool_not_found",
					"tool_name", toolName,
					"available_tools", available,
				)

				resultChan <- toolCallResult{
					toolCall: tc,
					response: fmt.Sprintf("Tool `%s` not found. Please check the tool name and try again with exact match. Available tools: %s", toolName, available),
					index:    index,
				}
				return
			}

			if err != nil {
				metricskey.StatsToolCallsFailed.IncrCounter(1, toolName)
				if cfg.CallbackHandler != nil {
					cfg.CallbackHandler.OnToolError(ctx, toolName, toolArgs, err)
				}

				resultChan <- toolCallResult{
					toolCall: tc,
					err:      errors.WithMessagef(err, "failed to call tool %s", toolName),
					index:    index,
				}
				return
			}
			metricskey.StatsToolCallsSucceeded.IncrCounter(1, toolName)

			if cfg.CallbackHandler != nil {
				cfg.CallbackHandler.OnToolEnd(ctx, toolName, toolArgs, res)
			}

			resultChan <- toolCallResult{
				toolCall: tc,
				response: res,
				index:    index,
			}
		}(i, toolCall)
	}

	wg.Wait()
	close(resultChan)

	// Collect results in order using the index.
	results := make([]toolCallResult, len(toolCalls))
	for result := range resultChan {
		if result.index >= 0 && result.index < len(results) {
			results[result.index] = result
		}
	}

	for i, result := range results {
		if result.toolCall.ID == "" {
			toolCall := toolCalls[i]
			results[i] = toolCallResult{
				toolCall: toolCall,
				response: "Tool call failed: No response received",
				err:      errors.New("no response received from tool"),
				index:    i,
			}
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "tool_call_missing_response",
				"tool_call_id", toolCall.ID,
				"tool_name", toolCall.FunctionCall.Name,
			)
		}
	}

	// Process results in the same order as the original tool calls. A failed
	// invocation degrades to a textual result so the model can recover.
	for _, result := range results {
		var content string
		if result.err != nil {
			content = fmt.Sprintf("Tool call failed: %s", result.err.Error())
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "tool_call_failed",
				"tool", result.toolCall.FunctionCall.Name,
				"err", result.err.Error(),
			)
		} else {
			content = result.response
		}

		toolCallResponse := llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: result.toolCall.ID,
			Name:       result.toolCall.FunctionCall.Name,
			Content:    content,
		})

		logger.ContextKV(ctx, xlog.DEBUG,
			"status", "tool_call_response",
			"tool_call_id", result.toolCall.ID,
			"tool_name", result.toolCall.FunctionCall.Name,
			"content_length", len(content),
		)

		messageHistory = append(messageHistory, toolCallResponse)
		runMessages = append(runMessages, toolCallResponse)
	}

	return executedCount, notFoundCount, messageHistory, runMessages, nil
}

func toolNames(tools []llms.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		if tool.Function != nil {
			names = append(names, tool.Function.Name)
		}
	}
	return names
}
