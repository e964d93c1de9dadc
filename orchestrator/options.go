package orchestrator

import (
	"time"

	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/store"
)

// Option is a function that can be used to modify the behavior of the run Config.
type Option func(*Config)

type Config struct {
	// Model is the model to use in an LLM call.
	Model    string
	modelSet bool

	// MaxTokens is the maximum number of tokens to generate to use in an LLM call.
	MaxTokens    int
	maxTokensSet bool

	// Temperature is the temperature for sampling to use in an LLM call, between 0 and 1.
	Temperature    float64
	temperatureSet bool

	// TopP is the cumulative probability for top-p sampling in an LLM call.
	TopP    float64
	toppSet bool

	// StopWords is a list of words to stop on to use in an LLM call.
	StopWords    []string
	stopWordsSet bool

	// SystemPrompt is prepended to the conversation when not empty.
	SystemPrompt string

	// MaxTurns bounds the number of model round-trips in one run.
	MaxTurns int

	// MaxToolCalls bounds the total number of tool calls in one run.
	MaxToolCalls int

	// MaxContentSize bounds the accumulated conversation size in bytes.
	MaxContentSize uint64

	// ToolCallTimeout bounds each individual tool invocation.
	ToolCallTimeout time.Duration

	// CallbackHandler is the callback handler for the run.
	CallbackHandler Callback

	// Store persists the conversation history under ChatID when set.
	Store  store.MessageStore
	ChatID string
}

func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		MaxTurns:        DefaultMaxTurns,
		MaxToolCalls:    DefaultMaxToolCalls,
		MaxContentSize:  DefaultMaxContentSize,
		ToolCallTimeout: DefaultToolCallTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithModel is an option for LLM.Call.
func WithModel(model string) Option {
	return func(o *Config) {
		o.Model = model
		o.modelSet = true
	}
}

// WithMaxTokens is an option for LLM.Call.
func WithMaxTokens(maxTokens int) Option {
	return func(o *Config) {
		o.MaxTokens = maxTokens
		o.maxTokensSet = true
	}
}

// WithTemperature is an option for LLM.Call.
func WithTemperature(temperature float64) Option {
	return func(o *Config) {
		o.Temperature = temperature
		o.temperatureSet = true
	}
}

// WithTopP	will add an option to use top-p sampling for LLM.Call.
func WithTopP(topP float64) Option {
	return func(o *Config) {
		o.TopP = topP
		o.toppSet = true
	}
}

// WithStopWords is an option for setting the stop words for LLM.Call.
func WithStopWords(stopWords []string) Option {
	return func(o *Config) {
		o.StopWords = stopWords
		o.stopWordsSet = true
	}
}

// WithSystemPrompt sets the system message for the run.
func WithSystemPrompt(prompt string) Option {
	return func(o *Config) {
		o.SystemPrompt = prompt
	}
}

// WithMaxTurns bounds the number of model round-trips in one run.
func WithMaxTurns(maxTurns int) Option {
	return func(o *Config) {
		o.MaxTurns = maxTurns
	}
}

// WithMaxToolCalls bounds the total number of tool calls in one run.
func WithMaxToolCalls(maxToolCalls int) Option {
	return func(o *Config) {
		o.MaxToolCalls = maxToolCalls
	}
}

// WithToolCallTimeout bounds each individual tool invocation.
func WithToolCallTimeout(timeout time.Duration) Option {
	return func(o *Config) {
		o.ToolCallTimeout = timeout
	}
}

// WithCallback allows setting a custom Callback Handler.
func WithCallback(callbackHandler Callback) Option {
	return func(o *Config) {
		o.CallbackHandler = callbackHandler
	}
}

// WithStore persists the conversation under the given chat id.
func WithStore(s store.MessageStore, chatID string) Option {
	return func(o *Config) {
		o.Store = s
		o.ChatID = chatID
	}
}

// GetCallOptions converts the set model parameters into LLM call options.
func (c *Config) GetCallOptions(options ...llms.CallOption) []llms.CallOption {
	var callOptions []llms.CallOption
	if c.modelSet {
		callOptions = append(callOptions, llms.WithModel(c.Model))
	}
	if c.maxTokensSet {
		callOptions = append(callOptions, llms.WithMaxTokens(c.MaxTokens))
	}
	if c.temperatureSet {
		callOptions = append(callOptions, llms.WithTemperature(c.Temperature))
	}
	if c.toppSet {
		callOptions = append(callOptions, llms.WithTopP(c.TopP))
	}
	if c.stopWordsSet {
		callOptions = append(callOptions, llms.WithStopWords(c.StopWords))
	}
	callOptions = append(callOptions, options...)
	return callOptions
}
