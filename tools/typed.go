package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux/pkg/llmutils"
	"github.com/effective-security/toolmux/pkg/schema"
)

// TypedTool wraps a typed handler function into an ITool. The parameter
// schema is reflected from the input type, and the JSON input is unmarshaled
// into it before the handler runs.
type TypedTool[I any, O any] struct {
	name        string
	description string
	funcParams  any
	handler     func(context.Context, *I) (*O, error)
}

// NewTool creates a typed tool from a handler function.
func NewTool[I any, O any](name, description string, handler func(context.Context, *I) (*O, error)) (*TypedTool[I, O], error) {
	var input I
	sc, err := schema.New(reflect.TypeOf(input))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create schema for tool %s", name)
	}

	return &TypedTool[I, O]{
		name:        name,
		description: description,
		funcParams:  sc.Parameters,
		handler:     handler,
	}, nil
}

var _ ITool = (*TypedTool[struct{}, struct{}])(nil)

func (t *TypedTool[I, O]) Name() string {
	return t.name
}

func (t *TypedTool[I, O]) Description() string {
	return t.description
}

func (t *TypedTool[I, O]) Parameters() any {
	return t.funcParams
}

// Run executes the handler with a typed input.
func (t *TypedTool[I, O]) Run(ctx context.Context, req *I) (*O, error) {
	return t.handler(ctx, req)
}

// Call unmarshals the JSON input, runs the handler, and stringifies the
// result.
func (t *TypedTool[I, O]) Call(ctx context.Context, input string) (string, error) {
	var req I
	if input != "" {
		if err := json.Unmarshal([]byte(input), &req); err != nil {
			return "", errors.WithMessagef(err, "failed to unmarshal input for tool %s", t.name)
		}
	}

	res, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	return llmutils.Stringify(res), nil
}

type toolDescription struct {
	Name        string `json:"Name" yaml:"Name"`
	Description string `json:"Description" yaml:"Description"`
}

type toolsDescription struct {
	Tools []toolDescription `json:"Tools" yaml:"Tools"`
}

// GetDescriptions returns a JSON block describing the tools, usable in
// prompts.
func GetDescriptions(list ...ITool) string {
	var d toolsDescription
	for _, tool := range list {
		d.Tools = append(d.Tools, toolDescription{
			Name:        tool.Name(),
			Description: tool.Description(),
		})
	}
	return llmutils.BackticksJSON(llmutils.ToJSONIndent(d))
}
