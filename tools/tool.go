// Package tools defines local in-process tools that can be registered next to
// the tools discovered from remote servers.
package tools

import (
	"context"
)

// ITool is a tool for the conversation loop to invoke on behalf of the model.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in the prompt.
	// Should not exceed LLM model limit.
	Description() string
	// Parameters returns the parameters definition of the function, to be used in the prompt.
	Parameters() any

	// Call executes the tool with the given JSON-encoded input and returns
	// the textual result.
	Call(context.Context, string) (string, error)
}

// Tool is a typed tool with a structured input and output.
type Tool[I any, O any] interface {
	ITool
	Run(context.Context, *I) (*O, error)
}
