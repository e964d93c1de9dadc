package anthropic_test

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/pkg/llms/anthropic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_New_Validation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := anthropic.New(anthropic.WithModel("claude-sonnet-4-20250514"))
	assert.ErrorIs(t, err, anthropic.ErrMissingToken)

	_, err = anthropic.New(anthropic.WithToken("key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	model, err := anthropic.New(anthropic.WithToken("key"), anthropic.WithModel("claude-sonnet-4-20250514"))
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", model.GetName())
	assert.Equal(t, llms.ProviderAnthropic, model.GetProviderType())
}

func Test_ProcessMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "be terse"),
		llms.MessageFromTextParts(llms.RoleHuman, "search for go"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "search",
				Arguments: `{"q":"go"}`,
			},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_1",
			Name:       "search",
			Content:    "found it",
		}),
	}

	sdkMessages, systemPrompt, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "be terse", systemPrompt)

	// The system message is lifted out of the transcript.
	require.Len(t, sdkMessages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMessages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, sdkMessages[1].Role)
	// Tool results go back as user messages.
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMessages[2].Role)
}

func Test_ProcessMessages_SystemConcatenation(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "first"),
		llms.MessageFromTextParts(llms.RoleSystem, "second"),
		llms.MessageFromTextParts(llms.RoleHuman, "hi"),
	}

	_, systemPrompt, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", systemPrompt)
}

func Test_ProcessMessages_InvalidToolArguments(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:           "call_1",
			FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `not json`},
		}),
	}
	_, _, err := anthropic.ProcessMessages(messages)
	require.Error(t, err)
}

func Test_ToTools(t *testing.T) {
	tools := []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "search",
				Description: "Search the web",
				// Remote tools carry raw discovery schemas.
				Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name: "noop",
			},
		},
	}

	sdkTools, err := anthropic.ToTools(tools)
	require.NoError(t, err)
	require.Len(t, sdkTools, 2)

	search := sdkTools[0].OfTool
	require.NotNil(t, search)
	assert.Equal(t, "search", search.Name)
	assert.Equal(t, "object", string(search.InputSchema.Type))
	assert.Equal(t, []string{"q"}, search.InputSchema.Required)

	noop := sdkTools[1].OfTool
	require.NotNil(t, noop)
	assert.Equal(t, "object", string(noop.InputSchema.Type))

	empty, err := anthropic.ToTools(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
