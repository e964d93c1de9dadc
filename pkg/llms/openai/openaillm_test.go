package openai_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/pkg/llms/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_New_Validation(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := openai.New(openai.WithModel("gpt-4o"))
	assert.ErrorIs(t, err, openai.ErrMissingToken)

	_, err = openai.New(openai.WithToken("key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	model, err := openai.New(openai.WithToken("key"), openai.WithModel("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model.GetName())
	assert.Equal(t, llms.ProviderOpenAI, model.GetProviderType())
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

	sdkMessages, err := openai.ProcessMessages(messages)
	require.NoError(t, err)
	require.Len(t, sdkMessages, 4)

	assert.NotNil(t, sdkMessages[0].OfSystem)
	assert.NotNil(t, sdkMessages[1].OfUser)

	assistant := sdkMessages[2].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	fn := assistant.ToolCalls[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "call_1", fn.ID)
	assert.Equal(t, "search", fn.Function.Name)
	assert.JSONEq(t, `{"q":"go"}`, fn.Function.Arguments)

	toolMsg := sdkMessages[3].OfTool
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
}

func Test_ProcessMessages_SkipsEmpty(t *testing.T) {
	messages := []llms.Message{
		{Role: llms.RoleHuman},
		llms.MessageFromTextParts(llms.RoleHuman, "hi"),
	}
	sdkMessages, err := openai.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Len(t, sdkMessages, 1)
}

func Test_ToTools(t *testing.T) {
	tools := []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "search",
				Description: "Search the web",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
			},
		},
	}

	sdkTools, err := openai.ToTools(tools)
	require.NoError(t, err)
	require.Len(t, sdkTools, 1)

	fn := sdkTools[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "search", fn.Function.Name)
	require.Contains(t, fn.Function.Parameters, "properties")

	empty, err := openai.ToTools(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
