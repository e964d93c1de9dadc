package llmutils_test

import (
	"bytes"
	"testing"

	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/pkg/llmutils"
	"github.com/stretchr/testify/assert"
)

func Test_ToJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, llmutils.ToJSON(map[string]int{"a": 1}))
	assert.Equal(t, "{\n\t\"a\": 1\n}", llmutils.ToJSONIndent(map[string]int{"a": 1}))
	assert.Equal(t, "{\n\t\"a\": 1\n}", llmutils.JSONIndent(`{"a":1}`))
}

func Test_BackticksJSON(t *testing.T) {
	out := llmutils.BackticksJSON(`{"a":1}`)
	assert.Equal(t, "\n```json\n{\"a\":1}\n```\n", out)
}

func Test_Stringify(t *testing.T) {
	assert.Equal(t, "plain", llmutils.Stringify("plain"))

	type result struct {
		OK bool `json:"ok"`
	}
	out := llmutils.Stringify(&result{OK: true})
	assert.Contains(t, out, "```json")
	assert.Contains(t, out, `"ok": true`)
}

func Test_CountMessagesContentSize(t *testing.T) {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "hello"),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "c1",
			Name:       "search",
			Content:    "result",
		}),
	}
	// role + text, then role + id + name + content
	want := uint64(len("human")+len("hello")) + uint64(len("tool")+len("c1")+len("search")+len("result"))
	assert.Equal(t, want, llmutils.CountMessagesContentSize(msgs))
}

func Test_CountTokens(t *testing.T) {
	resp := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{GenerationInfo: map[string]any{"InputTokens": 10, "OutputTokens": 5, "TotalTokens": 15}},
			{GenerationInfo: map[string]any{"InputTokens": 1, "OutputTokens": 2}},
		},
	}
	in, out, total := llmutils.CountTokens(resp)
	assert.Equal(t, int64(11), in)
	assert.Equal(t, int64(7), out)
	assert.Equal(t, int64(15), total)
}

func Test_FindLastUserQuestion(t *testing.T) {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "first"),
		llms.MessageFromTextParts(llms.RoleAI, "answer"),
		llms.MessageFromTextParts(llms.RoleHuman, "second"),
	}
	assert.Equal(t, "second", llmutils.FindLastUserQuestion(msgs))
	assert.Empty(t, llmutils.FindLastUserQuestion(nil))
}

func Test_PrintMessages(t *testing.T) {
	var buf bytes.Buffer
	llmutils.PrintMessages(&buf, []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "hi"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:           "c1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "search", Arguments: "{}"},
		}),
	})
	out := buf.String()
	assert.Contains(t, out, "HUMAN: hi")
	assert.Contains(t, out, "ToolCall ID=c1")
}
