// Package store persists conversation history between runs, keyed by chat id.
package store

import (
	"context"

	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolmux", "store")

// MessageStore keeps the message history of chats.
type MessageStore interface {
	Messages(ctx context.Context, chatID string) []llms.Message
	Add(ctx context.Context, chatID string, msgs ...llms.Message) error
	Reset(ctx context.Context, chatID string) error
}

// MessageModel is the serializable form of llms.Message. Parts are tagged by
// kind because llms.ContentPart is an interface.
type MessageModel struct {
	Role  llms.Role   `json:"role"`
	Parts []PartModel `json:"parts"`
}

// PartModel is one serialized content part.
type PartModel struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text,omitempty"`
	ToolCall     *llms.ToolCall         `json:"tool_call,omitempty"`
	ToolResponse *llms.ToolCallResponse `json:"tool_response,omitempty"`
}

const (
	partTypeText         = "text"
	partTypeToolCall     = "tool_call"
	partTypeToolResponse = "tool_response"
)

// ToMessageModel converts a message to its serializable form.
func ToMessageModel(msg llms.Message) MessageModel {
	model := MessageModel{
		Role:  msg.Role,
		Parts: make([]PartModel, 0, len(msg.Parts)),
	}
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			model.Parts = append(model.Parts, PartModel{
				Type: partTypeText,
				Text: p.Text,
			})
		case llms.ToolCall:
			tc := p
			model.Parts = append(model.Parts, PartModel{
				Type:     partTypeToolCall,
				ToolCall: &tc,
			})
		case llms.ToolCallResponse:
			tr := p
			model.Parts = append(model.Parts, PartModel{
				Type:         partTypeToolResponse,
				ToolResponse: &tr,
			})
		}
	}
	return model
}

// ToMessage converts the serialized form back to a message. Parts of unknown
// kind are dropped.
func (m MessageModel) ToMessage() llms.Message {
	msg := llms.Message{
		Role:  m.Role,
		Parts: make([]llms.ContentPart, 0, len(m.Parts)),
	}
	for _, part := range m.Parts {
		switch part.Type {
		case partTypeText:
			msg.Parts = append(msg.Parts, llms.TextContent{Text: part.Text})
		case partTypeToolCall:
			if part.ToolCall != nil {
				msg.Parts = append(msg.Parts, *part.ToolCall)
			}
		case partTypeToolResponse:
			if part.ToolResponse != nil {
				msg.Parts = append(msg.Parts, *part.ToolResponse)
			}
		}
	}
	return msg
}

// ToMessages converts a slice of serialized models.
func ToMessages(models []MessageModel) []llms.Message {
	msgs := make([]llms.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, model.ToMessage())
	}
	return msgs
}
