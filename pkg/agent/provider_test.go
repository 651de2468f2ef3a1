package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/toolexecutor"
)

func toolConversation() Request {
	return Request{
		Model:  "test-model",
		System: "Be brief.",
		Messages: []Message{
			{Role: "user", Content: "weather in two cities?"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "c1", Name: "weather", Arguments: map[string]any{"city": "Oslo"}},
				{ID: "c2", Name: "weather", Arguments: map[string]any{"city": "Rome"}},
			}},
			{Role: "tool", ToolCallID: "c1", ToolName: "weather", Content: "cold"},
			{Role: "tool", ToolCallID: "c2", ToolName: "weather", Content: "warm"},
		},
		Tools: []toolexecutor.Spec{{
			Name:        "weather",
			Description: "Current weather",
			Parameters:  []toolexecutor.ToolParameter{{Name: "city", Type: "string", Description: "City", Required: true}},
		}},
		Temperature: 0.2,
		MaxTokens:   256,
	}
}

func TestAnthropicProvider_BuildParams(t *testing.T) {
	p := NewAnthropicProvider("test-key", "")

	t.Run("should merge consecutive tool results into one user turn", func(t *testing.T) {
		params, err := p.buildParams(toolConversation())
		require.NoError(t, err)

		require.Len(t, params.Messages, 3)
		assert.Len(t, params.Messages[1].Content, 2)
		assert.Len(t, params.Messages[2].Content, 2)
		assert.True(t, isToolResultTurn(params.Messages[2]))
		require.Len(t, params.System, 1)
		assert.Equal(t, "Be brief.", params.System[0].Text)
		assert.Equal(t, int64(256), params.MaxTokens)
		assert.Len(t, params.Tools, 1)
	})

	t.Run("should flag failed tool results", func(t *testing.T) {
		req := toolConversation()
		req.Messages[3].Content = `{"error":"city not found","kind":"execution"}`
		req.Messages[3].IsError = true

		params, err := p.buildParams(req)
		require.NoError(t, err)

		results := params.Messages[2].Content
		require.Len(t, results, 2)
		require.NotNil(t, results[0].GetIsError())
		assert.False(t, *results[0].GetIsError())
		require.NotNil(t, results[1].GetIsError())
		assert.True(t, *results[1].GetIsError())
	})

	t.Run("should map tool choice", func(t *testing.T) {
		req := toolConversation()

		req.ToolChoice = ToolChoiceRequired
		params, err := p.buildParams(req)
		require.NoError(t, err)
		assert.NotNil(t, params.ToolChoice.OfAny)

		req.ToolChoice = "weather"
		params, err = p.buildParams(req)
		require.NoError(t, err)
		require.NotNil(t, params.ToolChoice.OfTool)
		assert.Equal(t, "weather", params.ToolChoice.OfTool.Name)

		req.ToolChoice = ToolChoiceNone
		params, err = p.buildParams(req)
		require.NoError(t, err)
		assert.Empty(t, params.Tools)
	})
}

func TestOpenAIProvider_BuildParams(t *testing.T) {
	p := NewOpenAIProvider("test-key", "")

	t.Run("should translate the conversation", func(t *testing.T) {
		params, err := p.buildParams(toolConversation())
		require.NoError(t, err)

		// system, user, assistant, tool, tool
		assert.Len(t, params.Messages, 5)
		assert.Len(t, params.Tools, 1)
		assert.Equal(t, "weather", params.Tools[0].Function.Name)
		assert.Equal(t, int64(256), params.MaxCompletionTokens.Value)
	})

	t.Run("should map tool choice", func(t *testing.T) {
		req := toolConversation()

		req.ToolChoice = ToolChoiceRequired
		params, err := p.buildParams(req)
		require.NoError(t, err)
		assert.Equal(t, "required", params.ToolChoice.OfAuto.Value)

		req.ToolChoice = "weather"
		params, err = p.buildParams(req)
		require.NoError(t, err)
		require.NotNil(t, params.ToolChoice.OfChatCompletionNamedToolChoice)
		assert.Equal(t, "weather", params.ToolChoice.OfChatCompletionNamedToolChoice.Function.Name)
	})
}
