package providers

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/semforge/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider_BuildURL(t *testing.T) {
	p := &OllamaProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"default", "", "http://localhost:11434/v1/chat/completions"},
		{"custom host", "http://gpu-box:11434/v1", "http://gpu-box:11434/v1/chat/completions"},
		{"trailing slash", "http://gpu-box:11434/v1/", "http://gpu-box:11434/v1/chat/completions"},
		{"already complete", "http://vllm:8000/v1/chat/completions", "http://vllm:8000/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}
	temp := 0.4

	body, err := p.BuildRequestBody("qwen2.5:14b", []llm.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "write"},
	}, &temp, 2048)
	require.NoError(t, err)

	var req chatRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "qwen2.5:14b", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 2048, *req.MaxTokens)
	assert.False(t, req.Stream)
	assert.Contains(t, string(body), `"stream":false`)
}

func TestOllamaProvider_BuildRequestBody_NoOptionalParams(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("m", []llm.Message{{Role: "user", Content: "x"}}, nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "max_tokens")
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"model": "qwen2.5:14b",
		"choices": [{"message": {"role": "assistant", "content": "Once upon a time"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`), "qwen")
	require.NoError(t, err)

	assert.Equal(t, "Once upon a time", resp.Content)
	assert.Equal(t, "qwen2.5:14b", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 6, resp.Usage.CompletionTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestOllamaProvider_ParseResponse_NativeToolCalls(t *testing.T) {
	p := &OllamaProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"model": "qwen",
		"choices": [{"message": {"role": "assistant", "content": "", "tool_calls": [
			{"function": {"name": "add_character", "arguments": "{\"name\":\"Lucia\"}"}}
		]}, "finish_reason": "tool_calls"}]
	}`), "qwen")
	require.NoError(t, err)

	calls := llm.ExtractToolCalls(resp.Content)
	require.Len(t, calls, 1)
	assert.Equal(t, "add_character", calls[0].Name)
	assert.Equal(t, "Lucia", calls[0].StringArg("name"))
}

func TestOllamaProvider_ParseResponse_NoChoices(t *testing.T) {
	p := &OllamaProvider{}

	_, err := p.ParseResponse([]byte(`{"model": "qwen", "choices": []}`), "qwen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
