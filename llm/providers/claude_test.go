package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaforge/qaforge/llm"
)

func TestClaudeBuildURL(t *testing.T) {
	p := &ClaudeProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL(""))
	assert.Equal(t, "https://proxy.internal/v1/messages", p.BuildURL("https://proxy.internal/"))
}

func TestClaudeSetHeaders(t *testing.T) {
	p := &ClaudeProvider{}

	req, _ := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req, "sk-test")
	assert.Equal(t, "sk-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))

	req, _ = http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req, "")
	assert.Empty(t, req.Header.Get("x-api-key"))
}

func TestClaudeBuildRequestBody(t *testing.T) {
	p := &ClaudeProvider{}

	body, err := p.BuildRequestBody("model-x", []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	}, nil, 0)
	require.NoError(t, err)

	var req claudeRequest
	require.NoError(t, json.Unmarshal(body, &req))

	assert.Equal(t, "model-x", req.Model)
	assert.Equal(t, 8192, req.MaxTokens, "messages API requires max_tokens")
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Nil(t, req.Temperature)
}

func TestClaudeParseResponse(t *testing.T) {
	p := &ClaudeProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"content": [
			{"type": "text", "text": "part one "},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": "part two"}
		],
		"model": "model-x",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`), "model-x")
	require.NoError(t, err)

	assert.Equal(t, "part one part two", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
}

func TestClaudeParseResponseInvalidJSON(t *testing.T) {
	p := &ClaudeProvider{}
	_, err := p.ParseResponse([]byte("not json"), "model-x")
	require.Error(t, err)
}
