package providers

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/studyboard/llm"
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
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "http://myserver:8080/v1",
			want:    "http://myserver:8080/v1/chat/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "http://localhost:11434/v1/",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "already has endpoint",
			baseURL: "http://localhost:11434/v1/chat/completions",
			want:    "http://localhost:11434/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You are a patient tutor."},
		{Role: "user", Content: "Explain page 2"},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("qwen-plus", messages, llm.BodyOptions{Temperature: &temp, MaxTokens: 2048})
	require.NoError(t, err)

	assert.Contains(t, string(body), `"model":"qwen-plus"`)
	assert.Contains(t, string(body), `"role":"system"`)
	assert.Contains(t, string(body), `"content":"Explain page 2"`)
	assert.Contains(t, string(body), `"temperature":0.7`)
	assert.Contains(t, string(body), `"max_tokens":2048`)
	assert.NotContains(t, string(body), `"stream"`)
}

func TestOllamaProvider_BuildRequestBody_NoOptionalParams(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("test-model", []llm.Message{{Role: "user", Content: "Hello"}}, llm.BodyOptions{})
	require.NoError(t, err)

	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"max_tokens"`)
}

func TestOllamaProvider_BuildRequestBody_ZeroTemperature(t *testing.T) {
	p := &OllamaProvider{}

	temp := 0.0
	body, err := p.BuildRequestBody("test-model", []llm.Message{{Role: "user", Content: "Hello"}}, llm.BodyOptions{Temperature: &temp})
	require.NoError(t, err)

	// Temperature should be present even when 0 (deterministic)
	assert.Contains(t, string(body), `"temperature":0`)
}

func TestOllamaProvider_BuildRequestBody_Vision(t *testing.T) {
	p := &OllamaProvider{}

	messages := []llm.Message{{
		Role:    "user",
		Content: "Describe this page",
		Image:   &llm.Image{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}}

	body, err := p.BuildRequestBody("qwen-vl", messages, llm.BodyOptions{Stream: true})
	require.NoError(t, err)

	var decoded struct {
		Stream   bool `json:"stream"`
		Messages []struct {
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.True(t, decoded.Stream)
	require.Len(t, decoded.Messages, 1)
	parts := decoded.Messages[0].Content
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[0].Type)
	assert.Equal(t, "data:image/png;base64,iVBORw==", parts[0].ImageURL.URL)
	assert.Equal(t, "text", parts[1].Type)
	assert.Equal(t, "Describe this page", parts[1].Text)
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	responseBody := []byte(`{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"model": "qwen-plus",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "Key terms: entropy"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`)

	resp, err := p.ParseResponse(responseBody, "fallback-name")
	require.NoError(t, err)

	assert.Equal(t, "Key terms: entropy", resp.Content)
	assert.Equal(t, "qwen-plus", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 6, resp.Usage.CompletionTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestOllamaProvider_ParseResponse_MissingModelUsesRequested(t *testing.T) {
	p := &OllamaProvider{}

	resp, err := p.ParseResponse([]byte(`{"choices":[{"message":{"content":"ok"}}]}`), "qwen-plus")
	require.NoError(t, err)
	assert.Equal(t, "qwen-plus", resp.Model)
}

func TestOllamaProvider_ParseResponse_NoChoices(t *testing.T) {
	p := &OllamaProvider{}

	_, err := p.ParseResponse([]byte(`{"id": "chatcmpl-123", "choices": []}`), "test-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestOllamaProvider_ParseStreamData(t *testing.T) {
	p := &OllamaProvider{}

	delta, done, err := p.ParseStreamData([]byte(`{"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`))
	require.NoError(t, err)
	assert.Equal(t, "Hel", delta)
	assert.False(t, done)

	delta, done, err = p.ParseStreamData([]byte(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`))
	require.NoError(t, err)
	assert.Empty(t, delta)
	assert.True(t, done)

	_, _, err = p.ParseStreamData([]byte(`not json`))
	assert.Error(t, err)
}
