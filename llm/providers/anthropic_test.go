package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/studyboard/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.anthropic.com/v1/messages",
		},
		{
			name:    "custom base URL",
			baseURL: "https://custom.api.com",
			want:    "https://custom.api.com/v1/messages",
		},
		{
			name:    "trailing slash handled",
			baseURL: "https://api.anthropic.com/",
			want:    "https://api.anthropic.com/v1/messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_SetHeaders(t *testing.T) {
	p := &AnthropicProvider{}

	req, _ := http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req, "sk-ant-test")

	assert.Equal(t, "sk-ant-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You are a tutor."},
		{Role: "system", Content: "Answer in Chinese."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "tool", Content: "page 2 text"},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("claude-sonnet", messages, llm.BodyOptions{Temperature: &temp, MaxTokens: 2048})
	require.NoError(t, err)

	var decoded anthropicRequest
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "You are a tutor.\n\nAnswer in Chinese.", decoded.System)
	assert.Equal(t, 2048, decoded.MaxTokens)
	require.Len(t, decoded.Messages, 3)
	assert.Equal(t, "user", decoded.Messages[0].Role)
	assert.Equal(t, "assistant", decoded.Messages[1].Role)
	assert.Equal(t, "user", decoded.Messages[2].Role, "tool turns are sent as user turns")
}

func TestAnthropicProvider_BuildRequestBody_DefaultMaxTokens(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{{Role: "user", Content: "Hello"}}, llm.BodyOptions{})
	require.NoError(t, err)

	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"system"`)
}

func TestAnthropicProvider_BuildRequestBody_Vision(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{{
		Role:    "user",
		Content: "What is on this page?",
		Image:   &llm.Image{MIMEType: "image/jpeg", Data: []byte("jpg")},
	}}

	body, err := p.BuildRequestBody("claude-sonnet", messages, llm.BodyOptions{})
	require.NoError(t, err)

	var decoded struct {
		Messages []struct {
			Content []struct {
				Type   string `json:"type"`
				Text   string `json:"text"`
				Source struct {
					Type      string `json:"type"`
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				} `json:"source"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Messages, 1)

	blocks := decoded.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[0].Type)
	assert.Equal(t, "base64", blocks[0].Source.Type)
	assert.Equal(t, "image/jpeg", blocks[0].Source.MediaType)
	assert.Equal(t, "anBn", blocks[0].Source.Data)
	assert.Equal(t, "What is on this page?", blocks[1].Text)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	responseBody := []byte(`{
		"id": "msg_123",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "Hello! "},
			{"type": "text", "text": "How can I help?"}
		],
		"model": "claude-sonnet",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 8}
	}`)

	resp, err := p.ParseResponse(responseBody, "test-model")
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help?", resp.Content)
	assert.Equal(t, "claude-sonnet", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
}

func TestAnthropicProvider_ParseResponse_InvalidJSON(t *testing.T) {
	p := &AnthropicProvider{}

	_, err := p.ParseResponse([]byte(`{invalid}`), "test-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse anthropic response")
}

func TestAnthropicProvider_ParseStreamData(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name      string
		data      string
		wantDelta string
		wantDone  bool
		wantErr   bool
	}{
		{"message start", `{"type":"message_start","message":{}}`, "", false, false},
		{"text delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`, "Hi", false, false},
		{"stop", `{"type":"message_stop"}`, "", true, false},
		{"error event", `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, "", true, true},
		{"garbage", `nope`, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, done, err := p.ParseStreamData([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDelta, delta)
			assert.Equal(t, tt.wantDone, done)
		})
	}
}
