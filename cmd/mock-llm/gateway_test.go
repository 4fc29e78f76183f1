package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/c360studio/studyboard/llm/providers"
)

// The gateway client, talking to the mock over the real OpenAI wire format.
func TestGatewayAgainstMock(t *testing.T) {
	s := testServer(map[string][]fixture{
		"deepseek": {{Status: http.StatusServiceUnavailable, Content: "busy"}, {Content: "这是注释"}},
		"qwen-vl":  {{Content: "图中是一个矩阵"}},
	})
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityText:   {Preferred: []string{"text"}},
			model.CapabilityVision: {Preferred: []string{"vision"}},
		},
		map[string]*model.EndpointConfig{
			"text":   {Provider: "openai", URL: srv.URL + "/v1", Model: "deepseek"},
			"vision": {Provider: "openai", URL: srv.URL + "/v1", Model: "qwen-vl"},
		},
	)
	client := llm.NewClient(registry, llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text, err := client.TextComplete(ctx, []llm.Message{{Role: "user", Content: "注释第1页"}}, llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "这是注释", text)

	img := llm.Image{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
	vision, err := client.VisionComplete(ctx, img, []llm.Message{{Role: "user", Content: "描述这一页"}}, llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "图中是一个矩阵", vision)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, s.counts["deepseek"], "one retry after the 503")
	require.Len(t, s.requests["qwen-vl"], 1)
	last := s.requests["qwen-vl"][0].Messages
	assert.Equal(t, 1, last[len(last)-1].Images)
}
