package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      ErrorKind
		wantTransient bool
		wantFatal     bool
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", KindRateLimited, true, false},
		{"payment required", http.StatusPaymentRequired, "", KindAccountArrearage, false, true},
		{"arrearage marker", http.StatusBadRequest, `{"code":"Arrearage"}`, KindAccountArrearage, false, true},
		{"insufficient quota", http.StatusTooManyRequests, `{"error":{"type":"insufficient_quota"}}`, KindAccountArrearage, false, true},
		{"gateway timeout", http.StatusGatewayTimeout, "", KindTimeout, true, false},
		{"server error", http.StatusInternalServerError, "boom", KindOther, true, false},
		{"unauthorized", http.StatusUnauthorized, "bad key", KindOther, false, false},
		{"bad request", http.StatusBadRequest, "bad model", KindOther, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHTTPError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, tt.wantFatal, IsFatal(err))

			var gwErr *Error
			if assert.True(t, errors.As(err, &gwErr)) {
				assert.Equal(t, tt.status, gwErr.StatusCode)
			}
		})
	}
}

func TestClassifyHTTPError_TruncatesBody(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = 'x'
	}
	err := classifyHTTPError(http.StatusBadRequest, body)
	assert.Less(t, len(err.Error()), 300)
}

func TestClassifyTransportError(t *testing.T) {
	t.Run("caller cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := classifyTransportError(ctx, context.Canceled)
		assert.Equal(t, KindOther, KindOf(err))
		assert.False(t, IsTransient(err))
	})

	t.Run("deadline", func(t *testing.T) {
		err := classifyTransportError(context.Background(), fmt.Errorf("do: %w", context.DeadlineExceeded))
		assert.Equal(t, KindTimeout, KindOf(err))
		assert.True(t, IsTransient(err))
	})

	t.Run("dns", func(t *testing.T) {
		err := classifyTransportError(context.Background(), &net.DNSError{Err: "no such host", Name: "llm.invalid"})
		assert.Equal(t, KindNetworkUnreachable, KindOf(err))
	})

	t.Run("dial", func(t *testing.T) {
		err := classifyTransportError(context.Background(), &net.OpError{Op: "dial", Err: errors.New("refused")})
		assert.Equal(t, KindNetworkUnreachable, KindOf(err))
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindOther, KindOf(errors.New("plain")))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("wrapped: %w", NewError(KindTimeout, "slow", nil))))
}

func TestUserMessageKeepsKind(t *testing.T) {
	err := NewError(KindNoAPIKey, "DASHSCOPE_API_KEY unset", nil)
	msg := err.UserMessage()
	assert.Contains(t, msg, "credential")
	assert.Contains(t, msg, "NoApiKey")
	assert.Contains(t, msg, "DASHSCOPE_API_KEY unset")
}

func TestContainsErrorMarker(t *testing.T) {
	assert.True(t, ContainsErrorMarker("Error: vision model unavailable"))
	assert.True(t, ContainsErrorMarker("  错误：请求失败"))
	assert.True(t, ContainsErrorMarker("API调用失败: 401"))
	assert.False(t, ContainsErrorMarker("This page discusses error correction codes."))
	assert.False(t, ContainsErrorMarker(""))
}
