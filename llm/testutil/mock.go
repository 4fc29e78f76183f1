// Package testutil provides test utilities for the llm package.
// It includes a scripted Gateway for exercising handlers without HTTP.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/studyboard/llm"
)

// Call records one gateway invocation.
type Call struct {
	Vision   bool
	Messages []llm.Message
	Image    *llm.Image
	Options  llm.Options
	Ctx      context.Context
}

// MockGateway is a thread-safe llm.Gateway for tests.
//
// Usage:
//
//	// Fixed answers
//	mock := &MockGateway{TextResponses: []string{"annotation"}}
//
//	// Dynamic answers
//	mock := &MockGateway{TextFunc: func(ctx context.Context, msgs []llm.Message) (string, error) {
//	    <-ctx.Done()
//	    return "", ctx.Err()
//	}}
//
//	// Failure
//	mock := &MockGateway{TextErr: llm.NewError(llm.KindTimeout, "slow", nil)}
type MockGateway struct {
	mu sync.Mutex

	// TextResponses and VisionResponses are returned in sequence; the last
	// one repeats once exhausted.
	TextResponses   []string
	VisionResponses []string

	// TextErr and VisionErr take precedence over responses.
	TextErr   error
	VisionErr error

	// TextFunc and VisionFunc take precedence over everything else.
	TextFunc   func(ctx context.Context, messages []llm.Message) (string, error)
	VisionFunc func(ctx context.Context, image llm.Image, messages []llm.Message) (string, error)

	calls       []Call
	textIndex   int
	visionIndex int
}

var _ llm.Gateway = (*MockGateway)(nil)

// TextComplete implements llm.Gateway.
func (m *MockGateway) TextComplete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Messages: cloneMessages(messages), Options: opts, Ctx: ctx})
	fn := m.TextFunc
	if fn == nil {
		defer m.mu.Unlock()
		if m.TextErr != nil {
			return "", m.TextErr
		}
		return next(m.TextResponses, &m.textIndex, "mock text completion"), nil
	}
	m.mu.Unlock()
	return fn(ctx, messages)
}

// VisionComplete implements llm.Gateway.
func (m *MockGateway) VisionComplete(ctx context.Context, image llm.Image, messages []llm.Message, opts llm.Options) (string, error) {
	m.mu.Lock()
	img := image
	m.calls = append(m.calls, Call{Vision: true, Messages: cloneMessages(messages), Image: &img, Options: opts, Ctx: ctx})
	fn := m.VisionFunc
	if fn == nil {
		defer m.mu.Unlock()
		if m.VisionErr != nil {
			return "", m.VisionErr
		}
		return next(m.VisionResponses, &m.visionIndex, "mock vision completion"), nil
	}
	m.mu.Unlock()
	return fn(ctx, image, messages)
}

func next(responses []string, idx *int, fallback string) string {
	if len(responses) == 0 {
		return fallback
	}
	i := *idx
	if i >= len(responses) {
		i = len(responses) - 1
	} else {
		*idx = i + 1
	}
	return responses[i]
}

func cloneMessages(in []llm.Message) []llm.Message {
	out := make([]llm.Message, len(in))
	copy(out, in)
	return out
}

// TextCalls returns the number of TextComplete calls.
func (m *MockGateway) TextCalls() int {
	return m.count(false)
}

// VisionCalls returns the number of VisionComplete calls.
func (m *MockGateway) VisionCalls() int {
	return m.count(true)
}

func (m *MockGateway) count(vision bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Vision == vision {
			n++
		}
	}
	return n
}

// Calls returns a copy of every recorded call.
func (m *MockGateway) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// LastCall returns the most recent call.
func (m *MockGateway) LastCall() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return Call{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// Reset clears recorded calls and response positions.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.textIndex = 0
	m.visionIndex = 0
}
