package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// chatMessage content is either a string or a list of parts (vision).
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// flatten returns the message text and how many images it carried.
func (m chatMessage) flatten() (string, int) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, 0
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return "", 0
	}
	var texts []string
	images := 0
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			images++
		}
	}
	return strings.Join(texts, "\n"), images
}

type replyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      replyMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// capturedMessage is a request message with its content flattened.
type capturedMessage struct {
	Role   string `json:"role"`
	Text   string `json:"text"`
	Images int    `json:"images,omitempty"`
}

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Model     string            `json:"model"`
	Messages  []capturedMessage `json:"messages"`
	CallIndex int               `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64             `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture
	logger   *slog.Logger
	calls    atomic.Int64

	mu       sync.Mutex
	counts   map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures: fixtures,
		logger:   logger,
		counts:   make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// next records the request and picks the fixture for this call.
func (s *server) next(req chatRequest) (fixture, int, bool) {
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}

	msgs := make([]capturedMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		text, images := m.flatten()
		msgs = append(msgs, capturedMessage{Role: m.Role, Text: text, Images: images})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[req.Model]++
	callIndex := s.counts[req.Model]
	s.requests[req.Model] = append(s.requests[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  msgs,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
	if !ok {
		return fixture{}, callIndex, false
	}
	if callIndex <= len(seq) {
		return seq[callIndex-1], callIndex, true
	}
	return seq[len(seq)-1], callIndex, true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{"message": fmt.Sprintf("invalid request body: %v", err)},
		})
		return
	}

	callNum := s.calls.Add(1)
	fx, callIndex, ok := s.next(req)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"message": fmt.Sprintf("no fixture for model %q", req.Model)},
		})
		return
	}
	s.logger.Info("Chat completion",
		"call", callNum,
		"model", req.Model,
		"call_index", callIndex,
		"messages", len(req.Messages))

	if fx.Status != 0 {
		s.writeJSON(w, fx.Status, map[string]any{
			"error": map[string]string{"message": fx.Content},
		})
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      replyMessage{Role: "assistant", Content: fx.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(fx.Content) / 4, // rough estimate
			CompletionTokens: len(fx.Content) / 4,
			TotalTokens:      len(fx.Content) / 2,
		},
	})
}

// handleModels lists the fixture models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(s.fixtures))
	for name := range s.fixtures {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	s.writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// handleStats returns total_calls and the per-model breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.counts))
	for model, n := range s.counts {
		byModel[model] = n
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured requests, optionally filtered by ?model=
// and ?call= (1-indexed).
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.requests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter > 0 && req.CallIndex != callFilter {
				continue
			}
			result[model] = append(result[model], req)
		}
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{"requests_by_model": result})
}
