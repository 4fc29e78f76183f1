// Package llm provides the LLM gateway: a provider-agnostic client with
// retry, endpoint fallback, streaming and an interaction log. It resolves
// endpoints through model.Registry by capability (text or vision).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/c360studio/studyboard/metrics"
	"github.com/c360studio/studyboard/model"
	"github.com/google/uuid"
	"golang.org/x/net/http/httpproxy"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Gateway is what the rest of the system needs from the LLM layer. Both
// calls return the full completion or an *Error.
type Gateway interface {
	TextComplete(ctx context.Context, messages []Message, opts Options) (string, error)
	VisionComplete(ctx context.Context, image Image, messages []Message, opts Options) (string, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant" or "tool"
	Content string `json:"content"`

	// Image is attached to user messages sent to vision endpoints.
	Image *Image `json:"-"`
}

// Image is an inline image payload.
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the image as a base64 data URL.
func (i Image) DataURL() string {
	mt := i.MIMEType
	if mt == "" {
		mt = "image/png"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Base64 returns the raw base64 payload.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// Options are per-call knobs.
type Options struct {
	// Model names a registry endpoint to use instead of the capability chain.
	Model string

	// Temperature controls randomness. nil uses the client default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int

	// Timeout overrides the per-attempt budget.
	Timeout time.Duration

	// Extended selects the longer budget used by PDF-scale tasks.
	Extended bool

	// Stream asks the provider for SSE chunks; the gateway still returns the
	// assembled string.
	Stream bool

	// Metadata is copied into the interaction record.
	Metadata map[string]any
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID is the interaction record id for this call.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model reported by the provider.
	Model string

	// Endpoint is the registry endpoint that answered.
	Endpoint string

	// Usage contains token consumption metrics when the provider reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry        *model.Registry
	httpClient      *http.Client
	retryConfig     RetryConfig
	logger          *slog.Logger
	interactions    *InteractionLog
	metrics         *metrics.Metrics
	textTimeout     time.Duration
	extendedTimeout time.Duration
	temperature     *float64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithInteractionLog records every call, successful or not.
func WithInteractionLog(l *InteractionLog) ClientOption {
	return func(client *Client) {
		client.interactions = l
	}
}

// WithMetrics reports call counts and latency.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// WithTimeouts sets the default and extended per-attempt budgets.
func WithTimeouts(text, extended time.Duration) ClientOption {
	return func(client *Client) {
		if text > 0 {
			client.textTimeout = text
		}
		if extended > 0 {
			client.extendedTimeout = extended
		}
	}
}

// WithTemperature sets the temperature used when a call leaves it nil.
func WithTemperature(t float64) ClientOption {
	return func(client *Client) {
		client.temperature = &t
	}
}

// WithBypassProxy controls whether outbound calls ignore HTTP(S)_PROXY.
// Has no effect when WithHTTPClient supplied the client.
func WithBypassProxy(bypass bool) ClientOption {
	return func(client *Client) {
		client.httpClient = &http.Client{Transport: newTransport(bypass)}
	}
}

// newTransport clones the default transport and either drops the proxy or
// resolves it from the environment on every request.
func newTransport(bypassProxy bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if bypassProxy {
		t.Proxy = nil
		return t
	}
	proxyFunc := httpproxy.FromEnvironment().ProxyFunc()
	t.Proxy = func(r *http.Request) (*url.URL, error) {
		return proxyFunc(r.URL)
	}
	return t
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:        registry,
		retryConfig:     DefaultRetryConfig(),
		httpClient:      &http.Client{Transport: newTransport(true)},
		logger:          slog.Default(),
		textTimeout:     60 * time.Second,
		extendedTimeout: 180 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Interactions returns the in-memory interaction tail, oldest first.
func (c *Client) Interactions(limit int) []InteractionRecord {
	return c.interactions.Recent(limit)
}

// ExtendedTimeout reports the budget used for Options.Extended calls.
func (c *Client) ExtendedTimeout() time.Duration {
	return c.extendedTimeout
}

// TextComplete runs a text completion.
func (c *Client) TextComplete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := c.Complete(ctx, model.CapabilityText, messages, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// VisionComplete attaches image to the last user message (adding one if the
// list has none) and runs a vision completion.
func (c *Client) VisionComplete(ctx context.Context, image Image, messages []Message, opts Options) (string, error) {
	if len(image.Data) == 0 {
		return "", NewError(KindOther, "vision call without image data", nil)
	}
	msgs := make([]Message, len(messages))
	copy(msgs, messages)

	attached := false
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			img := image
			msgs[i].Image = &img
			attached = true
			break
		}
	}
	if !attached {
		msgs = append(msgs, Message{Role: "user", Image: &image})
	}

	resp, err := c.Complete(ctx, model.CapabilityVision, msgs, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Complete sends a completion request for a capability, handling retry and
// fallback. Every call produces exactly one interaction record.
func (c *Client) Complete(ctx context.Context, capability model.Capability, messages []Message, opts Options) (*Response, error) {
	started := time.Now()
	resp, err := c.complete(ctx, capability, messages, opts)
	took := time.Since(started)

	rec := InteractionRecord{
		ID:       uuid.New().String(),
		LLMType:  capability.String(),
		Query:    renderQuery(messages),
		Metadata: c.recordMetadata(ctx, opts),
		Duration: took.Seconds(),
	}
	kind := "ok"
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = KindOf(err)
		kind = string(rec.ErrorKind)
	} else {
		rec.Response = resp.Content
		rec.Metadata["endpoint"] = resp.Endpoint
		rec.Metadata["model"] = resp.Model
	}
	rec = c.interactions.Append(rec)
	c.metrics.LLMCall(capability.String(), kind, took)

	if err != nil {
		return nil, err
	}
	resp.RequestID = rec.ID
	return resp, nil
}

func (c *Client) complete(ctx context.Context, capability model.Capability, messages []Message, opts Options) (*Response, error) {
	if len(messages) == 0 {
		return nil, NewError(KindOther, "at least one message is required", nil)
	}

	chain := c.registry.AvailableChain(capability)
	if opts.Model != "" && c.registry.Endpoint(opts.Model) != nil {
		chain = []string{opts.Model}
	}
	if len(chain) == 0 {
		return nil, NewError(KindOther, fmt.Sprintf("no endpoints configured for capability %s", capability), nil)
	}

	var lastErr error
	tried := 0
	for _, name := range chain {
		ep := c.registry.Endpoint(name)
		if ep == nil {
			c.logger.Debug("No endpoint config, skipping", "endpoint", name)
			continue
		}

		apiKey := ""
		if ep.APIKeyEnv != "" {
			apiKey = os.Getenv(ep.APIKeyEnv)
			if apiKey == "" {
				c.logger.Debug("Endpoint credential missing, skipping",
					"endpoint", name,
					"env", ep.APIKeyEnv)
				continue
			}
		}
		tried++

		resp, err := c.tryEndpoint(ctx, name, ep, apiKey, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if IsFatal(err) {
			c.logger.Warn("Fatal LLM error, not trying fallbacks",
				"endpoint", name,
				"kind", KindOf(err),
				"error", err)
			return nil, err
		}
		c.logger.Warn("Endpoint failed, trying fallback",
			"endpoint", name,
			"provider", ep.Provider,
			"kind", KindOf(err),
			"error", err)
	}

	if tried == 0 {
		return nil, NewError(KindNoAPIKey, fmt.Sprintf("no credential configured for any %s endpoint", capability), nil)
	}
	return nil, lastErr
}

// tryEndpoint attempts one endpoint with retry on transient failures.
func (c *Client) tryEndpoint(ctx context.Context, name string, ep *model.EndpointConfig, apiKey string, messages []Message, opts Options) (*Response, error) {
	attempts := c.retryConfig.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, apiKey, messages, opts)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			resp.Endpoint = name
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}

		if attempt < attempts {
			backoff := c.retryConfig.backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"endpoint", name,
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, classifyTransportError(ctx, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	// Retries exhausted on a transient failure: count against the endpoint.
	c.registry.MarkEndpointFailure(name)
	return nil, lastErr
}

func (c *Client) timeoutFor(opts Options) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case opts.Extended:
		return c.extendedTimeout
	default:
		return c.textTimeout
	}
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, apiKey string, messages []Message, opts Options) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	modelName := ep.Model
	if opts.Model != "" && c.registry.Endpoint(opts.Model) == nil {
		modelName = opts.Model
	}
	bodyOpts := BodyOptions{
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      opts.Stream,
	}
	if bodyOpts.Temperature == nil {
		bodyOpts.Temperature = c.temperature
	}
	if bodyOpts.MaxTokens == 0 {
		bodyOpts.MaxTokens = ep.MaxTokens
	}

	endpointURL := provider.BuildURL(ep.URL)
	body, err := provider.BuildRequestBody(modelName, messages, bodyOpts)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", modelName,
		"url", endpointURL,
		"messages", len(messages),
		"stream", opts.Stream)

	callCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(opts))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var resp *Response
	if opts.Stream {
		resp, err = readStream(ctx, provider, httpResp.Body, modelName)
	} else {
		resp, err = readBody(ctx, provider, httpResp.Body, modelName)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(resp.Content) == "" {
		return nil, NewError(KindMalformed, "empty completion", nil)
	}
	if ContainsErrorMarker(resp.Content) {
		return nil, NewError(KindOther, "provider returned an error as content: "+preview(resp.Content), nil)
	}
	return resp, nil
}

func readBody(ctx context.Context, provider Provider, body io.Reader, modelName string) (*Response, error) {
	respBody, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	resp, err := provider.ParseResponse(respBody, modelName)
	if err != nil {
		return nil, NewError(KindMalformed, "parse response", err)
	}
	return resp, nil
}

// readStream assembles SSE "data:" chunks until the provider signals done or
// the body ends.
func readStream(ctx context.Context, provider Provider, body io.Reader, modelName string) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(body, maxResponseSize))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)

	var sb strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		delta, done, err := provider.ParseStreamData([]byte(data))
		if err != nil {
			return nil, NewError(KindMalformed, "parse stream chunk", err)
		}
		sb.WriteString(delta)
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	return &Response{Content: sb.String(), Model: modelName, FinishReason: "stop"}, nil
}

func (c *Client) recordMetadata(ctx context.Context, opts Options) map[string]any {
	md := make(map[string]any, len(opts.Metadata)+4)
	maps.Copy(md, opts.Metadata)
	cc := GetCallContext(ctx)
	if cc.BoardID != "" {
		md["board_id"] = cc.BoardID
	}
	if cc.TaskID != "" {
		md["task_id"] = cc.TaskID
	}
	if cc.TaskType != "" {
		md["task_type"] = cc.TaskType
	}
	if opts.Stream {
		md["stream"] = true
	}
	return md
}

// renderQuery flattens messages for the interaction log.
func renderQuery(messages []Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		if m.Image != nil {
			fmt.Fprintf(&sb, " [image %s, %d bytes]", m.Image.MIMEType, len(m.Image.Data))
		}
	}
	return sb.String()
}
