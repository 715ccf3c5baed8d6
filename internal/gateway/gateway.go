// Package gateway wraps the local completion backend behind a small
// client interface. It owns the outbound token bucket, the per-call
// deadline, the single bounded retry for transient failures, and the
// backend health status the rest of the pipeline reports to users.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"erppilot/internal/logging"
	"erppilot/internal/types"
)

// CompletionClient is the interface the parser consumes.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Status() Status
}

// Status reports backend health as observed from recent calls.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded" // last call needed a retry or timed out
	StatusOffline  Status = "offline"  // backend unreachable
)

// Error carries a structured failure kind across the gateway boundary.
type Error struct {
	Kind types.ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("gateway: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Kind extracts the structured kind from a gateway error, defaulting to
// unavailable for unclassified failures.
func Kind(err error) types.ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return types.ErrUnavailable
}

// Config holds client settings.
type Config struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64

	// Token bucket for outbound calls.
	RatePerMinute int
	Burst         int
}

// DefaultConfig returns sensible defaults for a local Ollama server.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:11434",
		Model:         "phi3:3.8b-mini",
		Timeout:       60 * time.Second,
		MaxTokens:     1000,
		Temperature:   0.1,
		RatePerMinute: 60,
		Burst:         10,
	}
}

// OllamaClient implements CompletionClient against an Ollama-compatible
// chat endpoint.
type OllamaClient struct {
	baseURL    string
	model      string
	timeout    time.Duration
	maxTokens  int
	temp       float64
	httpClient *http.Client

	bucket *tokenBucket

	mu     sync.RWMutex
	status Status
}

// NewOllamaClient creates a client with the given config.
func NewOllamaClient(cfg Config) *OllamaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &OllamaClient{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		maxTokens: cfg.MaxTokens,
		temp:      cfg.Temperature,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		bucket: newTokenBucket(cfg.RatePerMinute, cfg.Burst),
		status: StatusOnline,
	}
}

// chatRequest mirrors Ollama's /api/chat body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Status returns the backend health observed from the most recent call.
func (c *OllamaClient) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *OllamaClient) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Complete sends a system+user prompt pair and returns the raw completion.
// Transient failures (5xx, connection errors) get exactly one retry; the
// deadline covers both attempts. A drained token bucket fails fast with a
// throttled error rather than queueing.
func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.bucket.take() {
		logging.Gateway("completion throttled, bucket empty")
		return "", &Error{Kind: types.ErrThrottled, Err: errors.New("completion rate limit exceeded")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryGateway, "completion")
	defer timer.StopWithThreshold(10 * time.Second)

	text, err := c.doChat(ctx, systemPrompt, userPrompt)
	if err == nil {
		c.setStatus(StatusOnline)
		return text, nil
	}

	if !isTransient(err) {
		// A deadline blown on the first attempt still means the backend is
		// struggling; report degraded so status checks re-probe it.
		if Kind(err) == types.ErrTimeout {
			c.setStatus(StatusDegraded)
		}
		return "", err
	}

	// One retry, inside the original deadline.
	logging.Gateway("transient completion failure, retrying once: %v", err)
	text, retryErr := c.doChat(ctx, systemPrompt, userPrompt)
	if retryErr == nil {
		c.setStatus(StatusDegraded)
		return text, nil
	}

	if errors.Is(retryErr, context.DeadlineExceeded) {
		c.setStatus(StatusDegraded)
		return "", &Error{Kind: types.ErrTimeout, Err: retryErr}
	}
	c.setStatus(StatusOffline)
	return "", retryErr
}

func (c *OllamaClient) doChat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options: chatOptions{
			Temperature: c.temp,
			NumPredict:  c.maxTokens,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &Error{Kind: types.ErrInternal, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", &Error{Kind: types.ErrInternal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", &Error{Kind: types.ErrTimeout, Err: err}
		}
		return "", &Error{Kind: types.ErrUnavailable, Err: fmt.Errorf("backend unreachable: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: types.ErrUnavailable, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		kind := types.ErrUnavailable
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = types.ErrThrottled
		}
		return "", &Error{Kind: kind, Err: fmt.Errorf("backend returned status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", &Error{Kind: types.ErrMalformedCompletion, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if chatResp.Error != "" {
		return "", &Error{Kind: types.ErrUnavailable, Err: fmt.Errorf("backend error: %s", chatResp.Error)}
	}

	return chatResp.Message.Content, nil
}

// isTransient reports whether an error is worth the single retry.
// Timeouts are not retried: the deadline is already spent.
func isTransient(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == types.ErrUnavailable
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tokenBucket is a channel-backed token bucket. Tokens refill at a fixed
// interval; take never blocks.
type tokenBucket struct {
	tokens chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

func newTokenBucket(perMinute, burst int) *tokenBucket {
	tb := &tokenBucket{
		tokens: make(chan struct{}, burst),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}

	interval := time.Minute / time.Duration(perMinute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tb.stopCh:
				return
			case <-ticker.C:
				select {
				case tb.tokens <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()
	return tb
}

func (tb *tokenBucket) take() bool {
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

// Close stops the refill goroutine.
func (c *OllamaClient) Close() {
	c.bucket.once.Do(func() { close(c.bucket.stopCh) })
}
