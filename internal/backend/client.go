// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBaseURL targets an OpenRouter-style aggregator endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024

	// eventBuffer is the channel depth between the reader goroutine and
	// the reducer.
	eventBuffer = 64
)

// sharedStreamingClient pools connections for streaming requests. No
// client timeout: stream lifetime is controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuthFailed indicates the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

// Is maps status codes onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// =============================================================================
// CONFIG AND CLIENT
// =============================================================================

// Config selects the provider endpoint and model for a Client.
type Config struct {
	// APIKey authenticates against the provider. Empty means not
	// configured.
	APIKey string

	// BaseURL is the chat-completions base URL. Defaults to
	// DefaultBaseURL.
	BaseURL string

	// Model is the provider model identifier.
	Model string

	// RequestsPerMinute throttles outgoing requests. Zero disables the
	// limiter.
	RequestsPerMinute int
}

// Client is an OpenAI-compatible streaming chat client implementing
// chat.Streamer.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *logrus.Logger
}

// New creates a client for the given configuration.
func New(cfg Config, log *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if log == nil {
		log = logrus.New()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &Client{
		cfg:     cfg,
		http:    sharedStreamingClient,
		limiter: limiter,
		log:     log,
	}
}

// Ready reports whether a model is configured.
func (c *Client) Ready() error {
	if c.cfg.APIKey == "" || c.cfg.Model == "" {
		return chat.ErrNoModel
	}
	return nil
}

// Model returns the active model identifier and base URL.
func (c *Client) Model() (string, string) {
	return c.cfg.Model, c.cfg.BaseURL
}

// =============================================================================
// STREAMING REQUEST
// =============================================================================

// chatRequest is the request body for /chat/completions.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []Message     `json:"messages"`
	Tools         []ToolSpec    `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions *streamOption `json:"stream_options,omitempty"`
}

type streamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

// Stream issues one streaming chat request and returns the normalized
// event channel. The channel closes when the stream ends; mid-stream
// failures arrive as chat.EventError.
func (c *Client) Stream(ctx context.Context, req chat.Request) (<-chan chat.Event, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	msgs := make([]Message, 0, len(req.History)+len(req.Partial)+2)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, WireFromTurns(req.History)...)
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	msgs = append(msgs, wireFromSegments(req.Partial)...)

	body := chatRequest{
		Model:         c.cfg.Model,
		Messages:      msgs,
		Tools:         specsFromDefs(req.Tools),
		Stream:        true,
		StreamOptions: &streamOption{IncludeUsage: true},
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse(resp)
	}

	events := make(chan chat.Event, eventBuffer)
	go c.consume(ctx, resp.Body, events)
	return events, nil
}

// errorFromResponse decodes a non-2xx body into an APIError.
func (c *Client) errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var wrapped struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: string(data)}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
		apiErr.Code = wrapped.Error.Code
		apiErr.Message = wrapped.Error.Message
	}
	return apiErr
}

// =============================================================================
// STREAM CONSUMPTION
// =============================================================================

// streamChunk is one SSE data payload from the provider.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

// usagePayload accepts both field naming conventions providers use for
// token counts, plus the direct cost some providers report.
type usagePayload struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// normalize produces the canonical usage record from whichever naming
// the provider used.
func (u *usagePayload) normalize() chat.Usage {
	prompt := u.PromptTokens
	if prompt == 0 {
		prompt = u.InputTokens
	}
	completion := u.CompletionTokens
	if completion == 0 {
		completion = u.OutputTokens
	}
	total := u.TotalTokens
	if total == 0 {
		total = prompt + completion
	}
	return chat.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Cost:             u.Cost,
	}
}

// pendingCall assembles a tool call streamed as fragments.
type pendingCall struct {
	id   string
	name string
	args bytes.Buffer
}

// consume reads the SSE body, emitting normalized events. Tool call
// fragments are assembled per choice index and emitted when the stream
// finishes or the provider signals tool_calls completion.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, events chan<- chat.Event) {
	defer close(events)
	defer body.Close()

	reader := newSSEReader(body)
	calls := make(map[int]*pendingCall)
	var order []int

	send := func(ev chat.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushCalls := func() bool {
		for _, idx := range order {
			pc := calls[idx]
			input := json.RawMessage(pc.args.Bytes())
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			ok := send(chat.Event{
				Kind: chat.EventToolCall,
				Call: &chat.ToolCall{ID: pc.id, Name: pc.name, Input: input},
			})
			if !ok {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		order = order[:0]
		return true
	}

	var usage *chat.Usage

	for {
		if ctx.Err() != nil {
			send(chat.Event{Kind: chat.EventError, Err: ctx.Err()})
			return
		}

		data, err := reader.next()
		if err != nil {
			if err == io.EOF {
				flushCalls()
				if usage != nil {
					send(chat.Event{Kind: chat.EventUsage, Usage: usage})
				}
				return
			}
			send(chat.Event{Kind: chat.EventError, Err: fmt.Errorf("read stream: %w", err)})
			return
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			flushCalls()
			if usage != nil {
				send(chat.Event{Kind: chat.EventUsage, Usage: usage})
			}
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Malformed chunks are skipped, not fatal.
			c.log.WithError(err).Debug("skipping malformed stream chunk")
			continue
		}

		if chunk.Usage != nil {
			u := chunk.Usage.normalize()
			usage = &u
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !send(chat.Event{Kind: chat.EventText, Delta: choice.Delta.Content}) {
					return
				}
			}
			reasoning := choice.Delta.Reasoning
			if reasoning == "" {
				reasoning = choice.Delta.ReasoningContent
			}
			if reasoning != "" {
				if !send(chat.Event{Kind: chat.EventReasoning, Delta: reasoning}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason == "tool_calls" {
				if !flushCalls() {
					return
				}
			}
		}
	}
}
