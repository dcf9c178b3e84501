// Package generation wraps the generation backend: an OpenAI-compatible
// chat-completions endpoint turning assembled conversation context into
// reply text.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Generation profiles. The orchestrator picks one per item based on
// conversation length and urgency signals.
const (
	ProfileLight = "light"
	ProfileHeavy = "heavy"
)

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context is everything the backend sees for one generation call.
type Context struct {
	History []ChatMessage
	Memory  string // bounded summary of older turns, may be empty
}

// Backend is the generate(context, profile) -> text collaborator the
// orchestrator depends on.
type Backend interface {
	Generate(ctx context.Context, gc Context, profile string) (string, error)
}

// BackendError classifies a failed generation call. Transient errors are
// retried with backoff; the rest surface as permanent failures.
type BackendError struct {
	StatusCode int
	Transient  bool
	Msg        string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("generation backend: %s (status %d, transient %t)", e.Msg, e.StatusCode, e.Transient)
}

// IsTransient reports whether err should be treated as retryable.
// Timeouts and cancelled contexts count as transient.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Network-level errors from the HTTP client are wrapped url.Errors;
	// treat anything that is not an explicit backend rejection as
	// transient so it gets retried.
	return true
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	lightModel string
	heavyModel string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL, apiKey, lightModel, heavyModel string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		lightModel: lightModel,
		heavyModel: heavyModel,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const systemPrompt = "You are a sales assistant replying to a customer over chat. " +
	"Answer helpfully and concisely. Separate distinct thoughts with blank lines."

// Generate assembles the chat request from the context and returns the
// model's reply text. An empty reply is a valid no-op turn.
func (c *Client) Generate(ctx context.Context, gc Context, profile string) (string, error) {
	model := c.lightModel
	if profile == ProfileHeavy {
		model = c.heavyModel
	}

	messages := make([]ChatMessage, 0, len(gc.History)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	if gc.Memory != "" {
		messages = append(messages, ChatMessage{
			Role:    "system",
			Content: "Conversation summary so far: " + gc.Memory,
		})
	}
	messages = append(messages, gc.History...)

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &BackendError{Transient: true, Msg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &BackendError{Transient: true, Msg: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &BackendError{
			StatusCode: resp.StatusCode,
			Transient:  isTransientStatus(resp.StatusCode),
			Msg:        strings.TrimSpace(string(data)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &BackendError{StatusCode: resp.StatusCode, Transient: false, Msg: "undecodable response body"}
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func isTransientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}
