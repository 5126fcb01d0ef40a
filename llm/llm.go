// Package llm talks to an OpenAI-compatible chat completion endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "mistralai/mixtral-8x7b-instruct"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// ErrEmptyReply is returned when the provider answers without any content.
var ErrEmptyReply = errors.New("completion returned no content")

// ProviderError is a failed completion call. Message is the provider's own
// text and belongs in the debug log only.
type ProviderError struct {
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("completion provider: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("completion provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// AppName is sent as X-Title so the provider dashboard can attribute usage.
	AppName string
}

type Client struct {
	api   *openai.Client
	model string
}

func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	if oc.BaseURL == "" {
		oc.BaseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	oc.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: &titleTransport{title: cfg.AppName, next: http.DefaultTransport},
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{api: openai.NewClientWithConfig(oc), model: model}
}

func (c *Client) Model() string { return c.model }

// Complete returns the first choice's content, trimmed.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Status: reqErr.HTTPStatusCode, Message: http.StatusText(reqErr.HTTPStatusCode), Err: err}
	}
	return &ProviderError{Err: err}
}

type titleTransport struct {
	title string
	next  http.RoundTripper
}

func (t *titleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.title != "" {
		req = req.Clone(req.Context())
		req.Header.Set("X-Title", t.title)
	}
	return t.next.RoundTrip(req)
}
