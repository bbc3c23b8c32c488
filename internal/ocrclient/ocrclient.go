// Package ocrclient is a single-shot client for the chunk worker's OCR
// provider: a chat-completions-style endpoint that takes an image URL and
// returns extracted text. It owns error classification (permanent /
// rate-limit / transient) and the CDN variant + fallback rule; it does not
// retry rate-limit or transient outcomes itself — that is the phase
// engine's job, one call per dispatched ref per fire.
package ocrclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultPrompt    = "Extract all text from this image."
	defaultMaxTokens = 8192
	defaultTemp      = 0.0
)

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string // optional, for provider-compatible endpoints and tests
	Model      string
	Timeout    time.Duration // per-call timeout (spec §5: must be finite)
	HTTPClient *http.Client  // optional, for tests
}

// Client wraps the OCR provider's chat-completions API.
type Client struct {
	model   string
	timeout time.Duration
	client  openai.Client
}

// New creates an OCR client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  openai.NewClient(opts...),
	}
}

// Result is the outcome of one successful extraction call.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	RequestID        string
}

// Extract sends the image at imageURL to the OCR provider and returns the
// extracted text. On failure it returns an unclassified *APIError (or, on
// timeout, a wrapped context error); callers resolve it to the taxonomy with
// Classify. Every call carries a fresh request ID, sent as X-Request-ID and
// included in every returned error, so a failed attempt can be correlated
// with the provider's own logs.
func (c *Client) Extract(ctx context.Context, imageURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqID := uuid.New().String()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		MaxTokens:   openai.Int(defaultMaxTokens),
		Temperature: openai.Float(defaultTemp),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
							{OfText: &openai.ChatCompletionContentPartTextParam{Text: defaultPrompt}},
							{OfImageURL: &openai.ChatCompletionContentPartImageParam{
								ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL},
							}},
						},
					},
				},
			},
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, option.WithHeader("X-Request-ID", reqID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ocr call %s timed out: %w", reqID, ctx.Err())
		}
		return nil, toAPIError(err, reqID)
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Message: "ocr provider returned no choices", RequestID: reqID}
	}

	return &Result{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		RequestID:        reqID,
	}, nil
}

// APIError carries the raw (status code, message) pair from a failed call,
// unclassified. Callers first check IsFallbackTrigger against it, then
// resolve it to the permanent/rate-limit/transient taxonomy via Classify.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s (request %s)", e.Message, e.RequestID)
	}
	return fmt.Sprintf("ocr provider error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
}

// toAPIError unwraps an SDK-level error into an *APIError.
func toAPIError(err error, reqID string) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = strconv.Itoa(apiErr.StatusCode)
		}
		return &APIError{StatusCode: apiErr.StatusCode, Message: msg, RequestID: reqID}
	}
	return &APIError{Message: err.Error(), RequestID: reqID}
}
