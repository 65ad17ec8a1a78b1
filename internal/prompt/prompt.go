// Package prompt generates the daily gratitude question with an
// OpenAI-compatible chat completions API (DeepSeek by default).
package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	logx "gratibot/pkg/logx"
)

// ErrUnavailable means no prompt could be produced. It is transient: the
// dispatcher leaves the firing unrecorded and retries on the next tick.
var ErrUnavailable = errors.New("prompt generation unavailable")

const (
	DefaultBaseURL  = "https://api.deepseek.com"
	DefaultModel    = "deepseek-chat"
	DefaultFallback = "What are you grateful for today?"

	systemPrompt = "You are a friendly and creative coach that generates very short gratitude prompts. " +
		"Rules: 1) Keep it under 20 words 2) Never use quotation marks " +
		"3) Write in a direct, conversational tone 4) End with a question mark if asking a question"
	userPromptFmt = "Generate a unique gratitude prompt for %s. Make it personal and thought-provoking, but never use quotes."
)

// Generator produces prompt text.
type Generator interface {
	Generate(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	cfg Config
	api *openai.Client
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, hc *http.Client, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("prompt: api_key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = hc
	return &Client{
		cfg: cfg,
		api: openai.NewClientWithConfig(oc),
		log: log.With(logx.String("comp", "prompt")),
		now: time.Now,
	}, nil
}

// Generate asks the model for one short prompt. The timestamp in the user
// message keeps consecutive requests from returning the same text.
func (c *Client) Generate(ctx context.Context) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptFmt, c.now().Format("2006-01-02 15:04:05"))},
		},
		Temperature:      0.9,
		MaxTokens:        64,
		PresencePenalty:  0.6,
		FrequencyPenalty: 0.6,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.log.Debug("prompt api error", logx.Int("status", apiErr.HTTPStatusCode), logx.String("error", apiErr.Message))
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	text := Clean(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: blank prompt", ErrUnavailable)
	}
	return text, nil
}

// Clean strips quotes and makes sure the prompt ends in punctuation.
func Clean(s string) string {
	s = strings.NewReplacer(`"`, "", "'", "").Replace(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "?"
}

// Fallback returns Text when Next fails, so a model outage still yields a
// daily message.
type Fallback struct {
	Next Generator
	Text string
	Log  logx.Logger
}

func (f Fallback) Generate(ctx context.Context) (string, error) {
	text := f.Text
	if text == "" {
		text = DefaultFallback
	}
	if f.Next == nil {
		return text, nil
	}
	out, err := f.Next.Generate(ctx)
	if err == nil {
		return out, nil
	}
	// A cancelled tick should not turn into a send.
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
	if !f.Log.IsZero() {
		f.Log.Warn("prompt generation failed, using fallback", logx.Err(err))
	}
	return text, nil
}

// Static always returns the same text. It stands in when no API key is
// configured.
type Static string

func (s Static) Generate(context.Context) (string, error) {
	if s == "" {
		return DefaultFallback, nil
	}
	return string(s), nil
}
