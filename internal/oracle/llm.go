package oracle

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are a personal planning assistant. You sort a person's upcoming calendar events and messages into a timeline of three horizons (today, this_week, this_month) and two tiers (urgent, normal). Respond with strict JSON only."

type failureClass int

const (
	failureNone failureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

func (c failureClass) transient() bool {
	return c == failureTimeout || c == failureRateLimit || c == failureServer
}

// LLMCaller sends a prompt and returns the model's text.
type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCaller struct {
	messages  AnthropicMessager
	model     anthropic.Model
	maxTokens int64
}

// AnthropicOptions configures NewAnthropicCaller.
type AnthropicOptions struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	BaseURL   string
}

type AnthropicClientCreator func(opts AnthropicOptions) AnthropicMessager

func defaultAnthropicCreator(o AnthropicOptions) AnthropicMessager {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(o.APIKey),
		// Retries are handled by the adapter so they share one budget.
		option.WithMaxRetries(0),
	}
	if o.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(o.Timeout))
	}
	if o.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	c := anthropic.NewClient(reqOpts...)
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCaller(o AnthropicOptions) (*AnthropicCaller, error) {
	if strings.TrimSpace(o.APIKey) == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	if o.Model == "" {
		o.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	return &AnthropicCaller{
		messages:  newAnthropicClient(o),
		model:     anthropic.Model(o.Model),
		maxTokens: int64(o.MaxTokens),
	}, nil
}

// NewAnthropicCallerFromEnv reads ANTHROPIC_API_KEY and optional
// ANTHROPIC_BASE_URL.
func NewAnthropicCallerFromEnv(model string, maxTokens int, timeout time.Duration) (*AnthropicCaller, error) {
	return NewAnthropicCaller(AnthropicOptions{
		APIKey:    strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		BaseURL:   strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
		Model:     model,
		MaxTokens: maxTokens,
		Timeout:   timeout,
	})
}

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func classifyTransportError(err error) failureClass {
	if err == nil {
		return failureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return failureRateLimit
		case apiErr.StatusCode >= 500:
			return failureServer
		case apiErr.StatusCode >= 400:
			return failureClient
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}
