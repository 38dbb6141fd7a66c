package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Completion failure classes. Callers branch on these with errors.Is; the
// wrapped message keeps the provider detail.
var (
	ErrUnavailable = errors.New("completion unavailable")
	ErrRateLimited = errors.New("completion rate limited")
	ErrTimeout     = errors.New("completion timed out")
)

// Supported provider API shapes.
const (
	APITypeAnthropic = "anthropic"
	APITypeOpenAI    = "openai"
)

const (
	DefaultMaxTokens = 1024
	DefaultTimeout   = 30 * time.Second
)

// Client is a minimal completion client: one prompt in, one text reply out.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Options configures a provider client.
type Options struct {
	APIType   string
	APIKey    string
	APIBase   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func (o *Options) fill() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// New builds a client for the configured API type.
func New(opts Options) (Client, error) {
	opts.fill()
	if opts.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	switch opts.APIType {
	case "", APITypeAnthropic:
		return newAnthropicClient(opts), nil
	case APITypeOpenAI:
		return newOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("llm: unknown api type %q", opts.APIType)
	}
}
