package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/inquest-ai/inquest/config"
	openai_provider "github.com/inquest-ai/inquest/provider/openai"
)

// Message is a single chat turn sent to a model.
type Message = openai_provider.Message

// TopLogProb is one candidate first-completion token with its log probability.
type TopLogProb = openai_provider.TopLogProb

// Provider is the model-query capability the engine depends on. Implementations
// must report token usage per call so sessions can account for cost.
type Provider interface {
	// Generate runs a chat completion and returns the text plus input/output token counts.
	Generate(ctx context.Context, messages []Message, model string) (string, int64, int64, error)
	// TopLogProbs runs a single-token completion and returns the top candidate
	// tokens for the first position, used for likelihood estimation.
	TopLogProbs(ctx context.Context, messages []Message, model string) ([]TopLogProb, int64, int64, error)
	// CreateEmbedding embeds the given texts.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// CalculateCost converts token counts into dollars for a model key.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// NewProvider builds a provider from its configuration. Only OpenAI-compatible
// endpoints are supported; that covers the chat APIs the benchmarks run
// against (OpenAI, DeepSeek, and most local servers).
func NewProvider(cfg config.LLMProvider) (Provider, error) {
	switch cfg.Type {
	case "", "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("llm provider api_key not set (config or OPENAI_API_KEY)")
		}
		inner := openai_provider.NewClient(apiKey, cfg.BaseURL, cfg.Models, cfg.Timeout)
		retries := cfg.MaxRetries
		if retries <= 0 {
			retries = 5
		}
		return &retrying{inner: inner, attempts: retries}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider type: %s", cfg.Type)
	}
}

// Session tracks token usage for one dialogue role across a run. Counters are
// atomic because planning branches record usage concurrently.
type Session struct {
	ModelKey     string
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

// NewSession creates a session bound to a model key.
func NewSession(modelKey string) *Session {
	return &Session{ModelKey: modelKey}
}

// Add records token usage from one model call.
func (s *Session) Add(inputTokens, outputTokens int64) {
	s.inputTokens.Add(inputTokens)
	s.outputTokens.Add(outputTokens)
}

// InputTokens returns the total prompt tokens consumed so far.
func (s *Session) InputTokens() int64 { return s.inputTokens.Load() }

// OutputTokens returns the total completion tokens consumed so far.
func (s *Session) OutputTokens() int64 { return s.outputTokens.Load() }

// retrying wraps a provider with bounded exponential backoff on transient
// failures. Context cancellation always stops the loop.
type retrying struct {
	inner    Provider
	attempts int
}

func (r *retrying) Generate(ctx context.Context, messages []Message, model string) (string, int64, int64, error) {
	var (
		text     string
		in, out  int64
		finalErr error
	)
	finalErr = retry(ctx, r.attempts, func() error {
		var err error
		text, in, out, err = r.inner.Generate(ctx, messages, model)
		return err
	})
	return text, in, out, finalErr
}

func (r *retrying) TopLogProbs(ctx context.Context, messages []Message, model string) ([]TopLogProb, int64, int64, error) {
	var (
		lps      []TopLogProb
		in, out  int64
		finalErr error
	)
	finalErr = retry(ctx, r.attempts, func() error {
		var err error
		lps, in, out, err = r.inner.TopLogProbs(ctx, messages, model)
		return err
	})
	return lps, in, out, finalErr
}

func (r *retrying) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := retry(ctx, r.attempts, func() error {
		var err error
		vecs, err = r.inner.CreateEmbedding(ctx, texts)
		return err
	})
	return vecs, err
}

func (r *retrying) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return r.inner.CalculateCost(inputTokens, outputTokens, model)
}

func retry(ctx context.Context, attempts int, fn func() error) error {
	backoff := 3 * time.Second
	const maxBackoff = 60 * time.Second

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", attempts, err)
}
