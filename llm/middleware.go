package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultInitialDelay is the default initial delay for exponential backoff
	DefaultInitialDelay = 500 * time.Millisecond
	// DefaultMaxRetries is the default maximum number of retries
	DefaultMaxRetries = 3
)

// RateLimitMiddleware throttles outbound requests so bursts of events do not
// trip provider quotas.
type RateLimitMiddleware struct {
	limiter *rate.Limiter
}

// NewRateLimitMiddleware allows rps requests per second with the given burst.
func NewRateLimitMiddleware(rps float64, burst int) *RateLimitMiddleware {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitMiddleware{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// BeforeRequest blocks until a token is available or ctx is done.
func (m *RateLimitMiddleware) BeforeRequest(ctx context.Context, req *Request) (*Request, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return req, nil
}

func (m *RateLimitMiddleware) AfterResponse(_ context.Context, _ *Request, resp *Response) (*Response, error) {
	return resp, nil
}

func (m *RateLimitMiddleware) OnError(_ context.Context, _ *Request, err error) error {
	return err
}

// LoggingMiddleware records request and usage details.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger.With().Str("component", "llm").Logger()}
}

func (m *LoggingMiddleware) BeforeRequest(_ context.Context, req *Request) (*Request, error) {
	m.logger.Debug().
		Str("model", req.Model).
		Int64("max_tokens", req.MaxTokens).
		Int("messages", len(req.Messages)).
		Msg("sending generative request")
	return req, nil
}

func (m *LoggingMiddleware) AfterResponse(_ context.Context, _ *Request, resp *Response) (*Response, error) {
	ev := m.logger.Debug().Str("stop_reason", resp.StopReason).Int("chars", len(resp.Text))
	if resp.Usage != nil {
		ev = ev.Int64("input_tokens", resp.Usage.InputTokens).Int64("output_tokens", resp.Usage.OutputTokens)
	}
	ev.Msg("generative response received")
	return resp, nil
}

func (m *LoggingMiddleware) OnError(_ context.Context, _ *Request, err error) error {
	m.logger.Warn().Err(err).Msg("generative request failed")
	return err
}

// WithRetry retries retryable provider errors with exponential backoff. It
// never outlives ctx, so the caller's deadline still bounds the whole call.
func WithRetry(client Client, maxRetries uint64, logger zerolog.Logger) Client {
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return &retryingClient{
		client:     client,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "llmRetry").Logger(),
	}
}

type retryingClient struct {
	client     Client
	maxRetries uint64
	logger     zerolog.Logger
}

func (c *retryingClient) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = DefaultInitialDelay
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.2
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		resp, err = c.client.Synchronous(ctx, req)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("retryable generative error")
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

var _ Client = (*retryingClient)(nil)
