package model

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

const (
	// DefaultModel is the Gemini model used when none is configured.
	DefaultModel = "gemini-2.5-flash"

	defaultRateLimit = rate.Limit(2)
	defaultBurstSize = 5
	maxRetries       = 2
	baseRetryDelay   = 500 * time.Millisecond

	// rawLogLimit caps how much unparseable output is logged.
	rawLogLimit = 4096
)

// Config configures a Client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Breaker CircuitBreakerConfig
	// RateLimit bounds outbound requests per second. Zero uses the default.
	RateLimit rate.Limit
}

// Client generates structured answers for @ai prompts. The underlying
// provider is created on first use and at most once.
type Client struct {
	cfg         Config
	logger      *logging.Logger
	newProvider func(Config) (Provider, error)
	breaker     *CircuitBreaker
	limiter     *rate.Limiter

	mu       sync.Mutex
	provider Provider
}

// NewClient returns a Gemini-backed client.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	return newClient(cfg, logger, func(cfg Config) (Provider, error) {
		if cfg.APIKey == "" {
			return nil, errors.New("no API key configured for the generation endpoint")
		}
		p := NewGoogleProvider(cfg.APIKey, cfg.BaseURL, cfg.Timeout)
		p.httpClient.Transport = DefaultTransport()
		return p, nil
	})
}

// NewClientWithProvider returns a client that uses p instead of Gemini.
func NewClientWithProvider(p Provider, cfg Config, logger *logging.Logger) *Client {
	return newClient(cfg, logger, func(Config) (Provider, error) { return p, nil })
}

func newClient(cfg Config, logger *logging.Logger, factory func(Config) (Provider, error)) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}
	return &Client{
		cfg:         cfg,
		logger:      logger,
		newProvider: factory,
		breaker:     NewCircuitBreaker(cfg.Breaker, logger),
		limiter:     rate.NewLimiter(limit, defaultBurstSize),
	}
}

// DefaultTransport returns an http.Transport with tuned connection pool settings.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Model returns the configured model id.
func (c *Client) Model() string {
	return c.cfg.Model
}

// handle returns the provider, creating it on first successful use. A failed
// creation is not cached so the next call retries.
func (c *Client) handle() (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}
	p, err := c.newProvider(c.cfg)
	if err != nil {
		return nil, err
	}
	c.provider = p
	return p, nil
}

// Generate sends prompt to the model and parses its JSON answer.
func (c *Client) Generate(ctx context.Context, prompt string) (result *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.generate", telemetry.AttrModel.String(c.cfg.Model))
	defer func() {
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = telemetry.OutcomeError
		}
		telemetry.AIRequests.WithLabelValues(outcome).Inc()
		telemetry.EndSpan(span, err)
	}()

	provider, err := c.handle()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeGeneration, "model client unavailable")
	}

	req := Request{
		Model:             c.cfg.Model,
		SystemInstruction: SystemInstruction,
		Prompt:            userTurn(prompt),
		JSONResponse:      true,
	}

	var raw string
	err = c.breaker.Call(func() error {
		var callErr error
		raw, callErr = c.callWithRetry(ctx, provider, req)
		return callErr
	})
	if err != nil {
		retryable := errors.Is(err, ErrCircuitOpen) || isTemporary(err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeGeneration, "generation request failed").
			WithContext("model", c.cfg.Model).
			WithRetryable(retryable)
	}

	result, err = Parse(raw)
	if err != nil {
		c.logger.Error(logging.CategoryModel, "invalid_response", err.Error(), map[string]any{
			"model": c.cfg.Model,
			"raw":   truncate(raw, rawLogLimit),
		})
		return nil, err
	}
	return result, nil
}

func (c *Client) callWithRetry(ctx context.Context, provider Provider, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		text, err := provider.GenerateContent(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isTemporary(err) {
			break
		}
		c.logger.Warn(logging.CategoryModel, "retry", err.Error(), map[string]any{"attempt": attempt + 1})
	}
	return "", lastErr
}

func isTemporary(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Temporary()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
