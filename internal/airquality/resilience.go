package airquality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls the bounded retry loop.
type BackoffConfig struct {
	Attempts        int // total attempts, including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles the HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	// ErrUnauthorized marks rejected credentials. Never retried.
	ErrUnauthorized = errors.New("authentication rejected")
	// ErrBadRequest marks requests the upstream rejects outright
	// (malformed coordinates, unknown route). Never retried.
	ErrBadRequest = errors.New("request rejected by upstream")
	// ErrMalformedResponse marks payloads that decoded but lack the
	// expected structure.
	ErrMalformedResponse = errors.New("malformed api response")

	errRateLimited   = errors.New("rate limited by upstream")
	errServerError   = errors.New("upstream server error")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// retryable reports whether the error is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrQuotaExhausted) || errors.Is(err, errCircuitOpen) {
		return false
	}
	return true
}

// doRequestWithResilience executes the HTTP request with a bounded retry
// loop, exponential backoff and a circuit breaker. reserve is called before
// every attempt and charges the call against the daily quota; when it
// fails, no request is issued.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	reserve func() error,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.Attempts < 1 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var lastErr error

	for attempt := 0; attempt < cfg.Backoff.Attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err := reserve(); err != nil {
			return nil, err
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
			case resp.StatusCode == http.StatusTooManyRequests:
				resp.Body.Close()
				return nil, errRateLimited
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: status %d", errServerError, resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
			}

			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		if !retryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt == cfg.Backoff.Attempts-1 {
			break
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if cfg.Backoff.MaxInterval > 0 && delay > cfg.Backoff.MaxInterval {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}
