package transport

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/livetemplate/wizard"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries int           // Automatic retries after the first attempt (default: 1)
	Backoff    time.Duration // Fixed delay before each retry (default: 1s)
	Jitter     bool          // Randomize the delay between 80% and 120%
	EnableLog  bool          // Whether to log retry attempts

	// OnRetry runs before each retry with the failure that caused it.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the default retry configuration: exactly one
// retry of a transient failure after a fixed one second backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 1,
		Backoff:    time.Second,
		EnableLog:  true,
	}
}

// WithRetry runs fn, retrying transient failures up to cfg.MaxRetries times.
// Any other failure is returned immediately. The returned error is always
// classified.
func WithRetry[T any](ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, wizard.Classify(ctx.Err())
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 && cfg.EnableLog {
				log.Printf("[transport/%s] Succeeded on attempt %d", name, attempt+1)
			}
			return result, nil
		}

		lastErr = err
		if !shouldRetry(err) {
			if cfg.EnableLog {
				log.Printf("[transport/%s] Non-retryable error: %v", name, err)
			}
			return zero, wizard.Classify(err)
		}

		if attempt < cfg.MaxRetries {
			delay := calculateDelay(cfg)
			if cfg.EnableLog {
				log.Printf("[transport/%s] Attempt %d failed (%v), retrying in %v...", name, attempt+1, err, delay)
			}
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, err)
			}

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, wizard.Classify(ctx.Err())
			}
		}
	}

	if cfg.EnableLog {
		log.Printf("[transport/%s] All %d attempts failed", name, cfg.MaxRetries+1)
	}
	return zero, wizard.Classify(lastErr)
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return wizard.Classify(err).Retryable()
}

func calculateDelay(cfg RetryConfig) time.Duration {
	delay := float64(cfg.Backoff)
	if cfg.Jitter {
		delay *= 0.8 + rand.Float64()*0.4
	}
	return time.Duration(delay)
}
