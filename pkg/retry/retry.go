// Package retry provides retry logic with exponential backoff for cdffs downloads.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cdffs/cdffs/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// Enabled turns retrying on or off. When disabled the operation runs
	// exactly once and any failure propagates immediately.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors is a list of error codes that should trigger retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeNetworkError,
			errors.ErrCodeServerError,
		},
	}
}

// ExhaustedError is returned when all configured attempts have failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retry attempts (%d) exceeded: %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	// Apply defaults for zero values
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context support.
// When attempts are exhausted the returned error is an *ExhaustedError wrapping
// the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	maxAttempts := r.config.MaxAttempts
	if !r.config.Enabled {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Check context before attempting
		select {
		case <-ctx.Done():
			return errors.Newf(errors.ErrCodeOperationCanceled,
				"operation canceled: %v", ctx.Err()).WithCause(ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		// Non-retryable errors propagate immediately
		if !r.shouldRetry(err) {
			return err
		}

		if attempt < maxAttempts {
			delay := r.calculateDelay(attempt)

			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}

			// Wait for delay or context cancellation
			select {
			case <-ctx.Done():
				return errors.Newf(errors.ErrCodeOperationCanceled,
					"operation canceled after %d attempts: %v", attempt, ctx.Err()).WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// shouldRetry determines if an error is retryable
func (r *Retryer) shouldRetry(err error) bool {
	// A terminal cause wins over any retryable wrapper: an auth rejection
	// stays an auth rejection no matter which operation code wrapped it.
	for e := err; e != nil; e = stderr.Unwrap(e) {
		if cdfErr, ok := e.(*errors.CdffsError); ok && errors.IsTerminal(cdfErr.Code) {
			return false
		}
	}

	var cdfErr *errors.CdffsError
	if stderr.As(err, &cdfErr) {
		if cdfErr.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if cdfErr.Code == code {
				return true
			}
		}
		return false
	}

	// Unclassified errors are not retried
	return false
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: initialDelay * multiplier^(attempt-1)
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// Apply jitter to prevent thundering herd
	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithEnabled returns a new Retryer with retrying enabled or disabled
func (r *Retryer) WithEnabled(enabled bool) *Retryer {
	newConfig := r.config
	newConfig.Enabled = enabled
	return New(newConfig)
}

// FixedWait returns a Retryer that waits a constant interval between
// attempts and retries the given error codes, used for upload part calls.
func FixedWait(maxAttempts int, wait time.Duration, codes ...errors.ErrorCode) *Retryer {
	return New(Config{
		Enabled:         true,
		MaxAttempts:     maxAttempts,
		InitialDelay:    wait,
		MaxDelay:        wait,
		Multiplier:      1.0,
		Jitter:          false,
		RetryableErrors: codes,
	})
}
