// Package retry runs an operation with bounded attempts and exponential
// backoff, consulting a classifier to decide which errors are worth retrying.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// ErrExhausted is matched by the error returned once all attempts fail.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError wraps the last error seen after the final attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"PGEXTRACT_RETRY_MAX_ATTEMPTS" env-default:"5" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"PGEXTRACT_RETRY_INITIAL_DELAY" env-default:"2s" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"PGEXTRACT_RETRY_MAX_DELAY" env-default:"60s" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" env:"PGEXTRACT_RETRY_MULTIPLIER" env-default:"2" validate:"gte=1"`
	JitterFactor float64       `yaml:"jitter" env:"PGEXTRACT_RETRY_JITTER" validate:"gte=0,lte=1"` // 0.0-1.0
}

// DefaultConfig returns five attempts starting at 2s, doubling, capped at 60s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff returns the exponential backoff described by the config.
func (c *Config) Backoff() Backoff {
	return ExponentialBackoff{
		Initial:    c.InitialDelay,
		Max:        c.MaxDelay,
		Multiplier: c.Multiplier,
		Jitter:     c.JitterFactor,
	}
}

// Policy builds a Policy from the config with the given classifier.
func (c *Config) Policy(classify Classifier) Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff(),
		Classify:    classify,
	}
}

// Backoff computes the wait before the next attempt. failures counts the
// attempts that have failed so far and starts at 1.
type Backoff interface {
	Delay(failures int) time.Duration
}

// ExponentialBackoff grows Initial by Multiplier per failure up to Max.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (b ExponentialBackoff) Delay(failures int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(failures-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return applyJitter(time.Duration(delay), b.Jitter)
}

// ConstantBackoff waits the same duration after every failure.
type ConstantBackoff time.Duration

func (b ConstantBackoff) Delay(int) time.Duration { return time.Duration(b) }

// applyJitter returns delay +/- (delay * jitterFactor * random(-1 to +1)).
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Decision is the outcome of classifying an error.
type Decision int

const (
	Retryable Decision = iota
	Fatal
)

// Classifier decides whether an error should be retried.
type Classifier func(error) Decision

// DefaultClassifier retries errors accepted by IsRetryable.
func DefaultClassifier(err error) Decision {
	if IsRetryable(err) {
		return Retryable
	}
	return Fatal
}

// Policy controls one retried operation.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Classify    Classifier

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do executes fn until it succeeds, returns a fatal error, or runs out of attempts.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult executes fn and returns its result. Fatal errors and context
// cancellation are returned unchanged; running out of attempts returns an
// *ExhaustedError wrapping the last error.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultConfig().Backoff()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}
		if classify(err) == Fatal {
			return zero, err
		}
		if attempt >= maxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryableError is an interface for errors that explicitly declare their retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable determines if an error is transient and worth retrying.
//
// The function checks errors in this order:
// 1. If any error in the chain implements RetryableError, use its IsRetryable() method
// 2. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"i/o timeout",
		"network is unreachable",
		"unexpected eof",
		"server closed the connection",
		"terminating connection",
		"database is locked",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
