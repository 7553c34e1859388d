package upload

import (
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
)

// Config holds the scheduling and retry policy.
type Config struct {
	// MaxConcurrent bounds running transfers; zero or less is unbounded.
	MaxConcurrent int
	// MaxAttempts counts every execution, the first one included.
	MaxAttempts int
	// RetryBaseDelay doubles per attempt up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RetryJitter is added or subtracted at random from every delay.
	RetryJitter time.Duration
	// RetryServerErrors retries 5xx, 408 and 429 answers like network errors.
	RetryServerErrors bool
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		MaxAttempts:    5,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  5 * time.Minute,
		RetryJitter:    500 * time.Millisecond,
	}
}

// Validate rejects settings the scheduler cannot work with.
func (c Config) Validate() error {
	const op = "upload.config"
	if c.MaxAttempts < 1 {
		return uploaderr.New(uploaderr.KindInvalidArgument, op, "max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return uploaderr.New(uploaderr.KindInvalidArgument, op, "retry base delay must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return uploaderr.New(uploaderr.KindInvalidArgument, op, "retry max delay %s is below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryJitter < 0 {
		return uploaderr.New(uploaderr.KindInvalidArgument, op, "retry jitter must not be negative")
	}
	return nil
}

// backoff is the delay before attempt+1: min(base * 2^attempt, max) with
// jitter.
func (c Config) backoff(attempt int) time.Duration {
	b := retry.NewExponential(c.RetryBaseDelay)
	b = retry.WithCappedDuration(c.RetryMaxDelay, b)
	if c.RetryJitter > 0 {
		b = retry.WithJitter(c.RetryJitter, b)
	}

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}
