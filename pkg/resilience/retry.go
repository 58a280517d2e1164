package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy defines different retry strategies
type RetryPolicy string

const (
	// RetryPolicyFixed uses fixed delay between retries
	RetryPolicyFixed RetryPolicy = "fixed"
	// RetryPolicyExponential uses exponential backoff
	RetryPolicyExponential RetryPolicy = "exponential"
	// RetryPolicyLinear uses linear backoff
	RetryPolicyLinear RetryPolicy = "linear"
)

// RetryConfig configuration for retry mechanisms
type RetryConfig struct {
	Name        string        `json:"name" yaml:"name" mapstructure:"name"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	// JitterRange spreads each delay by up to this fraction either way.
	JitterRange float64     `json:"jitter_range" yaml:"jitter_range" mapstructure:"jitter_range"`
	Policy      RetryPolicy `json:"policy" yaml:"policy" mapstructure:"policy"`

	IsRetryable func(error) bool             `json:"-" yaml:"-"`
	OnRetry     func(attempt int, err error) `json:"-" yaml:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:        "default",
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
		Policy:      RetryPolicyExponential,
	}
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	Name           string `json:"name"`
	TotalAttempts  int64  `json:"total_attempts"`
	TotalRetries   int64  `json:"total_retries"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalFailures  int64  `json:"total_failures"`
}

// Common retry errors
var (
	ErrMaxAttemptsExceeded  = errors.New("maximum retry attempts exceeded")
	ErrNotRetryable         = errors.New("error is not retryable")
	ErrRetryContextCanceled = errors.New("retry context canceled")
)

// RetryExecutor executes operations with retry logic. It is safe for
// concurrent use.
type RetryExecutor struct {
	config RetryConfig

	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor creates a new retry executor. Missing settings fall
// back to DefaultRetryConfig.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	defaults := DefaultRetryConfig()
	if config == nil {
		config = defaults
	}

	cfg := *config
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.JitterRange < 0 || cfg.JitterRange > 1 {
		cfg.JitterRange = defaults.JitterRange
	}
	if cfg.Policy == "" {
		cfg.Policy = defaults.Policy
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	return &RetryExecutor{config: cfg, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs operation until it succeeds, fails with an error that is
// not retryable, or runs out of attempts. The last error is wrapped in the
// returned one.
func (re *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= re.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			re.failures.Add(1)
			return fmt.Errorf("%w: %w", ErrRetryContextCanceled, err)
		}

		re.attempts.Add(1)
		err := operation(ctx)
		if err == nil {
			re.successes.Add(1)
			return nil
		}
		lastErr = err

		if !re.config.IsRetryable(err) {
			re.failures.Add(1)
			return fmt.Errorf("%w: %w", ErrNotRetryable, err)
		}
		if attempt == re.config.MaxAttempts {
			break
		}

		delay := re.calculateDelay(attempt)
		re.retries.Add(1)
		if re.config.OnRetry != nil {
			re.config.OnRetry(attempt, err)
		}
		log.Debug().
			Str("name", re.config.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying operation")

		if err := re.sleep(ctx, delay); err != nil {
			re.failures.Add(1)
			return fmt.Errorf("%w: %w", ErrRetryContextCanceled, err)
		}
	}

	re.failures.Add(1)
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, re.config.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay before the retry following attempt
func (re *RetryExecutor) calculateDelay(attempt int) time.Duration {
	var delay time.Duration

	switch re.config.Policy {
	case RetryPolicyFixed:
		delay = re.config.BaseDelay
	case RetryPolicyLinear:
		delay = time.Duration(int64(re.config.BaseDelay) * int64(attempt))
	default:
		delay = time.Duration(float64(re.config.BaseDelay) * math.Pow(re.config.Multiplier, float64(attempt-1)))
	}

	if delay > re.config.MaxDelay {
		delay = re.config.MaxDelay
	}
	return re.addJitter(delay)
}

// addJitter adds jitter to the delay
func (re *RetryExecutor) addJitter(delay time.Duration) time.Duration {
	if re.config.JitterRange <= 0 {
		return delay
	}

	jitterAmount := float64(delay) * re.config.JitterRange
	jitter := (rand.Float64() - 0.5) * 2 * jitterAmount
	return time.Duration(float64(delay) + jitter)
}

// GetMetrics returns current retry metrics
func (re *RetryExecutor) GetMetrics() RetryMetrics {
	return RetryMetrics{
		Name:           re.config.Name,
		TotalAttempts:  re.attempts.Load(),
		TotalRetries:   re.retries.Load(),
		TotalSuccesses: re.successes.Load(),
		TotalFailures:  re.failures.Load(),
	}
}
