package retryer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Config holds the retry policy for database operations.
type Config struct {
	MaxAttempts      int           // Maximum number of attempts
	InitialDelay     time.Duration // Delay before the first retry
	MaxDelay         time.Duration // Cap for the backoff delay
	BackoffFactor    float64       // Multiplicative backoff factor
	JitterPercentage float64       // Random jitter fraction to add (0-1)
}

// DefaultConfig returns the retry policy used by the stores.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// IsTransientError reports whether an error is worth retrying. Only
// infrastructure-level failures qualify; constraint violations and
// not-found conditions are surfaced immediately.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08": // connection exception
			return true
		case "57": // operator intervention (shutdown, crash)
			return true
		case "53": // insufficient resources
			return true
		}
		// Deadlock detected / serialization failure resolve on retry.
		if pgErr.Code == "40P01" || pgErr.Code == "40001" {
			return true
		}
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection") &&
		(strings.Contains(errMsg, "reset") ||
			strings.Contains(errMsg, "closed") ||
			strings.Contains(errMsg, "refused") ||
			strings.Contains(errMsg, "timeout"))
}

// WithRetry executes fn under the given retry policy. Non-transient errors
// return immediately; transient ones back off with jitter until the attempt
// budget is exhausted or the context is cancelled.
func WithRetry(ctx context.Context, logger *zap.Logger, cfg Config, operation string, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransientError(err) || attempt == cfg.MaxAttempts {
			if attempt > 1 {
				logger.Warn("Operation failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		jitter := time.Duration(float64(delay) * cfg.JitterPercentage * (0.5 + float64(attempt)/float64(cfg.MaxAttempts)))
		sleepTime := delay + jitter

		logger.Warn("Retrying database operation due to transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(sleepTime):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s: %w", operation, lastErr)
}
