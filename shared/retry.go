package shared

import (
	"crypto/rand"
	"math"
	"strings"
	"time"
)

const (
	initialBackoffDelay = 100 * time.Millisecond
	maxBackoffDelay     = 10 * time.Second
)

// calculateBackoff implements exponential backoff with crypto-secure jitter
func calculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return initialBackoffDelay
	}

	// Exponential backoff: 2^(attempt-1) * initialDelay
	delay := time.Duration(float64(initialBackoffDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}

	// Add crypto-secure jitter (10% of delay)
	jitter := cryptoJitter(float64(delay) * 0.1)
	return delay + jitter
}

// cryptoJitter generates cryptographically secure random jitter
func cryptoJitter(maxJitter float64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}

	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to zero jitter if crypto/rand fails
		return 0
	}

	var n uint64
	for i, b := range bytes {
		n |= uint64(b) << (8 * i)
	}

	ratio := float64(n) / float64(^uint64(0))
	return time.Duration(ratio * maxJitter)
}

// isNonRetryableError determines if an error should not be retried
func isNonRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	nonRetryablePatterns := []string{
		"invalid input",
		"authentication failed",
		"authorization failed",
		"access denied",
		"permission denied",
		"invalid key",
		"malformed request",
		"bad request",
		"invalid argument",
		"insufficient quorum",
	}

	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsRetryableError determines if an error is worth retrying
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if isNonRetryableError(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection",
		"timeout",
		"temporary",
		"network",
		"unavailable",
		"throttled",
		"rate limit",
		"internal server error",
		"bad gateway",
		"gateway timeout",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	// Default to retryable for unknown errors (conservative approach)
	return true
}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns sensible defaults for outbound fetches
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: initialBackoffDelay,
		MaxDelay:     maxBackoffDelay,
	}
}

// RetryWithBackoff executes a function with exponential backoff retry logic
func RetryWithBackoff(config *RetryConfig, operation func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		time.Sleep(calculateBackoff(attempt))
	}

	return lastErr
}
