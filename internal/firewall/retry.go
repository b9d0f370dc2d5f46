package firewall

import (
	"math"
	"math/rand"
	"time"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/shell"
)

// xtablesLockStatus is the exit status iptables uses when another process
// holds the xtables lock.
const xtablesLockStatus = 4

// RetryConfig configures how iptables invocations back off while the
// xtables lock is held elsewhere.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns the backoff used by a reconciliation pass.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// LockBusy reports whether err is iptables giving up on the xtables lock.
func LockBusy(err error) bool {
	return shell.ExitStatus(err) == xtablesLockStatus
}

// Retry calls fn until it succeeds, fails for a reason other than a busy
// xtables lock, or runs out of attempts.
func Retry(clk clock.Clock, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !LockBusy(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		clk.Sleep(calculateDelay(attempt, cfg))
	}
	return lastErr
}

// RetryWithResult is Retry for calls that produce output.
func RetryWithResult[T any](clk clock.Clock, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := Retry(clk, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))

	if cfg.Jitter {
		// up to 25%
		delay += delay * 0.25 * rand.Float64()
	}

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
