package lib

import (
	"context"
	"math"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
)

// RetryPolicy bounds handshake and teardown attempts.
type RetryPolicy struct {
	MaxRetries        int           // attempts before giving up
	InitialBackoff    time.Duration // delay after the first failure
	MaxBackoff        time.Duration // backoff cap
	BackoffMultiplier float64       // growth factor per attempt
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

// DefaultRetryPolicy returns a conservative configuration suitable for production
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(config.DefaultConfig().Retry)
}

// Backoff calculates the backoff duration for a given retry count
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retryCount)))
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do runs op until it succeeds or MaxRetries attempts failed, sleeping
// Backoff between attempts. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < max(p.MaxRetries, 1); attempt++ {
		if err = op(attempt); err == nil {
			return nil
		}
		if attempt == p.MaxRetries-1 {
			break
		}
		LogDebug("Attempt %d failed: %v. Retrying in %v", attempt+1, err, p.Backoff(attempt))
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
