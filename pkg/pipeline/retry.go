package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// retryPolicy is exponential backoff with jitter.
type retryPolicy struct {
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// backoff returns baseDelay * 2^attempt, capped at maxDelay, +/- jitter.
func (r retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	jitter := delay * r.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(r.baseDelay)
	}
	return time.Duration(delay)
}

// retryable reports whether a failed step may be attempted again in the
// same pass.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, acl.ErrMalformedAcl),
		errors.Is(err, acl.ErrUnsupportedAclRevision),
		errors.Is(err, context.Canceled):
		return false
	}
	return share.IsRetryable(err)
}

// do runs fn until it succeeds, fails permanently or runs out of retries. It
// returns the number of attempts made.
func (r retryPolicy) do(ctx context.Context, logger *zap.Logger, p types.PathKey, fn func() error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return attempt + 1, nil
		}
		if attempt >= r.maxRetries || !retryable(ctx, err) {
			return attempt + 1, err
		}

		delay := r.backoff(attempt)
		logger.Debug("Operation failed, retrying",
			zap.String("path", p.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, err
		}
	}
}
