package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryingFetcher decorates a Fetcher with transient-failure retries driven
// by a RetryPolicy. Permanent failures and context cancellation pass through
// untouched.
type RetryingFetcher struct {
	inner  Fetcher
	policy RetryPolicy
	log    *zap.Logger
}

// NewRetryingFetcher wraps inner with the given policy.
func NewRetryingFetcher(inner Fetcher, policy RetryPolicy, logger *zap.Logger) *RetryingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingFetcher{inner: inner, policy: policy, log: logger}
}

// Fetch retries the inner fetcher while the policy allows it, sleeping the
// policy's backoff between attempts.
func (f *RetryingFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		res, err := f.inner.Fetch(ctx, req)
		if err == nil {
			return res, nil
		}
		if !f.policy.ShouldRetry(err, attempt) {
			return res, err
		}
		delay := f.policy.Backoff(attempt)
		f.log.Debug("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return FetchResponse{}, fmt.Errorf("fetch retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
