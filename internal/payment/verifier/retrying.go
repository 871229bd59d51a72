package verifier

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/verdant/internal/payment/domain"
	"go.uber.org/zap"
)

// Retrying bounds every attempt with a timeout and retries only transport failures.
// Verdicts are final and never retried.
type Retrying struct {
	next        domain.Verifier
	timeout     time.Duration
	maxAttempts int
	initial     time.Duration
	log         *zap.Logger
}

func NewRetrying(next domain.Verifier, timeout time.Duration, maxAttempts int, log *zap.Logger) *Retrying {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Retrying{
		next:        next,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		initial:     200 * time.Millisecond,
		log:         log,
	}
}

func (r *Retrying) Verify(ctx context.Context, req domain.VerifyRequest) (domain.Verdict, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = 2 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() (domain.Verdict, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		verdict, err := r.next.Verify(attemptCtx, req)
		if err == nil {
			return verdict, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		if !errors.Is(err, domain.ErrVerifierUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			return "", backoff.Permanent(err)
		}
		r.log.Warn("payment verifier attempt failed",
			zap.String("chain", req.Chain),
			zap.String("tx_hash", req.TxHash),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	)
}
