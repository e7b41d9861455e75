package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const retryBackoff = 20 * time.Millisecond

// txRunner retries a unit of work after transient persistence failures such
// as serialization conflicts, deadlocks and stale instance versions. fn must
// not keep state between attempts.
type txRunner struct {
	store      repository.Store
	maxRetries int
	metrics    *Metrics
	log        *logger.Logger
}

func (r *txRunner) run(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.store.InTransaction(ctx, fn)
		if err == nil || !errors.IsRetryable(err) || attempt >= r.maxRetries {
			return err
		}

		r.metrics.retried(op)
		r.log.Debug().Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Msg("Retrying transaction after transient failure")

		select {
		case <-ctx.Done():
			return errors.Persistence(ctx.Err(), "operation cancelled while retrying")
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}
}
