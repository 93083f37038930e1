package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/retry"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond
)

// retryingGateway retries top-level writes and whole transactions on
// transient database errors. Statements inside a transaction are not
// retried individually: a failed statement aborts the transaction, so the
// whole body is re-run instead.
type retryingGateway struct {
	Gateway
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type RetryOption func(*retryingGateway)

func WithRetryAttempts(n int) RetryOption {
	return func(g *retryingGateway) { g.attempts = n }
}

func WithRetryBackoff(d time.Duration) RetryOption {
	return func(g *retryingGateway) { g.backoff = d }
}

func Retrying(g Gateway, logger *slog.Logger, opts ...RetryOption) Gateway {
	r := &retryingGateway{
		Gateway:  g,
		attempts: defaultRetryAttempts,
		backoff:  defaultRetryBackoff,
		logger:   logger.With("component", "ledger_retry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (g *retryingGateway) do(ctx context.Context, op Operation, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, g.attempts, g.backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.LedgerRetriesTotal.WithLabelValues(string(op)).Inc()
			g.logger.Warn("retrying ledger operation", "op", op, "attempt", attempt)
		}
		return fn(ctx)
	})
}

func (g *retryingGateway) InTx(ctx context.Context, fn func(tx Store) error) error {
	return g.do(ctx, "transaction", func(ctx context.Context) error {
		return g.Gateway.InTx(ctx, fn)
	})
}

func (g *retryingGateway) UpsertBlock(ctx context.Context, rec *model.BlockRecord) error {
	return g.do(ctx, OpUpsertBlock, func(ctx context.Context) error {
		return g.Gateway.UpsertBlock(ctx, rec)
	})
}

func (g *retryingGateway) CreateCredit(ctx context.Context, c *model.Credit) (id uuid.UUID, created bool, err error) {
	err = g.do(ctx, OpCreateCredit, func(ctx context.Context) error {
		var callErr error
		id, created, callErr = g.Gateway.CreateCredit(ctx, c)
		return callErr
	})
	return id, created, err
}

func (g *retryingGateway) UpdateCreditStatus(ctx context.Context, referenceID string, from, to model.CreditStatus, upd CreditUpdate) (applied bool, err error) {
	err = g.do(ctx, OpUpdateCreditStatus, func(ctx context.Context) error {
		var callErr error
		applied, callErr = g.Gateway.UpdateCreditStatus(ctx, referenceID, from, to, upd)
		return callErr
	})
	return applied, err
}

func (g *retryingGateway) PromoteCredits(ctx context.Context, chain model.Chain, network model.Network, from, to model.CreditStatus, maxHeight int64) (n int64, err error) {
	err = g.do(ctx, OpPromoteCredits, func(ctx context.Context) error {
		var callErr error
		n, callErr = g.Gateway.PromoteCredits(ctx, chain, network, from, to, maxHeight)
		return callErr
	})
	return n, err
}

func (g *retryingGateway) UpdateWithdrawStatus(ctx context.Context, id uuid.UUID, from, to model.WithdrawStatus, upd WithdrawUpdate) (applied bool, err error) {
	err = g.do(ctx, OpUpdateWithdrawStatus, func(ctx context.Context) error {
		var callErr error
		applied, callErr = g.Gateway.UpdateWithdrawStatus(ctx, id, from, to, upd)
		return callErr
	})
	return applied, err
}
