// Package withdrawal follows platform-originated transactions from
// broadcast to finality and compensates failed ones with a refund credit.
package withdrawal

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lbc-team/cex-wallet-sub001/internal/alert"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/event"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/tracing"
)

const defaultBatchSize = 100

// Finality supplies the finalized line shared with the confirmation engine.
type Finality interface {
	Lines(ctx context.Context) (event.FinalityLines, error)
}

type Config struct {
	Chain     model.Chain
	Network   model.Network
	BatchSize int
}

type Result struct {
	Skipped   bool
	Polled    int
	Confirmed int
	Finalized int
	Failed    int
	Errors    int
}

type Tracker struct {
	adapter  chain.ChainAdapter
	ledger   ledger.Gateway
	finality Finality
	cfg      Config
	alerter  alert.Alerter
	tracer   trace.Tracer
	logger   *slog.Logger

	running atomic.Bool
}

type Option func(*Tracker)

func WithAlerter(a alert.Alerter) Option {
	return func(t *Tracker) { t.alerter = a }
}

func New(adapter chain.ChainAdapter, gw ledger.Gateway, finality Finality, cfg Config, logger *slog.Logger, opts ...Option) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	t := &Tracker{
		adapter:  adapter,
		ledger:   gw,
		finality: finality,
		cfg:      cfg,
		alerter:  &alert.NoopAlerter{},
		tracer:   tracing.Tracer("pipeline/withdrawal"),
		logger:   logger.With("component", "withdrawal_tracker", "chain", cfg.Chain, "network", cfg.Network),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) transition(status model.WithdrawStatus) {
	metrics.WithdrawalTransitions.WithLabelValues(t.cfg.Chain.String(), t.cfg.Network.String(), string(status)).Inc()
}

// Register records a broadcast withdrawal together with its debit. A
// repeated registration of the same id is a no-op and returns false.
func (t *Tracker) Register(ctx context.Context, w *model.Withdraw) (bool, error) {
	if w.Chain == "" {
		w.Chain = t.cfg.Chain
	}
	if w.Network == "" {
		w.Network = t.cfg.Network
	}
	if w.Chain != t.cfg.Chain || w.Network != t.cfg.Network {
		return false, fmt.Errorf("register withdrawal for %s/%s on tracker %s/%s", w.Chain, w.Network, t.cfg.Chain, t.cfg.Network)
	}
	if w.TxHash == "" {
		return false, fmt.Errorf("register withdrawal: tx hash is required")
	}
	w.FromAddress = w.Chain.NormalizeAddress(w.FromAddress)
	w.ToAddress = w.Chain.NormalizeAddress(w.ToAddress)

	created, err := ledger.RegisterWithdrawal(ctx, t.ledger, w)
	if err != nil {
		return false, err
	}
	if created {
		t.transition(model.WithdrawStatusPending)
		t.logger.Info("withdrawal registered", "withdraw_id", w.ID, "tx_hash", w.TxHash, "asset", w.Asset, "amount", w.Amount)
	}
	return created, nil
}

// RunOnce polls a bounded batch of non-terminal withdrawals and advances
// each by at most one step.
func (t *Tracker) RunOnce(ctx context.Context) (res Result, err error) {
	if !t.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer t.running.Store(false)

	ctx, span := t.tracer.Start(ctx, "withdrawal.poll",
		trace.WithAttributes(tracing.ChainAttrs(t.cfg.Chain.String(), t.cfg.Network.String())...))
	defer func() {
		span.SetAttributes(
			attribute.Int("polled", res.Polled),
			attribute.Int("failed", res.Failed),
		)
		tracing.End(span, err)
	}()

	rows, err := t.ledger.NonTerminalWithdrawals(ctx, t.cfg.Chain, t.cfg.Network, t.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load non-terminal withdrawals: %w", err)
	}

	var (
		lines       event.FinalityLines
		linesLoaded bool
	)
	for i := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		w := &rows[i]
		res.Polled++

		rcpt, err := t.adapter.GetTransactionResult(ctx, w.TxHash)
		if err != nil {
			res.Errors++
			metrics.WithdrawalPollErrors.WithLabelValues(t.cfg.Chain.String(), t.cfg.Network.String()).Inc()
			t.logger.Warn("withdrawal receipt lookup failed", "withdraw_id", w.ID, "tx_hash", w.TxHash, "error", err)
			continue
		}
		if rcpt == nil {
			continue
		}

		switch {
		case !rcpt.Success:
			if err := t.fail(ctx, w, rcpt, &res); err != nil {
				return res, err
			}
		case w.Status == model.WithdrawStatusPending:
			height := rcpt.Height
			applied, err := t.ledger.UpdateWithdrawStatus(ctx, w.ID, model.WithdrawStatusPending, model.WithdrawStatusConfirmed,
				ledger.WithdrawUpdate{BlockHeight: &height})
			if err != nil {
				return res, fmt.Errorf("confirm withdrawal %s: %w", w.ID, err)
			}
			if applied {
				res.Confirmed++
				t.transition(model.WithdrawStatusConfirmed)
			}
		case w.Status == model.WithdrawStatusConfirmed:
			if !linesLoaded {
				if lines, err = t.finality.Lines(ctx); err != nil {
					return res, fmt.Errorf("finality lines: %w", err)
				}
				linesLoaded = true
			}
			if rcpt.Height > lines.Finalized {
				continue
			}
			height := rcpt.Height
			applied, err := t.ledger.UpdateWithdrawStatus(ctx, w.ID, model.WithdrawStatusConfirmed, model.WithdrawStatusFinalized,
				ledger.WithdrawUpdate{BlockHeight: &height})
			if err != nil {
				return res, fmt.Errorf("finalize withdrawal %s: %w", w.ID, err)
			}
			if applied {
				res.Finalized++
				t.transition(model.WithdrawStatusFinalized)
			}
		}
	}
	return res, nil
}

// fail marks w failed and writes the refund credit in one transaction.
func (t *Tracker) fail(ctx context.Context, w *model.Withdraw, rcpt *chain.Receipt, res *Result) error {
	reason := rcpt.Error
	if reason == "" {
		reason = "transaction reverted"
	}
	applied, err := ledger.FailWithdrawal(context.WithoutCancel(ctx), t.ledger, w, rcpt.Height, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	res.Failed++
	t.transition(model.WithdrawStatusFailed)
	metrics.WithdrawalRefunds.WithLabelValues(t.cfg.Chain.String(), t.cfg.Network.String()).Inc()
	t.logger.Error("withdrawal failed on chain, refund credited",
		"withdraw_id", w.ID,
		"tx_hash", w.TxHash,
		"height", rcpt.Height,
		"error_message", reason,
	)
	alert.Notify(ctx, t.alerter, t.logger, alert.Alert{
		Type:    alert.AlertTypeWithdrawalFailed,
		Chain:   t.cfg.Chain.String(),
		Network: t.cfg.Network.String(),
		Key:     w.ID.String(),
		Title:   "Withdrawal failed",
		Message: fmt.Sprintf("Withdrawal %s (%s %s) failed: %s", w.ID, w.Amount, w.Asset, reason),
		Fields: map[string]string{
			"withdraw_id": w.ID.String(),
			"user_id":     w.UserID,
			"tx_hash":     w.TxHash,
		},
	})
	return nil
}
