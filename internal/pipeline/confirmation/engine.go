// Package confirmation advances credits through pending, confirmed, safe
// and finalized using the network's own finality tags when available and
// confirmation-depth counting otherwise.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/event"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/tracing"
)

const (
	defaultCacheTTL     = 3 * time.Second
	defaultReceiptBatch = 200
	defaultDepth        = 12
)

type Config struct {
	Chain   model.Chain
	Network model.Network
	// Depth is the confirmation depth of the fallback policy: safe at
	// tip-Depth/2, finalized at tip-Depth.
	Depth int64
	// NetworkFinality enables the native policy when the adapter serves
	// safe/finalized heights.
	NetworkFinality bool
	CacheTTL        time.Duration
	// ReceiptBatch bounds receipt lookups per cycle.
	ReceiptBatch int
}

// CycleResult reports the rows moved by one RunOnce call.
type CycleResult struct {
	Skipped   bool
	Lines     event.FinalityLines
	Confirmed int64
	Safe      int64
	Finalized int64
	Failed    int64
}

func (r CycleResult) Changed() bool {
	return r.Confirmed+r.Safe+r.Finalized+r.Failed > 0
}

type Engine struct {
	adapter chain.ChainAdapter
	ledger  ledger.Gateway
	cfg     Config
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time

	policyOnce sync.Once
	native    bool

	mu       sync.Mutex
	cached   event.FinalityLines
	cachedAt time.Time
	prev     event.FinalityLines
	dirty    bool

	running atomic.Bool
	wake    chan struct{}
	// pendingAfter is where the next pending pass resumes. Only RunOnce
	// touches it.
	pendingAfter *ledger.Cursor
}

type Option func(*Engine)

func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(adapter chain.ChainAdapter, gw ledger.Gateway, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.ReceiptBatch <= 0 {
		cfg.ReceiptBatch = defaultReceiptBatch
	}
	e := &Engine{
		adapter: adapter,
		ledger:  gw,
		cfg:     cfg,
		tracer:  tracing.Tracer("pipeline/confirmation"),
		logger:  logger.With("component", "confirmation", "chain", cfg.Chain, "network", cfg.Network),
		now:     time.Now,
		dirty:   true,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) labels() []string {
	return []string{e.cfg.Chain.String(), e.cfg.Network.String()}
}

// Start selects the finality policy once. Later calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.policyOnce.Do(func() {
		e.native = e.detectNative(ctx)
		gauge := 0.0
		if e.native {
			gauge = 1
		}
		metrics.ConfirmationNativeFinality.WithLabelValues(e.labels()...).Set(gauge)
		e.logger.Info("finality policy selected", "native", e.native, "depth", e.cfg.Depth)
	})
}

func (e *Engine) detectNative(ctx context.Context) bool {
	if !e.cfg.NetworkFinality {
		return false
	}
	if _, err := e.adapter.GetSafeHeight(ctx); err != nil {
		e.logNativeUnavailable("safe", err)
		return false
	}
	if _, err := e.adapter.GetFinalizedHeight(ctx); err != nil {
		e.logNativeUnavailable("finalized", err)
		return false
	}
	return true
}

func (e *Engine) logNativeUnavailable(tag string, err error) {
	if errors.Is(err, chain.ErrUnsupported) {
		e.logger.Info("network finality not supported, using depth counting", "tag", tag)
		return
	}
	e.logger.Warn("network finality check failed, using depth counting", "tag", tag, "error", err)
}

// Native reports whether the native finality policy is active.
func (e *Engine) Native() bool {
	return e.native
}

// Lines returns the current safe and finalized lines, cached for CacheTTL.
func (e *Engine) Lines(ctx context.Context) (event.FinalityLines, error) {
	e.Start(ctx)

	e.mu.Lock()
	if !e.cachedAt.IsZero() && e.now().Sub(e.cachedAt) < e.cfg.CacheTTL {
		lines := e.cached
		e.mu.Unlock()
		return lines, nil
	}
	e.mu.Unlock()

	lines, err := e.fetchLines(ctx)
	if err != nil {
		return event.FinalityLines{}, err
	}

	e.mu.Lock()
	e.cached, e.cachedAt = lines, e.now()
	e.mu.Unlock()

	labels := e.labels()
	metrics.ConfirmationNetworkHeight.WithLabelValues(append(labels, "tip")...).Set(float64(lines.Tip))
	metrics.ConfirmationNetworkHeight.WithLabelValues(append(labels, "safe")...).Set(float64(lines.Safe))
	metrics.ConfirmationNetworkHeight.WithLabelValues(append(labels, "finalized")...).Set(float64(lines.Finalized))
	return lines, nil
}

func (e *Engine) fetchLines(ctx context.Context) (event.FinalityLines, error) {
	lines := event.FinalityLines{Chain: e.cfg.Chain, Network: e.cfg.Network, Native: e.native}

	tip, err := e.adapter.GetTip(ctx, chain.CommitmentLatest)
	if err != nil {
		return lines, fmt.Errorf("get tip: %w", err)
	}
	lines.Tip = tip

	if !e.native {
		lines.Safe = tip - e.cfg.Depth/2
		lines.Finalized = tip - e.cfg.Depth
		return lines, nil
	}

	if lines.Safe, err = e.adapter.GetSafeHeight(ctx); err != nil {
		return lines, fmt.Errorf("get safe height: %w", err)
	}
	if lines.Finalized, err = e.adapter.GetFinalizedHeight(ctx); err != nil {
		return lines, fmt.Errorf("get finalized height: %w", err)
	}
	return lines, nil
}

// Trigger requests an immediate cycle without blocking. Requests made
// while one is already queued are coalesced. The next cycle runs the
// promotion passes even when no line moved.
func (e *Engine) Trigger() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wake delivers one value per coalesced Trigger. The pipeline's
// confirmation loop selects on it next to its ticker.
func (e *Engine) Wake() <-chan struct{} {
	return e.wake
}

// RunOnce runs one confirmation cycle. Passes run from the most advanced
// status down so a credit moves at most one step per cycle.
func (e *Engine) RunOnce(ctx context.Context) (res CycleResult, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return CycleResult{Skipped: true}, nil
	}
	defer e.running.Store(false)

	ctx, span := e.tracer.Start(ctx, "confirmation.cycle",
		trace.WithAttributes(tracing.ChainAttrs(e.cfg.Chain.String(), e.cfg.Network.String())...))
	start := e.now()
	defer func() {
		if err != nil {
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
		metrics.ConfirmationCycleLatency.WithLabelValues(e.labels()...).Observe(e.now().Sub(start).Seconds())
		span.SetAttributes(
			attribute.Int64("finalized", res.Finalized),
			attribute.Int64("safe", res.Safe),
			attribute.Int64("confirmed", res.Confirmed),
		)
		tracing.End(span, err)
	}()

	lines, err := e.Lines(ctx)
	if err != nil {
		return res, err
	}
	res.Lines = lines

	e.mu.Lock()
	promote := e.dirty || lines.Advanced(e.prev)
	e.dirty = false
	e.mu.Unlock()

	if promote {
		if res.Finalized, err = e.promote(ctx, model.CreditStatusSafe, model.CreditStatusFinalized, lines.Finalized); err != nil {
			return res, err
		}
		if res.Safe, err = e.promote(ctx, model.CreditStatusConfirmed, model.CreditStatusSafe, lines.Safe); err != nil {
			return res, err
		}
	}

	if err := e.confirmPending(ctx, &res); err != nil {
		return res, err
	}

	e.mu.Lock()
	e.prev = lines
	if res.Changed() {
		e.dirty = true
	}
	e.mu.Unlock()

	if res.Changed() {
		e.logger.Debug("confirmation cycle",
			"tip", lines.Tip,
			"safe_line", lines.Safe,
			"finalized_line", lines.Finalized,
			"confirmed", res.Confirmed,
			"safe", res.Safe,
			"finalized", res.Finalized,
			"failed", res.Failed,
		)
	}
	return res, nil
}

func (e *Engine) promote(ctx context.Context, from, to model.CreditStatus, line int64) (int64, error) {
	n, err := e.ledger.PromoteCredits(ctx, e.cfg.Chain, e.cfg.Network, from, to, line)
	if err != nil {
		return 0, fmt.Errorf("promote %s to %s at %d: %w", from, to, line, err)
	}
	if n > 0 {
		metrics.ConfirmationPromotions.WithLabelValues(e.cfg.Chain.String(), e.cfg.Network.String(), string(to)).Add(float64(n))
	}
	return n, nil
}

// confirmPending checks receipts of one page of pending credits. A
// successful receipt at the recorded height confirms the credit, a failed
// receipt fails it and a missing receipt leaves it pending. Pages rotate
// through the pending set so rows that stay pending cannot hold back newer
// ones.
func (e *Engine) confirmPending(ctx context.Context, res *CycleResult) error {
	pending, err := e.ledger.CreditsByStatus(ctx, e.cfg.Chain, e.cfg.Network, model.CreditStatusPending, e.pendingAfter, e.cfg.ReceiptBatch)
	if err != nil {
		return fmt.Errorf("load pending credits: %w", err)
	}
	if len(pending) < e.cfg.ReceiptBatch {
		e.pendingAfter = nil
	} else {
		e.pendingAfter = ledger.CursorOf(pending[len(pending)-1])
	}

	receipts := make(map[string]*chain.Receipt)
	for _, c := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rcpt, seen := receipts[c.TxHash]
		if !seen {
			rcpt, err = e.adapter.GetTransactionResult(ctx, c.TxHash)
			if err != nil {
				e.logger.Warn("receipt lookup failed", "tx_hash", c.TxHash, "error", err)
				continue
			}
			receipts[c.TxHash] = rcpt
		}

		switch {
		case rcpt == nil:
		case !rcpt.Success:
			msg := rcpt.Error
			if msg == "" {
				msg = "transaction reverted"
			}
			applied, err := e.ledger.UpdateCreditStatus(ctx, c.ReferenceID, model.CreditStatusPending, model.CreditStatusFailed,
				ledger.CreditUpdate{ErrorMessage: &msg})
			if err != nil {
				return fmt.Errorf("fail credit %s: %w", c.ReferenceID, err)
			}
			if applied {
				res.Failed++
				metrics.ConfirmationPromotions.WithLabelValues(e.cfg.Chain.String(), e.cfg.Network.String(), string(model.CreditStatusFailed)).Inc()
				e.logger.Warn("deposit transaction failed", "reference_id", c.ReferenceID, "tx_hash", c.TxHash, "error_message", msg)
			}
		case rcpt.Height != c.BlockHeight:
			// Included elsewhere; the reorg path owns this credit.
			e.logger.Debug("receipt height differs from credit height",
				"reference_id", c.ReferenceID, "credit_height", c.BlockHeight, "receipt_height", rcpt.Height)
		default:
			applied, err := e.ledger.UpdateCreditStatus(ctx, c.ReferenceID, model.CreditStatusPending, model.CreditStatusConfirmed, ledger.CreditUpdate{})
			if err != nil {
				return fmt.Errorf("confirm credit %s: %w", c.ReferenceID, err)
			}
			if applied {
				res.Confirmed++
				metrics.ConfirmationPromotions.WithLabelValues(e.cfg.Chain.String(), e.cfg.Network.String(), string(model.CreditStatusConfirmed)).Inc()
			}
		}
	}
	return nil
}
