// Package reorg gates every block on its continuity with the stored chain,
// locates the common ancestor when continuity breaks, and rolls the ledger
// back to it.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

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

// ErrNotVerifiable is returned when the chain could not be read to decide
// continuity. It is never treated as a reorg.
var ErrNotVerifiable = errors.New("reorg: continuity not verifiable")

const defaultCheckDepth = 12

type Verdict int

const (
	// Accept: the block extends the stored chain.
	Accept Verdict = iota
	// Duplicate: the block is already stored and its ancestry is intact.
	Duplicate
	// Reorg: the stored chain diverges from the live chain.
	Reorg
	// Retry: the block disagrees with a block fetched earlier in the same
	// batch; the chain moved mid-fetch.
	Retry
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Reorg:
		return "reorg"
	case Retry:
		return "retry"
	default:
		return "unknown(" + strconv.Itoa(int(v)) + ")"
	}
}

// Decision is the outcome of a continuity check.
type Decision struct {
	Verdict Verdict
	// Suspect is the highest height whose stored record is known to be off
	// the live chain. Set for Reorg.
	Suspect      int64
	ExpectedHash string
	ActualHash   string
}

type Config struct {
	Chain       model.Chain
	Network     model.Network
	StartHeight int64
	// CheckDepth bounds the stored-ancestry walk done for duplicates.
	CheckDepth int
	Commitment chain.Commitment
}

type Resolver struct {
	adapter chain.ChainAdapter
	ledger  ledger.Gateway
	cfg     Config
	alerter alert.Alerter
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Resolver)

func WithAlerter(a alert.Alerter) Option {
	return func(r *Resolver) { r.alerter = a }
}

func New(adapter chain.ChainAdapter, gw ledger.Gateway, cfg Config, logger *slog.Logger, opts ...Option) *Resolver {
	if cfg.CheckDepth <= 0 {
		cfg.CheckDepth = defaultCheckDepth
	}
	if cfg.Commitment == "" {
		cfg.Commitment = chain.CommitmentLatest
	}
	r := &Resolver{
		adapter: adapter,
		ledger:  gw,
		cfg:     cfg,
		alerter: &alert.NoopAlerter{},
		tracer:  tracing.Tracer("pipeline/reorg"),
		logger:  logger.With("component", "reorg_resolver", "chain", cfg.Chain, "network", cfg.Network),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending holds records validated earlier in the current batch but not yet
// committed, keyed by height.
type Pending map[int64]*model.BlockRecord

// Check decides whether candidate may be accepted.
func (r *Resolver) Check(ctx context.Context, candidate *chain.Block, pending Pending) (Decision, error) {
	h := candidate.Height
	stored, err := r.ledger.CanonicalBlock(ctx, r.cfg.Chain, r.cfg.Network, h)
	if err != nil {
		return Decision{}, fmt.Errorf("load stored block %d: %w", h, err)
	}

	if stored == nil {
		return r.checkParentLink(ctx, candidate, pending)
	}

	if stored.IsSkipped() || stored.Hash != candidate.Hash {
		return Decision{Verdict: Reorg, Suspect: h, ExpectedHash: stored.Hash, ActualHash: candidate.Hash}, nil
	}

	// Same hash: confirm the stored ancestry below it is still coherent.
	if stored.ParentHash != "" && candidate.ParentHash != "" && stored.ParentHash != candidate.ParentHash {
		return Decision{Verdict: Reorg, Suspect: h, ExpectedHash: stored.ParentHash, ActualHash: candidate.ParentHash}, nil
	}
	if d, ok, err := r.walkStoredAncestry(ctx, stored); err != nil || ok {
		return d, err
	}
	return Decision{Verdict: Duplicate}, nil
}

// CheckSkipped decides whether an empty slot at height may be accepted.
func (r *Resolver) CheckSkipped(ctx context.Context, height int64) (Decision, error) {
	stored, err := r.ledger.CanonicalBlock(ctx, r.cfg.Chain, r.cfg.Network, height)
	if err != nil {
		return Decision{}, fmt.Errorf("load stored block %d: %w", height, err)
	}
	switch {
	case stored == nil:
		return Decision{Verdict: Accept}, nil
	case stored.IsSkipped():
		return Decision{Verdict: Duplicate}, nil
	default:
		return Decision{Verdict: Reorg, Suspect: height, ExpectedHash: stored.Hash}, nil
	}
}

func (r *Resolver) lookup(ctx context.Context, pending Pending, h int64) (rec *model.BlockRecord, inBatch bool, err error) {
	if rec, ok := pending[h]; ok {
		return rec, true, nil
	}
	rec, err = r.ledger.CanonicalBlock(ctx, r.cfg.Chain, r.cfg.Network, h)
	if err != nil {
		return nil, false, fmt.Errorf("load stored block %d: %w", h, err)
	}
	return rec, false, nil
}

// checkParentLink verifies a new height against the record at its parent
// height. A mismatch with a committed record is a reorg; a mismatch with a
// record fetched earlier in this batch only means the chain moved while we
// were reading it.
func (r *Resolver) checkParentLink(ctx context.Context, candidate *chain.Block, pending Pending) (Decision, error) {
	if candidate.ParentHeight < r.cfg.StartHeight || candidate.ParentHash == "" {
		return Decision{Verdict: Accept}, nil
	}

	// Heights between the parent and the candidate must be empty slots.
	for between := candidate.ParentHeight + 1; between < candidate.Height; between++ {
		rec, inBatch, err := r.lookup(ctx, pending, between)
		if err != nil {
			return Decision{}, err
		}
		if rec != nil && !rec.IsSkipped() {
			if inBatch {
				return Decision{Verdict: Retry, ExpectedHash: rec.Hash}, nil
			}
			return Decision{Verdict: Reorg, Suspect: between, ExpectedHash: rec.Hash}, nil
		}
	}

	parent, inBatch, err := r.lookup(ctx, pending, candidate.ParentHeight)
	if err != nil {
		return Decision{}, err
	}
	if parent == nil || (!parent.IsSkipped() && parent.Hash == candidate.ParentHash) {
		return Decision{Verdict: Accept}, nil
	}
	if inBatch {
		return Decision{Verdict: Retry, ExpectedHash: parent.Hash, ActualHash: candidate.ParentHash}, nil
	}
	return Decision{
		Verdict:      Reorg,
		Suspect:      candidate.ParentHeight,
		ExpectedHash: parent.Hash,
		ActualHash:   candidate.ParentHash,
	}, nil
}

// walkStoredAncestry verifies parent links between consecutive stored
// records below top, up to CheckDepth heights.
func (r *Resolver) walkStoredAncestry(ctx context.Context, top *model.BlockRecord) (Decision, bool, error) {
	child := top
	floor := max(top.Height-int64(r.cfg.CheckDepth), r.cfg.StartHeight)
	for h := top.Height - 1; h >= floor; h-- {
		rec, err := r.ledger.CanonicalBlock(ctx, r.cfg.Chain, r.cfg.Network, h)
		if err != nil {
			return Decision{}, false, fmt.Errorf("load stored block %d: %w", h, err)
		}
		if rec == nil {
			// Bulk-scanned ranges leave gaps; ancestry is unverifiable past one.
			break
		}
		if rec.IsSkipped() {
			continue
		}
		if child.ParentHash != "" && child.ParentHash != rec.Hash {
			// top matches the live chain, so the break sits at the lower record.
			return Decision{Verdict: Reorg, Suspect: rec.Height, ExpectedHash: rec.Hash, ActualHash: child.ParentHash}, true, nil
		}
		child = rec
	}
	return Decision{}, false, nil
}

// FindAncestor walks down from suspect comparing stored and live hashes.
// The first height where they agree is the common ancestor. Skipped
// records carry no hash and are walked over. When nothing agrees above the
// start height the ancestor is StartHeight-1 and degraded is true.
func (r *Resolver) FindAncestor(ctx context.Context, suspect int64) (ancestor int64, degraded bool, err error) {
	for h := suspect; h >= r.cfg.StartHeight; h-- {
		stored, err := r.ledger.CanonicalBlock(ctx, r.cfg.Chain, r.cfg.Network, h)
		if err != nil {
			return 0, false, fmt.Errorf("load stored block %d: %w", h, err)
		}
		if stored == nil || stored.IsSkipped() {
			continue
		}
		live, err := r.adapter.GetBlock(ctx, h, r.cfg.Commitment)
		if err != nil {
			metrics.ReorgUnverifiable.WithLabelValues(r.cfg.Chain.String(), r.cfg.Network.String()).Inc()
			return 0, false, fmt.Errorf("fetch live block %d: %w: %w", h, ErrNotVerifiable, err)
		}
		if live != nil && live.Hash == stored.Hash {
			return h, false, nil
		}
	}
	return r.cfg.StartHeight - 1, true, nil
}

// Rollback orphans every record in (ancestor, upper], deletes their deposit
// credits and reopens withdrawals observed there, in one ledger transaction.
func (r *Resolver) Rollback(ctx context.Context, ancestor, upper int64) (ledger.RollbackResult, error) {
	res, err := ledger.Rollback(ctx, r.ledger, r.cfg.Chain, r.cfg.Network, ledger.After(ancestor, upper))
	if err != nil {
		metrics.ReorgRollbackFailures.WithLabelValues(r.cfg.Chain.String(), r.cfg.Network.String()).Inc()
		r.logger.Error("rollback failed, will retry next tick", "ancestor", ancestor, "upper", upper, "error", err)
		alert.Notify(ctx, r.alerter, r.logger, alert.Alert{
			Type:    alert.AlertTypeRollbackFailed,
			Chain:   r.cfg.Chain.String(),
			Network: r.cfg.Network.String(),
			Title:   "Reorg rollback failed",
			Message: err.Error(),
			Fields:  heightFields(ancestor, upper),
		})
		return ledger.RollbackResult{}, err
	}
	return res, nil
}

// Resolve handles a Reorg decision end to end: locate the ancestor, roll
// back and report. The caller resumes scanning from the new last accepted
// height.
func (r *Resolver) Resolve(ctx context.Context, d Decision) (ev event.ReorgEvent, err error) {
	ctx, span := r.tracer.Start(ctx, "reorg.resolve", trace.WithAttributes(
		append(tracing.ChainAttrs(r.cfg.Chain.String(), r.cfg.Network.String()),
			attribute.Int64("suspect", d.Suspect))...,
	))
	defer func() { tracing.End(span, err) }()

	labels := []string{r.cfg.Chain.String(), r.cfg.Network.String()}
	metrics.ReorgDetectedTotal.WithLabelValues(labels...).Inc()
	r.logger.Warn("reorg detected",
		"suspect", d.Suspect,
		"expected_hash", d.ExpectedHash,
		"actual_hash", d.ActualHash,
	)

	ancestor, degraded, err := r.FindAncestor(ctx, d.Suspect)
	if err != nil {
		return event.ReorgEvent{}, fmt.Errorf("find ancestor below %d: %w", d.Suspect, err)
	}

	upper, ok, err := r.ledger.HighestRecorded(ctx, r.cfg.Chain, r.cfg.Network)
	if err != nil {
		return event.ReorgEvent{}, fmt.Errorf("highest recorded block: %w", err)
	}
	if !ok || upper < d.Suspect {
		upper = d.Suspect
	}

	if degraded {
		metrics.ReorgDegradedAncestors.WithLabelValues(labels...).Inc()
		r.logger.Error("no common ancestor above start height, rewinding to start",
			"suspect", d.Suspect, "start_height", r.cfg.StartHeight, "upper", upper)
		alert.Notify(ctx, r.alerter, r.logger, alert.Alert{
			Type:    alert.AlertTypeReorgDegraded,
			Chain:   r.cfg.Chain.String(),
			Network: r.cfg.Network.String(),
			Title:   "Reorg without common ancestor",
			Message: fmt.Sprintf("No stored block above %d matches the live chain; full resync from %d", r.cfg.StartHeight, r.cfg.StartHeight),
			Fields:  heightFields(ancestor, upper),
		})
	}

	res, err := r.Rollback(ctx, ancestor, upper)
	if err != nil {
		return event.ReorgEvent{}, err
	}

	ev = event.ReorgEvent{
		Chain:               r.cfg.Chain,
		Network:             r.cfg.Network,
		DetectedAt:          d.Suspect,
		ExpectedHash:        d.ExpectedHash,
		ActualHash:          d.ActualHash,
		Ancestor:            ancestor,
		Upper:               upper,
		Degraded:            degraded,
		OrphanedBlocks:      res.OrphanedBlocks,
		DeletedCredits:      res.Deleted,
		FrozenRetained:      res.FrozenRetained + res.Withdrawals.RefundsFrozen,
		ReopenedWithdrawals: res.Withdrawals.Reopened,
		DeletedRefunds:      res.Withdrawals.RefundsDeleted,
		ResolvedAt:          r.now(),
	}
	metrics.ReorgDepth.WithLabelValues(labels...).Observe(float64(ev.Depth()))

	r.logger.Warn("reorg resolved",
		"ancestor", ancestor,
		"upper", upper,
		"depth", ev.Depth(),
		"orphaned_blocks", res.OrphanedBlocks,
		"deleted_credits", res.Deleted,
		"frozen_retained", ev.FrozenRetained,
		"reopened_withdrawals", ev.ReopenedWithdrawals,
		"deleted_refunds", ev.DeletedRefunds,
	)
	alert.Notify(ctx, r.alerter, r.logger, alert.Alert{
		Type:    alert.AlertTypeReorg,
		Chain:   r.cfg.Chain.String(),
		Network: r.cfg.Network.String(),
		Title:   "Block reorganization resolved",
		Message: fmt.Sprintf("Rolled back %d blocks above %d, deleted %d deposit credits", ev.Depth(), ancestor, res.Deleted),
		Fields:  heightFields(ancestor, upper),
	})

	if ev.FrozenRetained > 0 {
		metrics.ReorgFrozenRetained.WithLabelValues(labels...).Add(float64(ev.FrozenRetained))
		r.logger.Error("frozen credits retained across rollback; manual review required",
			"ancestor", ancestor, "upper", upper, "frozen_retained", ev.FrozenRetained)
		alert.Notify(ctx, r.alerter, r.logger, alert.Alert{
			Type:    alert.AlertTypeFrozenRetained,
			Chain:   r.cfg.Chain.String(),
			Network: r.cfg.Network.String(),
			Title:   "Frozen deposits on an orphaned fork",
			Message: fmt.Sprintf("%d frozen credits reference rolled-back blocks", ev.FrozenRetained),
			Fields:  heightFields(ancestor, upper),
		})
	}
	return ev, nil
}

func heightFields(ancestor, upper int64) map[string]string {
	return map[string]string{
		"ancestor": strconv.FormatInt(ancestor, 10),
		"upper":    strconv.FormatInt(upper, 10),
	}
}
