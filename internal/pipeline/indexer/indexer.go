// Package indexer scans a chain from the last accepted height to the tip,
// gates every unit through the reorg resolver and commits accepted blocks
// together with the deposit credits they produce.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/event"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/reorg"
	"github.com/lbc-team/cex-wallet-sub001/internal/tracing"
)

const (
	defaultBatchSize    = 50
	defaultFetchWorkers = 4
)

var errBulkFallback = errors.New("bulk range needs per-block scan")

// Addresses resolves monitored addresses to their owners.
type Addresses interface {
	Refresh(ctx context.Context) error
	Lookup(address string) (model.WatchedAddress, bool)
	Addresses() []string
}

// Tokens decides which token contracts may be credited.
type Tokens interface {
	Refresh(ctx context.Context) error
	Allowed(contract string) bool
	Contracts() []string
}

// Trigger requests an immediate confirmation cycle.
type Trigger interface {
	Trigger()
}

type Config struct {
	Chain        model.Chain
	Network      model.Network
	StartHeight  int64
	BatchSize    int
	FetchWorkers int
	Commitment   chain.Commitment
	// NativeAsset is the asset symbol the adapter reports for native
	// transfers. Native transfers are credited without a token lookup;
	// empty means they are not credited.
	NativeAsset string
	// BulkLogScan reads finalized ranges with one log query. Log queries
	// only see token transfers, so it is ignored while NativeAsset is set.
	BulkLogScan bool
}

// UnitResult is the outcome of fetching one height.
type UnitResult struct {
	Height int64
	Block  *chain.Block // nil with a nil Err means a skipped slot
	Err    error
}

// SyncResult summarizes one Sync call.
type SyncResult struct {
	// Skipped is set when another Sync was still running.
	Skipped      bool
	Tip          int64
	LastAccepted int64
	Blocks       int
	SkippedSlots int
	Credits      int
	Duplicates   int
	// FailedUnits counts heights that could not be fetched or verified and
	// were left for the next tick.
	FailedUnits int
	Retried     bool
	BulkRanges  int
	Reorg       *event.ReorgEvent
}

type Indexer struct {
	adapter   chain.ChainAdapter
	ledger    ledger.Gateway
	resolver  *reorg.Resolver
	addresses Addresses
	tokens    Tokens
	trigger   Trigger
	cfg       Config
	tracer    trace.Tracer
	logger    *slog.Logger

	running atomic.Bool
}

type Option func(*Indexer)

// WithTrigger wakes the confirmation engine after every committed batch.
func WithTrigger(t Trigger) Option {
	return func(i *Indexer) { i.trigger = t }
}

func New(
	adapter chain.ChainAdapter,
	gw ledger.Gateway,
	resolver *reorg.Resolver,
	addresses Addresses,
	tokens Tokens,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = defaultFetchWorkers
	}
	if cfg.Commitment == "" {
		cfg.Commitment = chain.CommitmentLatest
	}
	i := &Indexer{
		adapter:   adapter,
		ledger:    gw,
		resolver:  resolver,
		addresses: addresses,
		tokens:    tokens,
		cfg:       cfg,
		tracer:    tracing.Tracer("pipeline/indexer"),
		logger:    logger.With("component", "indexer", "chain", cfg.Chain, "network", cfg.Network),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.cfg.BulkLogScan && i.cfg.NativeAsset != "" {
		i.cfg.BulkLogScan = false
		i.logger.Warn("bulk scan disabled, native deposits need per-block scan", "native_asset", i.cfg.NativeAsset)
	}
	return i
}

func (i *Indexer) labels() []string {
	return []string{i.cfg.Chain.String(), i.cfg.Network.String()}
}

// Sync scans from the last accepted height to the current tip. An
// overlapping call returns immediately with Skipped set.
func (i *Indexer) Sync(ctx context.Context) (res SyncResult, err error) {
	if !i.running.CompareAndSwap(false, true) {
		metrics.IndexerTicksSkipped.WithLabelValues(i.labels()...).Inc()
		return SyncResult{Skipped: true}, nil
	}
	defer i.running.Store(false)

	ctx, span := i.tracer.Start(ctx, "indexer.sync",
		trace.WithAttributes(tracing.ChainAttrs(i.cfg.Chain.String(), i.cfg.Network.String())...))
	start := time.Now()
	metrics.IndexerTicksTotal.WithLabelValues(i.labels()...).Inc()
	defer func() {
		metrics.IndexerTickLatency.WithLabelValues(i.labels()...).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.IndexerTickErrors.WithLabelValues(i.labels()...).Inc()
		}
		span.SetAttributes(
			attribute.Int64("tip", res.Tip),
			attribute.Int64("last_accepted", res.LastAccepted),
			attribute.Int("blocks", res.Blocks),
			attribute.Int("failed_units", res.FailedUnits),
		)
		tracing.End(span, err)
	}()

	if err := i.addresses.Refresh(ctx); err != nil {
		return res, fmt.Errorf("refresh monitored addresses: %w", err)
	}
	if err := i.tokens.Refresh(ctx); err != nil {
		return res, fmt.Errorf("refresh token registry: %w", err)
	}

	tip, err := i.adapter.GetTip(ctx, i.cfg.Commitment)
	if err != nil {
		return res, fmt.Errorf("get tip: %w", err)
	}
	res.Tip = tip
	metrics.IndexerChainTip.WithLabelValues(i.labels()...).Set(float64(tip))

	last, err := i.lastAccepted(ctx)
	if err != nil {
		return res, err
	}

	reorged, err := i.revalidate(ctx, last, &res)
	if err != nil {
		return res, err
	}
	if reorged {
		return i.finish(ctx, res)
	}

	finalized := i.finalizedHeight(ctx)

	for last < tip {
		if ctx.Err() != nil {
			break
		}
		from, to := last+1, min(last+int64(i.cfg.BatchSize), tip)

		if i.cfg.BulkLogScan && finalized >= to {
			err := i.scanBulk(ctx, from, to, &res)
			if err == nil {
				last = to
				continue
			}
			if errors.Is(err, chain.ErrUnsupported) {
				i.cfg.BulkLogScan = false
				i.logger.Info("adapter has no log query, bulk scan disabled")
			} else {
				i.logger.Warn("bulk scan failed, falling back to per-block scan", "from", from, "to", to, "error", err)
			}
		}

		advanced, stop, err := i.scanRange(ctx, from, to, &res)
		if err != nil {
			return res, err
		}
		if stop {
			break
		}
		last = advanced
	}
	return i.finish(ctx, res)
}

func (i *Indexer) finish(ctx context.Context, res SyncResult) (SyncResult, error) {
	last, err := i.lastAccepted(ctx)
	if err != nil {
		return res, err
	}
	res.LastAccepted = last
	metrics.IndexerLastAcceptedHeight.WithLabelValues(i.labels()...).Set(float64(last))
	i.logger.Debug("sync finished",
		"tip", res.Tip,
		"last_accepted", last,
		"blocks", res.Blocks,
		"skipped_slots", res.SkippedSlots,
		"credits", res.Credits,
		"failed_units", res.FailedUnits,
	)
	return res, nil
}

func (i *Indexer) lastAccepted(ctx context.Context) (int64, error) {
	tip, err := i.ledger.LastAccepted(ctx, i.cfg.Chain, i.cfg.Network)
	if err != nil {
		return 0, fmt.Errorf("load last accepted: %w", err)
	}
	if tip == nil {
		return i.cfg.StartHeight - 1, nil
	}
	return tip.Height, nil
}

func (i *Indexer) finalizedHeight(ctx context.Context) int64 {
	if !i.cfg.BulkLogScan {
		return -1
	}
	h, err := i.adapter.GetFinalizedHeight(ctx)
	if err != nil {
		if !errors.Is(err, chain.ErrUnsupported) {
			i.logger.Warn("finalized height unavailable, bulk scan paused", "error", err)
		}
		return -1
	}
	return h
}

// revalidate re-checks the block at the last accepted height so reorgs
// are caught even when the tip has not moved.
func (i *Indexer) revalidate(ctx context.Context, last int64, res *SyncResult) (bool, error) {
	if last < i.cfg.StartHeight {
		return false, nil
	}
	b, err := i.adapter.GetBlock(ctx, last, i.cfg.Commitment)
	if err != nil {
		i.logger.Warn("tip revalidation unverifiable", "height", last, "error", err)
		return false, nil
	}
	var d reorg.Decision
	if b == nil {
		d, err = i.resolver.CheckSkipped(ctx, last)
	} else {
		d, err = i.resolver.Check(ctx, b, nil)
	}
	if err != nil {
		return false, fmt.Errorf("revalidate %d: %w", last, err)
	}
	if d.Verdict != reorg.Reorg {
		return false, nil
	}
	return true, i.resolve(ctx, d, res)
}

func (i *Indexer) resolve(ctx context.Context, d reorg.Decision, res *SyncResult) error {
	ev, err := i.resolver.Resolve(context.WithoutCancel(ctx), d)
	if err != nil {
		return fmt.Errorf("resolve reorg at %d: %w", d.Suspect, err)
	}
	res.Reorg = &ev
	if i.trigger != nil {
		i.trigger.Trigger()
	}
	return nil
}

// fetch loads every height in [from, to] concurrently. Each height gets
// its own result; one failure does not cancel the others.
func (i *Indexer) fetch(ctx context.Context, from, to int64) []UnitResult {
	results := make([]UnitResult, to-from+1)
	var g errgroup.Group
	g.SetLimit(i.cfg.FetchWorkers)
	for h := from; h <= to; h++ {
		h := h
		g.Go(func() error {
			b, err := i.adapter.GetBlock(ctx, h, i.cfg.Commitment)
			results[h-from] = UnitResult{Height: h, Block: b, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// scanRange validates [from, to] in order and commits the contiguous
// prefix of accepted units. It returns the highest committed height and
// whether scanning must stop for this tick.
func (i *Indexer) scanRange(ctx context.Context, from, to int64, res *SyncResult) (int64, bool, error) {
	results := i.fetch(ctx, from, to)

	var (
		units    []ledger.Unit
		pending  = reorg.Pending{}
		advanced = from - 1
		stop     bool
		reorgAt  *reorg.Decision
	)

validate:
	for idx, r := range results {
		if r.Err != nil {
			failed := countFailures(results[idx:])
			res.FailedUnits += failed
			metrics.IndexerUnitFailures.WithLabelValues(i.labels()...).Add(float64(failed))
			i.logger.Warn("unit fetch failed, deferring to next tick",
				"height", r.Height, "failed_units", failed, "error", r.Err)
			stop = true
			break
		}

		var (
			d   reorg.Decision
			err error
		)
		if r.Block == nil {
			d, err = i.resolver.CheckSkipped(ctx, r.Height)
		} else {
			d, err = i.resolver.Check(ctx, r.Block, pending)
		}
		if err != nil {
			return advanced, true, fmt.Errorf("check height %d: %w", r.Height, err)
		}

		switch d.Verdict {
		case reorg.Accept:
			u := i.unit(r)
			rec := u.Block
			pending[r.Height] = &rec
			units = append(units, u)
		case reorg.Duplicate:
		case reorg.Retry:
			res.Retried = true
			i.logger.Info("chain moved during fetch, retrying next tick", "height", r.Height)
			stop = true
			break validate
		case reorg.Reorg:
			reorgAt = &d
			stop = true
			break validate
		}
		advanced = r.Height
	}

	if len(units) > 0 {
		if err := i.commit(ctx, units, res); err != nil {
			return from - 1, true, err
		}
	}

	if reorgAt != nil {
		if err := i.resolve(ctx, *reorgAt, res); err != nil {
			return advanced, true, err
		}
	}
	return advanced, stop, nil
}

func countFailures(rs []UnitResult) int {
	n := 0
	for _, r := range rs {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func (i *Indexer) unit(r UnitResult) ledger.Unit {
	if r.Block == nil {
		return ledger.Unit{Block: model.BlockRecord{
			Chain:   i.cfg.Chain,
			Network: i.cfg.Network,
			Height:  r.Height,
			Status:  model.BlockStatusSkipped,
		}}
	}
	return ledger.Unit{
		Block:   i.record(r.Block),
		Credits: i.extract(r.Block.Transfers),
	}
}

func (i *Indexer) record(b *chain.Block) model.BlockRecord {
	return model.BlockRecord{
		Chain:      i.cfg.Chain,
		Network:    i.cfg.Network,
		Height:     b.Height,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  b.Timestamp,
		Status:     model.BlockStatusConfirmed,
	}
}

// commit writes units in one ledger transaction. The transaction is
// detached from ctx so a stop signal cannot abort it halfway.
func (i *Indexer) commit(ctx context.Context, units []ledger.Unit, res *SyncResult) error {
	br, err := ledger.AcceptBatch(context.WithoutCancel(ctx), i.ledger, units)
	if err != nil {
		return fmt.Errorf("commit %d units from %d: %w", len(units), units[0].Block.Height, err)
	}

	blocks, skipped := 0, 0
	for _, u := range units {
		if u.Block.IsSkipped() {
			skipped++
		} else {
			blocks++
		}
	}
	res.Blocks += blocks
	res.SkippedSlots += skipped
	res.Credits += br.CreditsCreated
	res.Duplicates += br.CreditsDuplicate

	metrics.IndexerBlocksAccepted.WithLabelValues(i.labels()...).Add(float64(blocks))
	metrics.IndexerSlotsSkipped.WithLabelValues(i.labels()...).Add(float64(skipped))
	if br.CreditsCreated > 0 {
		metrics.LedgerCreditsCreated.WithLabelValues(i.cfg.Chain.String(), i.cfg.Network.String(), string(model.CreditTypeDeposit)).Add(float64(br.CreditsCreated))
	}
	if br.CreditsDuplicate > 0 {
		metrics.LedgerCreditsDuplicate.WithLabelValues(i.labels()...).Add(float64(br.CreditsDuplicate))
	}

	if i.trigger != nil {
		i.trigger.Trigger()
	}
	return nil
}

// scanBulk handles a finalized range with one filtered log query and a
// header for the range end. Only the boundary block record is written.
func (i *Indexer) scanBulk(ctx context.Context, from, to int64, res *SyncResult) error {
	labels := i.labels()
	events, err := i.adapter.GetLogs(ctx, chain.LogFilter{
		FromHeight: from,
		ToHeight:   to,
		Contracts:  i.tokens.Contracts(),
		Recipients: i.addresses.Addresses(),
	})
	if err != nil {
		metrics.IndexerBulkRanges.WithLabelValues(append(labels, "error")...).Inc()
		return fmt.Errorf("get logs %d-%d: %w", from, to, err)
	}

	boundary, err := i.adapter.GetBlock(ctx, to, chain.CommitmentFinalized)
	if err != nil {
		metrics.IndexerBulkRanges.WithLabelValues(append(labels, "error")...).Inc()
		return fmt.Errorf("get boundary block %d: %w", to, err)
	}
	if boundary == nil {
		metrics.IndexerBulkRanges.WithLabelValues(append(labels, "fallback")...).Inc()
		return errBulkFallback
	}

	d, err := i.resolver.Check(ctx, boundary, nil)
	if err != nil {
		return fmt.Errorf("check boundary %d: %w", to, err)
	}
	if d.Verdict != reorg.Accept {
		metrics.IndexerBulkRanges.WithLabelValues(append(labels, "fallback")...).Inc()
		return fmt.Errorf("boundary %d verdict %s: %w", to, d.Verdict, errBulkFallback)
	}

	unit := ledger.Unit{Block: i.record(boundary), Credits: i.extract(events)}
	if err := i.commit(ctx, []ledger.Unit{unit}, res); err != nil {
		return err
	}
	res.BulkRanges++
	metrics.IndexerBulkRanges.WithLabelValues(append(labels, "ok")...).Inc()
	i.logger.Info("bulk range committed", "from", from, "to", to, "credits", len(unit.Credits))
	return nil
}
