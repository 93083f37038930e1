// Package pipeline drives the scan, confirmation and withdrawal loops of one
// (chain, network) and reports their health.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lbc-team/cex-wallet-sub001/internal/alert"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/confirmation"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/indexer"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/withdrawal"
)

const (
	defaultPollInterval         = 3 * time.Second
	defaultConfirmationInterval = 5 * time.Second
	defaultWithdrawalInterval   = 10 * time.Second
	leaseReleaseTimeout         = 5 * time.Second
)

// Scanner advances the accepted chain prefix.
type Scanner interface {
	Sync(ctx context.Context) (indexer.SyncResult, error)
}

// Confirmer promotes credits through the finality lines.
type Confirmer interface {
	Start(ctx context.Context)
	RunOnce(ctx context.Context) (confirmation.CycleResult, error)
	Wake() <-chan struct{}
}

// Withdrawals polls non-terminal withdrawals.
type Withdrawals interface {
	RunOnce(ctx context.Context) (withdrawal.Result, error)
}

// Lease grants one replica ownership of the chain.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	Chain                model.Chain
	Network              model.Network
	PollInterval         time.Duration
	ConfirmationInterval time.Duration
	WithdrawalInterval   time.Duration
	UnhealthyThreshold   int
	Alerter              alert.Alerter
}

type Pipeline struct {
	cfg         Config
	scanner     Scanner
	confirmer   Confirmer
	withdrawals Withdrawals
	lease       Lease
	health      *Health
	logger      *slog.Logger

	leader atomic.Bool
}

type Option func(*Pipeline)

// WithLease makes every loop run only while this replica holds lease.
func WithLease(l Lease) Option {
	return func(p *Pipeline) { p.lease = l }
}

// WithWithdrawals enables the withdrawal loop.
func WithWithdrawals(w Withdrawals) Option {
	return func(p *Pipeline) { p.withdrawals = w }
}

func New(cfg Config, scanner Scanner, confirmer Confirmer, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConfirmationInterval <= 0 {
		cfg.ConfirmationInterval = defaultConfirmationInterval
	}
	if cfg.WithdrawalInterval <= 0 {
		cfg.WithdrawalInterval = defaultWithdrawalInterval
	}
	if cfg.Alerter == nil {
		cfg.Alerter = &alert.NoopAlerter{}
	}
	health := NewHealth(cfg.Chain, cfg.Network)
	if cfg.UnhealthyThreshold > 0 {
		health.unhealthyThreshold = cfg.UnhealthyThreshold
	}
	p := &Pipeline{
		cfg:       cfg,
		scanner:   scanner,
		confirmer: confirmer,
		health:    health,
		logger:    logger.With("component", "pipeline", "chain", cfg.Chain, "network", cfg.Network),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lease == nil {
		p.leader.Store(true)
	}
	return p
}

func (p *Pipeline) Chain() model.Chain { return p.cfg.Chain }

func (p *Pipeline) Network() model.Network { return p.cfg.Network }

func (p *Pipeline) Health() *Health { return p.health }

// Leader reports whether this replica currently owns the chain.
func (p *Pipeline) Leader() bool { return p.leader.Load() }

// Run blocks until ctx is cancelled or a loop panics. Tick errors are
// recorded in the health state and never stop the loops.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting",
		"poll_interval", p.cfg.PollInterval,
		"confirmation_interval", p.cfg.ConfirmationInterval,
		"withdrawal_interval", p.cfg.WithdrawalInterval,
		"lease", p.lease != nil,
		"withdrawals", p.withdrawals != nil,
	)
	defer p.releaseLease(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.guard("scan", func() error { return p.scanLoop(gCtx) }) })
	g.Go(func() error { return p.guard("confirmation", func() error { return p.confirmLoop(gCtx) }) })
	if p.withdrawals != nil {
		g.Go(func() error { return p.guard("withdrawal", func() error { return p.withdrawLoop(gCtx) }) })
	}

	err := g.Wait()
	p.logger.Info("pipeline stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) guard(loop string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s loop panic: %v\n%s", loop, r, debug.Stack())
		}
	}()
	return fn()
}

func (p *Pipeline) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p.scanTick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) scanTick(ctx context.Context) {
	if !p.acquire(ctx) {
		return
	}
	start := time.Now()
	res, err := p.scanner.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.recordFailure(err)
		return
	}
	if res.Skipped {
		return
	}
	p.health.RecordProgress(res.Tip, res.LastAccepted)
	if p.health.RecordSuccess(time.Since(start)) {
		p.logger.Info("pipeline recovered", "last_accepted", res.LastAccepted)
		alert.Notify(ctx, p.cfg.Alerter, p.logger, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Chain:   p.cfg.Chain.String(),
			Network: p.cfg.Network.String(),
			Title:   "Indexer recovered",
			Message: fmt.Sprintf("%s/%s is scanning again at height %d", p.cfg.Chain, p.cfg.Network, res.LastAccepted),
		})
	}
	if res.FailedUnits > 0 {
		p.logger.Warn("scan left units for the next tick", "failed_units", res.FailedUnits, "last_accepted", res.LastAccepted)
	}
}

func (p *Pipeline) recordFailure(err error) {
	snap := p.health.Snapshot()
	p.logger.Warn("scan tick failed", "error", err, "consecutive_failures", snap.ConsecutiveFailures+1)
	if !p.health.RecordFailure(err) {
		return
	}
	p.logger.Error("pipeline unhealthy", "error", err)
	alert.Notify(context.Background(), p.cfg.Alerter, p.logger, alert.Alert{
		Type:    alert.AlertTypeUnhealthy,
		Chain:   p.cfg.Chain.String(),
		Network: p.cfg.Network.String(),
		Title:   "Indexer unhealthy",
		Message: fmt.Sprintf("%s/%s scan failing: %v", p.cfg.Chain, p.cfg.Network, err),
		Fields: map[string]string{
			"last_accepted": fmt.Sprint(snap.LastAccepted),
		},
	})
}

// acquire renews or takes the lease and reports whether this replica may
// run the scan.
func (p *Pipeline) acquire(ctx context.Context) bool {
	if p.lease == nil {
		return true
	}
	held, err := p.lease.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("lease acquire failed", "error", err)
			p.recordFailure(err)
		}
		held = false
	}
	if was := p.leader.Swap(held); was != held {
		if held {
			p.logger.Info("lease acquired, running as leader")
		} else {
			p.logger.Info("lease not held, standing by")
		}
	}
	gauge := 0.0
	if held {
		gauge = 1
	}
	metrics.PipelineLeaseHeld.WithLabelValues(p.cfg.Chain.String(), p.cfg.Network.String()).Set(gauge)
	if err == nil {
		p.health.SetStandby(!held)
	}
	return held
}

func (p *Pipeline) releaseLease(ctx context.Context) {
	if p.lease == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	if err := p.lease.Release(rctx); err != nil {
		p.logger.Warn("lease release failed", "error", err)
	}
	p.leader.Store(false)
	metrics.PipelineLeaseHeld.WithLabelValues(p.cfg.Chain.String(), p.cfg.Network.String()).Set(0)
}

func (p *Pipeline) confirmLoop(ctx context.Context) error {
	p.confirmer.Start(ctx)
	ticker := time.NewTicker(p.cfg.ConfirmationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.confirmer.Wake():
		}
		if !p.leader.Load() {
			continue
		}
		if _, err := p.confirmer.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("confirmation cycle failed", "error", err)
		}
	}
}

func (p *Pipeline) withdrawLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WithdrawalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !p.leader.Load() {
			continue
		}
		if _, err := p.withdrawals.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("withdrawal poll failed", "error", err)
		}
	}
}
