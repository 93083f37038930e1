// Package addressindex holds in-memory snapshots of the monitored address
// set and the token map. Snapshots expire after a TTL; on expiry a cheap
// row-count check decides whether a full reload is needed, and a full
// reload is forced periodically to catch in-place edits the count misses.
package addressindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
)

const (
	defaultTTL                = 30 * time.Second
	defaultFullReloadInterval = 10 * time.Minute
)

type Option func(*options)

type options struct {
	ttl        time.Duration
	fullReload time.Duration
	now        func() time.Time
}

// WithTTL sets how long a snapshot is served before the row count is rechecked.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithFullReloadInterval sets the maximum age of a snapshot regardless of
// the row-count check.
func WithFullReloadInterval(d time.Duration) Option {
	return func(o *options) { o.fullReload = d }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type loader[V any] struct {
	load  func(ctx context.Context) (map[string]V, error)
	count func(ctx context.Context) (int64, error)
}

type snapshot[V any] struct {
	kind    string
	chain   model.Chain
	network model.Network
	src     loader[V]
	opts    options
	logger  *slog.Logger

	refreshMu sync.Mutex

	mu        sync.RWMutex
	entries   map[string]V
	loaded    bool
	loadedAt  time.Time
	checkedAt time.Time
}

func newSnapshot[V any](kind string, chain model.Chain, network model.Network, src loader[V], logger *slog.Logger, opts []Option) *snapshot[V] {
	o := options{ttl: defaultTTL, fullReload: defaultFullReloadInterval, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &snapshot[V]{
		kind:    kind,
		chain:   chain,
		network: network,
		src:     src,
		opts:    o,
		logger:  logger.With("component", "addressindex", "kind", kind, "chain", chain, "network", network),
	}
}

// refresh brings the snapshot up to date. A failed refresh keeps serving
// the previous snapshot; it only returns an error when nothing was ever
// loaded.
func (s *snapshot[V]) refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now := s.opts.now()
	s.mu.RLock()
	loaded, loadedAt, checkedAt, size := s.loaded, s.loadedAt, s.checkedAt, len(s.entries)
	s.mu.RUnlock()

	switch {
	case !loaded:
		return s.reload(ctx, now, "initial")
	case now.Sub(checkedAt) < s.opts.ttl:
		return nil
	case now.Sub(loadedAt) >= s.opts.fullReload:
		return s.softFail(s.reload(ctx, now, "interval"))
	}

	n, err := s.src.count(ctx)
	if err != nil {
		return s.softFail(fmt.Errorf("count %s: %w", s.kind, err))
	}
	if n != int64(size) {
		return s.softFail(s.reload(ctx, now, "delta"))
	}
	s.mu.Lock()
	s.checkedAt = now
	s.mu.Unlock()
	return nil
}

func (s *snapshot[V]) softFail(err error) error {
	if err != nil {
		s.logger.Warn("snapshot refresh failed, serving previous snapshot", "error", err)
	}
	return nil
}

func (s *snapshot[V]) reload(ctx context.Context, now time.Time, trigger string) error {
	entries, err := s.src.load(ctx)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.kind, err)
	}

	s.mu.Lock()
	s.entries = entries
	s.loaded = true
	s.loadedAt = now
	s.checkedAt = now
	s.mu.Unlock()

	metrics.AddressIndexReloads.WithLabelValues(string(s.chain), string(s.network), s.kind, trigger).Inc()
	metrics.AddressIndexSize.WithLabelValues(string(s.chain), string(s.network), s.kind).Set(float64(len(entries)))
	s.logger.Debug("snapshot reloaded", "trigger", trigger, "entries", len(entries))
	return nil
}

func (s *snapshot[V]) get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *snapshot[V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
