package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/metrics"
	"github.com/lbc-team/cex-wallet-sub001/internal/retry"
	"golang.org/x/time/rate"
)

// ErrNoHealthyEndpoint is returned when every endpoint's breaker is open.
var ErrNoHealthyEndpoint = errors.New("failover: no healthy rpc endpoint")

const (
	defaultTimeout          = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// Endpoint is one configured RPC client. Name identifies it in logs and
// metrics and must not carry credentials.
type Endpoint[C any] struct {
	Name   string
	Client C
}

type Config struct {
	Chain            string
	Timeout          time.Duration
	RateLimit        float64 // requests per second per endpoint; 0 disables
	Burst            int
	FailureThreshold int
	OpenTimeout      time.Duration
	// Definitive reports errors that are valid answers from a healthy node
	// (not found, skipped slot). They are returned without failing over.
	Definitive func(error) bool
}

type member[C any] struct {
	name    string
	client  C
	limiter *rate.Limiter
	breaker *breaker
}

// Pool calls an RPC method against a primary endpoint and fails over to
// secondaries in order. Every attempt is bounded by Timeout.
type Pool[C any] struct {
	chain      string
	timeout    time.Duration
	definitive func(error) bool
	members    []*member[C]
	logger     *slog.Logger
}

func New[C any](cfg Config, logger *slog.Logger, endpoints ...Endpoint[C]) (*Pool[C], error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("failover: at least one endpoint is required for %s", cfg.Chain)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.Definitive == nil {
		cfg.Definitive = func(error) bool { return false }
	}

	p := &Pool[C]{
		chain:      cfg.Chain,
		timeout:    cfg.Timeout,
		definitive: cfg.Definitive,
		logger:     logger.With("component", "rpc_failover", "chain", cfg.Chain),
	}
	for _, ep := range endpoints {
		m := &member[C]{name: ep.Name, client: ep.Client}
		if cfg.RateLimit > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		name := ep.Name
		m.breaker = newBreaker(cfg.FailureThreshold, cfg.OpenTimeout, func(to breakerState) {
			metrics.RPCBreakerState.WithLabelValues(cfg.Chain, name).Set(float64(to))
			p.logger.Warn("rpc endpoint breaker state changed", "endpoint", name, "state", to.String())
		})
		p.members = append(p.members, m)
	}
	return p, nil
}

// Call runs fn on each healthy endpoint in order until one succeeds or
// returns a definitive error.
func Call[C, T any](ctx context.Context, p *Pool[C], method string, fn func(ctx context.Context, client C) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempted := 0

	for _, m := range p.members {
		if !m.breaker.allow() {
			continue
		}
		if attempted > 0 {
			metrics.RPCFailoversTotal.WithLabelValues(p.chain, method).Inc()
			p.logger.Warn("rpc failing over", "method", method, "endpoint", m.name, "error", lastErr)
		}
		attempted++

		if err := p.wait(ctx, m); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		out, err := fn(callCtx, m.client)
		cancel()

		switch {
		case err == nil:
			m.breaker.success()
			metrics.RPCCallsTotal.WithLabelValues(p.chain, m.name, method, "ok").Inc()
			return out, nil
		case p.definitive(err):
			m.breaker.success()
			metrics.RPCCallsTotal.WithLabelValues(p.chain, m.name, method, "definitive").Inc()
			return zero, err
		case ctx.Err() != nil:
			return zero, ctx.Err()
		}

		m.breaker.failure()
		metrics.RPCCallsTotal.WithLabelValues(p.chain, m.name, method, retry.Classify(err).Reason).Inc()
		lastErr = fmt.Errorf("%s via %s: %w", method, m.name, err)
	}

	if attempted == 0 {
		return zero, retry.Transient(fmt.Errorf("%s: %w", method, ErrNoHealthyEndpoint))
	}
	return zero, lastErr
}

func (p *Pool[C]) wait(ctx context.Context, m *member[C]) error {
	if m.limiter == nil {
		return nil
	}
	r := m.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(p.chain, m.name).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// EndpointName reduces a URL to scheme://host so API keys in paths or
// query strings never reach logs or metric labels.
func EndpointName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "endpoint"
	}
	return u.Scheme + "://" + u.Host
}
