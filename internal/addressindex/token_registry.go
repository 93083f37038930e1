package addressindex

import (
	"context"
	"log/slog"
	"sort"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// TokenSource is the persistent token table.
type TokenSource interface {
	List(ctx context.Context, chain model.Chain, network model.Network) ([]model.Token, error)
	Count(ctx context.Context, chain model.Chain, network model.Network) (int64, error)
}

// TokenRegistry maps token contracts (mints on Solana) to their metadata.
type TokenRegistry struct {
	chain model.Chain
	snap  *snapshot[model.Token]
}

func NewTokenRegistry(src TokenSource, chain model.Chain, network model.Network, logger *slog.Logger, opts ...Option) *TokenRegistry {
	return &TokenRegistry{
		chain: chain,
		snap: newSnapshot("token", chain, network, loader[model.Token]{
			load: func(ctx context.Context) (map[string]model.Token, error) {
				rows, err := src.List(ctx, chain, network)
				if err != nil {
					return nil, err
				}
				out := make(map[string]model.Token, len(rows))
				for _, t := range rows {
					out[chain.NormalizeAddress(t.ContractAddress)] = t
				}
				return out, nil
			},
			count: func(ctx context.Context) (int64, error) {
				return src.Count(ctx, chain, network)
			},
		}, logger, opts),
	}
}

func (r *TokenRegistry) Refresh(ctx context.Context) error {
	return r.snap.refresh(ctx)
}

func (r *TokenRegistry) Lookup(contract string) (model.Token, bool) {
	return r.snap.get(r.chain.NormalizeAddress(contract))
}

// Allowed reports whether transfers of contract may be credited: the token
// is registered and not denied.
func (r *TokenRegistry) Allowed(contract string) bool {
	t, ok := r.Lookup(contract)
	return ok && !t.IsDenied
}

// Contracts returns the allowed contracts in sorted order.
func (r *TokenRegistry) Contracts() []string {
	r.snap.mu.RLock()
	out := make([]string, 0, len(r.snap.entries))
	for addr, t := range r.snap.entries {
		if !t.IsDenied {
			out = append(out, addr)
		}
	}
	r.snap.mu.RUnlock()
	sort.Strings(out)
	return out
}
