package addressindex

import (
	"context"
	"log/slog"
	"sort"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// AddressSource is the persistent store of monitored addresses.
type AddressSource interface {
	GetActive(ctx context.Context, chain model.Chain, network model.Network) ([]model.WatchedAddress, error)
	CountActive(ctx context.Context, chain model.Chain, network model.Network) (int64, error)
}

// AddressBook maps normalized monitored addresses of one chain to their
// owners.
type AddressBook struct {
	chain model.Chain
	snap  *snapshot[model.WatchedAddress]
}

func NewAddressBook(src AddressSource, chain model.Chain, network model.Network, logger *slog.Logger, opts ...Option) *AddressBook {
	return &AddressBook{
		chain: chain,
		snap: newSnapshot("address", chain, network, loader[model.WatchedAddress]{
			load: func(ctx context.Context) (map[string]model.WatchedAddress, error) {
				rows, err := src.GetActive(ctx, chain, network)
				if err != nil {
					return nil, err
				}
				out := make(map[string]model.WatchedAddress, len(rows))
				for _, a := range rows {
					out[chain.NormalizeAddress(a.Address)] = a
				}
				return out, nil
			},
			count: func(ctx context.Context) (int64, error) {
				return src.CountActive(ctx, chain, network)
			},
		}, logger, opts),
	}
}

// Refresh reloads the snapshot when it is due.
func (b *AddressBook) Refresh(ctx context.Context) error {
	return b.snap.refresh(ctx)
}

// Lookup returns the owner of address when it is monitored.
func (b *AddressBook) Lookup(address string) (model.WatchedAddress, bool) {
	return b.snap.get(b.chain.NormalizeAddress(address))
}

func (b *AddressBook) Len() int {
	return b.snap.len()
}

// Addresses returns the normalized monitored addresses in sorted order.
func (b *AddressBook) Addresses() []string {
	b.snap.mu.RLock()
	out := make([]string, 0, len(b.snap.entries))
	for addr := range b.snap.entries {
		out = append(out, addr)
	}
	b.snap.mu.RUnlock()
	sort.Strings(out)
	return out
}
