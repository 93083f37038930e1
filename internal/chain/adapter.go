package chain

import (
	"context"
	"errors"
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

var (
	// ErrUnsupported is returned by optional capabilities the chain or
	// endpoint does not provide (network safe/finalized tags, log queries).
	ErrUnsupported = errors.New("chain: capability not supported")

	// ErrBlockUnavailable is returned when a block at or below the reported
	// tip cannot be served yet. It is transient and never means "skipped".
	ErrBlockUnavailable = errors.New("chain: block not yet available")
)

// Commitment is the confirmation strength used when reading chain state.
type Commitment string

const (
	CommitmentLatest    Commitment = "latest"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentSafe      Commitment = "safe"
	CommitmentFinalized Commitment = "finalized"
)

// ChainAdapter abstracts one blockchain so the indexing core operates
// chain-agnostically.
type ChainAdapter interface {
	// Chain returns the chain identifier (e.g., "solana", "ethereum").
	Chain() string

	// GetTip returns the highest block/slot at the given commitment.
	GetTip(ctx context.Context, commitment Commitment) (int64, error)

	// GetBlock returns the block at height, or nil when the height holds no
	// block (skipped slot).
	GetBlock(ctx context.Context, height int64, commitment Commitment) (*Block, error)

	// GetTransactionResult returns the execution receipt of a transaction, or
	// nil when the transaction is not (yet) known to the chain.
	GetTransactionResult(ctx context.Context, hash string) (*Receipt, error)

	// GetLogs returns transfer events matching filter. Returns ErrUnsupported
	// when the chain has no filtered log query.
	GetLogs(ctx context.Context, filter LogFilter) ([]model.TransferEvent, error)

	// GetSafeHeight returns the network's safe height, or ErrUnsupported.
	GetSafeHeight(ctx context.Context) (int64, error)

	// GetFinalizedHeight returns the network's finalized height, or ErrUnsupported.
	GetFinalizedHeight(ctx context.Context) (int64, error)
}

// Block is a fetched block reduced to the fields the indexer needs.
type Block struct {
	Height       int64
	Hash         string
	ParentHash   string
	ParentHeight int64 // Height-1 on EVM chains; parent slot on Solana
	Timestamp    *time.Time
	Transfers    []model.TransferEvent
}

// Receipt is the execution result of a transaction.
type Receipt struct {
	TxHash    string
	Height    int64
	BlockHash string
	Success   bool
	Error     string
}

// LogFilter selects transfer logs over an inclusive height range.
type LogFilter struct {
	FromHeight int64
	ToHeight   int64
	// Contracts restricts results to the given token contracts. Empty means
	// all contracts.
	Contracts []string
	// Recipients restricts results to transfers into the given addresses.
	Recipients []string
}
