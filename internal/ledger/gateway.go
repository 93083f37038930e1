// Package ledger defines the only write path to persisted indexing state:
// block records, credits and withdrawals. Implementations must make credit
// creation idempotent on reference id and guard every status change with
// the caller's expected current status.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrUnauthorized      = errors.New("ledger: unauthorized")
	ErrConflict          = errors.New("ledger: conflicting record")
	ErrIllegalTransition = errors.New("ledger: illegal status transition")
)

// Range is an inclusive height range.
type Range struct {
	From int64
	To   int64
}

// Cursor is a keyset position over credits.
type Cursor struct {
	Height      int64
	ReferenceID string
}

// CursorOf returns the position of c.
func CursorOf(c model.Credit) *Cursor {
	return &Cursor{Height: c.BlockHeight, ReferenceID: c.ReferenceID}
}

func (k *Cursor) before(c *model.Credit) bool {
	if k == nil {
		return true
	}
	if c.BlockHeight != k.Height {
		return c.BlockHeight > k.Height
	}
	return c.ReferenceID > k.ReferenceID
}

// After returns the range (ancestor, upper].
func After(ancestor, upper int64) Range {
	return Range{From: ancestor + 1, To: upper}
}

func (r Range) Contains(h int64) bool {
	return h >= r.From && h <= r.To
}

func (r Range) Empty() bool {
	return r.To < r.From
}

// CreditUpdate carries optional fields written together with a status change.
type CreditUpdate struct {
	BlockHeight  *int64
	ErrorMessage *string
}

type WithdrawUpdate struct {
	BlockHeight  *int64
	ErrorMessage *string
}

// DeleteResult reports a range deletion. FrozenRetained counts credits in
// the range that were kept because they are held for manual review.
type DeleteResult struct {
	Deleted        int64
	FrozenRetained int64
}

// ReopenResult reports withdrawals whose outcome was read from rolled-back
// blocks and returned to pending.
type ReopenResult struct {
	Reopened       int64
	RefundsDeleted int64
	// RefundsFrozen counts failed withdrawals left failed because their
	// refund is held for manual review.
	RefundsFrozen int64
}

type Reader interface {
	// LastAccepted returns the highest confirmed block, or nil when nothing
	// has been accepted yet.
	LastAccepted(ctx context.Context, chain model.Chain, network model.Network) (*model.ChainTip, error)
	// HighestRecorded returns the highest non-orphaned height, skipped
	// slots included, with ok=false when no record exists.
	HighestRecorded(ctx context.Context, chain model.Chain, network model.Network) (height int64, ok bool, err error)
	// CanonicalBlock returns the non-orphaned record at height, or nil.
	CanonicalBlock(ctx context.Context, chain model.Chain, network model.Network, height int64) (*model.BlockRecord, error)
	// CreditsByStatus pages credits in (block_height, reference_id) order,
	// starting strictly after the cursor. A nil cursor starts at the lowest
	// height.
	CreditsByStatus(ctx context.Context, chain model.Chain, network model.Network, status model.CreditStatus, after *Cursor, limit int) ([]model.Credit, error)
	// Credit returns the credit with the reference id, or nil.
	Credit(ctx context.Context, referenceID string) (*model.Credit, error)
	NonTerminalWithdrawals(ctx context.Context, chain model.Chain, network model.Network, limit int) ([]model.Withdraw, error)
	Withdraw(ctx context.Context, id uuid.UUID) (*model.Withdraw, error)
	// Balance sums finalized credits for (user, asset).
	Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error)
}

type Writer interface {
	// UpsertBlock stores a block record. Storing the same hash at a height
	// twice is a no-op; a different hash while a canonical record exists
	// returns ErrConflict.
	UpsertBlock(ctx context.Context, rec *model.BlockRecord) error
	// CreateCredit inserts c. A duplicate reference id returns the existing
	// id with created=false and no error.
	CreateCredit(ctx context.Context, c *model.Credit) (id uuid.UUID, created bool, err error)
	// UpdateCreditStatus moves one credit from -> to. applied is false when
	// the credit is no longer in from.
	UpdateCreditStatus(ctx context.Context, referenceID string, from, to model.CreditStatus, upd CreditUpdate) (applied bool, err error)
	// PromoteCredits moves every credit of the chain in from with
	// block_height <= maxHeight to to, returning the affected count.
	PromoteCredits(ctx context.Context, chain model.Chain, network model.Network, from, to model.CreditStatus, maxHeight int64) (int64, error)
	// OrphanBlocks marks every canonical record in r orphaned.
	OrphanBlocks(ctx context.Context, chain model.Chain, network model.Network, r Range) (int64, error)
	// DeleteCreditsInRange removes deposit credits in r. Frozen credits and
	// withdrawal-related credits are never removed.
	DeleteCreditsInRange(ctx context.Context, chain model.Chain, network model.Network, r Range) (DeleteResult, error)
	// ReopenWithdrawalsInRange moves confirmed and failed withdrawals whose
	// block_height is in r back to pending, clearing height and error, and
	// deletes the refund credits of the failed ones.
	ReopenWithdrawalsInRange(ctx context.Context, chain model.Chain, network model.Network, r Range) (ReopenResult, error)
	CreateWithdraw(ctx context.Context, w *model.Withdraw) (created bool, err error)
	UpdateWithdrawStatus(ctx context.Context, id uuid.UUID, from, to model.WithdrawStatus, upd WithdrawUpdate) (applied bool, err error)
}

// Store is the view handed to a transaction body.
type Store interface {
	Reader
	Writer
}

type Gateway interface {
	Store
	// InTx runs fn in one transaction. Nothing fn wrote is kept when it
	// returns an error.
	InTx(ctx context.Context, fn func(tx Store) error) error
}
