package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreditType string

const (
	CreditTypeDeposit        CreditType = "deposit"
	CreditTypeWithdraw       CreditType = "withdraw"
	CreditTypeWithdrawRefund CreditType = "withdraw_refund"
)

type CreditStatus string

const (
	CreditStatusPending   CreditStatus = "pending"
	CreditStatusConfirmed CreditStatus = "confirmed"
	CreditStatusSafe      CreditStatus = "safe"
	CreditStatusFinalized CreditStatus = "finalized"
	CreditStatusFailed    CreditStatus = "failed"
	// CreditStatusFrozen marks credits held for manual review. Frozen
	// credits are excluded from automatic reorg rollback.
	CreditStatusFrozen CreditStatus = "frozen"
)

// Next returns the following status in the confirmation sequence.
func (s CreditStatus) Next() (CreditStatus, bool) {
	switch s {
	case CreditStatusPending:
		return CreditStatusConfirmed, true
	case CreditStatusConfirmed:
		return CreditStatusSafe, true
	case CreditStatusSafe:
		return CreditStatusFinalized, true
	default:
		return "", false
	}
}

func (s CreditStatus) IsTerminal() bool {
	switch s {
	case CreditStatusFinalized, CreditStatusFailed, CreditStatusFrozen:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from->to is a legal single step: one forward
// step in the sequence, or failure from any non-terminal state.
func CanTransition(from, to CreditStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == CreditStatusFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

type Credit struct {
	ID           uuid.UUID       `db:"id"`
	Chain        Chain           `db:"chain"`
	Network      Network         `db:"network"`
	UserID       string          `db:"user_id"`
	Address      string          `db:"address"`
	Asset        string          `db:"asset"`
	Amount       decimal.Decimal `db:"amount"`
	CreditType   CreditType      `db:"credit_type"`
	ReferenceID  string          `db:"reference_id"`
	TxHash       string          `db:"tx_hash"`
	Status       CreditStatus    `db:"status"`
	BlockHeight  int64           `db:"block_height"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// DepositReference builds the unique reference of a deposit credit.
func DepositReference(chain Chain, txHash string, eventIndex int) string {
	return fmt.Sprintf("%s:%s:%d", chain, txHash, eventIndex)
}

// WithdrawReference builds the reference of the debit recorded at broadcast.
func WithdrawReference(id uuid.UUID) string {
	return "withdraw:" + id.String()
}

// RefundReference builds the reference of the compensating credit for a
// failed withdrawal.
func RefundReference(id uuid.UUID) string {
	return "withdraw:" + id.String() + ":refund"
}
