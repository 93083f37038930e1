package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WithdrawStatus string

const (
	WithdrawStatusPending   WithdrawStatus = "pending"
	WithdrawStatusConfirmed WithdrawStatus = "confirmed"
	WithdrawStatusFinalized WithdrawStatus = "finalized"
	WithdrawStatusFailed    WithdrawStatus = "failed"
)

func (s WithdrawStatus) IsTerminal() bool {
	return s == WithdrawStatusFinalized || s == WithdrawStatusFailed
}

// Withdraw is a platform-originated outbound transaction. Amount is the
// positive quantity debited from the user at broadcast time.
type Withdraw struct {
	ID           uuid.UUID       `db:"id"`
	Chain        Chain           `db:"chain"`
	Network      Network         `db:"network"`
	UserID       string          `db:"user_id"`
	FromAddress  string          `db:"from_address"`
	ToAddress    string          `db:"to_address"`
	Asset        string          `db:"asset"`
	Amount       decimal.Decimal `db:"amount"`
	TxHash       string          `db:"tx_hash"`
	Status       WithdrawStatus  `db:"status"`
	BlockHeight  *int64          `db:"block_height"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}
