package model

import "github.com/shopspring/decimal"

// TransferEvent is a single value movement observed in a block. It is never
// persisted; deposits into monitored addresses become Credits.
type TransferEvent struct {
	TxHash     string
	Height     int64
	FromAddr   string
	ToAddr     string
	Asset      string // native asset symbol or token contract/mint address
	Amount     decimal.Decimal
	EventIndex int
}
