package event

import (
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// ReorgEvent describes one resolved reorganization. Heights in
// (Ancestor, Upper] were rolled back.
type ReorgEvent struct {
	Chain        model.Chain
	Network      model.Network
	DetectedAt   int64  // height whose check failed
	ExpectedHash string // hash stored locally
	ActualHash   string // hash observed on-chain
	Ancestor     int64
	Upper        int64
	// Degraded is set when no common ancestor was found above the start
	// height and the ledger was rewound to the start height.
	Degraded       bool
	OrphanedBlocks int64
	DeletedCredits int64
	FrozenRetained int64

	// ReopenedWithdrawals were observed in the rolled-back blocks and are
	// pending again. DeletedRefunds were the refunds of failed ones.
	ReopenedWithdrawals int64
	DeletedRefunds      int64
	ResolvedAt          time.Time
}

func (e ReorgEvent) Depth() int64 {
	return e.Upper - e.Ancestor
}
