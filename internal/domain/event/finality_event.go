package event

import "github.com/lbc-team/cex-wallet-sub001/internal/domain/model"

// FinalityLines are the heights at or below which records qualify for the
// safe and finalized states in one confirmation cycle.
type FinalityLines struct {
	Chain     model.Chain
	Network   model.Network
	Tip       int64
	Safe      int64
	Finalized int64
	Native    bool
}

// Advanced reports whether either line moved past prev.
func (l FinalityLines) Advanced(prev FinalityLines) bool {
	return l.Safe > prev.Safe || l.Finalized > prev.Finalized
}
