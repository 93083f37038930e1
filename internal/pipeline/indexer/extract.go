package indexer

import (
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// extract turns transfers into monitored addresses into pending deposit
// credits. Token transfers are credited only for registered, non-denied
// contracts.
func (i *Indexer) extract(transfers []model.TransferEvent) []model.Credit {
	var credits []model.Credit
	for _, tr := range transfers {
		owner, ok := i.addresses.Lookup(tr.ToAddr)
		if !ok {
			continue
		}
		if tr.Asset != i.cfg.NativeAsset && !i.tokens.Allowed(tr.Asset) {
			continue
		}
		if !tr.Amount.IsPositive() {
			continue
		}
		credits = append(credits, model.Credit{
			Chain:       i.cfg.Chain,
			Network:     i.cfg.Network,
			UserID:      owner.UserID,
			Address:     i.cfg.Chain.NormalizeAddress(tr.ToAddr),
			Asset:       i.asset(tr.Asset),
			Amount:      tr.Amount,
			CreditType:  model.CreditTypeDeposit,
			ReferenceID: model.DepositReference(i.cfg.Chain, tr.TxHash, tr.EventIndex),
			TxHash:      tr.TxHash,
			Status:      model.CreditStatusPending,
			BlockHeight: tr.Height,
		})
	}
	return credits
}

func (i *Indexer) asset(a string) string {
	if a == i.cfg.NativeAsset {
		return a
	}
	return i.cfg.Chain.NormalizeAddress(a)
}
