package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// Unit is one accepted block (or skipped slot) with the credits it produced.
type Unit struct {
	Block   model.BlockRecord
	Credits []model.Credit
}

type BatchResult struct {
	Blocks           int
	CreditsCreated   int
	CreditsDuplicate int
}

// AcceptBatch persists block records and their credits in one transaction.
func AcceptBatch(ctx context.Context, g Gateway, units []Unit) (BatchResult, error) {
	var res BatchResult
	err := g.InTx(ctx, func(tx Store) error {
		res = BatchResult{}
		for i := range units {
			u := &units[i]
			if err := tx.UpsertBlock(ctx, &u.Block); err != nil {
				return err
			}
			res.Blocks++
			for j := range u.Credits {
				_, created, err := tx.CreateCredit(ctx, &u.Credits[j])
				if err != nil {
					return err
				}
				if created {
					res.CreditsCreated++
				} else {
					res.CreditsDuplicate++
				}
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("accept batch: %w", err)
	}
	return res, nil
}

type RollbackResult struct {
	OrphanedBlocks int64
	DeleteResult
	Withdrawals ReopenResult
}

// Rollback orphans the block records in r, deletes their deposit credits and
// reopens withdrawals observed in r, as one unit.
func Rollback(ctx context.Context, g Gateway, chain model.Chain, network model.Network, r Range) (RollbackResult, error) {
	var res RollbackResult
	err := g.InTx(ctx, func(tx Store) error {
		orphaned, err := tx.OrphanBlocks(ctx, chain, network, r)
		if err != nil {
			return err
		}
		deleted, err := tx.DeleteCreditsInRange(ctx, chain, network, r)
		if err != nil {
			return err
		}
		// The tracker reads receipts independently of the indexed tip, so a
		// withdrawal observed anywhere above the ancestor may sit on the
		// abandoned fork. Reopening one that did not costs a re-poll.
		reopened, err := tx.ReopenWithdrawalsInRange(ctx, chain, network, Range{From: r.From, To: math.MaxInt64})
		if err != nil {
			return err
		}
		res = RollbackResult{OrphanedBlocks: orphaned, DeleteResult: deleted, Withdrawals: reopened}
		return nil
	})
	if err != nil {
		return RollbackResult{}, fmt.Errorf("rollback %d-%d: %w", r.From, r.To, err)
	}
	return res, nil
}

// RegisterWithdrawal records a broadcast withdrawal and debits the user.
// The debit is final immediately; a failed withdrawal is compensated with a
// refund credit rather than by touching the debit.
func RegisterWithdrawal(ctx context.Context, g Gateway, w *model.Withdraw) (bool, error) {
	if !w.Amount.IsPositive() {
		return false, fmt.Errorf("register withdrawal: amount must be positive, got %s", w.Amount)
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = model.WithdrawStatusPending
	}

	var created bool
	err := g.InTx(ctx, func(tx Store) error {
		var err error
		created, err = tx.CreateWithdraw(ctx, w)
		if err != nil || !created {
			return err
		}
		_, _, err = tx.CreateCredit(ctx, &model.Credit{
			Chain:       w.Chain,
			Network:     w.Network,
			UserID:      w.UserID,
			Address:     w.FromAddress,
			Asset:       w.Asset,
			Amount:      w.Amount.Neg(),
			CreditType:  model.CreditTypeWithdraw,
			ReferenceID: model.WithdrawReference(w.ID),
			TxHash:      w.TxHash,
			Status:      model.CreditStatusFinalized,
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("register withdrawal %s: %w", w.ID, err)
	}
	return created, nil
}

// FailWithdrawal marks w failed and creates the refund credit restoring the
// debited amount. The refund starts as confirmed at the receipt height and is
// promoted by the confirmation engine like any other credit. Returns false
// when w was no longer in its expected status.
func FailWithdrawal(ctx context.Context, g Gateway, w *model.Withdraw, height int64, reason string) (bool, error) {
	var applied bool
	err := g.InTx(ctx, func(tx Store) error {
		var err error
		applied, err = tx.UpdateWithdrawStatus(ctx, w.ID, w.Status, model.WithdrawStatusFailed, WithdrawUpdate{
			BlockHeight:  &height,
			ErrorMessage: &reason,
		})
		if err != nil || !applied {
			return err
		}
		debit, err := tx.Credit(ctx, model.WithdrawReference(w.ID))
		if err != nil {
			return err
		}
		if debit == nil {
			return fmt.Errorf("debit credit for withdrawal %s: %w", w.ID, ErrNotFound)
		}
		_, _, err = tx.CreateCredit(ctx, &model.Credit{
			Chain:       debit.Chain,
			Network:     debit.Network,
			UserID:      debit.UserID,
			Address:     debit.Address,
			Asset:       debit.Asset,
			Amount:      debit.Amount.Neg(),
			CreditType:  model.CreditTypeWithdrawRefund,
			ReferenceID: model.RefundReference(w.ID),
			TxHash:      w.TxHash,
			Status:      model.CreditStatusConfirmed,
			BlockHeight: height,
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("fail withdrawal %s: %w", w.ID, err)
	}
	return applied, nil
}
