//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
	"github.com/lbc-team/cex-wallet-sub001/internal/store/postgres"
)

func confirmedBlock(network model.Network, h int64, hash, parent string) model.BlockRecord {
	return model.BlockRecord{
		Chain: model.ChainEthereum, Network: network,
		Height: h, Hash: hash, ParentHash: parent,
		Status: model.BlockStatusConfirmed,
	}
}

func depositCredit(network model.Network, user string, h int64, amount int64) model.Credit {
	return model.Credit{
		Chain: model.ChainEthereum, Network: network,
		UserID: user, Address: "0xabc", Asset: "ETH",
		Amount:      decimal.NewFromInt(amount),
		CreditType:  model.CreditTypeDeposit,
		ReferenceID: model.DepositReference(model.ChainEthereum, fmt.Sprintf("0x%s-%d", network, h), 0),
		TxHash:      fmt.Sprintf("0x%d", h),
		Status:      model.CreditStatusPending,
		BlockHeight: h,
	}
}

// ---------- Ledger: blocks ----------

func TestLedger_AcceptBatchIdempotent(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()
	user := uuid.NewString()

	units := []ledger.Unit{
		{Block: confirmedBlock(network, 1, "h1", "h0"), Credits: []model.Credit{depositCredit(network, user, 1, 5)}},
		{Block: model.BlockRecord{Chain: model.ChainEthereum, Network: network, Height: 2, Status: model.BlockStatusSkipped}},
		{Block: confirmedBlock(network, 3, "h3", "h1"), Credits: []model.Credit{depositCredit(network, user, 3, 7)}},
	}

	res, err := ledger.AcceptBatch(ctx, l, units)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchResult{Blocks: 3, CreditsCreated: 2}, res)

	res, err = ledger.AcceptBatch(ctx, l, units)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CreditsDuplicate)
	assert.Zero(t, res.CreditsCreated)

	tip, err := l.LastAccepted(ctx, model.ChainEthereum, network)
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, int64(3), tip.Height)

	pending, err := l.CreditsByStatus(ctx, model.ChainEthereum, network, model.CreditStatusPending, nil, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(1), pending[0].BlockHeight)

	rest, err := l.CreditsByStatus(ctx, model.ChainEthereum, network, model.CreditStatusPending, ledger.CursorOf(pending[0]), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, pending[1].ReferenceID, rest[0].ReferenceID)
}

func TestLedger_UpsertBlockConflictAndReaccept(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()

	a := confirmedBlock(network, 10, "A", "P")
	require.NoError(t, l.UpsertBlock(ctx, &a))

	b := confirmedBlock(network, 10, "B", "P")
	require.ErrorIs(t, l.UpsertBlock(ctx, &b), ledger.ErrConflict)

	_, err := ledger.Rollback(ctx, l, model.ChainEthereum, network, ledger.Range{From: 10, To: 10})
	require.NoError(t, err)
	require.NoError(t, l.UpsertBlock(ctx, &b))

	// Fork B is itself reorged away and A wins again.
	_, err = ledger.Rollback(ctx, l, model.ChainEthereum, network, ledger.Range{From: 10, To: 10})
	require.NoError(t, err)
	require.NoError(t, l.UpsertBlock(ctx, &a))

	rec, err := l.CanonicalBlock(ctx, model.ChainEthereum, network, 10)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.Hash)
}

func TestLedger_RollbackRetainsFrozen(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()
	user := uuid.NewString()

	var units []ledger.Unit
	for h := int64(1); h <= 10; h++ {
		units = append(units, ledger.Unit{
			Block:   confirmedBlock(network, h, fmt.Sprintf("h%d", h), fmt.Sprintf("h%d", h-1)),
			Credits: []model.Credit{depositCredit(network, user, h, 1)},
		})
	}
	_, err := ledger.AcceptBatch(ctx, l, units)
	require.NoError(t, err)

	frozen := depositCredit(network, user, 8, 1)
	_, err = db.ExecContext(ctx, `UPDATE credits SET status = 'frozen' WHERE reference_id = $1`, frozen.ReferenceID)
	require.NoError(t, err)

	res, err := ledger.Rollback(ctx, l, model.ChainEthereum, network, ledger.After(5, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.OrphanedBlocks)
	assert.Equal(t, int64(4), res.Deleted)
	assert.Equal(t, int64(1), res.FrozenRetained)

	tip, err := l.LastAccepted(ctx, model.ChainEthereum, network)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tip.Height)

	kept, err := l.Credit(ctx, frozen.ReferenceID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, model.CreditStatusFrozen, kept.Status)
}

func TestLedger_InTxRollsBackOnError(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()
	user := uuid.NewString()

	boom := fmt.Errorf("boom")
	err := l.InTx(ctx, func(tx ledger.Store) error {
		c := depositCredit(network, user, 1, 1)
		if _, _, err := tx.CreateCredit(ctx, &c); err != nil {
			return err
		}
		// Nested InTx joins the outer transaction.
		return l.InTx(ctx, func(ledger.Store) error { return boom })
	})
	require.ErrorIs(t, err, boom)

	c := depositCredit(network, user, 1, 1)
	found, err := l.Credit(ctx, c.ReferenceID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

// ---------- Ledger: credits ----------

func TestLedger_PromoteAndBalance(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()
	user := uuid.NewString()

	for _, h := range []int64{100, 110, 120} {
		c := depositCredit(network, user, h, h)
		c.Status = model.CreditStatusSafe
		_, created, err := l.CreateCredit(ctx, &c)
		require.NoError(t, err)
		require.True(t, created)
	}

	n, err := l.PromoteCredits(ctx, model.ChainEthereum, network, model.CreditStatusSafe, model.CreditStatusFinalized, 110)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = l.PromoteCredits(ctx, model.ChainEthereum, network, model.CreditStatusSafe, model.CreditStatusFinalized, 110)
	require.NoError(t, err)
	assert.Zero(t, n)

	bal, err := l.Balance(ctx, user, "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(210).Equal(bal), "got %s", bal)

	_, err = l.PromoteCredits(ctx, model.ChainEthereum, network, model.CreditStatusPending, model.CreditStatusFinalized, 110)
	require.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

func TestLedger_UpdateCreditStatusPrecondition(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()

	c := depositCredit(network, uuid.NewString(), 42, 1)
	_, _, err := l.CreateCredit(ctx, &c)
	require.NoError(t, err)

	msg := "execution reverted"
	applied, err := l.UpdateCreditStatus(ctx, c.ReferenceID, model.CreditStatusPending, model.CreditStatusFailed, ledger.CreditUpdate{ErrorMessage: &msg})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = l.UpdateCreditStatus(ctx, c.ReferenceID, model.CreditStatusPending, model.CreditStatusConfirmed, ledger.CreditUpdate{})
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := l.Credit(ctx, c.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, model.CreditStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, msg, *stored.ErrorMessage)
}

// ---------- Ledger: withdrawals ----------

func TestLedger_WithdrawalFailureRefund(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()
	user := uuid.NewString()

	w := &model.Withdraw{
		Chain: model.ChainEthereum, Network: network,
		UserID: user, FromAddress: "0xhot", ToAddress: "0xdest",
		Asset: "ETH", Amount: decimal.NewFromInt(40), TxHash: "0xw-" + uuid.NewString()[:8],
	}
	created, err := ledger.RegisterWithdrawal(ctx, l, w)
	require.NoError(t, err)
	require.True(t, created)

	open, err := l.NonTerminalWithdrawals(ctx, model.ChainEthereum, network, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, w.ID, open[0].ID)

	applied, err := ledger.FailWithdrawal(ctx, l, w, 77, "execution reverted")
	require.NoError(t, err)
	require.True(t, applied)

	stored, err := l.Withdraw(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusFailed, stored.Status)
	require.NotNil(t, stored.BlockHeight)
	assert.Equal(t, int64(77), *stored.BlockHeight)

	refund, err := l.Credit(ctx, model.RefundReference(w.ID))
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.Equal(t, model.CreditStatusConfirmed, refund.Status)

	n, err := l.PromoteCredits(ctx, model.ChainEthereum, network, model.CreditStatusConfirmed, model.CreditStatusSafe, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = l.PromoteCredits(ctx, model.ChainEthereum, network, model.CreditStatusSafe, model.CreditStatusFinalized, 100)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, user, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "debit and refund cancel out, got %s", bal)

	open, err = l.NonTerminalWithdrawals(ctx, model.ChainEthereum, network, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestLedger_RollbackReopensFailedWithdrawal(t *testing.T) {
	db := testDB(t)
	l := postgres.NewLedger(db)
	ctx := context.Background()
	network := isolatedNetwork()
	user := uuid.NewString()

	register := func(height int64) *model.Withdraw {
		w := &model.Withdraw{
			Chain: model.ChainEthereum, Network: network,
			UserID: user, FromAddress: "0xhot", ToAddress: "0xdest",
			Asset: "ETH", Amount: decimal.NewFromInt(5), TxHash: "0xw-" + uuid.NewString()[:8],
		}
		_, err := ledger.RegisterWithdrawal(ctx, l, w)
		require.NoError(t, err)
		_, err = ledger.FailWithdrawal(ctx, l, w, height, "execution reverted")
		require.NoError(t, err)
		return w
	}
	reverted := register(8)
	held := register(9)
	kept := register(3)
	_, err := db.ExecContext(ctx, `UPDATE credits SET status = 'frozen' WHERE reference_id = $1`, model.RefundReference(held.ID))
	require.NoError(t, err)

	res, err := ledger.Rollback(ctx, l, model.ChainEthereum, network, ledger.After(5, 10))
	require.NoError(t, err)
	assert.Equal(t, ledger.ReopenResult{Reopened: 1, RefundsDeleted: 1, RefundsFrozen: 1}, res.Withdrawals)

	stored, err := l.Withdraw(ctx, reverted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusPending, stored.Status)
	assert.Nil(t, stored.BlockHeight)
	assert.Nil(t, stored.ErrorMessage)
	refund, err := l.Credit(ctx, model.RefundReference(reverted.ID))
	require.NoError(t, err)
	assert.Nil(t, refund)

	for _, w := range []*model.Withdraw{held, kept} {
		stored, err := l.Withdraw(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, model.WithdrawStatusFailed, stored.Status)
	}
}

// ---------- Address and token repos ----------

func TestWatchedAddressRepo_NormalizesAndCounts(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewWatchedAddressRepo(db)
	ctx := context.Background()
	network := isolatedNetwork()

	require.NoError(t, repo.Upsert(ctx, &model.WatchedAddress{
		Chain: model.ChainEthereum, Network: network,
		Address: "0xABCDEF", UserID: "u1", IsActive: true,
	}))
	require.NoError(t, repo.Upsert(ctx, &model.WatchedAddress{
		Chain: model.ChainEthereum, Network: network,
		Address: "0x123456", UserID: "u2", IsActive: false,
	}))

	n, err := repo.CountActive(ctx, model.ChainEthereum, network)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByAddress(ctx, model.ChainEthereum, network, "0xAbCdEf")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "0xabcdef", found.Address)
	assert.Equal(t, "u1", found.UserID)

	active, err := repo.GetActive(ctx, model.ChainEthereum, network)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTokenRepo_DenyFlag(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTokenRepo(db)
	ctx := context.Background()
	network := isolatedNetwork()

	require.NoError(t, repo.Upsert(ctx, &model.Token{
		Chain: model.ChainEthereum, Network: network,
		ContractAddress: "0xTOKEN", Symbol: "USDC", Decimals: 6,
	}))

	ok, err := repo.SetDenied(ctx, model.ChainEthereum, network, "0xtoken", true)
	require.NoError(t, err)
	assert.True(t, ok)

	tokens, err := repo.List(ctx, model.ChainEthereum, network)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.True(t, tokens[0].IsDenied)
	assert.Equal(t, 6, tokens[0].Decimals)

	n, err := repo.Count(ctx, model.ChainEthereum, network)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
