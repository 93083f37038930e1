package withdrawal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbc-team/cex-wallet-sub001/internal/alert"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/chaintest"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/event"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
)

type fixedFinality struct {
	mu        sync.Mutex
	finalized int64
	err       error
}

var _ Finality = (*fixedFinality)(nil)

func (f *fixedFinality) Lines(context.Context) (event.FinalityLines, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return event.FinalityLines{Finalized: f.finalized}, f.err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type failingReceipts struct {
	chain.ChainAdapter
}

func (failingReceipts) GetTransactionResult(context.Context, string) (*chain.Receipt, error) {
	return nil, errors.New("i/o timeout")
}

type fixture struct {
	chain    *chaintest.Chain
	mem      *ledger.Memory
	finality *fixedFinality
	alerts   *recordingAlerter
	tracker  *Tracker
}

func newFixture(t *testing.T, network string) *fixture {
	t.Helper()
	f := &fixture{
		chain:    chaintest.New("ethereum"),
		mem:      ledger.NewMemory(),
		finality: &fixedFinality{},
		alerts:   &recordingAlerter{},
	}
	f.tracker = New(f.chain, f.mem, f.finality, Config{
		Chain:   model.ChainEthereum,
		Network: model.Network(network),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithAlerter(f.alerts))
	return f
}

func (f *fixture) register(t *testing.T, tx string, amount int64) *model.Withdraw {
	t.Helper()
	w := &model.Withdraw{
		ID:          uuid.New(),
		UserID:      "u1",
		FromAddress: "0xHOT",
		ToAddress:   "0xdest",
		Asset:       "ETH",
		Amount:      decimal.NewFromInt(amount),
		TxHash:      tx,
	}
	created, err := f.tracker.Register(context.Background(), w)
	require.NoError(t, err)
	require.True(t, created)
	return w
}

func (f *fixture) withdraw(t *testing.T, id uuid.UUID) *model.Withdraw {
	t.Helper()
	w, err := f.mem.Withdraw(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func balance(t *testing.T, g ledger.Gateway) decimal.Decimal {
	t.Helper()
	b, err := g.Balance(context.Background(), "u1", "ETH")
	require.NoError(t, err)
	return b
}

func TestRegister_DebitsImmediatelyAndIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "register")
	w := f.register(t, "0xw1", 30)

	stored := f.withdraw(t, w.ID)
	assert.Equal(t, model.WithdrawStatusPending, stored.Status)
	assert.Equal(t, "0xhot", stored.FromAddress)

	debit, err := f.mem.Credit(context.Background(), model.WithdrawReference(w.ID))
	require.NoError(t, err)
	require.NotNil(t, debit)
	assert.Equal(t, model.CreditStatusFinalized, debit.Status)
	assert.True(t, debit.Amount.Equal(decimal.NewFromInt(-30)))
	assert.True(t, balance(t, f.mem).Equal(decimal.NewFromInt(-30)))

	created, err := f.tracker.Register(context.Background(), w)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, f.mem.Credits(), 1)
}

func TestRegister_RejectsOtherChainsAndMissingHash(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "register-reject")

	_, err := f.tracker.Register(context.Background(), &model.Withdraw{
		Chain: model.ChainSolana, Amount: decimal.NewFromInt(1), TxHash: "sig",
	})
	require.Error(t, err)

	_, err = f.tracker.Register(context.Background(), &model.Withdraw{Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Empty(t, f.mem.Credits())
}

func TestRunOnce_ConfirmThenFinalize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "lifecycle")
	ctx := context.Background()
	w := f.register(t, "0xw1", 5)

	res, err := f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, model.WithdrawStatusPending, f.withdraw(t, w.ID).Status, "no receipt yet")

	f.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 40, Success: true})
	res, err = f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	stored := f.withdraw(t, w.ID)
	assert.Equal(t, model.WithdrawStatusConfirmed, stored.Status)
	require.NotNil(t, stored.BlockHeight)
	assert.Equal(t, int64(40), *stored.BlockHeight)

	f.finality.finalized = 39
	res, err = f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Finalized)

	f.finality.finalized = 40
	res, err = f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	assert.Equal(t, model.WithdrawStatusFinalized, f.withdraw(t, w.ID).Status)

	res, err = f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Polled, "terminal withdrawals are not polled")
	assert.True(t, balance(t, f.mem).Equal(decimal.NewFromInt(-5)))
}

func TestRunOnce_FailedReceiptRefunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "refund")
	ctx := context.Background()
	w := f.register(t, "0xw1", 12)
	f.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 77, Success: false, Error: "out of gas"})

	res, err := f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored := f.withdraw(t, w.ID)
	assert.Equal(t, model.WithdrawStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "out of gas", *stored.ErrorMessage)

	refund, err := f.mem.Credit(ctx, model.RefundReference(w.ID))
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.Equal(t, model.CreditTypeWithdrawRefund, refund.CreditType)
	assert.Equal(t, model.CreditStatusConfirmed, refund.Status)
	assert.Equal(t, int64(77), refund.BlockHeight)
	assert.True(t, refund.Amount.Equal(decimal.NewFromInt(12)))

	// The refund counts once the confirmation engine finalizes it.
	assert.True(t, balance(t, f.mem).Equal(decimal.NewFromInt(-12)))

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, alert.AlertTypeWithdrawalFailed, f.alerts.alerts[0].Type)
	assert.Equal(t, w.ID.String(), f.alerts.alerts[0].Key)

	res, err = f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.Len(t, f.mem.Credits(), 2)
}

func TestRunOnce_ConfirmedWithdrawalCanStillFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "confirmed-fail")
	ctx := context.Background()
	w := f.register(t, "0xw1", 3)
	f.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 10, Success: true})
	_, err := f.tracker.RunOnce(ctx)
	require.NoError(t, err)

	// Re-included in a reverted form after a reorg.
	f.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 11, Success: false})
	res, err := f.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.WithdrawStatusFailed, f.withdraw(t, w.ID).Status)
}

func TestRunOnce_ReceiptErrorsAreCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "receipt-error")
	f.tracker.adapter = failingReceipts{ChainAdapter: f.chain}
	w := f.register(t, "0xw1", 1)

	res, err := f.tracker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, model.WithdrawStatusPending, f.withdraw(t, w.ID).Status)
}
