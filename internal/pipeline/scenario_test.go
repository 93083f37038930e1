package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbc-team/cex-wallet-sub001/internal/addressindex"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/chaintest"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/confirmation"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/indexer"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/reorg"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/withdrawal"
)

const (
	userID      = "user-1"
	userAddress = "0xdeadbeef"
)

type staticSource struct {
	addresses []model.WatchedAddress
	tokens    []model.Token
}

var (
	_ addressindex.AddressSource = (*staticSource)(nil)
	_ addressindex.TokenSource   = (*staticSource)(nil)
)

func (s *staticSource) GetActive(context.Context, model.Chain, model.Network) ([]model.WatchedAddress, error) {
	return s.addresses, nil
}

func (s *staticSource) CountActive(context.Context, model.Chain, model.Network) (int64, error) {
	return int64(len(s.addresses)), nil
}

func (s *staticSource) List(context.Context, model.Chain, model.Network) ([]model.Token, error) {
	return s.tokens, nil
}

func (s *staticSource) Count(context.Context, model.Chain, model.Network) (int64, error) {
	return int64(len(s.tokens)), nil
}

// scenario wires the real components against a scripted chain.
type scenario struct {
	t       *testing.T
	chain   *chaintest.Chain
	mem     *ledger.Memory
	indexer *indexer.Indexer
	engine  *confirmation.Engine
	tracker *withdrawal.Tracker
}

func newScenario(t *testing.T, network string) *scenario {
	t.Helper()
	logger := testLogger()
	net := model.Network(network)
	src := &staticSource{
		addresses: []model.WatchedAddress{{Address: userAddress, UserID: userID, IsActive: true}},
	}
	s := &scenario{
		t:     t,
		chain: chaintest.New("ethereum"),
		mem:   ledger.NewMemory(),
	}
	s.engine = confirmation.New(s.chain, s.mem, confirmation.Config{
		Chain:    model.ChainEthereum,
		Network:  net,
		Depth:    24,
		CacheTTL: time.Nanosecond,
	}, logger)
	resolver := reorg.New(s.chain, s.mem, reorg.Config{
		Chain: model.ChainEthereum, Network: net, StartHeight: 1,
	}, logger)
	s.indexer = indexer.New(s.chain, s.mem, resolver,
		addressindex.NewAddressBook(src, model.ChainEthereum, net, logger),
		addressindex.NewTokenRegistry(src, model.ChainEthereum, net, logger),
		indexer.Config{
			Chain:       model.ChainEthereum,
			Network:     net,
			StartHeight: 1,
			NativeAsset: "ETH",
		}, logger, indexer.WithTrigger(s.engine))
	s.tracker = withdrawal.New(s.chain, s.mem, s.engine, withdrawal.Config{
		Chain: model.ChainEthereum, Network: net,
	}, logger)
	return s
}

// deposit appends a block paying amount ETH to the user and scripts a
// successful receipt for it.
func (s *scenario) deposit(tx string, amount int64) int64 {
	b := s.chain.AddBlock(model.TransferEvent{
		TxHash:   tx,
		FromAddr: "0xfeed",
		ToAddr:   userAddress,
		Asset:    "ETH",
		Amount:   decimal.NewFromInt(amount),
	})
	s.chain.SetReceipt(chain.Receipt{TxHash: tx, Height: b.Height, BlockHash: b.Hash, Success: true})
	return b.Height
}

// extendTo grows the chain to tip h.
func (s *scenario) extendTo(h int64) {
	s.chain.Extend(int(h - s.chain.Tip()))
}

// step runs one scan tick followed by confirmation cycles until nothing
// moves.
func (s *scenario) step() indexer.SyncResult {
	s.t.Helper()
	ctx := context.Background()
	res, err := s.indexer.Sync(ctx)
	require.NoError(s.t, err)
	for i := 0; i < 5; i++ {
		cycle, err := s.engine.RunOnce(ctx)
		require.NoError(s.t, err)
		if !cycle.Changed() {
			break
		}
	}
	s.assertBalanceInvariant()
	return res
}

// sync scans until the indexer reaches the tip.
func (s *scenario) sync() {
	s.t.Helper()
	for i := 0; i < 5; i++ {
		if res := s.step(); res.LastAccepted == s.chain.Tip() && res.Reorg == nil {
			return
		}
	}
	s.t.Fatalf("indexer did not reach tip %d", s.chain.Tip())
}

func (s *scenario) credit(ref string) *model.Credit {
	s.t.Helper()
	c, err := s.mem.Credit(context.Background(), ref)
	require.NoError(s.t, err)
	return c
}

func (s *scenario) status(tx string) model.CreditStatus {
	s.t.Helper()
	c := s.credit(model.DepositReference(model.ChainEthereum, tx, 0))
	require.NotNil(s.t, c, "credit for %s", tx)
	return c.Status
}

func (s *scenario) balance() decimal.Decimal {
	s.t.Helper()
	b, err := s.mem.Balance(context.Background(), userID, "ETH")
	require.NoError(s.t, err)
	return b
}

// assertBalanceInvariant checks the balance equals the sum of finalized
// credits.
func (s *scenario) assertBalanceInvariant() {
	s.t.Helper()
	sum := decimal.Zero
	for _, c := range s.mem.Credits() {
		if c.UserID == userID && c.Asset == "ETH" && c.Status == model.CreditStatusFinalized {
			sum = sum.Add(c.Amount)
		}
	}
	assert.True(s.t, s.balance().Equal(sum), "balance %s != finalized sum %s", s.balance(), sum)
}

func TestScenario_DepositLifecycle(t *testing.T) {
	t.Parallel()
	s := newScenario(t, "scenario-lifecycle")
	s.extendTo(99)
	require.Equal(t, int64(100), s.deposit("0xd1", 7))

	s.sync()
	assert.Equal(t, model.CreditStatusConfirmed, s.status("0xd1"))
	assert.True(t, s.balance().IsZero())

	s.extendTo(111)
	s.sync()
	assert.Equal(t, model.CreditStatusConfirmed, s.status("0xd1"), "tip 111 is short of safe")

	s.extendTo(112)
	s.sync()
	assert.Equal(t, model.CreditStatusSafe, s.status("0xd1"))
	assert.True(t, s.balance().IsZero(), "safe credits do not count")

	s.extendTo(123)
	s.sync()
	assert.Equal(t, model.CreditStatusSafe, s.status("0xd1"), "tip 123 is short of finalized")

	s.extendTo(124)
	s.sync()
	assert.Equal(t, model.CreditStatusFinalized, s.status("0xd1"))
	assert.True(t, s.balance().Equal(decimal.NewFromInt(7)))
}

func TestScenario_ShallowReorgBeforeFinality(t *testing.T) {
	t.Parallel()
	s := newScenario(t, "scenario-shallow-reorg")
	s.extendTo(99)
	s.deposit("0xd100", 7)
	s.extendTo(107)
	require.Equal(t, int64(108), s.deposit("0xd108", 3))
	s.extendTo(112)
	s.sync()
	assert.Equal(t, model.CreditStatusSafe, s.status("0xd100"))
	assert.Equal(t, model.CreditStatusConfirmed, s.status("0xd108"))

	// 106..112 are replaced; the fork point is 105.
	s.chain.Reorg(106)
	res := s.step()
	require.NotNil(t, res.Reorg)
	assert.Equal(t, int64(105), res.Reorg.Ancestor)
	assert.Nil(t, s.credit(model.DepositReference(model.ChainEthereum, "0xd108", 0)))
	assert.Equal(t, model.CreditStatusSafe, s.status("0xd100"))

	s.extendTo(124)
	s.sync()
	assert.Equal(t, model.CreditStatusFinalized, s.status("0xd100"))
	assert.True(t, s.balance().Equal(decimal.NewFromInt(7)), "the orphaned deposit never counts")
}

func TestScenario_DeepReorgDeletesDeposit(t *testing.T) {
	t.Parallel()
	s := newScenario(t, "scenario-deep-reorg")
	s.extendTo(99)
	s.deposit("0xd100", 7)
	s.extendTo(112)
	s.sync()
	assert.Equal(t, model.CreditStatusSafe, s.status("0xd100"))

	s.chain.Reorg(100)
	res := s.step()
	require.NotNil(t, res.Reorg)
	assert.Equal(t, int64(99), res.Reorg.Ancestor)
	assert.Nil(t, s.credit(model.DepositReference(model.ChainEthereum, "0xd100", 0)))

	s.extendTo(130)
	s.sync()
	assert.True(t, s.balance().IsZero())
	for _, b := range s.mem.Blocks() {
		if b.Height >= 100 && b.Status == model.BlockStatusConfirmed {
			assert.NotContains(t, b.Hash, "-e0", "canonical record at %d is from the orphaned fork", b.Height)
		}
	}
}

func TestScenario_WithdrawalFailureRefunds(t *testing.T) {
	t.Parallel()
	s := newScenario(t, "scenario-withdrawal")
	ctx := context.Background()
	s.extendTo(60)

	w := &model.Withdraw{
		ID:          uuid.New(),
		UserID:      userID,
		FromAddress: "0xhot",
		ToAddress:   "0xdest",
		Asset:       "ETH",
		Amount:      decimal.NewFromInt(12),
		TxHash:      "0xw1",
	}
	created, err := s.tracker.Register(ctx, w)
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, s.balance().Equal(decimal.NewFromInt(-12)))

	s.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 50, Success: false, Error: "execution reverted"})
	res, err := s.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored, err := s.mem.Withdraw(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "execution reverted", *stored.ErrorMessage)

	// The refund follows the same state machine as a deposit.
	s.sync()
	refund := s.credit(model.RefundReference(w.ID))
	require.NotNil(t, refund)
	assert.Equal(t, model.CreditStatusConfirmed, refund.Status, "safe line 48 is below the refund")

	s.extendTo(62)
	s.sync()
	assert.Equal(t, model.CreditStatusSafe, s.credit(model.RefundReference(w.ID)).Status)
	assert.True(t, s.balance().Equal(decimal.NewFromInt(-12)))

	s.extendTo(74)
	s.sync()
	assert.Equal(t, model.CreditStatusFinalized, s.credit(model.RefundReference(w.ID)).Status)
	assert.True(t, s.balance().IsZero())
}

func TestScenario_WithdrawalFailureRevertedByReorg(t *testing.T) {
	t.Parallel()
	s := newScenario(t, "scenario-withdrawal-reorg")
	ctx := context.Background()
	s.extendTo(80)
	s.sync()

	w := &model.Withdraw{
		ID:          uuid.New(),
		UserID:      userID,
		FromAddress: "0xhot",
		ToAddress:   "0xdest",
		Asset:       "ETH",
		Amount:      decimal.NewFromInt(12),
		TxHash:      "0xw1",
	}
	_, err := s.tracker.Register(ctx, w)
	require.NoError(t, err)

	s.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 77, BlockHash: s.chain.Block(77).Hash, Success: false, Error: "out of gas"})
	res, err := s.tracker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.NotNil(t, s.credit(model.RefundReference(w.ID)))

	// The failing inclusion is orphaned; the new fork includes the
	// transaction successfully at 79.
	s.chain.Reorg(75)
	tick := s.step()
	require.NotNil(t, tick.Reorg)
	assert.Equal(t, int64(74), tick.Reorg.Ancestor)
	assert.Equal(t, int64(1), tick.Reorg.ReopenedWithdrawals)
	assert.Equal(t, int64(1), tick.Reorg.DeletedRefunds)

	stored, err := s.mem.Withdraw(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusPending, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.Nil(t, s.credit(model.RefundReference(w.ID)))

	s.chain.SetReceipt(chain.Receipt{TxHash: "0xw1", Height: 79, BlockHash: s.chain.Block(79).Hash, Success: true})
	res, err = s.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	s.extendTo(103)
	s.sync()
	res, err = s.tracker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)

	stored, err = s.mem.Withdraw(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusFinalized, stored.Status)
	assert.Nil(t, s.credit(model.RefundReference(w.ID)))
	assert.True(t, s.balance().Equal(decimal.NewFromInt(-12)), "the user is not refunded for a withdrawal that succeeded")
}

func TestScenario_Idempotence(t *testing.T) {
	t.Parallel()
	s := newScenario(t, "scenario-idempotence")
	s.extendTo(9)
	s.deposit("0xd10", 4)
	s.extendTo(40)
	s.sync()
	assert.Equal(t, model.CreditStatusFinalized, s.status("0xd10"))
	credits := len(s.mem.Credits())

	res := s.step()
	assert.Zero(t, res.Blocks)
	assert.Zero(t, res.Credits)

	cycle, err := s.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, cycle.Changed())
	assert.Len(t, s.mem.Credits(), credits)
	assert.True(t, s.balance().Equal(decimal.NewFromInt(4)))
}
