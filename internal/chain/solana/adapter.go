package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"

	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/failover"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// JSON-RPC codes returned by getBlock for slots that hold no block.
const (
	codeSlotSkipped         = -32007
	codeSlotSkippedLongTerm = -32009
	codeBlockNotAvailable   = -32004

	tokenEventIndexOffset = 256
	maxSupportedTxVersion = uint64(0)
)

// solanaAPI is the subset of *rpc.Client the adapter uses.
type solanaAPI interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solanago.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ solanaAPI = (*rpc.Client)(nil)

type Config struct {
	Chain       model.Chain
	NativeAsset string
	RPCURLs     []string
	Failover    failover.Config
}

type Adapter struct {
	chain       model.Chain
	nativeAsset string
	pool        *failover.Pool[solanaAPI]
	logger      *slog.Logger
}

var _ chain.ChainAdapter = (*Adapter)(nil)

func Dial(cfg Config, logger *slog.Logger) (*Adapter, error) {
	endpoints := make([]failover.Endpoint[solanaAPI], 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		endpoints = append(endpoints, failover.Endpoint[solanaAPI]{
			Name:   failover.EndpointName(url),
			Client: rpc.New(url),
		})
	}
	fcfg := cfg.Failover
	fcfg.Chain = cfg.Chain.String()
	fcfg.Definitive = isSkippedSlot
	pool, err := failover.New(fcfg, logger, endpoints...)
	if err != nil {
		return nil, err
	}
	return New(cfg.Chain, cfg.NativeAsset, pool, logger), nil
}

func New(c model.Chain, nativeAsset string, pool *failover.Pool[solanaAPI], logger *slog.Logger) *Adapter {
	if nativeAsset == "" {
		nativeAsset = "SOL"
	}
	return &Adapter{
		chain:       c,
		nativeAsset: nativeAsset,
		pool:        pool,
		logger:      logger.With("component", "solana_adapter", "chain", c.String()),
	}
}

func (a *Adapter) Chain() string {
	return a.chain.String()
}

// rpcCommitment maps commitments onto Solana levels. There is no separate
// safe level; confirmed (supermajority voted) stands in for it.
func rpcCommitment(c chain.Commitment) rpc.CommitmentType {
	if c == chain.CommitmentFinalized {
		return rpc.CommitmentFinalized
	}
	return rpc.CommitmentConfirmed
}

func (a *Adapter) GetTip(ctx context.Context, commitment chain.Commitment) (int64, error) {
	level := rpcCommitment(commitment)
	slot, err := failover.Call(ctx, a.pool, "getSlot", func(ctx context.Context, c solanaAPI) (uint64, error) {
		return c.GetSlot(ctx, level)
	})
	if err != nil {
		return 0, fmt.Errorf("get slot (%s): %w", level, err)
	}
	return int64(slot), nil
}

func (a *Adapter) GetSafeHeight(ctx context.Context) (int64, error) {
	return a.GetTip(ctx, chain.CommitmentSafe)
}

func (a *Adapter) GetFinalizedHeight(ctx context.Context) (int64, error) {
	return a.GetTip(ctx, chain.CommitmentFinalized)
}

func (a *Adapter) GetLogs(context.Context, chain.LogFilter) ([]model.TransferEvent, error) {
	return nil, chain.ErrUnsupported
}

// GetBlock returns nil for skipped slots.
func (a *Adapter) GetBlock(ctx context.Context, height int64, commitment chain.Commitment) (*chain.Block, error) {
	version := maxSupportedTxVersion
	rewards := false
	opts := &rpc.GetBlockOpts{
		Encoding:                       solanago.EncodingBase64,
		TransactionDetails:             rpc.TransactionDetailsFull,
		Rewards:                        &rewards,
		Commitment:                     rpcCommitment(commitment),
		MaxSupportedTransactionVersion: &version,
	}
	res, err := failover.Call(ctx, a.pool, "getBlock", func(ctx context.Context, c solanaAPI) (*rpc.GetBlockResult, error) {
		return c.GetBlockWithOpts(ctx, uint64(height), opts)
	})
	if err != nil {
		if isSkippedSlot(err) {
			return nil, nil
		}
		if isBlockNotAvailable(err) {
			return nil, fmt.Errorf("slot %d: %w", height, chain.ErrBlockUnavailable)
		}
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}
	if res == nil {
		return nil, fmt.Errorf("slot %d: %w", height, chain.ErrBlockUnavailable)
	}

	out := &chain.Block{
		Height:       height,
		Hash:         res.Blockhash.String(),
		ParentHash:   res.PreviousBlockhash.String(),
		ParentHeight: int64(res.ParentSlot),
	}
	if res.BlockTime != nil {
		ts := res.BlockTime.Time().UTC()
		out.Timestamp = &ts
	}

	views := make([]txView, 0, len(res.Transactions))
	for i := range res.Transactions {
		view, err := toTxView(&res.Transactions[i])
		if err != nil {
			return nil, fmt.Errorf("slot %d tx %d: %w", height, i, err)
		}
		views = append(views, view)
	}
	out.Transfers = extractTransfers(height, a.nativeAsset, views)
	return out, nil
}

func (a *Adapter) GetTransactionResult(ctx context.Context, hash string) (*chain.Receipt, error) {
	sig, err := solanago.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("parse signature %q: %w", hash, err)
	}
	res, err := failover.Call(ctx, a.pool, "getSignatureStatuses", func(ctx context.Context, c solanaAPI) (*rpc.GetSignatureStatusesResult, error) {
		return c.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return nil, fmt.Errorf("get signature status %s: %w", hash, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	st := res.Value[0]
	out := &chain.Receipt{
		TxHash:  hash,
		Height:  int64(st.Slot),
		Success: st.Err == nil,
	}
	if st.Err != nil {
		out.Error = fmt.Sprintf("%v", st.Err)
	}
	return out, nil
}

type tokenBalance struct {
	AccountIndex int
	Owner        string
	Mint         string
	Amount       decimal.Decimal
}

// txView is the part of a transaction with meta that transfer extraction
// reads.
type txView struct {
	Signature    string
	AccountKeys  []string
	Failed       bool
	PreBalances  []uint64
	PostBalances []uint64
	PreTokens    []tokenBalance
	PostTokens   []tokenBalance
}

func toTxView(twm *rpc.TransactionWithMeta) (txView, error) {
	var view txView
	if twm.Meta == nil {
		return view, errors.New("transaction without meta")
	}
	tx, err := twm.GetTransaction()
	if err != nil {
		return view, fmt.Errorf("decode transaction: %w", err)
	}
	if len(tx.Signatures) > 0 {
		view.Signature = tx.Signatures[0].String()
	}
	for _, k := range tx.Message.AccountKeys {
		view.AccountKeys = append(view.AccountKeys, k.String())
	}
	for _, k := range twm.Meta.LoadedAddresses.Writable {
		view.AccountKeys = append(view.AccountKeys, k.String())
	}
	for _, k := range twm.Meta.LoadedAddresses.ReadOnly {
		view.AccountKeys = append(view.AccountKeys, k.String())
	}
	view.Failed = twm.Meta.Err != nil
	view.PreBalances = twm.Meta.PreBalances
	view.PostBalances = twm.Meta.PostBalances
	if view.PreTokens, err = toTokenBalances(twm.Meta.PreTokenBalances); err != nil {
		return view, err
	}
	if view.PostTokens, err = toTokenBalances(twm.Meta.PostTokenBalances); err != nil {
		return view, err
	}
	return view, nil
}

func toTokenBalances(in []rpc.TokenBalance) ([]tokenBalance, error) {
	out := make([]tokenBalance, 0, len(in))
	for _, tb := range in {
		if tb.Owner == nil || tb.UiTokenAmount == nil {
			continue
		}
		amount, err := decimal.NewFromString(tb.UiTokenAmount.Amount)
		if err != nil {
			return nil, fmt.Errorf("token amount %q: %w", tb.UiTokenAmount.Amount, err)
		}
		out = append(out, tokenBalance{
			AccountIndex: int(tb.AccountIndex),
			Owner:        tb.Owner.String(),
			Mint:         tb.Mint.String(),
			Amount:       amount,
		})
	}
	return out, nil
}

// extractTransfers turns balance deltas into transfer events. Every account
// whose balance grew is a recipient; the sender is the account with the
// largest decrease. Native events use the account index as event index and
// token events add tokenEventIndexOffset so the two never collide.
func extractTransfers(slot int64, nativeAsset string, txs []txView) []model.TransferEvent {
	var out []model.TransferEvent
	for _, tx := range txs {
		if tx.Failed {
			continue
		}

		sender := ""
		var largestDebit int64
		for i := 0; i < len(tx.PreBalances) && i < len(tx.PostBalances) && i < len(tx.AccountKeys); i++ {
			delta := int64(tx.PostBalances[i]) - int64(tx.PreBalances[i])
			if delta < largestDebit {
				largestDebit = delta
				sender = tx.AccountKeys[i]
			}
		}
		for i := 0; i < len(tx.PreBalances) && i < len(tx.PostBalances) && i < len(tx.AccountKeys); i++ {
			delta := int64(tx.PostBalances[i]) - int64(tx.PreBalances[i])
			if delta <= 0 {
				continue
			}
			out = append(out, model.TransferEvent{
				TxHash:     tx.Signature,
				Height:     slot,
				FromAddr:   sender,
				ToAddr:     tx.AccountKeys[i],
				Asset:      nativeAsset,
				Amount:     decimal.NewFromInt(delta),
				EventIndex: i,
			})
		}

		pre := make(map[int]tokenBalance, len(tx.PreTokens))
		for _, tb := range tx.PreTokens {
			pre[tb.AccountIndex] = tb
		}
		tokenSender := map[string]string{}
		for _, post := range tx.PostTokens {
			if before, ok := pre[post.AccountIndex]; ok && post.Amount.LessThan(before.Amount) {
				tokenSender[post.Mint] = post.Owner
			}
		}
		for _, post := range tx.PostTokens {
			before := decimal.Zero
			if tb, ok := pre[post.AccountIndex]; ok {
				before = tb.Amount
			}
			delta := post.Amount.Sub(before)
			if !delta.IsPositive() {
				continue
			}
			out = append(out, model.TransferEvent{
				TxHash:     tx.Signature,
				Height:     slot,
				FromAddr:   tokenSender[post.Mint],
				ToAddr:     post.Owner,
				Asset:      post.Mint,
				Amount:     delta,
				EventIndex: tokenEventIndexOffset + post.AccountIndex,
			})
		}
	}
	return out
}

func rpcErrorCode(err error) (int, bool) {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}

func isSkippedSlot(err error) bool {
	code, ok := rpcErrorCode(err)
	return ok && (code == codeSlotSkipped || code == codeSlotSkippedLongTerm)
}

func isBlockNotAvailable(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	code, ok := rpcErrorCode(err)
	return ok && code == codeBlockNotAvailable
}
