package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/chain/failover"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// TransferTopic is the keccak256 of the ERC-20 Transfer event signature.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ethAPI is the subset of *ethclient.Client the adapter uses.
type ethAPI interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ ethAPI = (*ethclient.Client)(nil)

type Config struct {
	Chain       model.Chain
	Network     model.Network
	NativeAsset string
	RPCURLs     []string
	Failover    failover.Config
}

type Adapter struct {
	chain       model.Chain
	nativeAsset string
	pool        *failover.Pool[ethAPI]
	signer      types.Signer
	contracts   func() []string
	logger      *slog.Logger
}

var _ chain.ChainAdapter = (*Adapter)(nil)

type Option func(*Adapter)

// WithTokenContracts restricts per-block log queries to the contracts
// returned by fn. When fn returns nothing, token logs are not queried.
func WithTokenContracts(fn func() []string) Option {
	return func(a *Adapter) { a.contracts = fn }
}

// Dial connects to every configured endpoint and resolves the chain id from
// the first one that answers.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	endpoints := make([]failover.Endpoint[ethAPI], 0, len(cfg.RPCURLs))
	var chainID *big.Int
	for _, url := range cfg.RPCURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			logger.Warn("evm endpoint dial failed", "chain", cfg.Chain, "endpoint", failover.EndpointName(url), "error", err)
			continue
		}
		if chainID == nil {
			idCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			id, err := client.ChainID(idCtx)
			cancel()
			if err != nil {
				logger.Warn("evm chain id lookup failed", "chain", cfg.Chain, "endpoint", failover.EndpointName(url), "error", err)
			} else {
				chainID = id
			}
		}
		endpoints = append(endpoints, failover.Endpoint[ethAPI]{Name: failover.EndpointName(url), Client: client})
	}
	if chainID == nil {
		return nil, fmt.Errorf("dial %s: no reachable endpoint", cfg.Chain)
	}

	fcfg := cfg.Failover
	fcfg.Chain = cfg.Chain.String()
	fcfg.Definitive = isNotFound
	pool, err := failover.New(fcfg, logger, endpoints...)
	if err != nil {
		return nil, err
	}
	return New(cfg.Chain, cfg.NativeAsset, chainID, pool, logger, opts...), nil
}

func New(c model.Chain, nativeAsset string, chainID *big.Int, pool *failover.Pool[ethAPI], logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		chain:       c,
		nativeAsset: nativeAsset,
		pool:        pool,
		signer:      types.LatestSignerForChainID(chainID),
		contracts:   func() []string { return nil },
		logger:      logger.With("component", "evm_adapter", "chain", c.String()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Chain() string {
	return a.chain.String()
}

func (a *Adapter) GetTip(ctx context.Context, commitment chain.Commitment) (int64, error) {
	switch commitment {
	case chain.CommitmentSafe:
		return a.taggedHeight(ctx, rpc.SafeBlockNumber)
	case chain.CommitmentFinalized:
		return a.taggedHeight(ctx, rpc.FinalizedBlockNumber)
	}
	n, err := failover.Call(ctx, a.pool, "eth_blockNumber", func(ctx context.Context, c ethAPI) (uint64, error) {
		return c.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("get tip: %w", err)
	}
	return int64(n), nil
}

func (a *Adapter) GetSafeHeight(ctx context.Context) (int64, error) {
	return a.taggedHeight(ctx, rpc.SafeBlockNumber)
}

func (a *Adapter) GetFinalizedHeight(ctx context.Context) (int64, error) {
	return a.taggedHeight(ctx, rpc.FinalizedBlockNumber)
}

func (a *Adapter) taggedHeight(ctx context.Context, tag rpc.BlockNumber) (int64, error) {
	header, err := failover.Call(ctx, a.pool, "eth_getBlockByNumber", func(ctx context.Context, c ethAPI) (*types.Header, error) {
		return c.HeaderByNumber(ctx, big.NewInt(int64(tag)))
	})
	if err != nil {
		if isNotFound(err) || isUnsupportedTag(err) {
			return 0, fmt.Errorf("%s block: %w", tag, chain.ErrUnsupported)
		}
		return 0, fmt.Errorf("get %s block: %w", tag, err)
	}
	return header.Number.Int64(), nil
}

// GetBlock never reports a skipped height: EVM chains produce a block at
// every number, so a missing block means the node is lagging.
func (a *Adapter) GetBlock(ctx context.Context, height int64, _ chain.Commitment) (*chain.Block, error) {
	block, err := failover.Call(ctx, a.pool, "eth_getBlockByNumber", func(ctx context.Context, c ethAPI) (*types.Block, error) {
		return c.BlockByNumber(ctx, big.NewInt(height))
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("block %d: %w", height, chain.ErrBlockUnavailable)
		}
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}

	out := &chain.Block{
		Height:       block.Number().Int64(),
		Hash:         block.Hash().Hex(),
		ParentHash:   block.ParentHash().Hex(),
		ParentHeight: block.Number().Int64() - 1,
	}
	ts := time.Unix(int64(block.Time()), 0).UTC()
	out.Timestamp = &ts

	out.Transfers = a.nativeTransfers(block)

	contracts := a.contracts()
	if len(contracts) == 0 {
		return out, nil
	}
	hash := block.Hash()
	logs, err := failover.Call(ctx, a.pool, "eth_getLogs", func(ctx context.Context, c ethAPI) ([]types.Log, error) {
		return c.FilterLogs(ctx, ethereum.FilterQuery{
			BlockHash: &hash,
			Addresses: toAddresses(contracts),
			Topics:    [][]common.Hash{{TransferTopic}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get logs for block %d: %w", height, err)
	}
	out.Transfers = append(out.Transfers, decodeTransferLogs(logs)...)
	return out, nil
}

// nativeTransfers returns value transfers carried by top-level transactions.
// Whether the transaction succeeded is decided later from its receipt.
func (a *Adapter) nativeTransfers(block *types.Block) []model.TransferEvent {
	var out []model.TransferEvent
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		from, err := types.Sender(a.signer, tx)
		if err != nil {
			a.logger.Warn("recover sender failed", "tx", tx.Hash().Hex(), "error", err)
			continue
		}
		out = append(out, model.TransferEvent{
			TxHash:     tx.Hash().Hex(),
			Height:     block.Number().Int64(),
			FromAddr:   strings.ToLower(from.Hex()),
			ToAddr:     strings.ToLower(tx.To().Hex()),
			Asset:      a.nativeAsset,
			Amount:     decimal.NewFromBigInt(tx.Value(), 0),
			EventIndex: NativeEventIndex,
		})
	}
	return out
}

// NativeEventIndex is the event index of a transaction's own value transfer.
// Token transfers use their log index plus one so the two never collide.
const NativeEventIndex = 0

func decodeTransferLogs(logs []types.Log) []model.TransferEvent {
	out := make([]model.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		// ERC-721 Transfer carries the token id as a fourth topic.
		if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) != 32 {
			continue
		}
		amount := new(big.Int).SetBytes(lg.Data)
		if amount.Sign() == 0 {
			continue
		}
		out = append(out, model.TransferEvent{
			TxHash:     lg.TxHash.Hex(),
			Height:     int64(lg.BlockNumber),
			FromAddr:   strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
			ToAddr:     strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
			Asset:      strings.ToLower(lg.Address.Hex()),
			Amount:     decimal.NewFromBigInt(amount, 0),
			EventIndex: int(lg.Index) + 1,
		})
	}
	return out
}

func (a *Adapter) GetTransactionResult(ctx context.Context, hash string) (*chain.Receipt, error) {
	receipt, err := failover.Call(ctx, a.pool, "eth_getTransactionReceipt", func(ctx context.Context, c ethAPI) (*types.Receipt, error) {
		return c.TransactionReceipt(ctx, common.HexToHash(hash))
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get receipt %s: %w", hash, err)
	}
	out := &chain.Receipt{
		TxHash:    receipt.TxHash.Hex(),
		BlockHash: receipt.BlockHash.Hex(),
		Success:   receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.Height = receipt.BlockNumber.Int64()
	}
	if !out.Success {
		out.Error = "execution reverted"
	}
	return out, nil
}

// GetLogs runs one filtered Transfer log query across the range.
func (a *Adapter) GetLogs(ctx context.Context, filter chain.LogFilter) ([]model.TransferEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(filter.FromHeight),
		ToBlock:   big.NewInt(filter.ToHeight),
		Addresses: toAddresses(filter.Contracts),
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	if len(filter.Recipients) > 0 {
		recipients := make([]common.Hash, 0, len(filter.Recipients))
		for _, r := range filter.Recipients {
			recipients = append(recipients, common.BytesToHash(common.HexToAddress(r).Bytes()))
		}
		q.Topics = [][]common.Hash{{TransferTopic}, nil, recipients}
	}
	logs, err := failover.Call(ctx, a.pool, "eth_getLogs", func(ctx context.Context, c ethAPI) ([]types.Log, error) {
		return c.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("get logs %d-%d: %w", filter.FromHeight, filter.ToHeight, err)
	}
	return decodeTransferLogs(logs), nil
}

func toAddresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

// isUnsupportedTag matches nodes that predate the safe/finalized block tags.
func isUnsupportedTag(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Error())
		return strings.Contains(msg, "safe") || strings.Contains(msg, "finalized") ||
			strings.Contains(msg, "invalid block") || strings.Contains(msg, "unknown block")
	}
	return false
}
