// Package chaintest provides a scripted in-memory chain for tests.
package chaintest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lbc-team/cex-wallet-sub001/internal/chain"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// Chain is a deterministic ChainAdapter. Height 0 holds a genesis block;
// every later height holds a block or a skipped slot. Hashes encode the
// fork epoch so a rewritten height always gets a new hash.
type Chain struct {
	mu sync.Mutex

	name     string
	blocks   map[int64]*chain.Block
	tip      int64
	epoch    int
	receipts map[string]*chain.Receipt

	native     bool
	safe       int64
	finalized  int64
	logs       bool
	blockErrs  map[int64]error
	tipErr     error
	blockCalls map[int64]int
}

var _ chain.ChainAdapter = (*Chain)(nil)

func New(name string) *Chain {
	c := &Chain{
		name:       name,
		blocks:     make(map[int64]*chain.Block),
		receipts:   make(map[string]*chain.Receipt),
		blockErrs:  make(map[int64]error),
		blockCalls: make(map[int64]int),
	}
	c.blocks[0] = &chain.Block{Height: 0, Hash: c.hash(0), ParentHeight: -1}
	return c
}

func (c *Chain) hash(h int64) string {
	return fmt.Sprintf("0x%s-%d-e%d", c.name, h, c.epoch)
}

func (c *Chain) parentOf(h int64) *chain.Block {
	for p := h - 1; p >= 0; p-- {
		if b, ok := c.blocks[p]; ok {
			return b
		}
	}
	return nil
}

// AddBlock appends one block holding transfers. Transfer heights are set
// to the new block's height.
func (c *Chain) AddBlock(transfers ...model.TransferEvent) *chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.tip + 1
	parent := c.parentOf(h)
	ts := time.Unix(1_700_000_000+h*12, 0).UTC()
	b := &chain.Block{
		Height:       h,
		Hash:         c.hash(h),
		ParentHash:   parent.Hash,
		ParentHeight: parent.Height,
		Timestamp:    &ts,
	}
	for _, tr := range transfers {
		tr.Height = h
		b.Transfers = append(b.Transfers, tr)
	}
	c.blocks[h] = b
	c.tip = h
	return cloneBlock(b)
}

// Extend appends n empty blocks.
func (c *Chain) Extend(n int) {
	for i := 0; i < n; i++ {
		c.AddBlock()
	}
}

// Skip appends an empty slot without a block.
func (c *Chain) Skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip++
}

// Rewind drops every height above h and starts a new fork epoch. The
// caller re-extends the chain with AddBlock/Extend.
func (c *Chain) Rewind(h int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for height := range c.blocks {
		if height > h {
			delete(c.blocks, height)
		}
	}
	c.tip = h
	c.epoch++
}

// Reorg replaces every height from `from` up to the current tip with new
// empty blocks.
func (c *Chain) Reorg(from int64) {
	c.mu.Lock()
	tip := c.tip
	c.mu.Unlock()
	c.Rewind(from - 1)
	c.Extend(int(tip - from + 1))
}

func (c *Chain) Tip() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// Block returns the block currently at h, or nil.
func (c *Chain) Block(h int64) *chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blocks[h]; ok {
		return cloneBlock(b)
	}
	return nil
}

func (c *Chain) SetReceipt(r chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[r.TxHash] = &r
}

// SetNativeFinality makes GetSafeHeight/GetFinalizedHeight report the
// given heights instead of ErrUnsupported.
func (c *Chain) SetNativeFinality(safe, finalized int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native = true
	c.safe = safe
	c.finalized = finalized
}

// EnableLogs makes GetLogs serve transfers instead of ErrUnsupported.
func (c *Chain) EnableLogs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = true
}

// FailBlock makes GetBlock(h) return err until cleared with a nil err.
func (c *Chain) FailBlock(h int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.blockErrs, h)
		return
	}
	c.blockErrs[h] = err
}

func (c *Chain) FailTip(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipErr = err
}

// BlockCalls reports how many times GetBlock(h) was called.
func (c *Chain) BlockCalls(h int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockCalls[h]
}

func (c *Chain) Chain() string { return c.name }

func (c *Chain) GetTip(_ context.Context, commitment chain.Commitment) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tipErr != nil {
		return 0, c.tipErr
	}
	if c.native {
		switch commitment {
		case chain.CommitmentSafe:
			return c.safe, nil
		case chain.CommitmentFinalized:
			return c.finalized, nil
		}
	}
	return c.tip, nil
}

func (c *Chain) GetBlock(_ context.Context, height int64, _ chain.Commitment) (*chain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCalls[height]++
	if err, ok := c.blockErrs[height]; ok {
		return nil, err
	}
	if height > c.tip || height < 0 {
		return nil, fmt.Errorf("height %d: %w", height, chain.ErrBlockUnavailable)
	}
	b, ok := c.blocks[height]
	if !ok {
		return nil, nil
	}
	return cloneBlock(b), nil
}

func (c *Chain) GetTransactionResult(_ context.Context, hash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (c *Chain) GetLogs(_ context.Context, filter chain.LogFilter) ([]model.TransferEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.logs {
		return nil, chain.ErrUnsupported
	}
	var out []model.TransferEvent
	for h := filter.FromHeight; h <= filter.ToHeight && h <= c.tip; h++ {
		b, ok := c.blocks[h]
		if !ok {
			continue
		}
		for _, tr := range b.Transfers {
			if len(filter.Recipients) > 0 && !slices.Contains(filter.Recipients, tr.ToAddr) {
				continue
			}
			if len(filter.Contracts) > 0 && !slices.Contains(filter.Contracts, tr.Asset) {
				continue
			}
			out = append(out, tr)
		}
	}
	return out, nil
}

func (c *Chain) GetSafeHeight(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.native {
		return 0, chain.ErrUnsupported
	}
	return c.safe, nil
}

func (c *Chain) GetFinalizedHeight(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.native {
		return 0, chain.ErrUnsupported
	}
	return c.finalized, nil
}

func cloneBlock(b *chain.Block) *chain.Block {
	cp := *b
	cp.Transfers = append([]model.TransferEvent(nil), b.Transfers...)
	return &cp
}
