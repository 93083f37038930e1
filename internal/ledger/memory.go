package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// Memory is an in-process Gateway with the same idempotency and
// precondition semantics as the Postgres ledger. It backs tests and
// single-process dry runs.
type Memory struct {
	mu sync.Mutex
	st *memState
}

var _ Gateway = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

type memState struct {
	blocks      []model.BlockRecord
	credits     map[string]*model.Credit
	creditOrder []string
	withdraws   map[uuid.UUID]*model.Withdraw
	now         func() time.Time
}

func newMemState() *memState {
	return &memState{
		credits:   make(map[string]*model.Credit),
		withdraws: make(map[uuid.UUID]*model.Withdraw),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		blocks:      append([]model.BlockRecord(nil), s.blocks...),
		credits:     make(map[string]*model.Credit, len(s.credits)),
		creditOrder: append([]string(nil), s.creditOrder...),
		withdraws:   make(map[uuid.UUID]*model.Withdraw, len(s.withdraws)),
		now:         s.now,
	}
	for k, v := range s.credits {
		cp := *v
		c.credits[k] = &cp
	}
	for k, v := range s.withdraws {
		cp := *v
		c.withdraws[k] = &cp
	}
	return c
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Credits returns a copy of every credit in creation order.
func (m *Memory) Credits() []model.Credit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Credit, 0, len(m.st.creditOrder))
	for _, ref := range m.st.creditOrder {
		out = append(out, *m.st.credits[ref])
	}
	return out
}

// Blocks returns a copy of every block record, orphaned ones included.
func (m *Memory) Blocks() []model.BlockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.BlockRecord(nil), m.st.blocks...)
}

// Freeze places a credit under manual review.
func (m *Memory) Freeze(referenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.credits[referenceID]
	if !ok {
		return fmt.Errorf("freeze %s: %w", referenceID, ErrNotFound)
	}
	c.Status = model.CreditStatusFrozen
	return nil
}

func (m *Memory) LastAccepted(ctx context.Context, chain model.Chain, network model.Network) (*model.ChainTip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.LastAccepted(ctx, chain, network)
}

func (m *Memory) HighestRecorded(ctx context.Context, chain model.Chain, network model.Network) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.HighestRecorded(ctx, chain, network)
}

func (m *Memory) CanonicalBlock(ctx context.Context, chain model.Chain, network model.Network, height int64) (*model.BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CanonicalBlock(ctx, chain, network, height)
}

func (m *Memory) CreditsByStatus(ctx context.Context, chain model.Chain, network model.Network, status model.CreditStatus, after *Cursor, limit int) ([]model.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreditsByStatus(ctx, chain, network, status, after, limit)
}

func (m *Memory) Credit(ctx context.Context, referenceID string) (*model.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Credit(ctx, referenceID)
}

func (m *Memory) NonTerminalWithdrawals(ctx context.Context, chain model.Chain, network model.Network, limit int) ([]model.Withdraw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.NonTerminalWithdrawals(ctx, chain, network, limit)
}

func (m *Memory) Withdraw(ctx context.Context, id uuid.UUID) (*model.Withdraw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Withdraw(ctx, id)
}

func (m *Memory) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Balance(ctx, userID, asset)
}

func (m *Memory) UpsertBlock(ctx context.Context, rec *model.BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpsertBlock(ctx, rec)
}

func (m *Memory) CreateCredit(ctx context.Context, c *model.Credit) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateCredit(ctx, c)
}

func (m *Memory) UpdateCreditStatus(ctx context.Context, referenceID string, from, to model.CreditStatus, upd CreditUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateCreditStatus(ctx, referenceID, from, to, upd)
}

func (m *Memory) PromoteCredits(ctx context.Context, chain model.Chain, network model.Network, from, to model.CreditStatus, maxHeight int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.PromoteCredits(ctx, chain, network, from, to, maxHeight)
}

func (m *Memory) OrphanBlocks(ctx context.Context, chain model.Chain, network model.Network, r Range) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.OrphanBlocks(ctx, chain, network, r)
}

func (m *Memory) DeleteCreditsInRange(ctx context.Context, chain model.Chain, network model.Network, r Range) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteCreditsInRange(ctx, chain, network, r)
}

func (m *Memory) ReopenWithdrawalsInRange(ctx context.Context, chain model.Chain, network model.Network, r Range) (ReopenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReopenWithdrawalsInRange(ctx, chain, network, r)
}

func (m *Memory) CreateWithdraw(ctx context.Context, w *model.Withdraw) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateWithdraw(ctx, w)
}

func (m *Memory) UpdateWithdrawStatus(ctx context.Context, id uuid.UUID, from, to model.WithdrawStatus, upd WithdrawUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateWithdrawStatus(ctx, id, from, to, upd)
}

// memState methods run with Memory.mu held.

func (s *memState) LastAccepted(_ context.Context, chain model.Chain, network model.Network) (*model.ChainTip, error) {
	var tip *model.ChainTip
	for _, b := range s.blocks {
		if b.Chain != chain || b.Network != network || b.Status != model.BlockStatusConfirmed {
			continue
		}
		if tip == nil || b.Height > tip.Height {
			tip = &model.ChainTip{Chain: chain, Network: network, Height: b.Height, Hash: b.Hash}
		}
	}
	return tip, nil
}

func (s *memState) HighestRecorded(_ context.Context, chain model.Chain, network model.Network) (int64, bool, error) {
	var (
		highest int64
		ok      bool
	)
	for _, b := range s.blocks {
		if b.Chain != chain || b.Network != network || b.Status == model.BlockStatusOrphaned {
			continue
		}
		if !ok || b.Height > highest {
			highest, ok = b.Height, true
		}
	}
	return highest, ok, nil
}

func (s *memState) CanonicalBlock(_ context.Context, chain model.Chain, network model.Network, height int64) (*model.BlockRecord, error) {
	for _, b := range s.blocks {
		if b.Chain == chain && b.Network == network && b.Height == height && b.Status != model.BlockStatusOrphaned {
			cp := b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memState) CreditsByStatus(_ context.Context, chain model.Chain, network model.Network, status model.CreditStatus, after *Cursor, limit int) ([]model.Credit, error) {
	var out []model.Credit
	for _, ref := range s.creditOrder {
		c := s.credits[ref]
		if c.Chain == chain && c.Network == network && c.Status == status && after.before(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockHeight != out[j].BlockHeight {
			return out[i].BlockHeight < out[j].BlockHeight
		}
		return out[i].ReferenceID < out[j].ReferenceID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) Credit(_ context.Context, referenceID string) (*model.Credit, error) {
	c, ok := s.credits[referenceID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memState) NonTerminalWithdrawals(_ context.Context, chain model.Chain, network model.Network, limit int) ([]model.Withdraw, error) {
	var out []model.Withdraw
	for _, w := range s.withdraws {
		if w.Chain == chain && w.Network == network && !w.Status.IsTerminal() {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) Withdraw(_ context.Context, id uuid.UUID) (*model.Withdraw, error) {
	w, ok := s.withdraws[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *memState) Balance(_ context.Context, userID, asset string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, c := range s.credits {
		if c.UserID == userID && c.Asset == asset && c.Status == model.CreditStatusFinalized {
			total = total.Add(c.Amount)
		}
	}
	return total, nil
}

func (s *memState) UpsertBlock(_ context.Context, rec *model.BlockRecord) error {
	for _, b := range s.blocks {
		if b.Chain != rec.Chain || b.Network != rec.Network || b.Height != rec.Height || b.Status == model.BlockStatusOrphaned {
			continue
		}
		if b.Hash == rec.Hash && b.Status == rec.Status {
			return nil
		}
		return fmt.Errorf("block %d holds %q, got %q: %w", rec.Height, b.Hash, rec.Hash, ErrConflict)
	}
	cp := *rec
	cp.CreatedAt = s.now()
	s.blocks = append(s.blocks, cp)
	return nil
}

func (s *memState) CreateCredit(_ context.Context, c *model.Credit) (uuid.UUID, bool, error) {
	if existing, ok := s.credits[c.ReferenceID]; ok {
		return existing.ID, false, nil
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.credits[c.ReferenceID] = &cp
	s.creditOrder = append(s.creditOrder, c.ReferenceID)
	return c.ID, true, nil
}

func (s *memState) UpdateCreditStatus(_ context.Context, referenceID string, from, to model.CreditStatus, upd CreditUpdate) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	c, ok := s.credits[referenceID]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	if upd.BlockHeight != nil {
		c.BlockHeight = *upd.BlockHeight
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		c.ErrorMessage = &msg
	}
	c.UpdatedAt = s.now()
	return true, nil
}

func (s *memState) PromoteCredits(_ context.Context, chain model.Chain, network model.Network, from, to model.CreditStatus, maxHeight int64) (int64, error) {
	if !model.CanTransition(from, to) {
		return 0, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	var n int64
	now := s.now()
	for _, c := range s.credits {
		if c.Chain == chain && c.Network == network && c.Status == from && c.BlockHeight <= maxHeight {
			c.Status = to
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *memState) OrphanBlocks(_ context.Context, chain model.Chain, network model.Network, r Range) (int64, error) {
	var n int64
	for i := range s.blocks {
		b := &s.blocks[i]
		if b.Chain == chain && b.Network == network && r.Contains(b.Height) && b.Status != model.BlockStatusOrphaned {
			b.Status = model.BlockStatusOrphaned
			n++
		}
	}
	return n, nil
}

func (s *memState) DeleteCreditsInRange(_ context.Context, chain model.Chain, network model.Network, r Range) (DeleteResult, error) {
	var res DeleteResult
	kept := s.creditOrder[:0]
	for _, ref := range s.creditOrder {
		c := s.credits[ref]
		if c.Chain != chain || c.Network != network || c.CreditType != model.CreditTypeDeposit || !r.Contains(c.BlockHeight) {
			kept = append(kept, ref)
			continue
		}
		if c.Status == model.CreditStatusFrozen {
			res.FrozenRetained++
			kept = append(kept, ref)
			continue
		}
		delete(s.credits, ref)
		res.Deleted++
	}
	s.creditOrder = kept
	return res, nil
}

func (s *memState) ReopenWithdrawalsInRange(_ context.Context, chain model.Chain, network model.Network, r Range) (ReopenResult, error) {
	var res ReopenResult
	for _, w := range s.withdraws {
		if w.Chain != chain || w.Network != network || w.BlockHeight == nil || !r.Contains(*w.BlockHeight) {
			continue
		}
		switch w.Status {
		case model.WithdrawStatusConfirmed:
		case model.WithdrawStatusFailed:
			ref := model.RefundReference(w.ID)
			if refund, ok := s.credits[ref]; ok {
				if refund.Status == model.CreditStatusFrozen {
					res.RefundsFrozen++
					continue
				}
				s.deleteCredit(ref)
				res.RefundsDeleted++
			}
		default:
			continue
		}
		w.Status = model.WithdrawStatusPending
		w.BlockHeight = nil
		w.ErrorMessage = nil
		w.UpdatedAt = s.now()
		res.Reopened++
	}
	return res, nil
}

func (s *memState) deleteCredit(ref string) {
	delete(s.credits, ref)
	for i, r := range s.creditOrder {
		if r == ref {
			s.creditOrder = append(s.creditOrder[:i], s.creditOrder[i+1:]...)
			return
		}
	}
}

func (s *memState) CreateWithdraw(_ context.Context, w *model.Withdraw) (bool, error) {
	if _, ok := s.withdraws[w.ID]; ok {
		return false, nil
	}
	now := s.now()
	w.CreatedAt, w.UpdatedAt = now, now
	cp := *w
	s.withdraws[w.ID] = &cp
	return true, nil
}

func (s *memState) UpdateWithdrawStatus(_ context.Context, id uuid.UUID, from, to model.WithdrawStatus, upd WithdrawUpdate) (bool, error) {
	if from.IsTerminal() {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	w, ok := s.withdraws[id]
	if !ok || w.Status != from {
		return false, nil
	}
	w.Status = to
	if upd.BlockHeight != nil {
		h := *upd.BlockHeight
		w.BlockHeight = &h
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		w.ErrorMessage = &msg
	}
	w.UpdatedAt = s.now()
	return true, nil
}
