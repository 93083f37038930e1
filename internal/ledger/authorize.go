package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// Operation names a ledger write for authorization.
type Operation string

const (
	OpUpsertBlock          Operation = "upsert_block"
	OpCreateCredit         Operation = "create_credit"
	OpUpdateCreditStatus   Operation = "update_credit_status"
	OpPromoteCredits       Operation = "promote_credits"
	OpOrphanBlocks         Operation = "orphan_blocks"
	OpDeleteCreditsInRange Operation = "delete_credits_in_range"
	OpReopenWithdrawals    Operation = "reopen_withdrawals"
	OpCreateWithdraw       Operation = "create_withdraw"
	OpUpdateWithdrawStatus Operation = "update_withdraw_status"
)

// WriteRequest describes one write presented to the Authorizer.
type WriteRequest struct {
	Op        Operation
	Chain     model.Chain
	Network   model.Network
	Reference string
	Status    string
}

// Authorizer gates sensitive ledger writes. The risk and signing subsystem
// that decides lives outside this module; returning an error rejects the
// write and aborts any enclosing transaction.
type Authorizer interface {
	Authorize(ctx context.Context, req WriteRequest) error
}

type AuthorizerFunc func(ctx context.Context, req WriteRequest) error

func (f AuthorizerFunc) Authorize(ctx context.Context, req WriteRequest) error {
	return f(ctx, req)
}

// AllowAll approves every write.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, WriteRequest) error { return nil })

type authorizedStore struct {
	Store
	auth Authorizer
}

type authorizedGateway struct {
	authorizedStore
	inner Gateway
}

// Authorized wraps g so every write is checked by auth first.
func Authorized(g Gateway, auth Authorizer) Gateway {
	return &authorizedGateway{authorizedStore: authorizedStore{Store: g, auth: auth}, inner: g}
}

func (g *authorizedGateway) InTx(ctx context.Context, fn func(tx Store) error) error {
	return g.inner.InTx(ctx, func(tx Store) error {
		return fn(&authorizedStore{Store: tx, auth: g.auth})
	})
}

func (s *authorizedStore) check(ctx context.Context, req WriteRequest) error {
	if err := s.auth.Authorize(ctx, req); err != nil {
		return fmt.Errorf("%s %s: %w: %v", req.Op, req.Reference, ErrUnauthorized, err)
	}
	return nil
}

func (s *authorizedStore) UpsertBlock(ctx context.Context, rec *model.BlockRecord) error {
	if err := s.check(ctx, WriteRequest{Op: OpUpsertBlock, Chain: rec.Chain, Network: rec.Network, Reference: rec.Hash, Status: string(rec.Status)}); err != nil {
		return err
	}
	return s.Store.UpsertBlock(ctx, rec)
}

func (s *authorizedStore) CreateCredit(ctx context.Context, c *model.Credit) (uuid.UUID, bool, error) {
	if err := s.check(ctx, WriteRequest{Op: OpCreateCredit, Chain: c.Chain, Network: c.Network, Reference: c.ReferenceID, Status: string(c.Status)}); err != nil {
		return uuid.Nil, false, err
	}
	return s.Store.CreateCredit(ctx, c)
}

func (s *authorizedStore) UpdateCreditStatus(ctx context.Context, referenceID string, from, to model.CreditStatus, upd CreditUpdate) (bool, error) {
	if err := s.check(ctx, WriteRequest{Op: OpUpdateCreditStatus, Reference: referenceID, Status: string(to)}); err != nil {
		return false, err
	}
	return s.Store.UpdateCreditStatus(ctx, referenceID, from, to, upd)
}

func (s *authorizedStore) PromoteCredits(ctx context.Context, chain model.Chain, network model.Network, from, to model.CreditStatus, maxHeight int64) (int64, error) {
	if err := s.check(ctx, WriteRequest{Op: OpPromoteCredits, Chain: chain, Network: network, Status: string(to)}); err != nil {
		return 0, err
	}
	return s.Store.PromoteCredits(ctx, chain, network, from, to, maxHeight)
}

func (s *authorizedStore) OrphanBlocks(ctx context.Context, chain model.Chain, network model.Network, r Range) (int64, error) {
	if err := s.check(ctx, WriteRequest{Op: OpOrphanBlocks, Chain: chain, Network: network, Reference: fmt.Sprintf("%d-%d", r.From, r.To)}); err != nil {
		return 0, err
	}
	return s.Store.OrphanBlocks(ctx, chain, network, r)
}

func (s *authorizedStore) DeleteCreditsInRange(ctx context.Context, chain model.Chain, network model.Network, r Range) (DeleteResult, error) {
	if err := s.check(ctx, WriteRequest{Op: OpDeleteCreditsInRange, Chain: chain, Network: network, Reference: fmt.Sprintf("%d-%d", r.From, r.To)}); err != nil {
		return DeleteResult{}, err
	}
	return s.Store.DeleteCreditsInRange(ctx, chain, network, r)
}

func (s *authorizedStore) ReopenWithdrawalsInRange(ctx context.Context, chain model.Chain, network model.Network, r Range) (ReopenResult, error) {
	if err := s.check(ctx, WriteRequest{Op: OpReopenWithdrawals, Chain: chain, Network: network, Reference: fmt.Sprintf("%d-%d", r.From, r.To), Status: string(model.WithdrawStatusPending)}); err != nil {
		return ReopenResult{}, err
	}
	return s.Store.ReopenWithdrawalsInRange(ctx, chain, network, r)
}

func (s *authorizedStore) CreateWithdraw(ctx context.Context, w *model.Withdraw) (bool, error) {
	if err := s.check(ctx, WriteRequest{Op: OpCreateWithdraw, Chain: w.Chain, Network: w.Network, Reference: w.ID.String(), Status: string(w.Status)}); err != nil {
		return false, err
	}
	return s.Store.CreateWithdraw(ctx, w)
}

func (s *authorizedStore) UpdateWithdrawStatus(ctx context.Context, id uuid.UUID, from, to model.WithdrawStatus, upd WithdrawUpdate) (bool, error) {
	if err := s.check(ctx, WriteRequest{Op: OpUpdateWithdrawStatus, Reference: id.String(), Status: string(to)}); err != nil {
		return false, err
	}
	return s.Store.UpdateWithdrawStatus(ctx, id, from, to, upd)
}
