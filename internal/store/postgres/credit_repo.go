package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
)

const creditColumns = `id, chain, network, user_id, address, asset, amount, credit_type,
		reference_id, tx_hash, status, block_height, error_message, created_at, updated_at`

func scanCredit(row interface{ Scan(...any) error }, c *model.Credit) error {
	return row.Scan(
		&c.ID, &c.Chain, &c.Network, &c.UserID, &c.Address, &c.Asset, &c.Amount,
		&c.CreditType, &c.ReferenceID, &c.TxHash, &c.Status, &c.BlockHeight,
		&c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt,
	)
}

// CreateCredit inserts c keyed by its reference id. An existing reference
// is a successful no-op that returns the stored id.
func (l *Ledger) CreateCredit(ctx context.Context, c *model.Credit) (uuid.UUID, bool, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	var id uuid.UUID
	err := l.q.QueryRowContext(ctx, `
		INSERT INTO credits (id, chain, network, user_id, address, asset, amount, credit_type,
		                     reference_id, tx_hash, status, block_height, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (reference_id) DO NOTHING
		RETURNING id
	`, c.ID, c.Chain, c.Network, c.UserID, c.Address, c.Asset, c.Amount, c.CreditType,
		c.ReferenceID, c.TxHash, c.Status, c.BlockHeight, c.ErrorMessage,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("insert credit %s: %w", c.ReferenceID, err)
	}

	if err := l.q.QueryRowContext(ctx,
		`SELECT id FROM credits WHERE reference_id = $1`, c.ReferenceID,
	).Scan(&id); err != nil {
		return uuid.Nil, false, fmt.Errorf("find existing credit %s: %w", c.ReferenceID, err)
	}
	return id, false, nil
}

func (l *Ledger) Credit(ctx context.Context, referenceID string) (*model.Credit, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	var c model.Credit
	err := scanCredit(l.q.QueryRowContext(ctx,
		`SELECT `+creditColumns+` FROM credits WHERE reference_id = $1`, referenceID,
	), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find credit %s: %w", referenceID, err)
	}
	return &c, nil
}

func (l *Ledger) CreditsByStatus(ctx context.Context, chain model.Chain, network model.Network, status model.CreditStatus, after *ledger.Cursor, limit int) ([]model.Credit, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	query := `SELECT ` + creditColumns + `
		FROM credits
		WHERE chain = $1 AND network = $2 AND status = $3`
	args := []any{chain, network, status}
	if after != nil {
		query += ` AND (block_height, reference_id) > ($4, $5)`
		args = append(args, after.Height, after.ReferenceID)
	}
	query += ` ORDER BY block_height, reference_id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credits by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []model.Credit
	for rows.Next() {
		var c model.Credit
		if err := scanCredit(rows, &c); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *Ledger) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	var total decimal.Decimal
	if err := l.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credits
		WHERE user_id = $1 AND asset = $2 AND status = 'finalized'
	`, userID, asset).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("balance %s/%s: %w", userID, asset, err)
	}
	return total, nil
}

// UpdateCreditStatus moves one credit from -> to. It reports false when the
// credit is missing or no longer in from.
func (l *Ledger) UpdateCreditStatus(ctx context.Context, referenceID string, from, to model.CreditStatus, upd ledger.CreditUpdate) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ledger.ErrIllegalTransition)
	}
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	res, err := l.q.ExecContext(ctx, `
		UPDATE credits SET
			status = $3,
			block_height = COALESCE($4, block_height),
			error_message = COALESCE($5, error_message),
			updated_at = now()
		WHERE reference_id = $1 AND status = $2
	`, referenceID, from, to, upd.BlockHeight, upd.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("update credit %s %s -> %s: %w", referenceID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update credit rows affected: %w", err)
	}
	return n == 1, nil
}

// PromoteCredits moves every credit in from with block_height <= maxHeight
// to the next status in one statement.
func (l *Ledger) PromoteCredits(ctx context.Context, chain model.Chain, network model.Network, from, to model.CreditStatus, maxHeight int64) (int64, error) {
	if !model.CanTransition(from, to) {
		return 0, fmt.Errorf("%s -> %s: %w", from, to, ledger.ErrIllegalTransition)
	}
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	res, err := l.q.ExecContext(ctx, `
		UPDATE credits SET status = $4, updated_at = now()
		WHERE chain = $1 AND network = $2 AND status = $3 AND block_height <= $5
	`, chain, network, from, to, maxHeight)
	if err != nil {
		return 0, fmt.Errorf("promote credits %s -> %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

// DeleteCreditsInRange removes deposit credits whose block is being rolled
// back. Frozen deposits stay and are counted.
func (l *Ledger) DeleteCreditsInRange(ctx context.Context, chain model.Chain, network model.Network, r ledger.Range) (ledger.DeleteResult, error) {
	var out ledger.DeleteResult
	if r.Empty() {
		return out, nil
	}

	res, err := l.q.ExecContext(ctx, `
		DELETE FROM credits
		WHERE chain = $1 AND network = $2 AND credit_type = 'deposit'
		  AND block_height BETWEEN $3 AND $4 AND status <> 'frozen'
	`, chain, network, r.From, r.To)
	if err != nil {
		return out, fmt.Errorf("delete credits %d-%d: %w", r.From, r.To, err)
	}
	if out.Deleted, err = res.RowsAffected(); err != nil {
		return out, fmt.Errorf("delete credits rows affected: %w", err)
	}

	if err := l.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credits
		WHERE chain = $1 AND network = $2 AND credit_type = 'deposit'
		  AND block_height BETWEEN $3 AND $4 AND status = 'frozen'
	`, chain, network, r.From, r.To).Scan(&out.FrozenRetained); err != nil {
		return out, fmt.Errorf("count frozen credits %d-%d: %w", r.From, r.To, err)
	}
	return out, nil
}
