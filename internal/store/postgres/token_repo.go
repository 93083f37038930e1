package postgres

import (
	"context"
	"fmt"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

type TokenRepo struct {
	db *DB
}

func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// List returns every registered token of the chain, denied ones included.
func (r *TokenRepo) List(ctx context.Context, chain model.Chain, network model.Network) ([]model.Token, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain, network, contract_address, symbol, decimals, is_denied, created_at, updated_at
		FROM tokens
		WHERE chain = $1 AND network = $2
		ORDER BY contract_address
	`, chain, network)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(
			&t.ID, &t.Chain, &t.Network, &t.ContractAddress, &t.Symbol,
			&t.Decimals, &t.IsDenied, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *TokenRepo) Count(ctx context.Context, chain model.Chain, network model.Network) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE chain = $1 AND network = $2`, chain, network,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

func (r *TokenRepo) Upsert(ctx context.Context, t *model.Token) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tokens (chain, network, contract_address, symbol, decimals, is_denied)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, network, contract_address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			updated_at = now()
	`, t.Chain, t.Network, t.Chain.NormalizeAddress(t.ContractAddress), t.Symbol, t.Decimals, t.IsDenied)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// SetDenied flips the deny flag. Returns false when the token is unknown.
func (r *TokenRepo) SetDenied(ctx context.Context, chain model.Chain, network model.Network, contractAddress string, denied bool) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tokens SET is_denied = $4, updated_at = now()
		WHERE chain = $1 AND network = $2 AND contract_address = $3
	`, chain, network, chain.NormalizeAddress(contractAddress), denied)
	if err != nil {
		return false, fmt.Errorf("set token denied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set token denied rows affected: %w", err)
	}
	return n == 1, nil
}
