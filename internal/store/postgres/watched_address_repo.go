package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

type WatchedAddressRepo struct {
	db *DB
}

func NewWatchedAddressRepo(db *DB) *WatchedAddressRepo {
	return &WatchedAddressRepo{db: db}
}

func (r *WatchedAddressRepo) GetActive(ctx context.Context, chain model.Chain, network model.Network) ([]model.WatchedAddress, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain, network, address, user_id, label, is_active, created_at, updated_at
		FROM watched_addresses
		WHERE chain = $1 AND network = $2 AND is_active = true
		ORDER BY created_at
	`, chain, network)
	if err != nil {
		return nil, fmt.Errorf("query watched addresses: %w", err)
	}
	defer rows.Close()

	var addresses []model.WatchedAddress
	for rows.Next() {
		var a model.WatchedAddress
		if err := rows.Scan(
			&a.ID, &a.Chain, &a.Network, &a.Address, &a.UserID,
			&a.Label, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan watched address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// CountActive is the cheap change check used between full reloads.
func (r *WatchedAddressRepo) CountActive(ctx context.Context, chain model.Chain, network model.Network) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int64
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM watched_addresses
		WHERE chain = $1 AND network = $2 AND is_active = true
	`, chain, network).Scan(&n); err != nil {
		return 0, fmt.Errorf("count watched addresses: %w", err)
	}
	return n, nil
}

// Upsert stores addr with its normalized address.
func (r *WatchedAddressRepo) Upsert(ctx context.Context, addr *model.WatchedAddress) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO watched_addresses (chain, network, address, user_id, label, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, network, address) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			label = EXCLUDED.label,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, addr.Chain, addr.Network, addr.Chain.NormalizeAddress(addr.Address), addr.UserID, addr.Label, addr.IsActive)
	if err != nil {
		return fmt.Errorf("upsert watched address: %w", err)
	}
	return nil
}

func (r *WatchedAddressRepo) FindByAddress(ctx context.Context, chain model.Chain, network model.Network, address string) (*model.WatchedAddress, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var a model.WatchedAddress
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chain, network, address, user_id, label, is_active, created_at, updated_at
		FROM watched_addresses
		WHERE chain = $1 AND network = $2 AND address = $3
	`, chain, network, chain.NormalizeAddress(address)).Scan(
		&a.ID, &a.Chain, &a.Network, &a.Address, &a.UserID,
		&a.Label, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find watched address: %w", err)
	}
	return &a, nil
}
