package model

import (
	"time"

	"github.com/google/uuid"
)

type Token struct {
	ID              uuid.UUID `db:"id"`
	Chain           Chain     `db:"chain"`
	Network         Network   `db:"network"`
	ContractAddress string    `db:"contract_address"`
	Symbol          string    `db:"symbol"`
	Decimals        int       `db:"decimals"`
	IsDenied        bool      `db:"is_denied"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
