package model

import "strings"

type Chain string

const (
	ChainSolana   Chain = "solana"
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainPolygon  Chain = "polygon"
	ChainArbitrum Chain = "arbitrum"
	ChainBSC      Chain = "bsc"
)

func (c Chain) String() string {
	return string(c)
}

// IsEVM reports whether addresses on the chain are hex, case-insensitive
// account addresses.
func (c Chain) IsEVM() bool {
	switch c {
	case ChainEthereum, ChainBase, ChainPolygon, ChainArbitrum, ChainBSC:
		return true
	default:
		return false
	}
}

// NormalizeAddress returns the canonical form used for address lookups.
// EVM addresses are case-insensitive; Solana base58 keys are not.
func (c Chain) NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if c.IsEVM() {
		return strings.ToLower(addr)
	}
	return addr
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkDevnet  Network = "devnet"
	NetworkTestnet Network = "testnet"
	NetworkSepolia Network = "sepolia"
	NetworkAmoy    Network = "amoy"
)

func (n Network) String() string {
	return string(n)
}

// ChainTip is the highest locally accepted block. It is always derived from
// confirmed BlockRecords and never persisted on its own.
type ChainTip struct {
	Chain   Chain
	Network Network
	Height  int64
	Hash    string
}
