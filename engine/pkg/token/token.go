// Package token is the boundary between the settlement engine and the external
// token-accounting module that moves native and reward balances.
package token

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Asset selects the balance a Transfer moves.
type Asset int

const (
	// AssetNative moves lamports between system accounts.
	AssetNative Asset = iota
	// AssetReward moves reward tokens between token accounts.
	AssetReward
)

func (a Asset) String() string {
	switch a {
	case AssetNative:
		return "native"
	case AssetReward:
		return "reward"
	default:
		return "unknown"
	}
}

// DepositParams are the accounts of a single-sided pool deposit out of a wrapped-asset account.
type DepositParams struct {
	VaultProgram solana.PublicKey
	Vault        solana.PublicKey
	TokenVault   solana.PublicKey
	LPMint       solana.PublicKey
	Source       solana.PublicKey
	LPAccount    solana.PublicKey
	Owner        solana.PublicKey
	Amount       uint64
}

// MintParams mints Amount of Mint into Destination, signed by Authority.
type MintParams struct {
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Authority   Authority
	Amount      uint64
}

// TransferParams moves Amount of Asset. A nil Authority means Source signs for itself.
type TransferParams struct {
	Asset       Asset
	Source      solana.PublicKey
	Destination solana.PublicKey
	Authority   *Authority
	Amount      uint64
}

// Module is the external token-accounting module.
type Module interface {
	SyncNative(ctx context.Context, account solana.PublicKey) error
	Deposit(ctx context.Context, p DepositParams) error
	MintTo(ctx context.Context, p MintParams) error
	Transfer(ctx context.Context, p TransferParams) error
}
