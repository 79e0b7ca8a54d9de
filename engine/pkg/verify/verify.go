// Package verify checks externally supplied account keys and records against the
// allow-list before the engine uses them.
package verify

import (
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/state"
)

// Address fails with code unless provided equals expected.
func Address(provided, expected solana.PublicKey, code *errcode.Error) error {
	if !provided.Equals(expected) {
		return errcode.Wrap(code, "got %s, want %s", provided, expected)
	}
	return nil
}

// VaultA checks the reserve-side accounts of the first pool vault.
func VaultA(addrs config.Addresses, lp, lpMint, tokenVault solana.PublicKey) error {
	if err := Address(lp, addrs.AVaultLP, errcode.InvalidVaultALpAddress); err != nil {
		return err
	}
	if err := Address(lpMint, addrs.AVaultLPMint, errcode.InvalidVaultALpMintAddress); err != nil {
		return err
	}
	return Address(tokenVault, addrs.ATokenVault, errcode.InvalidTokenAVaultAddress)
}

// Fixed checks the pool, the deposit-side LP account and both mints.
func Fixed(addrs config.Addresses, pool, bVaultLP, rewardMint, wrappedMint solana.PublicKey) error {
	if err := Address(pool, addrs.Pool, errcode.InvalidPoolAddress); err != nil {
		return err
	}
	if err := Address(bVaultLP, addrs.BVaultLP, errcode.InvalidVaultAddress); err != nil {
		return err
	}
	if err := Address(rewardMint, addrs.RewardMint, errcode.InvalidTokenMintAddress); err != nil {
		return err
	}
	return Address(wrappedMint, addrs.WrappedMint, errcode.InvalidTokenMintAddress)
}

// DepositSide checks the accounts a pool deposit writes to and the vault program it calls.
func DepositSide(addrs config.Addresses, vault, tokenVault, lpMint, vaultProgram solana.PublicKey) error {
	if err := Address(vault, addrs.BVault, errcode.InvalidVaultAddress); err != nil {
		return err
	}
	if err := Address(tokenVault, addrs.BTokenVault, errcode.InvalidVaultAddress); err != nil {
		return err
	}
	if err := Address(lpMint, addrs.BVaultLPMint, errcode.InvalidVaultAddress); err != nil {
		return err
	}
	return Address(vaultProgram, config.VaultProgram, errcode.InvalidVaultAddress)
}

// Oracle checks the price feed program and account.
func Oracle(addrs config.Addresses, program, feed solana.PublicKey) error {
	if err := Address(program, addrs.OracleProgram, errcode.InvalidChainlinkProgram); err != nil {
		return err
	}
	return Address(feed, addrs.OracleFeed, errcode.InvalidPriceFeed)
}

// TokenAccountOwnership is the strict token account check used before any funds move:
// the record must be a token account held by owner for mint.
func TokenAccountOwnership(info *state.AccountInfo, owner, mint solana.PublicKey) (*state.TokenAccount, error) {
	if info == nil || !info.OwnedBy(solana.TokenProgramID) {
		return nil, errcode.Wrap(errcode.InvalidTokenAccount, "%s is not a token account", keyOf(info))
	}
	acc, err := state.DecodeTokenAccount(info.Data)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidTokenAccount, "%s: %v", info.Key, err)
	}
	if !acc.Owner.Equals(owner) {
		return nil, errcode.Wrap(errcode.InvalidWalletForATA, "%s is held by %s, want %s", info.Key, acc.Owner, owner)
	}
	if !acc.Mint.Equals(mint) {
		return nil, errcode.Wrap(errcode.InvalidTokenMintAddress, "%s holds mint %s, want %s", info.Key, acc.Mint, mint)
	}
	return acc, nil
}

// TokenAccount is the settlement-time form of TokenAccountOwnership; every mismatch
// is reported as TokenAccountInvalid.
func TokenAccount(info *state.AccountInfo, owner, mint solana.PublicKey) error {
	if info == nil || !info.OwnedBy(solana.TokenProgramID) {
		return errcode.Wrap(errcode.TokenAccountInvalid, "%s is not a token account", keyOf(info))
	}
	acc, err := state.DecodeTokenAccount(info.Data)
	if err != nil {
		return errcode.Wrap(errcode.TokenAccountInvalid, "%s: %v", info.Key, err)
	}
	if !acc.Owner.Equals(owner) || !acc.Mint.Equals(mint) {
		return errcode.Wrap(errcode.TokenAccountInvalid, "%s is (%s, %s), want (%s, %s)", info.Key, acc.Owner, acc.Mint, owner, mint)
	}
	return nil
}

// SystemWallet fails unless info is a plain system-owned wallet.
func SystemWallet(info *state.AccountInfo) error {
	if info == nil || !info.OwnedBy(solana.SystemProgramID) {
		return errcode.Wrap(errcode.PaymentWalletInvalid, "%s", keyOf(info))
	}
	return nil
}

func keyOf(info *state.AccountInfo) string {
	if info == nil {
		return "<missing>"
	}
	return info.Key.String()
}
