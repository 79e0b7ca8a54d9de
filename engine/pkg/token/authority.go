package token

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
)

// Authority is a program-derived signer: its address and the seeds, bump included,
// that prove it.
type Authority struct {
	Key   solana.PublicKey
	Seeds [][]byte
}

// Verify re-derives the address from the seeds.
func (a Authority) Verify(program solana.PublicKey) error {
	key, err := solana.CreateProgramAddress(a.Seeds, program)
	if err != nil {
		return fmt.Errorf("failed to derive authority: %w", err)
	}
	if !key.Equals(a.Key) {
		return fmt.Errorf("authority %s does not match seeds (derived %s)", a.Key, key)
	}
	return nil
}

// DeriveAuthority finds the canonical program address for a single static seed.
func DeriveAuthority(program solana.PublicKey, seed string) (Authority, error) {
	key, bump, err := solana.FindProgramAddress([][]byte{[]byte(seed)}, program)
	if err != nil {
		return Authority{}, fmt.Errorf("failed to derive %q authority: %w", seed, err)
	}
	return Authority{Key: key, Seeds: [][]byte{[]byte(seed), {bump}}}, nil
}

// ProgramAccounts are the program-controlled accounts the slot actions sign with.
type ProgramAccounts struct {
	Vault          Authority
	MintAuthority  Authority
	VaultAuthority Authority
	// RewardVault is the vault authority's associated reward token account.
	RewardVault solana.PublicKey
}

// DeriveProgramAccounts derives every program-controlled account.
func DeriveProgramAccounts(program, rewardMint solana.PublicKey) (ProgramAccounts, error) {
	vault, err := DeriveAuthority(program, config.SeedProgramVault)
	if err != nil {
		return ProgramAccounts{}, err
	}
	mintAuth, err := DeriveAuthority(program, config.SeedTokenMintAuthority)
	if err != nil {
		return ProgramAccounts{}, err
	}
	vaultAuth, err := DeriveAuthority(program, config.SeedTokenVaultAuthority)
	if err != nil {
		return ProgramAccounts{}, err
	}
	rewardVault, _, err := solana.FindAssociatedTokenAddress(vaultAuth.Key, rewardMint)
	if err != nil {
		return ProgramAccounts{}, fmt.Errorf("failed to derive reward vault: %w", err)
	}
	return ProgramAccounts{
		Vault:          vault,
		MintAuthority:  mintAuth,
		VaultAuthority: vaultAuth,
		RewardVault:    rewardVault,
	}, nil
}

// UserRecordAddress is the record address of the account registered by wallet.
func UserRecordAddress(program, wallet solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress([][]byte{[]byte(config.SeedUserAccount), wallet[:]}, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive user record address: %w", err)
	}
	return key, nil
}

// RewardAccountAddress is the associated reward token account of wallet.
func RewardAccountAddress(wallet, rewardMint solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindAssociatedTokenAddress(wallet, rewardMint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive reward account: %w", err)
	}
	return key, nil
}

// WrappedAccountAddress is the associated wrapped-asset account of wallet.
func WrappedAccountAddress(wallet, wrappedMint solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindAssociatedTokenAddress(wallet, wrappedMint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive wrapped-asset account: %w", err)
	}
	return key, nil
}
