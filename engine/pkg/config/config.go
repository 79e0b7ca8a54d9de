package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the address the engine's records are owned by.
var ProgramID = solana.MustPublicKeyFromBase58("2wFmCLVQ8pSF2aKu43gLv2vzasUHhtmAA9HffBDXcRfF")

const (
	// MinimumUSDDeposit is 10 USD with 8 implied decimals.
	MinimumUSDDeposit uint64 = 10_00000000
	// USDScale is the implied scale of MinimumUSDDeposit.
	USDScale = 1_00000000
	// LamportsPerUnit scales a whole native unit to lamports.
	LamportsPerUnit = 1_000_000_000

	// MaxPriceFeedAge is the staleness bound after which DefaultPrice replaces the feed answer.
	MaxPriceFeedAge = 24 * time.Hour
	// DefaultPrice is 100 USD per native unit with 8 implied decimals.
	DefaultPrice int64 = 100_00000000

	// MaxUplineDepth bounds both the ancestry window and the propagation loop.
	MaxUplineDepth = 6
	// ChainSize is the number of slots per chain.
	ChainSize = 3

	// VaultAAccountsCount is the number of leading reserve accounts in the auxiliary list.
	VaultAAccountsCount = 3
	// OracleAccountsCount follows the reserve accounts (feed, then program).
	OracleAccountsCount = 2
	// WrappedAccountPosition is the index of the payer's wrapped-asset account.
	WrappedAccountPosition = VaultAAccountsCount + OracleAccountsCount
	// AncestorsStart is the index of the first ancestor triple.
	AncestorsStart = WrappedAccountPosition + 1
	// AncestorTripleSize is the number of accounts per ancestor (info, wallet, reward account).
	AncestorTripleSize = 3

	// PoolFeeBps is the pool fee used to scale the reward quote.
	PoolFeeBps int64 = 1800
	// FeeDenominator is the basis-point denominator.
	FeeDenominator int64 = 10000
	// Precision is the fixed-point scale of the reward quote.
	Precision int64 = 1_000_000_000
	// QuoteFallback is returned by the estimator when the pool state is unusable.
	QuoteFallback uint64 = 100
	// QuoteMinimum is returned when a positive quote truncates to zero.
	QuoteMinimum uint64 = 1

	// MintThrottleFactor bounds a mint to this multiple of the previously accepted mint.
	MintThrottleFactor = 3
)

// PDA seeds.
const (
	SeedUserAccount         = "user_account"
	SeedProgramVault        = "program_sol_vault"
	SeedTokenMintAuthority  = "token_mint_authority"
	SeedTokenVaultAuthority = "token_vault_authority"
)

// VaultProgram is the external vault program that accepts pool deposits.
var VaultProgram = solana.MustPublicKeyFromBase58("24Uqj9JCLxUeoC3hGfh5W3s9FM9uCHDS2SG3LYwBpyTi")

// Addresses is the fixed allow-list table.
type Addresses struct {
	Pool          solana.PublicKey
	AVaultLP      solana.PublicKey
	AVaultLPMint  solana.PublicKey
	ATokenVault   solana.PublicKey
	BVault        solana.PublicKey
	BVaultLP      solana.PublicKey
	BVaultLPMint  solana.PublicKey
	BTokenVault   solana.PublicKey
	RewardMint    solana.PublicKey
	WrappedMint   solana.PublicKey
	OracleProgram solana.PublicKey
	OracleFeed    solana.PublicKey
	Treasury      solana.PublicKey
	Initializer   solana.PublicKey
}

// MainnetAddresses returns the production allow-list.
func MainnetAddresses() Addresses {
	return Addresses{
		Pool:          solana.MustPublicKeyFromBase58("BEuzx33ecm4rtgjtB2bShqGco4zMkdr6ioyzPh6vY9ot"),
		AVaultLP:      solana.MustPublicKeyFromBase58("BGh2tc4kagmEmVvaogdcAodVDvUxmXWivYL5kxwapm31"),
		AVaultLPMint:  solana.MustPublicKeyFromBase58("Bk33KwVZ8hsgr3uSb8GGNJZpAEqH488oYPvoY5W9djVP"),
		ATokenVault:   solana.MustPublicKeyFromBase58("HoASBFustFYysd9aCu6M3G3kve88j22LAyTpvCNp5J65"),
		BVault:        solana.MustPublicKeyFromBase58("FERjPVNEa7Udq8CEv68h6tPL46Tq7ieE49HrE2wea3XT"),
		BVaultLP:      solana.MustPublicKeyFromBase58("8mNjx5Aww9DX33uFxZwqb7m2vhsavrxyzkME3hE63sT2"),
		BVaultLPMint:  solana.MustPublicKeyFromBase58("FZN7QZ8ZUUAxMPfxYEYkH3cXUASzH8EqA6B4tyCL8f1j"),
		BTokenVault:   solana.MustPublicKeyFromBase58("HZeLxbZ9uHtSpwZC3LBr4Nubd14iHwz7bRSghRZf5VCG"),
		RewardMint:    solana.MustPublicKeyFromBase58("3dCXCZd3cbKHT7jQSLzRNJQYu1zEzaD8FHi4MWHLX4DZ"),
		WrappedMint:   solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		OracleProgram: solana.MustPublicKeyFromBase58("HEvSKofvBgfaexv23kMabbYqxasxU3mQ4ibBMEmJWHny"),
		OracleFeed:    solana.MustPublicKeyFromBase58("99B2bTijsU6f1GCT73HmdR7HCFFjGMBcPZY6jZ96ynrR"),
		Treasury:      solana.MustPublicKeyFromBase58("Eu22Js2qTu5bCr2WFY2APbvhDqAhUZpkYKmVsfeyqR2N"),
		Initializer:   solana.MustPublicKeyFromBase58("8gVApS2cyCuYsGk7VqjMhTc6cSEBx6fhGz7T7wSrWEpv"),
	}
}

// Validate reports the first zero key in the table.
func (a *Addresses) Validate() error {
	for _, f := range a.fields() {
		if f.key.IsZero() {
			return fmt.Errorf("%s is required", f.env)
		}
	}
	return nil
}

type addressField struct {
	env string
	key *solana.PublicKey
}

func (a *Addresses) fields() []addressField {
	return []addressField{
		{"MATRIX_POOL", &a.Pool},
		{"MATRIX_A_VAULT_LP", &a.AVaultLP},
		{"MATRIX_A_VAULT_LP_MINT", &a.AVaultLPMint},
		{"MATRIX_A_TOKEN_VAULT", &a.ATokenVault},
		{"MATRIX_B_VAULT", &a.BVault},
		{"MATRIX_B_VAULT_LP", &a.BVaultLP},
		{"MATRIX_B_VAULT_LP_MINT", &a.BVaultLPMint},
		{"MATRIX_B_TOKEN_VAULT", &a.BTokenVault},
		{"MATRIX_REWARD_MINT", &a.RewardMint},
		{"MATRIX_WRAPPED_MINT", &a.WrappedMint},
		{"MATRIX_ORACLE_PROGRAM", &a.OracleProgram},
		{"MATRIX_ORACLE_FEED", &a.OracleFeed},
		{"MATRIX_TREASURY", &a.Treasury},
		{"MATRIX_INITIALIZER", &a.Initializer},
	}
}

// LoadAddressesFromEnv starts from base and overrides every key whose MATRIX_* variable is set.
func LoadAddressesFromEnv(base Addresses) (Addresses, error) {
	out := base
	for _, f := range out.fields() {
		v := os.Getenv(f.env)
		if v == "" {
			continue
		}
		pk, err := solana.PublicKeyFromBase58(v)
		if err != nil {
			return Addresses{}, fmt.Errorf("invalid %s: %w", f.env, err)
		}
		*f.key = pk
	}
	if err := out.Validate(); err != nil {
		return Addresses{}, err
	}
	return out, nil
}
