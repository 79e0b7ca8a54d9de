// Package bank is a token-accounting module that settles deposits, mints and transfers
// directly against ledger records: lamports on system accounts and SPL layouts on token
// accounts and mints.
package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotTokenAccount   = errors.New("not a token account")
	ErrWrongMint         = errors.New("token account holds another mint")
	ErrUnauthorized      = errors.New("signer does not control the source")
	ErrBalanceOverflow   = errors.New("balance overflow")
)

// Ledger resolves records for the module. Records it returns are mutated in place.
type Ledger interface {
	Account(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error)
	// OpenAccount returns the record at key, creating an empty system-owned one when
	// it does not exist.
	OpenAccount(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error)
}

type Config struct {
	Logger    *slog.Logger
	ProgramID solana.PublicKey
	Ledger    Ledger
	// VaultProgram is the only pool program deposits are accepted for.
	VaultProgram solana.PublicKey
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.ProgramID.IsZero() {
		cfg.ProgramID = config.ProgramID
	}
	if cfg.VaultProgram.IsZero() {
		cfg.VaultProgram = config.VaultProgram
	}
	return nil
}

type Bank struct {
	log *slog.Logger
	cfg Config
}

var _ token.Module = (*Bank)(nil)

func New(cfg Config) (*Bank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bank{log: cfg.Logger, cfg: cfg}, nil
}

// SyncNative sets a native token account's amount to its lamport balance.
func (b *Bank) SyncNative(ctx context.Context, account solana.PublicKey) error {
	info, tok, err := b.tokenAccount(ctx, account)
	if err != nil {
		return err
	}
	if !tok.Native {
		return fmt.Errorf("%s is not a native token account", account)
	}
	tok.Amount = info.Lamports
	info.Data = state.EncodeTokenAccount(*tok)
	b.log.Debug("bank: synced native account", "account", account.String(), "amount", tok.Amount)
	return nil
}

// Deposit moves Amount out of the source into the pool's token vault and credits the
// LP account with the proportional share of the LP mint.
func (b *Bank) Deposit(ctx context.Context, p token.DepositParams) error {
	if !p.VaultProgram.Equals(b.cfg.VaultProgram) {
		return fmt.Errorf("unknown vault program %s", p.VaultProgram)
	}
	srcInfo, src, err := b.tokenAccount(ctx, p.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if !src.Owner.Equals(p.Owner) {
		return fmt.Errorf("source %s: %w", p.Source, ErrUnauthorized)
	}
	vaultInfo, vault, err := b.tokenAccount(ctx, p.TokenVault)
	if err != nil {
		return fmt.Errorf("token vault: %w", err)
	}
	if !vault.Mint.Equals(src.Mint) {
		return fmt.Errorf("token vault %s: %w", p.TokenVault, ErrWrongMint)
	}
	mintInfo, mint, err := b.mint(ctx, p.LPMint)
	if err != nil {
		return fmt.Errorf("lp mint: %w", err)
	}
	lpInfo, lp, err := b.tokenAccount(ctx, p.LPAccount)
	if err != nil {
		return fmt.Errorf("lp account: %w", err)
	}
	if !lp.Mint.Equals(p.LPMint) {
		return fmt.Errorf("lp account %s: %w", p.LPAccount, ErrWrongMint)
	}

	shares, err := lpShares(p.Amount, vault.Amount, mint.Supply)
	if err != nil {
		return err
	}
	if err := debit(&src.Amount, p.Amount); err != nil {
		return fmt.Errorf("source %s: %w", p.Source, err)
	}
	if src.Native {
		lamports := vaultInfo.Lamports
		if err := credit(&lamports, p.Amount); err != nil {
			return fmt.Errorf("token vault %s: %w", p.TokenVault, err)
		}
		if err := debit(&srcInfo.Lamports, p.Amount); err != nil {
			return fmt.Errorf("source %s: %w", p.Source, err)
		}
		vaultInfo.Lamports = lamports
	}
	if err := credit(&vault.Amount, p.Amount); err != nil {
		return err
	}
	if err := credit(&mint.Supply, shares); err != nil {
		return err
	}
	if err := credit(&lp.Amount, shares); err != nil {
		return err
	}

	srcInfo.Data = state.EncodeTokenAccount(*src)
	vaultInfo.Data = state.EncodeTokenAccount(*vault)
	mintInfo.Data = state.EncodeMint(*mint)
	lpInfo.Data = state.EncodeTokenAccount(*lp)
	b.log.Debug("bank: deposited into pool", "source", p.Source.String(), "amount", p.Amount, "shares", shares)
	return nil
}

// lpShares is amount scaled by the LP supply per unit held in the vault. An empty pool
// issues shares one to one.
func lpShares(amount, vault, supply uint64) (uint64, error) {
	if vault == 0 || supply == 0 {
		return amount, nil
	}
	out, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), uint256.NewInt(supply))
	if overflow {
		return 0, errors.New("lp share overflow")
	}
	out.Div(out, uint256.NewInt(vault))
	if !out.IsUint64() {
		return 0, errors.New("lp share overflow")
	}
	return out.Uint64(), nil
}

func (b *Bank) MintTo(ctx context.Context, p token.MintParams) error {
	if err := p.Authority.Verify(b.cfg.ProgramID); err != nil {
		return err
	}
	mintInfo, mint, err := b.mint(ctx, p.Mint)
	if err != nil {
		return err
	}
	if mint.Authority == nil || !mint.Authority.Equals(p.Authority.Key) {
		return fmt.Errorf("mint %s: %w", p.Mint, ErrUnauthorized)
	}
	dstInfo, dst, err := b.tokenAccount(ctx, p.Destination)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if !dst.Mint.Equals(p.Mint) {
		return fmt.Errorf("destination %s: %w", p.Destination, ErrWrongMint)
	}
	if err := credit(&mint.Supply, p.Amount); err != nil {
		return err
	}
	if err := credit(&dst.Amount, p.Amount); err != nil {
		return err
	}
	mintInfo.Data = state.EncodeMint(*mint)
	dstInfo.Data = state.EncodeTokenAccount(*dst)
	b.log.Debug("bank: minted", "mint", p.Mint.String(), "destination", p.Destination.String(), "amount", p.Amount)
	return nil
}

func (b *Bank) Transfer(ctx context.Context, p token.TransferParams) error {
	if p.Authority != nil {
		if err := p.Authority.Verify(b.cfg.ProgramID); err != nil {
			return err
		}
	}
	switch p.Asset {
	case token.AssetNative:
		return b.transferNative(ctx, p)
	case token.AssetReward:
		return b.transferToken(ctx, p)
	default:
		return fmt.Errorf("unsupported asset %s", p.Asset)
	}
}

func (b *Bank) transferNative(ctx context.Context, p token.TransferParams) error {
	if p.Authority != nil && !p.Authority.Key.Equals(p.Source) {
		return fmt.Errorf("source %s: %w", p.Source, ErrUnauthorized)
	}
	src, err := b.cfg.Ledger.Account(ctx, p.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := b.cfg.Ledger.OpenAccount(ctx, p.Destination)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if err := debit(&src.Lamports, p.Amount); err != nil {
		return fmt.Errorf("source %s: %w", p.Source, err)
	}
	if err := credit(&dst.Lamports, p.Amount); err != nil {
		return err
	}
	b.log.Debug("bank: transferred lamports", "source", p.Source.String(), "destination", p.Destination.String(), "amount", p.Amount)
	return nil
}

func (b *Bank) transferToken(ctx context.Context, p token.TransferParams) error {
	srcInfo, src, err := b.tokenAccount(ctx, p.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	signer := p.Source
	if p.Authority != nil {
		signer = p.Authority.Key
	}
	if !src.Owner.Equals(signer) {
		return fmt.Errorf("source %s: %w", p.Source, ErrUnauthorized)
	}
	dstInfo, dst, err := b.tokenAccount(ctx, p.Destination)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if !dst.Mint.Equals(src.Mint) {
		return fmt.Errorf("destination %s: %w", p.Destination, ErrWrongMint)
	}
	if err := debit(&src.Amount, p.Amount); err != nil {
		return fmt.Errorf("source %s: %w", p.Source, err)
	}
	if err := credit(&dst.Amount, p.Amount); err != nil {
		return err
	}
	srcInfo.Data = state.EncodeTokenAccount(*src)
	dstInfo.Data = state.EncodeTokenAccount(*dst)
	b.log.Debug("bank: transferred tokens", "source", p.Source.String(), "destination", p.Destination.String(), "amount", p.Amount)
	return nil
}

func (b *Bank) tokenAccount(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, *state.TokenAccount, error) {
	info, err := b.cfg.Ledger.Account(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !info.OwnedBy(solana.TokenProgramID) {
		return nil, nil, fmt.Errorf("%s: %w", key, ErrNotTokenAccount)
	}
	tok, err := state.DecodeTokenAccount(info.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	return info, tok, nil
}

func (b *Bank) mint(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, *state.Mint, error) {
	info, err := b.cfg.Ledger.Account(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !info.OwnedBy(solana.TokenProgramID) {
		return nil, nil, fmt.Errorf("%s: %w", key, ErrNotTokenAccount)
	}
	m, err := state.DecodeMint(info.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	return info, m, nil
}

func debit(balance *uint64, amount uint64) error {
	if *balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, *balance, amount)
	}
	*balance -= amount
	return nil
}

func credit(balance *uint64, amount uint64) error {
	if *balance > ^uint64(0)-amount {
		return fmt.Errorf("%w: have %d, adding %d", ErrBalanceOverflow, *balance, amount)
	}
	*balance += amount
	return nil
}
