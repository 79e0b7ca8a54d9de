package token

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	splToken "github.com/gagliardetto/solana-go/programs/token"
)

// depositSighash is the vault program's deposit instruction selector.
var depositSighash = [8]byte{242, 35, 198, 137, 82, 225, 242, 182}

// Recorder builds the on-ledger instruction for every call it sees and forwards the
// call to the wrapped module. A nil module makes it a dry run.
type Recorder struct {
	next Module

	mu           sync.Mutex
	instructions []solana.Instruction
}

// NewRecorder wraps next.
func NewRecorder(next Module) *Recorder {
	return &Recorder{next: next}
}

// Instructions returns the recorded instructions in call order.
func (r *Recorder) Instructions() []solana.Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]solana.Instruction, len(r.instructions))
	copy(out, r.instructions)
	return out
}

func (r *Recorder) record(ix solana.Instruction) {
	r.mu.Lock()
	r.instructions = append(r.instructions, ix)
	r.mu.Unlock()
}

func (r *Recorder) SyncNative(ctx context.Context, account solana.PublicKey) error {
	r.record(splToken.NewSyncNativeInstruction(account).Build())
	if r.next == nil {
		return nil
	}
	return r.next.SyncNative(ctx, account)
}

func (r *Recorder) Deposit(ctx context.Context, p DepositParams) error {
	ix, err := DepositInstruction(p)
	if err != nil {
		return err
	}
	r.record(ix)
	if r.next == nil {
		return nil
	}
	return r.next.Deposit(ctx, p)
}

func (r *Recorder) MintTo(ctx context.Context, p MintParams) error {
	r.record(splToken.NewMintToInstruction(p.Amount, p.Mint, p.Destination, p.Authority.Key, nil).Build())
	if r.next == nil {
		return nil
	}
	return r.next.MintTo(ctx, p)
}

func (r *Recorder) Transfer(ctx context.Context, p TransferParams) error {
	signer := p.Source
	if p.Authority != nil {
		signer = p.Authority.Key
	}
	switch p.Asset {
	case AssetNative:
		r.record(system.NewTransferInstruction(p.Amount, p.Source, p.Destination).Build())
	case AssetReward:
		r.record(splToken.NewTransferInstruction(p.Amount, p.Source, p.Destination, signer, nil).Build())
	default:
		return fmt.Errorf("unsupported asset %d", p.Asset)
	}
	if r.next == nil {
		return nil
	}
	return r.next.Transfer(ctx, p)
}

// DepositInstruction builds the vault program deposit with a zero minimum LP output.
func DepositInstruction(p DepositParams) (*solana.GenericInstruction, error) {
	buf := new(bytes.Buffer)
	buf.Write(depositSighash[:])
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint64(p.Amount, bin.LE); err != nil {
		return nil, fmt.Errorf("failed to encode deposit amount: %w", err)
	}
	if err := enc.WriteUint64(0, bin.LE); err != nil {
		return nil, fmt.Errorf("failed to encode minimum lp amount: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(p.Vault, true, false),
		solana.NewAccountMeta(p.TokenVault, true, false),
		solana.NewAccountMeta(p.LPMint, true, false),
		solana.NewAccountMeta(p.Source, true, false),
		solana.NewAccountMeta(p.LPAccount, true, false),
		solana.NewAccountMeta(p.Owner, false, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(p.VaultProgram, accounts, buf.Bytes()), nil
}
