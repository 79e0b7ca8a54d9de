package state

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// SPL token record sizes.
const (
	TokenAccountSize = 165
	MintSize         = 82

	// mint, owner, amount, delegate
	tokenAccountStateOffset = 32 + 32 + 8 + 36
)

// TokenAccount is the subset of an SPL token account the engine reads and the host writes.
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
	Native bool
}

// Mint is the subset of an SPL mint the engine reads and the host writes.
type Mint struct {
	Authority *solana.PublicKey
	Supply    uint64
	Decimals  uint8
}

// EncodeTokenAccount writes the SPL token account layout.
func EncodeTokenAccount(t TokenAccount) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(TokenAccountSize)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteBytes(t.Mint[:], false)
	_ = enc.WriteBytes(t.Owner[:], false)
	_ = enc.WriteUint64(t.Amount, bin.LE)
	writeCOptionKey(enc, nil) // delegate
	_ = enc.WriteUint8(1)     // initialized
	if t.Native {
		_ = enc.WriteUint32(1, bin.LE)
		_ = enc.WriteUint64(0, bin.LE) // rent-exempt reserve is not modelled
	} else {
		_ = enc.WriteUint32(0, bin.LE)
		_ = enc.WriteUint64(0, bin.LE)
	}
	_ = enc.WriteUint64(0, bin.LE) // delegated amount
	writeCOptionKey(enc, nil)      // close authority
	return buf.Bytes()
}

// EncodeMint writes the SPL mint layout.
func EncodeMint(m Mint) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(MintSize)
	enc := bin.NewBinEncoder(buf)
	writeCOptionKey(enc, m.Authority)
	_ = enc.WriteUint64(m.Supply, bin.LE)
	_ = enc.WriteUint8(m.Decimals)
	_ = enc.WriteBool(true)
	writeCOptionKey(enc, nil) // freeze authority
	return buf.Bytes()
}

// DecodeTokenAccount parses an SPL token account.
func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) != TokenAccountSize {
		return nil, fmt.Errorf("token account is %d bytes, want %d", len(data), TokenAccountSize)
	}
	if data[tokenAccountStateOffset] == 0 {
		return nil, fmt.Errorf("token account is not initialized")
	}
	var acc token.Account
	if err := bin.NewBinDecoder(data).Decode(&acc); err != nil {
		return nil, fmt.Errorf("failed to decode token account: %w", err)
	}
	return &TokenAccount{
		Mint:   acc.Mint,
		Owner:  acc.Owner,
		Amount: acc.Amount,
		Native: acc.IsNative != nil,
	}, nil
}

// DecodeMint parses an SPL mint.
func DecodeMint(data []byte) (*Mint, error) {
	if len(data) != MintSize {
		return nil, fmt.Errorf("mint is %d bytes, want %d", len(data), MintSize)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(data).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode mint: %w", err)
	}
	if !m.IsInitialized {
		return nil, fmt.Errorf("mint is not initialized")
	}
	return &Mint{
		Authority: m.MintAuthority,
		Supply:    m.Supply,
		Decimals:  m.Decimals,
	}, nil
}

func writeCOptionKey(enc *bin.Encoder, k *solana.PublicKey) {
	if k == nil {
		_ = enc.WriteUint32(0, bin.LE)
		_ = enc.WriteBytes(make([]byte, pubkeySize), false)
		return
	}
	_ = enc.WriteUint32(1, bin.LE)
	_ = enc.WriteBytes(k[:], false)
}
