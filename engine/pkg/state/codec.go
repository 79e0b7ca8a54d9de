package state

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
)

// HeaderSize is the discriminator prefix of every engine-owned record.
const HeaderSize = 8

const (
	pubkeySize = 32

	// GlobalCountersSize is the encoded size of GlobalCounters including the header.
	GlobalCountersSize = HeaderSize + pubkeySize + pubkeySize + 4 + 4 + 8

	// AccountSize is the encoded size of Account including the header, with the ancestry
	// window and every slot at capacity.
	AccountSize = HeaderSize +
		1 + // registered
		1 + pubkeySize + // sponsor
		pubkeySize + // owner wallet
		4 + 4 + 4 + config.MaxUplineDepth*(2*pubkeySize) + // ancestry
		4 + config.ChainSize*(1+pubkeySize) + 1 + // chain
		8 + 8 // escrow
)

var (
	accountDiscriminator  = discriminator("UserAccount")
	countersDiscriminator = discriminator("ProgramState")
)

func discriminator(name string) [HeaderSize]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [HeaderSize]byte
	copy(d[:], sum[:HeaderSize])
	return d
}

// EncodeAccount serializes a into a zero-padded AccountSize record.
func EncodeAccount(a *Account) ([]byte, error) {
	if len(a.Ancestry.Links) > config.MaxUplineDepth {
		return nil, errcode.Wrap(errcode.InvalidUplineDepth, "ancestry window holds %d links", len(a.Ancestry.Links))
	}
	buf := new(bytes.Buffer)
	buf.Grow(AccountSize)
	buf.Write(accountDiscriminator[:])
	enc := bin.NewBorshEncoder(buf)

	if err := enc.WriteBool(a.Registered); err != nil {
		return nil, encodeErr(err)
	}
	if err := writeOptionalKey(enc, a.Sponsor); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteBytes(a.OwnerWallet[:], false); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint32(a.Ancestry.ID, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint32(a.Ancestry.Depth, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint32(uint32(len(a.Ancestry.Links)), bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	for _, l := range a.Ancestry.Links {
		if err := enc.WriteBytes(l.Account[:], false); err != nil {
			return nil, encodeErr(err)
		}
		if err := enc.WriteBytes(l.Wallet[:], false); err != nil {
			return nil, encodeErr(err)
		}
	}
	if err := enc.WriteUint32(a.Chain.ID, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	for _, s := range a.Chain.Slots {
		if err := writeOptionalKey(enc, s); err != nil {
			return nil, encodeErr(err)
		}
	}
	if err := enc.WriteUint8(a.Chain.Filled); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint64(a.ReservedFunds, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint64(a.ReservedReward, bin.LE); err != nil {
		return nil, encodeErr(err)
	}

	out := make([]byte, AccountSize)
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeAccount parses a record produced by EncodeAccount. The header must match and the
// body must be present; trailing padding is ignored.
func DecodeAccount(data []byte) (*Account, error) {
	if len(data) <= HeaderSize {
		return nil, errcode.Wrap(errcode.InvalidAccountData, "account record is %d bytes", len(data))
	}
	if !bytes.Equal(data[:HeaderSize], accountDiscriminator[:]) {
		return nil, errcode.InvalidAccountDiscriminator
	}
	dec := bin.NewBorshDecoder(data[HeaderSize:])
	a := &Account{}
	var err error

	if a.Registered, err = dec.ReadBool(); err != nil {
		return nil, decodeErr("registered", err)
	}
	if a.Sponsor, err = readOptionalKey(dec); err != nil {
		return nil, decodeErr("sponsor", err)
	}
	if a.OwnerWallet, err = readKey(dec); err != nil {
		return nil, decodeErr("owner wallet", err)
	}
	if a.Ancestry.ID, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, decodeErr("ancestry id", err)
	}
	if a.Ancestry.Depth, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, decodeErr("ancestry depth", err)
	}
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, decodeErr("ancestry length", err)
	}
	if n > config.MaxUplineDepth {
		return nil, errcode.Wrap(errcode.InvalidUplineDepth, "ancestry window holds %d links", n)
	}
	if n > 0 {
		a.Ancestry.Links = make([]AncestorLink, n)
	}
	for i := range a.Ancestry.Links {
		if a.Ancestry.Links[i].Account, err = readKey(dec); err != nil {
			return nil, decodeErr("ancestry link", err)
		}
		if a.Ancestry.Links[i].Wallet, err = readKey(dec); err != nil {
			return nil, decodeErr("ancestry link", err)
		}
	}
	if a.Chain.ID, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, decodeErr("chain id", err)
	}
	for i := range a.Chain.Slots {
		if a.Chain.Slots[i], err = readOptionalKey(dec); err != nil {
			return nil, decodeErr("chain slot", err)
		}
	}
	if a.Chain.Filled, err = dec.ReadUint8(); err != nil {
		return nil, decodeErr("chain filled", err)
	}
	if a.ReservedFunds, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("reserved funds", err)
	}
	if a.ReservedReward, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("reserved reward", err)
	}
	return a, nil
}

// EncodeGlobalCounters serializes g into a GlobalCountersSize record.
func EncodeGlobalCounters(g *GlobalCounters) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(GlobalCountersSize)
	buf.Write(countersDiscriminator[:])
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(g.Owner[:], false); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteBytes(g.Treasury[:], false); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint32(g.NextUplineID, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint32(g.NextChainID, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	if err := enc.WriteUint64(g.LastMintAmount, bin.LE); err != nil {
		return nil, encodeErr(err)
	}
	return buf.Bytes(), nil
}

// DecodeGlobalCounters parses a record produced by EncodeGlobalCounters.
func DecodeGlobalCounters(data []byte) (*GlobalCounters, error) {
	if len(data) != GlobalCountersSize {
		return nil, errcode.Wrap(errcode.InvalidStateSize, "state record is %d bytes, want %d", len(data), GlobalCountersSize)
	}
	if !bytes.Equal(data[:HeaderSize], countersDiscriminator[:]) {
		return nil, errcode.InvalidAccountDiscriminator
	}
	dec := bin.NewBorshDecoder(data[HeaderSize:])
	g := &GlobalCounters{}
	var err error
	if g.Owner, err = readKey(dec); err != nil {
		return nil, decodeErr("owner", err)
	}
	if g.Treasury, err = readKey(dec); err != nil {
		return nil, decodeErr("treasury", err)
	}
	if g.NextUplineID, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, decodeErr("next upline id", err)
	}
	if g.NextChainID, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, decodeErr("next chain id", err)
	}
	if g.LastMintAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("last mint amount", err)
	}
	return g, nil
}

// IsZeroed reports whether a freshly allocated record has never been written.
func IsZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func writeOptionalKey(enc *bin.Encoder, k *solana.PublicKey) error {
	if k == nil {
		return enc.WriteUint8(0)
	}
	if err := enc.WriteUint8(1); err != nil {
		return err
	}
	return enc.WriteBytes(k[:], false)
}

func readKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(pubkeySize)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readOptionalKey(dec *bin.Decoder) (*solana.PublicKey, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		k, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		return &k, nil
	default:
		return nil, fmt.Errorf("invalid option tag %d", tag)
	}
}

func encodeErr(err error) error {
	return fmt.Errorf("failed to encode record: %v: %w", err, errcode.InvalidAccountData)
}

func decodeErr(field string, err error) error {
	return fmt.Errorf("failed to decode %s: %v: %w", field, err, errcode.InvalidAccountData)
}
