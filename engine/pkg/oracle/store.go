package oracle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/state"
)

// Layout of an OCR2 store transmissions account.
const (
	storeDiscriminatorSize = 8
	storeHeaderSize        = 192
	transmissionSize       = 48
	descriptionSize        = 32
)

var storeDiscriminator = func() [storeDiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("account:Transmissions"))
	var d [storeDiscriminatorSize]byte
	copy(d[:], sum[:storeDiscriminatorSize])
	return d
}()

// Transmission is one entry of the store's live ring buffer.
type Transmission struct {
	Slot      uint64
	Timestamp uint32
	Answer    *big.Int
}

// StoreState is the decoded transmissions account.
type StoreState struct {
	Version       uint8
	Owner         solana.PublicKey
	Description   string
	Decimals      uint8
	LatestRoundID uint32
	LiveCursor    uint32
	Live          []Transmission
}

// Latest returns the most recent transmission.
func (s *StoreState) Latest() (Transmission, error) {
	if s.LatestRoundID == 0 || len(s.Live) == 0 {
		return Transmission{}, errors.New("feed has no rounds")
	}
	n := uint32(len(s.Live))
	return s.Live[(s.LiveCursor+n-1)%n], nil
}

// DecodeStore parses a transmissions account.
func DecodeStore(data []byte) (*StoreState, error) {
	if len(data) < storeDiscriminatorSize+storeHeaderSize {
		return nil, fmt.Errorf("store account is %d bytes", len(data))
	}
	if !bytes.Equal(data[:storeDiscriminatorSize], storeDiscriminator[:]) {
		return nil, errors.New("store account has an unexpected discriminator")
	}
	dec := bin.NewBinDecoder(data[storeDiscriminatorSize : storeDiscriminatorSize+storeHeaderSize])
	s := &StoreState{}
	var err error
	read := func(name string, fn func() error) {
		if err == nil {
			if e := fn(); e != nil {
				err = fmt.Errorf("failed to decode store %s: %w", name, e)
			}
		}
	}
	var liveLength uint32
	read("version", func() (e error) { s.Version, e = dec.ReadUint8(); return })
	read("state", func() error { _, e := dec.ReadUint8(); return e })
	read("owner", func() error {
		b, e := dec.ReadNBytes(32)
		s.Owner = solana.PublicKeyFromBytes(b)
		return e
	})
	read("proposed owner", func() error { _, e := dec.ReadNBytes(32); return e })
	read("writer", func() error { _, e := dec.ReadNBytes(32); return e })
	read("description", func() error {
		b, e := dec.ReadNBytes(descriptionSize)
		s.Description = string(bytes.TrimRight(b, "\x00"))
		return e
	})
	read("decimals", func() (e error) { s.Decimals, e = dec.ReadUint8(); return })
	read("flagging threshold", func() error { _, e := dec.ReadUint32(bin.LE); return e })
	read("latest round id", func() (e error) { s.LatestRoundID, e = dec.ReadUint32(bin.LE); return })
	read("granularity", func() error { _, e := dec.ReadUint8(); return e })
	read("live length", func() (e error) { liveLength, e = dec.ReadUint32(bin.LE); return })
	read("live cursor", func() (e error) { s.LiveCursor, e = dec.ReadUint32(bin.LE); return })
	if err != nil {
		return nil, err
	}

	body := data[storeDiscriminatorSize+storeHeaderSize:]
	if uint64(len(body)) < uint64(liveLength)*transmissionSize {
		return nil, fmt.Errorf("store holds %d bytes for %d transmissions", len(body), liveLength)
	}
	s.Live = make([]Transmission, liveLength)
	for i := range s.Live {
		tdec := bin.NewBinDecoder(body[i*transmissionSize : (i+1)*transmissionSize])
		if s.Live[i].Slot, err = tdec.ReadUint64(bin.LE); err != nil {
			return nil, fmt.Errorf("failed to decode transmission slot: %w", err)
		}
		if s.Live[i].Timestamp, err = tdec.ReadUint32(bin.LE); err != nil {
			return nil, fmt.Errorf("failed to decode transmission timestamp: %w", err)
		}
		if _, err = tdec.ReadUint32(bin.LE); err != nil {
			return nil, fmt.Errorf("failed to decode transmission padding: %w", err)
		}
		var raw []byte
		if raw, err = tdec.ReadNBytes(16); err != nil {
			return nil, fmt.Errorf("failed to decode transmission answer: %w", err)
		}
		s.Live[i].Answer = int128FromLE(raw)
	}
	return s, nil
}

// EncodeStore writes s in the transmissions layout.
func EncodeStore(s *StoreState) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(storeDiscriminator[:])
	enc := bin.NewBinEncoder(buf)
	desc := make([]byte, descriptionSize)
	copy(desc, s.Description)

	_ = enc.WriteUint8(s.Version)
	_ = enc.WriteUint8(0) // state
	_ = enc.WriteBytes(s.Owner[:], false)
	_ = enc.WriteBytes(make([]byte, 32), false) // proposed owner
	_ = enc.WriteBytes(make([]byte, 32), false) // writer
	_ = enc.WriteBytes(desc, false)
	_ = enc.WriteUint8(s.Decimals)
	_ = enc.WriteUint32(0, bin.LE) // flagging threshold
	_ = enc.WriteUint32(s.LatestRoundID, bin.LE)
	_ = enc.WriteUint8(1) // granularity
	_ = enc.WriteUint32(uint32(len(s.Live)), bin.LE)
	_ = enc.WriteUint32(s.LiveCursor, bin.LE)
	buf.Write(make([]byte, storeDiscriminatorSize+storeHeaderSize-buf.Len()))

	for _, t := range s.Live {
		raw, err := int128ToLE(t.Answer)
		if err != nil {
			return nil, err
		}
		_ = enc.WriteUint64(t.Slot, bin.LE)
		_ = enc.WriteUint32(t.Timestamp, bin.LE)
		_ = enc.WriteUint32(0, bin.LE)
		_ = enc.WriteBytes(raw, false)
		_ = enc.WriteUint64(0, bin.LE)
		_ = enc.WriteUint64(0, bin.LE)
	}
	return buf.Bytes(), nil
}

// SingleRound is a one-entry store holding answer at ts.
func SingleRound(decimals uint8, answer *big.Int, ts time.Time) *StoreState {
	return &StoreState{
		Version:       2,
		Description:   "SOL / USD",
		Decimals:      decimals,
		LatestRoundID: 1,
		Live:          []Transmission{{Slot: 1, Timestamp: uint32(ts.Unix()), Answer: answer}},
	}
}

// StoreFeed reads a transmissions account handed to the engine.
type StoreFeed struct {
	Info    *state.AccountInfo
	Program solana.PublicKey
}

func (f StoreFeed) load() (*StoreState, error) {
	if f.Info == nil {
		return nil, errors.New("feed account is missing")
	}
	if !f.Info.OwnedBy(f.Program) {
		return nil, fmt.Errorf("feed account %s is owned by %s, want %s", f.Info.Key, f.Info.Owner, f.Program)
	}
	return DecodeStore(f.Info.Data)
}

func (f StoreFeed) LatestRound(context.Context) (Round, error) {
	s, err := f.load()
	if err != nil {
		return Round{}, err
	}
	t, err := s.Latest()
	if err != nil {
		return Round{}, err
	}
	return Round{Answer: t.Answer, Timestamp: time.Unix(int64(t.Timestamp), 0)}, nil
}

func (f StoreFeed) Decimals(context.Context) (uint8, error) {
	s, err := f.load()
	if err != nil {
		return 0, err
	}
	return s.Decimals, nil
}

// StaticFeed always reports the same round.
type StaticFeed struct {
	Answer    *big.Int
	Precision uint8
	Timestamp time.Time
	Err       error
}

func (f StaticFeed) LatestRound(context.Context) (Round, error) {
	if f.Err != nil {
		return Round{}, f.Err
	}
	return Round{Answer: f.Answer, Timestamp: f.Timestamp}, nil
}

func (f StaticFeed) Decimals(context.Context) (uint8, error) {
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Precision, nil
}

var (
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

func int128FromLE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	v := new(big.Int).SetBytes(be)
	if len(be) > 0 && be[0]&0x80 != 0 {
		v.Sub(v, two128)
	}
	return v
}

func int128ToLE(v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Cmp(minInt128) < 0 || v.Cmp(maxInt128) > 0 {
		return nil, fmt.Errorf("answer %s does not fit in 128 bits", v)
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	be := u.FillBytes(make([]byte, 16))
	le := make([]byte, 16)
	for i := range be {
		le[15-i] = be[i]
	}
	return le, nil
}
