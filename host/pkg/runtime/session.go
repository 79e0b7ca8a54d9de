package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/state"
)

// session hands out one record per key for the life of a transaction and writes back
// the ones that changed. It is the ledger seen by both the engine and the bank.
type session struct {
	tx      Tx
	records map[solana.PublicKey]*state.AccountInfo
	before  map[solana.PublicKey]*state.AccountInfo
	order   []solana.PublicKey
}

func newSession(tx Tx) *session {
	return &session{
		tx:      tx,
		records: make(map[solana.PublicKey]*state.AccountInfo),
		before:  make(map[solana.PublicKey]*state.AccountInfo),
	}
}

func (s *session) track(info *state.AccountInfo, existed bool) *state.AccountInfo {
	s.records[info.Key] = info
	if existed {
		s.before[info.Key] = info.Clone()
	}
	s.order = append(s.order, info.Key)
	return info
}

// Account returns the record at key or ErrNotFound.
func (s *session) Account(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	if info, ok := s.records[key]; ok {
		return info, nil
	}
	info, err := s.tx.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return s.track(info, true), nil
}

func (s *session) OpenAccount(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	return s.allocate(ctx, key, solana.SystemProgramID, 0)
}

// allocate returns the record at key, creating a zeroed one of size bytes owned by owner
// when it does not exist yet.
func (s *session) allocate(ctx context.Context, key, owner solana.PublicKey, size int) (*state.AccountInfo, error) {
	info, err := s.Account(ctx, key)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	var data []byte
	if size > 0 {
		data = make([]byte, size)
	}
	return s.track(&state.AccountInfo{Key: key, Owner: owner, Data: data}, false), nil
}

// optional returns the record at key, or a bare record carrying only the key when the
// store does not hold it.
func (s *session) optional(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	info, err := s.Account(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return &state.AccountInfo{Key: key}, nil
	}
	return info, err
}

// flush saves every record that was created or changed, in load order.
func (s *session) flush(ctx context.Context) (int, error) {
	n := 0
	for _, key := range s.order {
		info := s.records[key]
		if prev, ok := s.before[key]; ok && unchanged(prev, info) {
			continue
		}
		if err := s.tx.Save(ctx, info); err != nil {
			return n, fmt.Errorf("failed to save %s: %w", key, err)
		}
		n++
	}
	return n, nil
}

func unchanged(a, b *state.AccountInfo) bool {
	return a.Owner.Equals(b.Owner) && a.Lamports == b.Lamports && a.Executable == b.Executable && bytes.Equal(a.Data, b.Data)
}
