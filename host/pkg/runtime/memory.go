package runtime

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/state"
)

// MemoryStore keeps records in a map. Executions run one at a time.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey]*state.AccountInfo
	executions []Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[solana.PublicKey]*state.AccountInfo)}
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ History = (*MemoryStore)(nil)
)

func (s *MemoryStore) Name() string { return "memory" }

// Put writes a record outside of any execution.
func (s *MemoryStore) Put(info *state.AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[info.Key] = info.Clone()
}

func (s *MemoryStore) Get(_ context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.accounts[key]
	if !ok {
		return nil, ErrNotFound
	}
	return info.Clone(), nil
}

// Executions returns the committed executions in commit order.
func (s *MemoryStore) Executions() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, len(s.executions))
	copy(out, s.executions)
	return out
}

func (s *MemoryStore) RecentExecutions(_ context.Context, limit, offset int) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset = max(offset, 0)
	var out []Execution
	for i := len(s.executions) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.executions[i])
	}
	return out, nil
}

func (s *MemoryStore) Execute(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, writes: make(map[solana.PublicKey]*state.AccountInfo)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for key, info := range tx.writes {
		s.accounts[key] = info
	}
	s.executions = append(s.executions, tx.executions...)
	return nil
}

type memoryTx struct {
	store      *MemoryStore
	writes     map[solana.PublicKey]*state.AccountInfo
	executions []Execution
}

func (tx *memoryTx) Load(_ context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	if info, ok := tx.writes[key]; ok {
		return info.Clone(), nil
	}
	info, ok := tx.store.accounts[key]
	if !ok {
		return nil, ErrNotFound
	}
	return info.Clone(), nil
}

func (tx *memoryTx) Save(_ context.Context, info *state.AccountInfo) error {
	tx.writes[info.Key] = info.Clone()
	return nil
}

func (tx *memoryTx) RecordExecution(_ context.Context, exec Execution) error {
	tx.executions = append(tx.executions, exec)
	return nil
}
