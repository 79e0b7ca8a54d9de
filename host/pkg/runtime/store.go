package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/malbeclabs/matrix/engine/pkg/matrix"
	"github.com/malbeclabs/matrix/engine/pkg/state"
)

var ErrNotFound = errors.New("account not found")

// Tx is one atomic unit of work against a Store. Records returned by Load are private
// copies; nothing is visible to other executions until the transaction commits.
type Tx interface {
	Load(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error)
	Save(ctx context.Context, info *state.AccountInfo) error
	RecordExecution(ctx context.Context, exec Execution) error
}

// Store persists ledger records. Execute commits the transaction when fn returns nil
// and discards every write otherwise.
type Store interface {
	Name() string
	Execute(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error)
}

// History lists committed executions, newest first.
type History interface {
	RecentExecutions(ctx context.Context, limit, offset int) ([]Execution, error)
}

// Execution is the committed record of a successful operation.
type Execution struct {
	ID        uuid.UUID
	Operation string
	Signer    solana.PublicKey
	User      solana.PublicKey
	Amount    uint64
	Slot      int
	Hops      int
	Remainder uint64
	Events    []matrix.SlotFilled
	CreatedAt time.Time
}
