package matrix

import (
	"context"
	"log/slog"

	"github.com/gagliardetto/solana-go"
)

// SlotFilled is emitted every time a key is recorded into a chain slot.
type SlotFilled struct {
	SlotIndex uint8
	ChainID   uint32
	// User is the key placed into the slot: the registering wallet for a direct sponsor,
	// the account record of the completing descendant for an ancestor.
	User solana.PublicKey
	// Owner is the account record whose chain was filled.
	Owner solana.PublicKey
}

// EventSink receives the events of a successful operation, in the order they occurred.
type EventSink interface {
	Emit(ctx context.Context, events []SlotFilled) error
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(_ context.Context, events []SlotFilled) error {
	for _, ev := range events {
		s.Logger.Info("matrix: slot filled",
			"slot", ev.SlotIndex,
			"chain_id", ev.ChainID,
			"user", ev.User.String(),
			"owner", ev.Owner.String(),
		)
	}
	return nil
}

type recorder struct {
	events []SlotFilled
}

func (r *recorder) add(ev SlotFilled) {
	r.events = append(r.events, ev)
}
