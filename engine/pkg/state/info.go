package state

import (
	"github.com/gagliardetto/solana-go"
)

// AccountInfo is a keyed ledger record as handed to the engine by the host.
type AccountInfo struct {
	Key        solana.PublicKey
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}

// Clone returns a deep copy.
func (a *AccountInfo) Clone() *AccountInfo {
	if a == nil {
		return nil
	}
	out := *a
	if a.Data != nil {
		out.Data = make([]byte, len(a.Data))
		copy(out.Data, a.Data)
	}
	return &out
}

// OwnedBy reports whether the record is owned by program.
func (a *AccountInfo) OwnedBy(program solana.PublicKey) bool {
	return a != nil && a.Owner.Equals(program)
}
