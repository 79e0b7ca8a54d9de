package state

import (
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
)

// GlobalCounters is the singleton program state.
type GlobalCounters struct {
	Owner          solana.PublicKey
	Treasury       solana.PublicKey
	NextUplineID   uint32
	NextChainID    uint32
	LastMintAmount uint64
}

// Initialized reports whether the counters were ever set up. Both ids start at 1.
func (g *GlobalCounters) Initialized() bool {
	return g.NextUplineID != 0 || g.NextChainID != 0
}

// AllocateUplineID returns the next ancestry id and advances the counter. Ids are never
// reused: once the counter reaches MaxUint32 every further call fails.
func (g *GlobalCounters) AllocateUplineID() (uint32, error) {
	return allocate(&g.NextUplineID, "upline")
}

// AllocateChainID returns the next chain id and advances the counter, with the same
// exhaustion rule as AllocateUplineID.
func (g *GlobalCounters) AllocateChainID() (uint32, error) {
	return allocate(&g.NextChainID, "chain")
}

// allocate treats a counter at MaxUint32 as exhausted so it never wraps.
func allocate(next *uint32, name string) (uint32, error) {
	id := *next
	if id == math.MaxUint32 {
		return 0, errcode.Wrap(errcode.CounterExhausted, "next %s id", name)
	}
	*next++
	return id, nil
}

// ClampMint bounds proposed to MintThrottleFactor times the last accepted mint.
// A zero LastMintAmount marks the first mint, which is accepted as-is. A rejected
// spike returns the last accepted amount and leaves the state untouched.
func (g *GlobalCounters) ClampMint(proposed uint64) (accepted uint64, clamped bool) {
	if g.LastMintAmount == 0 {
		g.LastMintAmount = proposed
		return proposed, false
	}
	limit := saturatingMul(g.LastMintAmount, config.MintThrottleFactor)
	if proposed > limit {
		return g.LastMintAmount, true
	}
	g.LastMintAmount = proposed
	return proposed, false
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > ^uint64(0)/b {
		return ^uint64(0)
	}
	return a * b
}
