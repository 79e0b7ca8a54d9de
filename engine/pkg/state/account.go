package state

import (
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
)

// AncestorLink is one entry of an ancestry window.
type AncestorLink struct {
	Account solana.PublicKey
	Wallet  solana.PublicKey
}

// Ancestry is the sliding window of an account's nearest sponsors, oldest first.
type Ancestry struct {
	ID    uint32
	Depth uint32
	Links []AncestorLink
}

// Extend returns the window a direct registrant of this account inherits: the last
// MaxUplineDepth-1 links (when at capacity) followed by link.
func (a Ancestry) Extend(link AncestorLink) []AncestorLink {
	prev := a.Links
	if len(prev) >= config.MaxUplineDepth {
		prev = prev[len(prev)-(config.MaxUplineDepth-1):]
	}
	out := make([]AncestorLink, 0, len(prev)+1)
	out = append(out, prev...)
	return append(out, link)
}

// Closest returns the links nearest-first.
func (a Ancestry) Closest() []AncestorLink {
	out := make([]AncestorLink, len(a.Links))
	for i, l := range a.Links {
		out[len(a.Links)-1-i] = l
	}
	return out
}

// Chain is the three-slot structure an account fills as a sponsor.
type Chain struct {
	ID     uint32
	Slots  [config.ChainSize]*solana.PublicKey
	Filled uint8
}

// Record places key into the next free slot and returns the pre-increment index.
// The caller must check Full first.
func (c *Chain) Record(key solana.PublicKey) int {
	idx := int(c.Filled)
	k := key
	c.Slots[idx] = &k
	c.Filled++
	return idx
}

// Full reports whether the chain has no free slot.
func (c *Chain) Full() bool {
	return int(c.Filled) >= config.ChainSize
}

// Completed reports whether the last Record filled the chain.
func (c *Chain) Completed() bool {
	return int(c.Filled) == config.ChainSize
}

// Reset empties the chain under a fresh id.
func (c *Chain) Reset(id uint32) {
	c.ID = id
	c.Slots = [config.ChainSize]*solana.PublicKey{}
	c.Filled = 0
}

// Account is a registered user.
type Account struct {
	Registered     bool
	Sponsor        *solana.PublicKey
	OwnerWallet    solana.PublicKey
	Ancestry       Ancestry
	Chain          Chain
	ReservedFunds  uint64
	ReservedReward uint64
}

// HasEscrow reports whether either escrow field is non-zero.
func (a *Account) HasEscrow() bool {
	return a.ReservedFunds != 0 || a.ReservedReward != 0
}
