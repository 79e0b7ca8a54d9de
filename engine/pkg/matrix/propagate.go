package matrix

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/verify"
)

// ancestor is one supplied triple.
type ancestor struct {
	info   *state.AccountInfo
	wallet *state.AccountInfo
	reward *state.AccountInfo
}

func splitAncestors(list []*state.AccountInfo) ([]ancestor, error) {
	if len(list)%config.AncestorTripleSize != 0 {
		return nil, errcode.Wrap(errcode.MissingUplineAccount, "got %d ancestor accounts", len(list))
	}
	out := make([]ancestor, 0, len(list)/config.AncestorTripleSize)
	for i := 0; i < len(list); i += config.AncestorTripleSize {
		out = append(out, ancestor{info: list[i], wallet: list[i+1], reward: list[i+2]})
	}
	return out, nil
}

// propagate walks the supplied ancestors closest first, carrying amount. The walk starts
// with from, the account whose chain just completed, arriving in the first ancestor's
// chain. A slot 0 or 1 action consumes the carried amount and ends the walk; a slot 2
// action completes the ancestor's chain and the walk moves on with the amount unchanged.
// Whatever is still carried at the end is deposited into the pool.
//
// lineage is the completed account's ancestry window, closest first; ancestor i must be
// lineage[i].
func (c *call) propagate(from solana.PublicKey, lineage []state.AncestorLink, amount uint64, list []*state.AccountInfo) (hops int, remainder uint64, err error) {
	ancestors, err := splitAncestors(list)
	if err != nil {
		return 0, 0, err
	}

	remaining := amount
	arriving := from
	for i, anc := range ancestors {
		if i >= config.MaxUplineDepth || remaining == 0 {
			break
		}
		acc, err := c.loadAncestor(anc, i, lineage)
		if err != nil {
			return hops, 0, err
		}
		hops++

		idx, err := c.place(anc.info.Key, acc, arriving)
		if err != nil {
			return hops, 0, err
		}
		switch idx {
		case 0:
			if c.wrapped != nil {
				if err := c.deposit(remaining, pathUpline); err != nil {
					return hops, 0, err
				}
			} else {
				c.e.log.Warn("matrix: wrapped-asset account not supplied, skipping upline deposit",
					"ancestor", anc.info.Key.String(), "amount", remaining)
			}
			remaining = 0
		case 1:
			if err := c.reserve(acc, remaining, pathUpline); err != nil {
				return hops, 0, err
			}
			remaining = 0
		case 2:
			if err := c.settle(acc, anc.wallet, anc.reward, pathUpline); err != nil {
				return hops, 0, err
			}
		}

		completed, err := c.complete(acc)
		if err != nil {
			return hops, 0, err
		}
		if completed {
			arriving = anc.info.Key
		}
		if err := storeAccount(anc.info, acc); err != nil {
			return hops, 0, err
		}
		if !completed {
			break
		}
	}
	metrics.PropagationHops.Observe(float64(hops))

	if remaining > 0 {
		if c.wrapped == nil {
			c.e.log.Warn("matrix: wrapped-asset account not supplied, skipping remaining deposit", "amount", remaining)
			return hops, 0, nil
		}
		if err := c.deposit(remaining, pathRemainder); err != nil {
			return hops, 0, err
		}
		remainder = remaining
	}
	return hops, remainder, nil
}

// loadAncestor validates the i-th triple and decodes its record.
func (c *call) loadAncestor(anc ancestor, i int, lineage []state.AncestorLink) (*state.Account, error) {
	if err := verify.SystemWallet(anc.wallet); err != nil {
		return nil, err
	}
	if !anc.info.OwnedBy(c.e.cfg.ProgramID) {
		return nil, errcode.Wrap(errcode.InvalidSlotOwner, "ancestor %d: %s", i, keyOf(anc.info))
	}
	acc, err := state.DecodeAccount(anc.info.Data)
	if err != nil {
		return nil, fmt.Errorf("ancestor %d: %w", i, err)
	}
	if !acc.Registered {
		return nil, errcode.Wrap(errcode.SlotNotRegistered, "ancestor %d: %s", i, anc.info.Key)
	}
	if i >= len(lineage) || !lineage[i].Account.Equals(anc.info.Key) {
		return nil, errcode.Wrap(errcode.InvalidUpline, "ancestor %d: %s is not in the sponsor's ancestry", i, anc.info.Key)
	}
	if !lineage[i].Wallet.Equals(anc.wallet.Key) || !acc.OwnerWallet.Equals(anc.wallet.Key) {
		return nil, errcode.Wrap(errcode.InvalidUpline, "ancestor %d: wallet %s does not own %s", i, anc.wallet.Key, anc.info.Key)
	}
	if acc.Chain.Filled == config.ChainSize-1 {
		if err := verify.TokenAccount(anc.reward, anc.wallet.Key, c.pool.RewardMint); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
