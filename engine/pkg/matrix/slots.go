package matrix

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
	"github.com/malbeclabs/matrix/engine/pkg/verify"
)

const (
	pathRoot      = "root"
	pathDirect    = "direct"
	pathUpline    = "upline"
	pathRemainder = "remainder"
)

// call is the working set of one operation.
type call struct {
	e        *Engine
	ctx      context.Context
	tm       token.Module
	counters *state.GlobalCounters
	events   recorder

	// payer is the registering wallet. Every deposit and reserve is drawn from it.
	payer    solana.PublicKey
	pool     PoolAccounts
	wrapped  *state.AccountInfo
	reserves amm.Sources
}

func (e *Engine) newCall(ctx context.Context, tm token.Module, counters *state.GlobalCounters, payer solana.PublicKey, pool PoolAccounts, wrapped *state.AccountInfo, reserves amm.Sources) *call {
	return &call{
		e:        e,
		ctx:      ctx,
		tm:       tm,
		counters: counters,
		payer:    payer,
		pool:     pool,
		wrapped:  wrapped,
		reserves: reserves,
	}
}

// place records arriving into the owner's next free slot and returns the slot index
// the financial action is keyed on.
func (c *call) place(owner solana.PublicKey, acc *state.Account, arriving solana.PublicKey) (int, error) {
	if acc.Chain.Full() {
		return 0, errcode.Wrap(errcode.ChainFull, "%s has %d filled slots", owner, acc.Chain.Filled)
	}
	idx := acc.Chain.Record(arriving)
	c.events.add(SlotFilled{
		SlotIndex: uint8(idx),
		ChainID:   acc.Chain.ID,
		User:      arriving,
		Owner:     owner,
	})
	return idx, nil
}

// complete resets a filled chain under a fresh id.
func (c *call) complete(acc *state.Account) (bool, error) {
	if !acc.Chain.Completed() {
		return false, nil
	}
	id, err := c.counters.AllocateChainID()
	if err != nil {
		return false, err
	}
	acc.Chain.Reset(id)
	return true, nil
}

// deposit moves amount from the payer's wrapped-asset account into the pool.
func (c *call) deposit(amount uint64, path string) error {
	if _, err := verify.TokenAccountOwnership(c.wrapped, c.payer, c.pool.WrappedMint); err != nil {
		return err
	}
	if err := c.tm.Deposit(c.ctx, c.pool.deposit(c.payer, c.wrapped.Key, amount)); err != nil {
		return errcode.Wrap(errcode.DepositToPoolFailed, "deposit of %d: %v", amount, err)
	}
	metrics.SlotActionsTotal.WithLabelValues("0", path).Inc()
	c.e.log.Debug("matrix: deposited into pool", "amount", amount, "path", path)
	return nil
}

// reserve holds amount in the program vault and mints the matching reward into the
// reward vault, recording both as escrow on acc.
func (c *call) reserve(acc *state.Account, amount uint64, path string) error {
	err := c.tm.Transfer(c.ctx, token.TransferParams{
		Asset:       token.AssetNative,
		Source:      c.payer,
		Destination: c.e.accounts.Vault.Key,
		Amount:      amount,
	})
	if err != nil {
		return errcode.Wrap(errcode.SolReserveFailed, "reserve of %d: %v", amount, err)
	}

	quote := c.e.cfg.Estimator.Quote(c.reserves, amount)
	minted, clamped := c.counters.ClampMint(quote)
	if clamped {
		metrics.MintThrottleTotal.WithLabelValues("clamped").Inc()
		c.e.log.Warn("matrix: reward mint clamped", "quote", quote, "minted", minted)
	} else {
		metrics.MintThrottleTotal.WithLabelValues("accepted").Inc()
	}

	err = c.tm.MintTo(c.ctx, token.MintParams{
		Mint:        c.pool.RewardMint,
		Destination: c.e.accounts.RewardVault,
		Authority:   c.e.accounts.MintAuthority,
		Amount:      minted,
	})
	if err != nil {
		return errcode.Wrap(errcode.TokenMintFailed, "mint of %d: %v", minted, err)
	}

	acc.ReservedFunds = amount
	acc.ReservedReward = minted
	metrics.SlotActionsTotal.WithLabelValues("1", path).Inc()
	c.e.log.Debug("matrix: reserved funds", "amount", amount, "reward", minted, "path", path)
	return nil
}

// settle pays acc's escrow to its wallet and reward account and clears it.
func (c *call) settle(acc *state.Account, wallet, reward *state.AccountInfo, path string) error {
	if acc.ReservedFunds > 0 {
		if err := verify.SystemWallet(wallet); err != nil {
			return err
		}
		vault := c.e.accounts.Vault
		err := c.tm.Transfer(c.ctx, token.TransferParams{
			Asset:       token.AssetNative,
			Source:      vault.Key,
			Destination: wallet.Key,
			Authority:   &vault,
			Amount:      acc.ReservedFunds,
		})
		if err != nil {
			return errcode.Wrap(errcode.ReferrerPaymentFailed, "payment of %d: %v", acc.ReservedFunds, err)
		}
		acc.ReservedFunds = 0
	}

	if err := verify.TokenAccount(reward, wallet.Key, c.pool.RewardMint); err != nil {
		return err
	}

	if acc.ReservedReward > 0 {
		authority := c.e.accounts.VaultAuthority
		err := c.tm.Transfer(c.ctx, token.TransferParams{
			Asset:       token.AssetReward,
			Source:      c.e.accounts.RewardVault,
			Destination: reward.Key,
			Authority:   &authority,
			Amount:      acc.ReservedReward,
		})
		if err != nil {
			return errcode.Wrap(errcode.TokenTransferFailed, "reward transfer of %d: %v", acc.ReservedReward, err)
		}
		acc.ReservedReward = 0
	}

	metrics.SlotActionsTotal.WithLabelValues("2", path).Inc()
	c.e.log.Debug("matrix: settled escrow", "wallet", wallet.Key.String(), "path", path)
	return nil
}
