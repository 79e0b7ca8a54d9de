package matrix

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
	"github.com/malbeclabs/matrix/engine/pkg/verify"
)

type RegisterRequest struct {
	Amount uint64
	State  *state.AccountInfo
	// UserWallet is the registering signer. It pays the deposit.
	UserWallet           solana.PublicKey
	User                 *state.AccountInfo
	Sponsor              *state.AccountInfo
	SponsorWallet        *state.AccountInfo
	SponsorRewardAccount *state.AccountInfo
	Pool                 PoolAccounts
	// Aux holds, in order, the vault A LP account, LP mint and token vault, the oracle
	// feed and program, the payer's wrapped-asset account and the ancestor triples
	// (record, wallet, reward account) closest first.
	Aux []*state.AccountInfo
}

// RegisterUnderSponsor creates an account under a registered sponsor, applies the
// sponsor's slot action and, when that completes the sponsor's chain, propagates up the
// supplied ancestors.
func (e *Engine) RegisterUnderSponsor(ctx context.Context, tm token.Module, req RegisterRequest) (res *Result, err error) {
	counters, err := e.loadCounters(req.State)
	if err != nil {
		return nil, err
	}
	sponsor, err := e.loadSponsor(req.Sponsor)
	if err != nil {
		return nil, err
	}

	if len(req.Aux) < config.VaultAAccountsCount+config.OracleAccountsCount {
		return nil, errcode.Wrap(errcode.MissingVaultAAccounts, "got %d auxiliary accounts", len(req.Aux))
	}
	aLP, aLPMint, aTokenVault := req.Aux[0], req.Aux[1], req.Aux[2]
	if err := verify.VaultA(e.cfg.Addresses, keyOf(aLP), keyOf(aLPMint), keyOf(aTokenVault)); err != nil {
		return nil, err
	}
	if err := req.Pool.verify(e.cfg.Addresses); err != nil {
		return nil, err
	}
	feed, feedProgram := req.Aux[3], req.Aux[4]
	if err := verify.Oracle(e.cfg.Addresses, keyOf(feedProgram), keyOf(feed)); err != nil {
		return nil, err
	}

	minimum, err := e.cfg.Oracle.MinimumDeposit(ctx, e.cfg.Feed(feed))
	if err != nil {
		return nil, err
	}
	if req.Amount < minimum {
		return nil, errcode.Wrap(errcode.InsufficientDeposit, "deposit %d, minimum %d", req.Amount, minimum)
	}

	if err := verify.SystemWallet(req.SponsorWallet); err != nil {
		return nil, err
	}
	if !req.SponsorWallet.Key.Equals(sponsor.OwnerWallet) {
		return nil, errcode.Wrap(errcode.InvalidSlotReferrer, "wallet %s, sponsor is owned by %s", req.SponsorWallet.Key, sponsor.OwnerWallet)
	}
	if _, err := verify.TokenAccountOwnership(req.SponsorRewardAccount, req.SponsorWallet.Key, req.Pool.RewardMint); err != nil {
		return nil, err
	}
	if sponsor.Chain.Full() {
		return nil, errcode.Wrap(errcode.ChainFull, "%s has %d filled slots", req.Sponsor.Key, sponsor.Chain.Filled)
	}

	var wrapped *state.AccountInfo
	if len(req.Aux) > config.WrappedAccountPosition {
		wrapped = req.Aux[config.WrappedAccountPosition]
	}
	var ancestors []*state.AccountInfo
	if len(req.Aux) > config.AncestorsStart {
		ancestors = req.Aux[config.AncestorsStart:]
	}
	targets := []*state.AccountInfo{req.State, req.User, req.Sponsor}
	for i := 0; i < len(ancestors); i += config.AncestorTripleSize {
		targets = append(targets, ancestors[i])
	}
	if err := distinct(targets...); err != nil {
		return nil, err
	}
	if err := e.checkNewUser(req.User, req.UserWallet); err != nil {
		return nil, err
	}

	depth, err := nextDepth(sponsor)
	if err != nil {
		return nil, err
	}
	uplineID, chainID, err := allocateIDs(counters)
	if err != nil {
		return nil, err
	}
	sponsorKey := req.Sponsor.Key
	user := &state.Account{
		Registered:  true,
		Sponsor:     &sponsorKey,
		OwnerWallet: req.UserWallet,
		Ancestry: state.Ancestry{
			ID:    uplineID,
			Depth: depth,
			Links: sponsor.Ancestry.Extend(state.AncestorLink{Account: req.Sponsor.Key, Wallet: req.SponsorWallet.Key}),
		},
		Chain: state.Chain{ID: chainID},
	}

	c := e.newCall(ctx, tm, counters, req.UserWallet, req.Pool, wrapped, amm.Sources{
		AVaultLP:     aLP,
		BVaultLP:     req.Pool.LP,
		AVaultLPMint: aLPMint,
		BVaultLPMint: req.Pool.LPMint,
		ATokenVault:  aTokenVault,
		BTokenVault:  req.Pool.TokenVault,
	})

	idx, err := c.place(req.Sponsor.Key, sponsor, req.UserWallet)
	if err != nil {
		return nil, err
	}
	switch idx {
	case 0:
		if wrapped == nil {
			return nil, errcode.Wrap(errcode.MissingWsolAccount, "position %d", config.WrappedAccountPosition)
		}
		err = c.deposit(req.Amount, pathDirect)
	case 1:
		err = c.reserve(sponsor, req.Amount, pathDirect)
	case 2:
		err = c.settle(sponsor, req.SponsorWallet, req.SponsorRewardAccount, pathDirect)
	}
	if err != nil {
		return nil, err
	}
	completed, err := c.complete(sponsor)
	if err != nil {
		return nil, err
	}

	if err := storeAccount(req.User, user); err != nil {
		return nil, err
	}
	if err := storeAccount(req.Sponsor, sponsor); err != nil {
		return nil, err
	}

	res = &Result{User: req.User.Key, Minimum: minimum, Slot: idx, Completed: completed}
	if completed && idx == 2 {
		res.Hops, res.Remainder, err = c.propagate(req.Sponsor.Key, sponsor.Ancestry.Closest(), req.Amount, ancestors)
		if err != nil {
			return nil, err
		}
	}

	if err := storeCounters(req.State, counters); err != nil {
		return nil, err
	}
	res.Events = c.events.events

	e.log.Info("matrix: registered under sponsor",
		"user", req.User.Key.String(),
		"wallet", req.UserWallet.String(),
		"sponsor", req.Sponsor.Key.String(),
		"amount", req.Amount,
		"minimum", minimum,
		"slot", idx,
		"completed", completed,
		"hops", res.Hops,
		"remainder", res.Remainder,
	)
	return res, nil
}

// loadSponsor decodes the direct sponsor's record.
func (e *Engine) loadSponsor(info *state.AccountInfo) (*state.Account, error) {
	if info == nil {
		return nil, errcode.Wrap(errcode.CannotLoadUplineAccount, "sponsor record is missing")
	}
	if !info.OwnedBy(e.cfg.ProgramID) {
		return nil, errcode.Wrap(errcode.InvalidSlotOwner, "sponsor %s is owned by %s", info.Key, info.Owner)
	}
	acc, err := state.DecodeAccount(info.Data)
	if err != nil {
		return nil, err
	}
	if !acc.Registered {
		return nil, errcode.Wrap(errcode.ReferrerNotRegistered, "%s", info.Key)
	}
	return acc, nil
}
