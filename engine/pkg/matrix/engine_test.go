package matrix

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/oracle"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
	matrixtesting "github.com/malbeclabs/matrix/utils/pkg/testing"
)

func TestMatrix_Engine_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")

	_, err = New(Config{Logger: matrixtesting.NewLogger()})
	require.ErrorContains(t, err, "invalid addresses")

	_, err = New(Config{Logger: matrixtesting.NewLogger(), Addresses: config.MainnetAddresses()})
	require.EqualError(t, err, "oracle is required")

	h := newHarness(t)
	require.Equal(t, config.ProgramID, h.engine.ProgramID())
	require.NotNil(t, h.engine.cfg.Events)
	accounts := h.engine.ProgramAccounts()
	require.NoError(t, accounts.Vault.Verify(config.ProgramID))
	require.NoError(t, accounts.MintAuthority.Verify(config.ProgramID))
}

func TestMatrix_Engine_Initialize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	newState := func(size int) *state.AccountInfo {
		return &state.AccountInfo{Key: newKey(), Owner: config.ProgramID, Data: make([]byte, size)}
	}

	t.Run("only the initializer", func(t *testing.T) {
		t.Parallel()
		_, err := h.engine.Initialize(h.ctx, InitializeRequest{State: newState(state.GlobalCountersSize), Owner: newKey()})
		require.ErrorIs(t, err, errcode.NotAuthorized)
		require.Equal(t, errcode.KindAuthorization, errcode.KindOf(err))
	})

	t.Run("foreign state record", func(t *testing.T) {
		t.Parallel()
		info := newState(state.GlobalCountersSize)
		info.Owner = newKey()
		_, err := h.engine.Initialize(h.ctx, InitializeRequest{State: info, Owner: h.addrs.Initializer})
		require.ErrorIs(t, err, errcode.InvalidStateAccount)
	})

	t.Run("wrong size", func(t *testing.T) {
		t.Parallel()
		_, err := h.engine.Initialize(h.ctx, InitializeRequest{State: newState(10), Owner: h.addrs.Initializer})
		require.ErrorIs(t, err, errcode.InvalidStateSize)
	})

	t.Run("writes fresh counters once", func(t *testing.T) {
		t.Parallel()
		info := newState(state.GlobalCountersSize)
		g, err := h.engine.Initialize(h.ctx, InitializeRequest{State: info, Owner: h.addrs.Initializer})
		require.NoError(t, err)
		require.Equal(t, uint32(1), g.NextUplineID)
		require.Equal(t, uint32(1), g.NextChainID)
		require.Equal(t, h.addrs.Treasury, g.Treasury)
		require.Zero(t, g.LastMintAmount)

		_, err = h.engine.Initialize(h.ctx, InitializeRequest{State: info, Owner: h.addrs.Initializer})
		require.ErrorIs(t, err, errcode.AlreadyInitialized)
	})
}

func TestMatrix_Engine_RegisterRoot(t *testing.T) {
	t.Parallel()

	t.Run("creates a depth one account and deposits", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		root := h.account(h.root)
		require.True(t, root.Registered)
		require.Nil(t, root.Sponsor)
		require.Equal(t, uint32(1), root.Ancestry.Depth)
		require.Empty(t, root.Ancestry.Links)
		require.Equal(t, uint32(1), root.Ancestry.ID)
		require.Equal(t, uint32(1), root.Chain.ID)

		g := h.counters()
		require.Equal(t, uint32(2), g.NextUplineID)
		require.Equal(t, uint32(2), g.NextChainID)
	})

	t.Run("syncs then deposits from the source", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		m := h.newMember()
		_, err := h.engine.RegisterRoot(h.ctx, h.bank, RootRequest{
			Amount: 5, State: h.state, Owner: h.addrs.Treasury,
			UserWallet: m.wallet.Key, User: m.record, Source: m.wrapped, Pool: h.pool,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"sync", "deposit"}, h.bank.ops())
		require.Equal(t, m.wrapped.Key, h.bank.calls[0].account)
		dep := h.bank.calls[1].deposit
		require.Equal(t, uint64(5), dep.Amount)
		require.Equal(t, m.wallet.Key, dep.Owner)
		require.Equal(t, h.addrs.BVaultLP, dep.LPAccount)
		require.Equal(t, config.VaultProgram, dep.VaultProgram)
	})

	t.Run("rejects", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		req := func(m *member) RootRequest {
			return RootRequest{
				Amount: 5, State: h.state, Owner: h.addrs.Treasury,
				UserWallet: m.wallet.Key, User: m.record, Source: m.wrapped, Pool: h.pool,
			}
		}

		r := req(h.newMember())
		r.Owner = newKey()
		_, err := h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.NotAuthorized)

		r = req(h.newMember())
		r.Pool.Pool = newKey()
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.InvalidPoolAddress)

		r = req(h.newMember())
		r.Pool.VaultProgram = newKey()
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.InvalidVaultAddress)

		r = req(h.newMember())
		r.User = h.newMember().record
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.InvalidUserAccount)

		r = req(h.root)
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.InvalidUserAccount)

		r = req(h.newMember())
		r.Source = nil
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.MissingWsolAccount)

		m := h.newMember()
		r = req(m)
		r.Source = tokenAt(newKey(), newKey(), h.addrs.WrappedMint, 1)
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, r)
		require.ErrorIs(t, err, errcode.InvalidWalletForATA)

		h.bank.fail = map[string]error{"sync": errors.New("boom")}
		_, err = h.engine.RegisterRoot(h.ctx, h.bank, req(h.newMember()))
		require.ErrorIs(t, err, errcode.WrapSolFailed)
	})

	t.Run("uninitialized state", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		m := h.newMember()
		_, err := h.engine.RegisterRoot(h.ctx, h.bank, RootRequest{
			State:  &state.AccountInfo{Key: newKey(), Owner: config.ProgramID, Data: make([]byte, state.GlobalCountersSize)},
			Owner:  h.addrs.Treasury,
			User:   m.record,
			Source: m.wrapped,
			Pool:   h.pool,
		})
		require.ErrorIs(t, err, errcode.InvalidStateAccount)
	})
}

func TestMatrix_Engine_SlotCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sponsor := h.root
	before := h.account(sponsor)

	// slot 0: pool deposit from the payer's wrapped-asset account
	u1, res := h.mustRegister(sponsor)
	require.Equal(t, 0, res.Slot)
	require.False(t, res.Completed)
	require.Equal(t, testMinimum, res.Minimum)
	require.Equal(t, []string{"deposit"}, h.bank.ops())
	require.Equal(t, u1.wrapped.Key, h.bank.calls[0].deposit.Source)
	require.Equal(t, testAmount, h.bank.calls[0].deposit.Amount)
	acc := h.account(sponsor)
	require.Equal(t, uint8(1), acc.Chain.Filled)
	require.Equal(t, u1.wallet.Key, *acc.Chain.Slots[0])
	require.False(t, acc.HasEscrow())
	require.Equal(t, []SlotFilled{{SlotIndex: 0, ChainID: before.Chain.ID, User: u1.wallet.Key, Owner: sponsor.record.Key}}, res.Events)

	// slot 1: reserve and mint into escrow
	h.bank.reset()
	u2, res := h.mustRegister(sponsor)
	require.Equal(t, 1, res.Slot)
	require.Equal(t, []string{"transfer_native", "mint"}, h.bank.ops())
	reserve := h.bank.calls[0].transfer
	require.Equal(t, u2.wallet.Key, reserve.Source)
	require.Equal(t, h.engine.accounts.Vault.Key, reserve.Destination)
	require.Nil(t, reserve.Authority)
	mint := h.bank.calls[1].mint
	require.Equal(t, testQuote, mint.Amount)
	require.Equal(t, h.engine.accounts.RewardVault, mint.Destination)
	require.Equal(t, h.engine.accounts.MintAuthority, mint.Authority)
	acc = h.account(sponsor)
	require.Equal(t, uint8(2), acc.Chain.Filled)
	require.Equal(t, testAmount, acc.ReservedFunds)
	require.Equal(t, testQuote, acc.ReservedReward)
	require.Equal(t, testQuote, h.counters().LastMintAmount)

	// slot 2: pay escrow, reset the chain
	h.bank.reset()
	nextChain := h.counters().NextChainID
	_, res = h.mustRegister(sponsor)
	require.Equal(t, 2, res.Slot)
	require.True(t, res.Completed)
	require.Equal(t, []string{"transfer_native", "transfer_reward", "deposit"}, h.bank.ops())
	pay := h.bank.calls[0].transfer
	require.Equal(t, sponsor.wallet.Key, pay.Destination)
	require.Equal(t, testAmount, pay.Amount)
	require.Equal(t, h.engine.accounts.Vault, *pay.Authority)
	reward := h.bank.calls[1].transfer
	require.Equal(t, sponsor.reward.Key, reward.Destination)
	require.Equal(t, testQuote, reward.Amount)
	require.Equal(t, h.engine.accounts.VaultAuthority, *reward.Authority)
	// the root has no ancestors, so the deposit goes to the pool
	require.Equal(t, testAmount, res.Remainder)
	require.Zero(t, res.Hops)

	acc = h.account(sponsor)
	require.Zero(t, acc.Chain.Filled)
	require.Equal(t, [config.ChainSize]*solana.PublicKey{}, acc.Chain.Slots)
	require.Equal(t, nextChain+1, acc.Chain.ID, "the new user takes nextChain, the reset takes the next one")
	require.Greater(t, acc.Chain.ID, before.Chain.ID)
	require.False(t, acc.HasEscrow())

	// a fourth registration starts the new chain at slot 0
	h.bank.reset()
	_, res = h.mustRegister(sponsor)
	require.Equal(t, 0, res.Slot)
	require.Equal(t, acc.Chain.ID, res.Events[0].ChainID)
}

func TestMatrix_Engine_RegisterCreatesUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := h.counters()
	user, res := h.mustRegister(h.root)
	require.Equal(t, user.record.Key, res.User)

	acc := h.account(user)
	require.True(t, acc.Registered)
	require.Equal(t, h.root.record.Key, *acc.Sponsor)
	require.Equal(t, user.wallet.Key, acc.OwnerWallet)
	require.Equal(t, uint32(2), acc.Ancestry.Depth)
	require.Equal(t, []state.AncestorLink{{Account: h.root.record.Key, Wallet: h.root.wallet.Key}}, acc.Ancestry.Links)
	require.Equal(t, g.NextUplineID, acc.Ancestry.ID)
	require.Equal(t, g.NextChainID, acc.Chain.ID)
	require.Zero(t, acc.Chain.Filled)

	after := h.counters()
	require.Equal(t, g.NextUplineID+1, after.NextUplineID)
	require.Equal(t, g.NextChainID+1, after.NextChainID)

	pending := h.newMember()
	require.NoError(t, storeAccount(pending.record, &state.Account{OwnerWallet: pending.wallet.Key}))
	_, _, err := h.register(pending)
	require.ErrorIs(t, err, errcode.ReferrerNotRegistered)

	_, _, err = h.register(h.newMember())
	require.ErrorIs(t, err, errcode.InvalidAccountDiscriminator)
}

func TestMatrix_Engine_AncestryWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	line := h.line(8)
	last := h.account(line[8])
	require.Equal(t, uint32(9), last.Ancestry.Depth)
	require.Len(t, last.Ancestry.Links, config.MaxUplineDepth)
	// the oldest entries were evicted first
	for i, link := range last.Ancestry.Links {
		require.Equal(t, line[i+2].record.Key, link.Account)
		require.Equal(t, line[i+2].wallet.Key, link.Wallet)
	}

	ids := map[uint32]bool{}
	for _, m := range line {
		acc := h.account(m)
		require.False(t, ids[acc.Ancestry.ID], "upline id reused")
		ids[acc.Ancestry.ID] = true
	}
}

func TestMatrix_Engine_RegisterRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(h *harness, req *RegisterRequest)
		want   *errcode.Error
	}{
		{"deposit one below minimum", func(h *harness, req *RegisterRequest) { req.Amount = testMinimum - 1 }, errcode.InsufficientDeposit},
		{"too few auxiliary accounts", func(h *harness, req *RegisterRequest) { req.Aux = req.Aux[:4] }, errcode.MissingVaultAAccounts},
		{"vault a lp", func(h *harness, req *RegisterRequest) {
			req.Aux[0] = tokenAt(newKey(), newKey(), h.addrs.AVaultLPMint, 1)
		}, errcode.InvalidVaultALpAddress},
		{"pool", func(h *harness, req *RegisterRequest) { req.Pool.Pool = newKey() }, errcode.InvalidPoolAddress},
		{"reward mint", func(h *harness, req *RegisterRequest) { req.Pool.RewardMint = newKey() }, errcode.InvalidTokenMintAddress},
		{"oracle program", func(h *harness, req *RegisterRequest) {
			req.Aux[4] = &state.AccountInfo{Key: newKey()}
		}, errcode.InvalidChainlinkProgram},
		{"oracle feed", func(h *harness, req *RegisterRequest) {
			req.Aux[3] = &state.AccountInfo{Key: newKey()}
		}, errcode.InvalidPriceFeed},
		{"sponsor wallet not a system account", func(h *harness, req *RegisterRequest) {
			w := *req.SponsorWallet
			w.Owner = config.ProgramID
			req.SponsorWallet = &w
		}, errcode.PaymentWalletInvalid},
		{"sponsor wallet does not own the sponsor", func(h *harness, req *RegisterRequest) {
			req.SponsorWallet = &state.AccountInfo{Key: newKey(), Owner: solana.SystemProgramID}
		}, errcode.InvalidSlotReferrer},
		{"sponsor reward account wrong mint", func(h *harness, req *RegisterRequest) {
			req.SponsorRewardAccount = tokenAt(newKey(), req.SponsorWallet.Key, newKey(), 0)
		}, errcode.InvalidTokenMintAddress},
		{"sponsor reward account not a token account", func(h *harness, req *RegisterRequest) {
			req.SponsorRewardAccount = &state.AccountInfo{Key: newKey(), Owner: solana.SystemProgramID}
		}, errcode.InvalidTokenAccount},
		{"sponsor owned by another program", func(h *harness, req *RegisterRequest) {
			s := *req.Sponsor
			s.Owner = newKey()
			req.Sponsor = &s
		}, errcode.InvalidSlotOwner},
		{"user record is not derived from the wallet", func(h *harness, req *RegisterRequest) {
			req.User = h.newMember().record
		}, errcode.InvalidUserAccount},
		{"user record reused", func(h *harness, req *RegisterRequest) {
			req.User = h.root.record
			req.UserWallet = h.root.wallet.Key
		}, errcode.DuplicateAccount},
		{"state record foreign", func(h *harness, req *RegisterRequest) {
			s := *req.State
			s.Owner = newKey()
			req.State = &s
		}, errcode.InvalidStateAccount},
		{"missing wrapped-asset account at slot 0", func(h *harness, req *RegisterRequest) { req.Aux = req.Aux[:5] }, errcode.MissingWsolAccount},
		{"wrapped-asset account of another wallet", func(h *harness, req *RegisterRequest) {
			req.Aux[5] = tokenAt(newKey(), newKey(), h.addrs.WrappedMint, 1)
		}, errcode.InvalidWalletForATA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			user := h.newMember()
			req := h.request(h.root, user, testAmount)
			tt.mutate(h, &req)

			before := snapshot(h.state, h.root.record, user.record)
			_, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, req)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, before, snapshot(h.state, h.root.record, user.record))
			require.Empty(t, h.bank.calls)
		})
	}
}

func TestMatrix_Engine_InsufficientDepositAtStalePrice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine.cfg.Feed = func(*state.AccountInfo) oracle.Feed {
		return staleFeed()
	}
	user := h.newMember()

	// at the default price of 100 USD the minimum is 0.1 units
	_, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, h.request(h.root, user, 99_999_999))
	require.ErrorIs(t, err, errcode.InsufficientDeposit)
	require.Equal(t, errcode.KindFunds, errcode.KindOf(err))

	res, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, h.request(h.root, user, 100_000_000))
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), res.Minimum)
}

func TestMatrix_Engine_OracleUnreadable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine.cfg.Feed = func(*state.AccountInfo) oracle.Feed {
		return brokenFeed()
	}
	_, _, err := h.register(h.root)
	require.ErrorIs(t, err, errcode.PriceFeedReadFailed)
	require.Equal(t, errcode.KindOracle, errcode.KindOf(err))
}

func TestMatrix_Engine_ChainFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fill(h.root, 3, 0, 0)
	_, _, err := h.register(h.root)
	require.ErrorIs(t, err, errcode.ChainFull)
	require.Equal(t, errcode.KindFunds, errcode.KindOf(err))
}

func TestMatrix_Engine_ExternalCallFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filled int
		op     string
		want   *errcode.Error
	}{
		{"deposit", 0, "deposit", errcode.DepositToPoolFailed},
		{"reserve", 1, "transfer_native", errcode.SolReserveFailed},
		{"mint", 1, "mint", errcode.TokenMintFailed},
		{"payment", 2, "transfer_native", errcode.ReferrerPaymentFailed},
		{"reward transfer", 2, "transfer_reward", errcode.TokenTransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.fill(h.root, tt.filled, 500, 40)
			h.bank.fail = map[string]error{tt.op: errors.New("module unavailable")}
			_, _, err := h.register(h.root)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, errcode.KindExternalCall, errcode.KindOf(err))
		})
	}
}

func TestMatrix_Engine_MintThrottle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := h.counters()
	g.LastMintAmount = 1000
	require.NoError(t, storeCounters(h.state, g))

	h.fill(h.root, 1, 0, 0)
	_, _, err := h.register(h.root)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), h.bank.calls[1].mint.Amount)
	require.Equal(t, uint64(1000), h.account(h.root).ReservedReward)
	require.Equal(t, uint64(1000), h.counters().LastMintAmount)

	g = h.counters()
	g.LastMintAmount = testQuote / 3
	require.NoError(t, storeCounters(h.state, g))
	h.bank.reset()
	sponsor, _ := h.mustRegister(h.root) // settles the root
	h.fill(sponsor, 1, 0, 0)
	h.bank.reset()
	_, _, err = h.register(sponsor)
	require.NoError(t, err)
	// the quote is within three times the last accepted mint
	require.Equal(t, testQuote, h.bank.calls[1].mint.Amount)
}

func TestMatrix_Engine_SettleScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	line := h.line(2) // root -> p -> s
	p, s := line[1], line[2]
	h.fill(s, 2, 500, 40)
	h.fill(p, 0, 0, 0)

	user, res, err := h.register(s)
	require.NoError(t, err)

	require.Equal(t, []string{"transfer_native", "transfer_reward", "deposit"}, h.bank.ops())
	require.Equal(t, uint64(500), h.bank.calls[0].transfer.Amount)
	require.Equal(t, s.wallet.Key, h.bank.calls[0].transfer.Destination)
	require.Equal(t, uint64(40), h.bank.calls[1].transfer.Amount)
	require.Equal(t, s.reward.Key, h.bank.calls[1].transfer.Destination)
	require.False(t, h.account(s).HasEscrow())

	// p received the slot 0 action with s arriving
	require.Equal(t, 1, res.Hops)
	require.Zero(t, res.Remainder)
	require.Equal(t, testAmount, h.bank.calls[2].deposit.Amount)
	pAcc := h.account(p)
	require.Equal(t, uint8(1), pAcc.Chain.Filled)
	require.Equal(t, s.record.Key, *pAcc.Chain.Slots[0])

	require.Len(t, res.Events, 2)
	require.Equal(t, user.wallet.Key, res.Events[0].User)
	require.Equal(t, s.record.Key, res.Events[0].Owner)
	require.Equal(t, uint8(2), res.Events[0].SlotIndex)
	require.Equal(t, SlotFilled{SlotIndex: 0, ChainID: pAcc.Chain.ID, User: s.record.Key, Owner: p.record.Key}, res.Events[1])
}

func TestMatrix_Engine_PropagateReserve(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	line := h.line(2)
	p, s := line[1], line[2]
	h.fill(s, 2, 0, 0)
	h.fill(p, 1, 0, 0)

	_, res, err := h.register(s)
	require.NoError(t, err)
	require.Equal(t, 1, res.Hops)
	require.Zero(t, res.Remainder)
	// no escrow on s, so no payout; p reserves and mints
	require.Equal(t, []string{"transfer_native", "mint"}, h.bank.ops())
	pAcc := h.account(p)
	require.Equal(t, testAmount, pAcc.ReservedFunds)
	require.Equal(t, testQuote, pAcc.ReservedReward)
	require.Equal(t, uint8(2), pAcc.Chain.Filled)
	// the root was never visited
	require.Equal(t, uint8(1), h.account(h.root).Chain.Filled)
}

func TestMatrix_Engine_PropagateCascade(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	line := h.line(2)
	root, p, s := line[0], line[1], line[2]
	h.fill(s, 2, 500, 40)
	h.fill(p, 2, 700, 50)
	h.fill(root, 0, 0, 0)
	pChain := h.account(p).Chain.ID

	_, res, err := h.register(s)
	require.NoError(t, err)
	require.Equal(t, 2, res.Hops)
	require.Equal(t, []string{
		"transfer_native", "transfer_reward", // s
		"transfer_native", "transfer_reward", // p
		"deposit", // root slot 0
	}, h.bank.ops())
	require.Equal(t, uint64(700), h.bank.calls[2].transfer.Amount)
	require.Equal(t, p.wallet.Key, h.bank.calls[2].transfer.Destination)
	require.Equal(t, uint64(50), h.bank.calls[3].transfer.Amount)
	require.Equal(t, p.reward.Key, h.bank.calls[3].transfer.Destination)
	require.Equal(t, testAmount, h.bank.calls[4].deposit.Amount)

	pAcc := h.account(p)
	require.Zero(t, pAcc.Chain.Filled)
	require.NotEqual(t, pChain, pAcc.Chain.ID)
	require.False(t, pAcc.HasEscrow())
	rootAcc := h.account(root)
	require.Equal(t, p.record.Key, *rootAcc.Chain.Slots[0])

	require.Len(t, res.Events, 3)
	require.Equal(t, s.record.Key, res.Events[1].User)
	require.Equal(t, p.record.Key, res.Events[1].Owner)
	require.Equal(t, p.record.Key, res.Events[2].User)
	require.Equal(t, root.record.Key, res.Events[2].Owner)
}

func TestMatrix_Engine_PropagateExhaustsList(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	line := h.line(2)
	for _, m := range line {
		h.fill(m, 2, 0, 0)
	}

	_, res, err := h.register(line[2])
	require.NoError(t, err)
	require.Equal(t, 2, res.Hops)
	require.Equal(t, testAmount, res.Remainder)
	require.Equal(t, []string{"deposit"}, h.bank.ops())
	for _, m := range line {
		require.Zero(t, h.account(m).Chain.Filled)
	}
}

func TestMatrix_Engine_PropagateDepthLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	line := h.line(8)
	for _, m := range line {
		h.fill(m, 2, 0, 0)
	}
	sponsor := line[8]
	user := h.newMember()
	req := h.request(sponsor, user, testAmount)
	// a seventh triple past the window is never visited
	extra := line[1]
	req.Aux = append(req.Aux, extra.record, extra.wallet, extra.reward)

	res, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, req)
	require.NoError(t, err)
	require.Equal(t, config.MaxUplineDepth, res.Hops)
	require.Equal(t, testAmount, res.Remainder)
	require.Equal(t, uint8(2), h.account(line[1]).Chain.Filled)
	require.Equal(t, uint8(2), h.account(line[0]).Chain.Filled)
	require.Zero(t, h.account(line[2]).Chain.Filled)
}

func TestMatrix_Engine_PropagateWithoutWrappedAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fill(h.root, 2, 500, 40)
	user := h.newMember()
	req := h.request(h.root, user, testAmount)
	req.Aux = req.Aux[:5]

	res, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, req)
	require.NoError(t, err)
	require.Zero(t, res.Remainder)
	require.Equal(t, []string{"transfer_native", "transfer_reward"}, h.bank.ops())
}

func TestMatrix_Engine_PropagateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(h *harness, p *member, req *RegisterRequest)
		want   *errcode.Error
	}{
		{"triples not complete", func(h *harness, p *member, req *RegisterRequest) {
			req.Aux = req.Aux[:len(req.Aux)-1]
		}, errcode.MissingUplineAccount},
		{"wallet not a system account", func(h *harness, p *member, req *RegisterRequest) {
			req.Aux[config.AncestorsStart+1] = tokenAt(p.wallet.Key, newKey(), h.addrs.RewardMint, 0)
		}, errcode.PaymentWalletInvalid},
		{"record owned by another program", func(h *harness, p *member, req *RegisterRequest) {
			info := *p.record
			info.Owner = newKey()
			req.Aux[config.AncestorsStart] = &info
		}, errcode.InvalidSlotOwner},
		{"record holds only the header", func(h *harness, p *member, req *RegisterRequest) {
			info := *p.record
			info.Data = info.Data[:state.HeaderSize]
			req.Aux[config.AncestorsStart] = &info
		}, errcode.InvalidAccountData},
		{"record not registered", func(h *harness, p *member, req *RegisterRequest) {
			acc := h.account(p)
			acc.Registered = false
			info := *p.record
			info.Data = make([]byte, state.AccountSize)
			require.NoError(h.t, storeAccount(&info, acc))
			req.Aux[config.AncestorsStart] = &info
		}, errcode.SlotNotRegistered},
		{"record outside the ancestry", func(h *harness, p *member, req *RegisterRequest) {
			other, _ := h.mustRegister(h.root)
			req.Aux[config.AncestorsStart] = other.record
			req.Aux[config.AncestorsStart+1] = other.wallet
			req.Aux[config.AncestorsStart+2] = other.reward
		}, errcode.InvalidUpline},
		{"wallet of another account", func(h *harness, p *member, req *RegisterRequest) {
			req.Aux[config.AncestorsStart+1] = &state.AccountInfo{Key: newKey(), Owner: solana.SystemProgramID}
		}, errcode.InvalidUpline},
		{"reward account of another mint at slot 2", func(h *harness, p *member, req *RegisterRequest) {
			h.fill(p, 2, 0, 0)
			req.Aux[config.AncestorsStart+2] = tokenAt(p.reward.Key, p.wallet.Key, newKey(), 0)
		}, errcode.TokenAccountInvalid},
		{"sponsor supplied as its own ancestor", func(h *harness, p *member, req *RegisterRequest) {
			req.Aux[config.AncestorsStart] = req.Sponsor
		}, errcode.DuplicateAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			line := h.line(2)
			p, s := line[1], line[2]
			h.fill(s, 2, 500, 40)
			h.fill(p, 0, 0, 0)
			user := h.newMember()
			req := h.request(s, user, testAmount)
			tt.mutate(h, p, &req)

			_, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMatrix_Engine_EscrowOnlyBetweenSlots(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sponsor := h.root
	for i := 0; i < 9; i++ {
		_, res := h.mustRegister(sponsor)
		acc := h.account(sponsor)
		if res.Slot == 1 {
			require.True(t, acc.HasEscrow())
			require.NotZero(t, acc.ReservedFunds)
			require.NotZero(t, acc.ReservedReward)
		} else {
			require.False(t, acc.HasEscrow(), "registration %d left escrow at slot %d", i, res.Slot)
		}
		require.Equal(t, i%3, res.Slot)
	}
}

func TestMatrix_Engine_Events(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sink := &captureSink{}
	h.engine.cfg.Events = sink
	_, res := h.mustRegister(h.root)
	require.Len(t, res.Events, 1)
	require.Empty(t, sink.events, "operations leave publishing to the host")

	h.engine.Publish(h.ctx, "register", res, nil)
	require.Equal(t, res.Events, sink.events)

	h.fill(h.root, 3, 0, 0)
	_, _, err := h.register(h.root)
	require.Error(t, err)
	h.engine.Publish(h.ctx, "register", &Result{Events: []SlotFilled{{SlotIndex: 0}}}, err)
	require.Len(t, sink.events, 1, "failed operations publish nothing")
}

func TestMatrix_Engine_WithRecorder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fill(h.root, 1, 0, 0)
	rec := token.NewRecorder(h.bank)
	user := h.newMember()
	_, err := h.engine.RegisterUnderSponsor(h.ctx, rec, h.request(h.root, user, testAmount))
	require.NoError(t, err)

	ixs := rec.Instructions()
	require.Len(t, ixs, 2)
	require.Equal(t, solana.SystemProgramID, ixs[0].ProgramID())
	require.Equal(t, solana.TokenProgramID, ixs[1].ProgramID())
	require.Len(t, h.bank.calls, 2)
}

type captureSink struct {
	events []SlotFilled
}

func (s *captureSink) Emit(_ context.Context, events []SlotFilled) error {
	s.events = append(s.events, events...)
	return nil
}

func staleFeed() oracle.Feed {
	return oracle.StaticFeed{Answer: big.NewInt(1_00000000), Precision: 8, Timestamp: testNow.Add(-25 * time.Hour)}
}

func brokenFeed() oracle.Feed {
	return oracle.StaticFeed{Err: errors.New("feed offline")}
}

func TestMatrix_Engine_Quote(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reserves := amm.Sources{
		AVaultLP:     h.vaultA[0],
		BVaultLP:     h.pool.LP,
		AVaultLPMint: h.vaultA[1],
		BVaultLPMint: h.pool.LPMint,
		ATokenVault:  h.vaultA[2],
		BTokenVault:  h.pool.TokenVault,
	}
	q, err := h.engine.Quote(h.ctx, QuoteRequest{Amount: testAmount, Feed: h.feed, FeedProgram: h.feedProgram, Reserves: reserves})
	require.NoError(t, err)
	require.Equal(t, testMinimum, q.Minimum)
	require.Equal(t, testQuote, q.Reward)
	require.False(t, q.Stale)
	require.Equal(t, uint8(8), q.Decimals)
	require.Empty(t, h.bank.ops())

	h.fill(h.root, 1, 0, 0)
	_, res := h.mustRegister(h.root)
	require.Equal(t, 1, res.Slot)
	require.Equal(t, q.Reward, h.account(h.root).ReservedReward, "slot 1 escrows the quoted reward")

	wrongFeed := &state.AccountInfo{Key: newKey(), Owner: h.addrs.OracleProgram}
	_, err = h.engine.Quote(h.ctx, QuoteRequest{Amount: testAmount, Feed: wrongFeed, FeedProgram: h.feedProgram, Reserves: reserves})
	require.ErrorIs(t, err, errcode.InvalidPriceFeed)

	h.engine.cfg.Feed = func(*state.AccountInfo) oracle.Feed { return staleFeed() }
	q, err = h.engine.Quote(h.ctx, QuoteRequest{Amount: testAmount, Feed: h.feed, FeedProgram: h.feedProgram, Reserves: reserves})
	require.NoError(t, err)
	require.True(t, q.Stale)
	require.Equal(t, uint64(100_000_000), q.Minimum)
}

func TestMatrix_Engine_CounterExhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(g *state.GlobalCounters)
	}{
		{"upline ids", func(g *state.GlobalCounters) { g.NextUplineID = math.MaxUint32 }},
		{"chain ids", func(g *state.GlobalCounters) { g.NextChainID = math.MaxUint32 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			g := h.counters()
			tt.mutate(g)
			require.NoError(t, storeCounters(h.state, g))

			user := h.newMember()
			before := snapshot(h.state, h.root.record, user.record)
			_, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, h.request(h.root, user, testAmount))
			require.ErrorIs(t, err, errcode.CounterExhausted)
			require.Equal(t, before, snapshot(h.state, h.root.record, user.record))
			require.Empty(t, h.bank.calls)
		})
	}
}
