package matrix

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/oracle"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
	matrixtesting "github.com/malbeclabs/matrix/utils/pkg/testing"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	testAmount uint64 = 100_000_000
	// testMinimum is 10 USD at 150 USD per unit.
	testMinimum uint64 = 66_666_666
	// testQuote is the reward for testAmount against the harness reserves.
	testQuote uint64 = 243_902_439
)

type bankCall struct {
	op       string
	account  solana.PublicKey
	deposit  token.DepositParams
	mint     token.MintParams
	transfer token.TransferParams
}

// fakeBank records every call and fails the ops listed in fail.
type fakeBank struct {
	calls []bankCall
	fail  map[string]error
}

func (b *fakeBank) err(op string) error {
	if b.fail == nil {
		return nil
	}
	return b.fail[op]
}

func (b *fakeBank) SyncNative(_ context.Context, account solana.PublicKey) error {
	if err := b.err("sync"); err != nil {
		return err
	}
	b.calls = append(b.calls, bankCall{op: "sync", account: account})
	return nil
}

func (b *fakeBank) Deposit(_ context.Context, p token.DepositParams) error {
	if err := b.err("deposit"); err != nil {
		return err
	}
	b.calls = append(b.calls, bankCall{op: "deposit", deposit: p})
	return nil
}

func (b *fakeBank) MintTo(_ context.Context, p token.MintParams) error {
	if err := b.err("mint"); err != nil {
		return err
	}
	b.calls = append(b.calls, bankCall{op: "mint", mint: p})
	return nil
}

func (b *fakeBank) Transfer(_ context.Context, p token.TransferParams) error {
	op := "transfer_" + p.Asset.String()
	if err := b.err(op); err != nil {
		return err
	}
	b.calls = append(b.calls, bankCall{op: op, transfer: p})
	return nil
}

func (b *fakeBank) ops() []string {
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.op
	}
	return out
}

func (b *fakeBank) reset() {
	b.calls = nil
	b.fail = nil
}

type member struct {
	wallet  *state.AccountInfo
	record  *state.AccountInfo
	reward  *state.AccountInfo
	wrapped *state.AccountInfo
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	addrs  config.Addresses
	engine *Engine
	bank   *fakeBank
	price  *big.Int

	state       *state.AccountInfo
	pool        PoolAccounts
	vaultA      []*state.AccountInfo
	feed        *state.AccountInfo
	feedProgram *state.AccountInfo

	members map[solana.PublicKey]*member
	root    *member
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func tokenAt(key, owner, mint solana.PublicKey, amount uint64) *state.AccountInfo {
	return &state.AccountInfo{
		Key:   key,
		Owner: solana.TokenProgramID,
		Data:  state.EncodeTokenAccount(state.TokenAccount{Mint: mint, Owner: owner, Amount: amount}),
	}
}

func mintAt(key solana.PublicKey, supply uint64) *state.AccountInfo {
	return &state.AccountInfo{
		Key:   key,
		Owner: solana.TokenProgramID,
		Data:  state.EncodeMint(state.Mint{Supply: supply, Decimals: 9}),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := matrixtesting.NewLogger()
	addrs := config.MainnetAddresses()

	adapter, err := oracle.New(oracle.Config{Logger: log, Clock: clockwork.NewFakeClockAt(testNow)})
	require.NoError(t, err)
	est, err := amm.New(amm.Config{Logger: log})
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		addrs:   addrs,
		bank:    &fakeBank{},
		price:   big.NewInt(150_00000000),
		members: make(map[solana.PublicKey]*member),
	}
	h.engine, err = New(Config{
		Logger:    log,
		Addresses: addrs,
		Oracle:    adapter,
		Estimator: est,
		Feed: func(*state.AccountInfo) oracle.Feed {
			return oracle.StaticFeed{Answer: h.price, Precision: 8, Timestamp: testNow}
		},
	})
	require.NoError(t, err)

	h.state = &state.AccountInfo{Key: newKey(), Owner: config.ProgramID, Data: make([]byte, state.GlobalCountersSize)}
	_, err = h.engine.Initialize(h.ctx, InitializeRequest{State: h.state, Owner: addrs.Initializer})
	require.NoError(t, err)

	pool := newKey()
	h.pool = PoolAccounts{
		Pool:         addrs.Pool,
		Vault:        addrs.BVault,
		TokenVault:   tokenAt(addrs.BTokenVault, addrs.BVault, addrs.WrappedMint, 1_000_000_000),
		LPMint:       mintAt(addrs.BVaultLPMint, 1000),
		LP:           tokenAt(addrs.BVaultLP, pool, addrs.BVaultLPMint, 1000),
		VaultProgram: config.VaultProgram,
		WrappedMint:  addrs.WrappedMint,
		RewardMint:   addrs.RewardMint,
	}
	h.vaultA = []*state.AccountInfo{
		tokenAt(addrs.AVaultLP, pool, addrs.AVaultLPMint, 1000),
		mintAt(addrs.AVaultLPMint, 1000),
		tokenAt(addrs.ATokenVault, newKey(), addrs.RewardMint, 2_000_000_000),
	}
	h.feed = &state.AccountInfo{Key: addrs.OracleFeed, Owner: addrs.OracleProgram}
	h.feedProgram = &state.AccountInfo{Key: addrs.OracleProgram, Executable: true}

	h.root = h.newMember()
	_, err = h.engine.RegisterRoot(h.ctx, h.bank, RootRequest{
		Amount:     testAmount,
		State:      h.state,
		Owner:      addrs.Treasury,
		UserWallet: h.root.wallet.Key,
		User:       h.root.record,
		Source:     h.root.wrapped,
		Pool:       h.pool,
	})
	require.NoError(t, err)
	h.bank.reset()
	return h
}

func (h *harness) newMember() *member {
	h.t.Helper()
	wallet := newKey()
	record, err := token.UserRecordAddress(config.ProgramID, wallet)
	require.NoError(h.t, err)
	reward, err := token.RewardAccountAddress(wallet, h.addrs.RewardMint)
	require.NoError(h.t, err)
	m := &member{
		wallet:  &state.AccountInfo{Key: wallet, Owner: solana.SystemProgramID, Lamports: 10_000_000_000},
		record:  &state.AccountInfo{Key: record, Owner: config.ProgramID, Data: make([]byte, state.AccountSize)},
		reward:  tokenAt(reward, wallet, h.addrs.RewardMint, 0),
		wrapped: tokenAt(newKey(), wallet, h.addrs.WrappedMint, 1_000_000_000),
	}
	h.members[record] = m
	return m
}

// ancestorsOf returns the triples of m's ancestry window, closest first.
func (h *harness) ancestorsOf(m *member) []*state.AccountInfo {
	h.t.Helper()
	var out []*state.AccountInfo
	for _, link := range h.account(m).Ancestry.Closest() {
		a, ok := h.members[link.Account]
		require.True(h.t, ok, "unknown ancestor %s", link.Account)
		out = append(out, a.record, a.wallet, a.reward)
	}
	return out
}

func (h *harness) request(sponsor, user *member, amount uint64) RegisterRequest {
	aux := append([]*state.AccountInfo{}, h.vaultA...)
	aux = append(aux, h.feed, h.feedProgram, user.wrapped)
	aux = append(aux, h.ancestorsOf(sponsor)...)
	return RegisterRequest{
		Amount:               amount,
		State:                h.state,
		UserWallet:           user.wallet.Key,
		User:                 user.record,
		Sponsor:              sponsor.record,
		SponsorWallet:        sponsor.wallet,
		SponsorRewardAccount: sponsor.reward,
		Pool:                 h.pool,
		Aux:                  aux,
	}
}

func (h *harness) register(sponsor *member) (*member, *Result, error) {
	user := h.newMember()
	res, err := h.engine.RegisterUnderSponsor(h.ctx, h.bank, h.request(sponsor, user, testAmount))
	return user, res, err
}

func (h *harness) mustRegister(sponsor *member) (*member, *Result) {
	h.t.Helper()
	user, res, err := h.register(sponsor)
	require.NoError(h.t, err)
	return user, res
}

// line registers n accounts, each under the previous one, starting under the root.
func (h *harness) line(n int) []*member {
	h.t.Helper()
	out := []*member{h.root}
	for i := 0; i < n; i++ {
		m, _ := h.mustRegister(out[len(out)-1])
		out = append(out, m)
	}
	h.bank.reset()
	return out
}

func (h *harness) account(m *member) *state.Account {
	h.t.Helper()
	acc, err := state.DecodeAccount(m.record.Data)
	require.NoError(h.t, err)
	return acc
}

func (h *harness) update(m *member, fn func(*state.Account)) {
	h.t.Helper()
	acc := h.account(m)
	fn(acc)
	require.NoError(h.t, storeAccount(m.record, acc))
}

// fill puts n placeholder keys into the chain with the given escrow.
func (h *harness) fill(m *member, n int, funds, reward uint64) {
	h.update(m, func(a *state.Account) {
		a.Chain.Slots = [config.ChainSize]*solana.PublicKey{}
		a.Chain.Filled = 0
		for i := 0; i < n; i++ {
			a.Chain.Record(newKey())
		}
		a.ReservedFunds = funds
		a.ReservedReward = reward
	})
}

func (h *harness) counters() *state.GlobalCounters {
	h.t.Helper()
	g, err := state.DecodeGlobalCounters(h.state.Data)
	require.NoError(h.t, err)
	return g
}

func snapshot(infos ...*state.AccountInfo) [][]byte {
	out := make([][]byte, len(infos))
	for i, info := range infos {
		out[i] = append([]byte(nil), info.Data...)
	}
	return out
}
