// Package matrix is the settlement engine. It registers accounts under sponsors, runs
// the three-slot state machine on the sponsor and propagates completed chains up the
// ancestry.
//
// The engine works on records handed to it by a host and moves funds through a
// token.Module. It does not persist anything itself: the host is expected to run every
// operation atomically and discard all record changes when an operation fails.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/oracle"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
	"github.com/malbeclabs/matrix/engine/pkg/verify"
)

type Config struct {
	Logger    *slog.Logger
	ProgramID solana.PublicKey
	Addresses config.Addresses
	Oracle    *oracle.Adapter
	Estimator *amm.Estimator
	Events    EventSink
	// Feed turns the supplied oracle feed record into a price feed. Defaults to reading
	// it as a transmissions store owned by the oracle program.
	Feed func(info *state.AccountInfo) oracle.Feed
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ProgramID.IsZero() {
		cfg.ProgramID = config.ProgramID
	}
	if err := cfg.Addresses.Validate(); err != nil {
		return fmt.Errorf("invalid addresses: %w", err)
	}
	if cfg.Oracle == nil {
		return errors.New("oracle is required")
	}
	if cfg.Estimator == nil {
		return errors.New("estimator is required")
	}
	if cfg.Events == nil {
		cfg.Events = LogSink{Logger: cfg.Logger}
	}
	if cfg.Feed == nil {
		program := cfg.Addresses.OracleProgram
		cfg.Feed = func(info *state.AccountInfo) oracle.Feed {
			return oracle.StoreFeed{Info: info, Program: program}
		}
	}
	return nil
}

type Engine struct {
	log      *slog.Logger
	cfg      Config
	accounts token.ProgramAccounts
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	accounts, err := token.DeriveProgramAccounts(cfg.ProgramID, cfg.Addresses.RewardMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive program accounts: %w", err)
	}
	return &Engine{log: cfg.Logger, cfg: cfg, accounts: accounts}, nil
}

// ProgramID returns the owner of every engine record.
func (e *Engine) ProgramID() solana.PublicKey { return e.cfg.ProgramID }

// ProgramAccounts returns the program-controlled vaults and authorities.
func (e *Engine) ProgramAccounts() token.ProgramAccounts { return e.accounts }

// Addresses returns the allow-list the engine verifies against.
func (e *Engine) Addresses() config.Addresses { return e.cfg.Addresses }

// PoolAccounts are the deposit-side pool accounts and the two mints every funded
// operation touches.
type PoolAccounts struct {
	Pool         solana.PublicKey
	Vault        solana.PublicKey
	TokenVault   *state.AccountInfo
	LPMint       *state.AccountInfo
	LP           *state.AccountInfo
	VaultProgram solana.PublicKey
	WrappedMint  solana.PublicKey
	RewardMint   solana.PublicKey
}

func (p PoolAccounts) verify(addrs config.Addresses) error {
	if err := verify.Fixed(addrs, p.Pool, keyOf(p.LP), p.RewardMint, p.WrappedMint); err != nil {
		return err
	}
	return verify.DepositSide(addrs, p.Vault, keyOf(p.TokenVault), keyOf(p.LPMint), p.VaultProgram)
}

func (p PoolAccounts) deposit(owner, source solana.PublicKey, amount uint64) token.DepositParams {
	return token.DepositParams{
		VaultProgram: p.VaultProgram,
		Vault:        p.Vault,
		TokenVault:   keyOf(p.TokenVault),
		LPMint:       keyOf(p.LPMint),
		Source:       source,
		LPAccount:    keyOf(p.LP),
		Owner:        owner,
		Amount:       amount,
	}
}

// Result describes a successful operation.
type Result struct {
	User solana.PublicKey
	// Minimum is the oracle minimum the deposit was checked against.
	Minimum uint64
	// Slot is the sponsor slot the registration filled, or -1 for a root.
	Slot int
	// Completed reports whether the sponsor's chain completed.
	Completed bool
	// Hops is the number of ancestors that received a slot action.
	Hops int
	// Remainder is the amount deposited into the pool after propagation.
	Remainder uint64
	Events    []SlotFilled
}

type InitializeRequest struct {
	State *state.AccountInfo
	// Owner is the signer of the call.
	Owner solana.PublicKey
}

// Initialize writes the counters record. Only the configured initializer may call it,
// and only once.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (g *state.GlobalCounters, err error) {
	if !req.Owner.Equals(e.cfg.Addresses.Initializer) {
		return nil, errcode.Wrap(errcode.NotAuthorized, "%s is not the initializer", req.Owner)
	}
	if !req.State.OwnedBy(e.cfg.ProgramID) {
		return nil, errcode.Wrap(errcode.InvalidStateAccount, "%s", keyOf(req.State))
	}
	if len(req.State.Data) != state.GlobalCountersSize {
		return nil, errcode.Wrap(errcode.InvalidStateSize, "state record is %d bytes, want %d", len(req.State.Data), state.GlobalCountersSize)
	}
	if !state.IsZeroed(req.State.Data) {
		return nil, errcode.AlreadyInitialized
	}

	g = &state.GlobalCounters{
		Owner:        req.Owner,
		Treasury:     e.cfg.Addresses.Treasury,
		NextUplineID: 1,
		NextChainID:  1,
	}
	if err := storeCounters(req.State, g); err != nil {
		return nil, err
	}
	e.log.Info("matrix: initialized", "state", req.State.Key.String(), "treasury", g.Treasury.String())
	return g, nil
}

type RootRequest struct {
	Amount uint64
	State  *state.AccountInfo
	// Owner is the signer authorizing the root, which must be the treasury.
	Owner      solana.PublicKey
	UserWallet solana.PublicKey
	User       *state.AccountInfo
	// Source is the user's wrapped-asset account the deposit is drawn from.
	Source *state.AccountInfo
	Pool   PoolAccounts
}

// RegisterRoot creates an account with no sponsor and deposits into the pool.
func (e *Engine) RegisterRoot(ctx context.Context, tm token.Module, req RootRequest) (res *Result, err error) {
	counters, err := e.loadCounters(req.State)
	if err != nil {
		return nil, err
	}
	if !req.Owner.Equals(counters.Treasury) {
		return nil, errcode.Wrap(errcode.NotAuthorized, "%s is not the treasury", req.Owner)
	}
	if err := req.Pool.verify(e.cfg.Addresses); err != nil {
		return nil, err
	}
	if err := distinct(req.State, req.User); err != nil {
		return nil, err
	}
	if err := e.checkNewUser(req.User, req.UserWallet); err != nil {
		return nil, err
	}

	uplineID, chainID, err := allocateIDs(counters)
	if err != nil {
		return nil, err
	}
	user := &state.Account{
		Registered:  true,
		OwnerWallet: req.UserWallet,
		Ancestry:    state.Ancestry{ID: uplineID, Depth: 1},
		Chain:       state.Chain{ID: chainID},
	}

	if req.Source == nil {
		return nil, errcode.Wrap(errcode.MissingWsolAccount, "root registration")
	}
	c := e.newCall(ctx, tm, counters, req.UserWallet, req.Pool, req.Source, amm.Sources{})
	if err := tm.SyncNative(ctx, req.Source.Key); err != nil {
		return nil, errcode.Wrap(errcode.WrapSolFailed, "%v", err)
	}
	if err := c.deposit(req.Amount, pathRoot); err != nil {
		return nil, err
	}

	if err := storeAccount(req.User, user); err != nil {
		return nil, err
	}
	if err := storeCounters(req.State, counters); err != nil {
		return nil, err
	}

	res = &Result{User: req.User.Key, Slot: -1}
	e.log.Info("matrix: registered root",
		"user", req.User.Key.String(), "wallet", req.UserWallet.String(), "amount", req.Amount,
		"upline_id", user.Ancestry.ID, "chain_id", user.Chain.ID)
	return res, nil
}

// Publish reports the outcome of op once the host has settled it: err is the final
// error of the operation, including a failed commit. Events reach the sink only when err
// is nil. Operations never publish on their own, so a host that retries an operation
// publishes exactly once per call.
func (e *Engine) Publish(ctx context.Context, op string, res *Result, err error) {
	status := "ok"
	if err != nil {
		status = errcode.KindOf(err).String()
	}
	metrics.RegistrationsTotal.WithLabelValues(op, status).Inc()
	if err != nil || res == nil || len(res.Events) == 0 {
		return
	}
	if err := e.cfg.Events.Emit(ctx, res.Events); err != nil {
		e.log.Warn("matrix: failed to emit events", "error", err, "count", len(res.Events))
	}
}

func (e *Engine) loadCounters(info *state.AccountInfo) (*state.GlobalCounters, error) {
	if !info.OwnedBy(e.cfg.ProgramID) {
		return nil, errcode.Wrap(errcode.InvalidStateAccount, "%s", keyOf(info))
	}
	if len(info.Data) == state.GlobalCountersSize && state.IsZeroed(info.Data) {
		return nil, errcode.Wrap(errcode.InvalidStateAccount, "state is not initialized")
	}
	g, err := state.DecodeGlobalCounters(info.Data)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// checkNewUser requires the record to be the wallet's derived address, owned by the
// program, allocated at full size and never written.
func (e *Engine) checkNewUser(info *state.AccountInfo, wallet solana.PublicKey) error {
	if info == nil {
		return errcode.Wrap(errcode.InvalidUserAccount, "user record is missing")
	}
	want, err := token.UserRecordAddress(e.cfg.ProgramID, wallet)
	if err != nil {
		return errcode.Wrap(errcode.InvalidUserAccount, "%v", err)
	}
	if !info.Key.Equals(want) {
		return errcode.Wrap(errcode.InvalidUserAccount, "got %s, want %s", info.Key, want)
	}
	if !info.OwnedBy(e.cfg.ProgramID) || len(info.Data) != state.AccountSize {
		return errcode.Wrap(errcode.InvalidUserAccount, "%s is not allocated for the program", info.Key)
	}
	if !state.IsZeroed(info.Data) {
		return errcode.Wrap(errcode.InvalidUserAccount, "%s is already in use", info.Key)
	}
	return nil
}

func storeCounters(info *state.AccountInfo, g *state.GlobalCounters) error {
	b, err := state.EncodeGlobalCounters(g)
	if err != nil {
		return err
	}
	if len(info.Data) != len(b) {
		return errcode.Wrap(errcode.InvalidStateSize, "state record is %d bytes, want %d", len(info.Data), len(b))
	}
	copy(info.Data, b)
	return nil
}

func storeAccount(info *state.AccountInfo, a *state.Account) error {
	b, err := state.EncodeAccount(a)
	if err != nil {
		return err
	}
	if len(info.Data) != len(b) {
		return errcode.Wrap(errcode.InvalidAccountData, "%s is %d bytes, want %d", info.Key, len(info.Data), len(b))
	}
	copy(info.Data, b)
	return nil
}

// distinct fails if a record appears more than once among the records an operation
// writes.
func distinct(infos ...*state.AccountInfo) error {
	seen := make(map[solana.PublicKey]struct{}, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		if _, ok := seen[info.Key]; ok {
			return errcode.Wrap(errcode.DuplicateAccount, "%s", info.Key)
		}
		seen[info.Key] = struct{}{}
	}
	return nil
}

// allocateIDs hands out the ancestry and chain ids of a new account.
func allocateIDs(g *state.GlobalCounters) (uplineID, chainID uint32, err error) {
	if uplineID, err = g.AllocateUplineID(); err != nil {
		return 0, 0, err
	}
	if chainID, err = g.AllocateChainID(); err != nil {
		return 0, 0, err
	}
	return uplineID, chainID, nil
}

func nextDepth(sponsor *state.Account) (uint32, error) {
	if sponsor.Ancestry.Depth == math.MaxUint32 {
		return 0, errcode.Wrap(errcode.InvalidUplineDepth, "sponsor depth %d", sponsor.Ancestry.Depth)
	}
	return sponsor.Ancestry.Depth + 1, nil
}

func keyOf(info *state.AccountInfo) solana.PublicKey {
	if info == nil {
		return solana.PublicKey{}
	}
	return info.Key
}
