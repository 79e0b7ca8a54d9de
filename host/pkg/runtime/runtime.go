// Package runtime hosts the settlement engine on a record store. It loads the records an
// operation names, runs the engine against a bank bound to the same transaction and
// commits every changed record, or none of them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/matrix"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
	"github.com/malbeclabs/matrix/host/pkg/bank"
)

type Config struct {
	Logger *slog.Logger
	Store  Store
	Engine *matrix.Engine
	// State is the key of the counters record.
	State solana.PublicKey
	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.State.IsZero() {
		return errors.New("state account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Runtime struct {
	log   *slog.Logger
	cfg   Config
	addrs config.Addresses
}

func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{log: cfg.Logger, cfg: cfg, addrs: cfg.Engine.Addresses()}, nil
}

// Receipt describes a committed execution.
type Receipt struct {
	ID        uuid.UUID
	Operation string
	Result    *matrix.Result
	Counters  *state.GlobalCounters
	// Instructions are the token-module calls of the execution as ledger instructions.
	Instructions []solana.Instruction
	Written      int
	Duration     time.Duration
}

type op struct {
	name   string
	signer solana.PublicKey
	amount uint64
	run    func(ctx context.Context, s *session, tm token.Module) (*matrix.Result, *state.GlobalCounters, error)
}

func (r *Runtime) execute(ctx context.Context, o op) (*Receipt, error) {
	start := r.cfg.Clock.Now()
	var receipt *Receipt
	err := r.cfg.Store.Execute(ctx, func(ctx context.Context, tx Tx) error {
		s := newSession(tx)
		b, err := bank.New(bank.Config{Logger: r.log, ProgramID: r.cfg.Engine.ProgramID(), Ledger: s})
		if err != nil {
			return fmt.Errorf("failed to create bank: %w", err)
		}
		rec := token.NewRecorder(b)

		res, counters, err := o.run(ctx, s, rec)
		if err != nil {
			return err
		}
		written, err := s.flush(ctx)
		if err != nil {
			return err
		}

		receipt = &Receipt{
			ID:           uuid.New(),
			Operation:    o.name,
			Result:       res,
			Counters:     counters,
			Instructions: rec.Instructions(),
			Written:      written,
		}
		exec := Execution{
			ID:        receipt.ID,
			Operation: o.name,
			Signer:    o.signer,
			Amount:    o.amount,
			Slot:      -1,
			CreatedAt: start.UTC(),
		}
		if res != nil {
			exec.User = res.User
			exec.Slot = res.Slot
			exec.Hops = res.Hops
			exec.Remainder = res.Remainder
			exec.Events = res.Events
		}
		if err := tx.RecordExecution(ctx, exec); err != nil {
			return fmt.Errorf("failed to record execution: %w", err)
		}
		return nil
	})

	duration := r.cfg.Clock.Since(start)
	status := "ok"
	if err != nil {
		status = errcode.KindOf(err).String()
	}
	metrics.HostExecutionDuration.WithLabelValues(r.cfg.Store.Name(), status).Observe(duration.Seconds())
	if err != nil {
		r.cfg.Engine.Publish(ctx, o.name, nil, err)
		r.log.Warn("runtime: execution failed", "operation", o.name, "signer", o.signer.String(), "error", err, "duration", duration)
		return nil, err
	}
	receipt.Duration = duration
	r.cfg.Engine.Publish(ctx, o.name, receipt.Result, nil)
	r.log.Info("runtime: execution committed",
		"id", receipt.ID.String(), "operation", o.name, "written", receipt.Written,
		"instructions", len(receipt.Instructions), "duration", duration)
	return receipt, nil
}

// Initialize writes the counters record and opens the program's vaults.
func (r *Runtime) Initialize(ctx context.Context, signer solana.PublicKey) (*Receipt, error) {
	return r.execute(ctx, op{
		name:   "initialize",
		signer: signer,
		run: func(ctx context.Context, s *session, _ token.Module) (*matrix.Result, *state.GlobalCounters, error) {
			info, err := s.allocate(ctx, r.cfg.State, r.cfg.Engine.ProgramID(), state.GlobalCountersSize)
			if err != nil {
				return nil, nil, err
			}
			g, err := r.cfg.Engine.Initialize(ctx, matrix.InitializeRequest{State: info, Owner: signer})
			if err != nil {
				return nil, nil, err
			}
			if err := r.openVaults(ctx, s); err != nil {
				return nil, nil, err
			}
			return nil, g, nil
		},
	})
}

// openVaults creates the program vault, the reward mint and the reward vault when the
// store does not hold them yet.
func (r *Runtime) openVaults(ctx context.Context, s *session) error {
	accounts := r.cfg.Engine.ProgramAccounts()
	if _, err := s.OpenAccount(ctx, accounts.Vault.Key); err != nil {
		return err
	}
	mint, err := s.allocate(ctx, r.addrs.RewardMint, solana.TokenProgramID, 0)
	if err != nil {
		return err
	}
	if len(mint.Data) == 0 {
		authority := accounts.MintAuthority.Key
		mint.Data = state.EncodeMint(state.Mint{Authority: &authority, Decimals: 9})
	}
	vault, err := s.allocate(ctx, accounts.RewardVault, solana.TokenProgramID, 0)
	if err != nil {
		return err
	}
	if len(vault.Data) == 0 {
		vault.Data = state.EncodeTokenAccount(state.TokenAccount{Mint: r.addrs.RewardMint, Owner: accounts.VaultAuthority.Key})
	}
	return nil
}

type RootParams struct {
	// Signer authorizes the root and must be the treasury.
	Signer solana.PublicKey
	Wallet solana.PublicKey
	Amount uint64
}

func (r *Runtime) RegisterRoot(ctx context.Context, p RootParams) (*Receipt, error) {
	return r.execute(ctx, op{
		name:   "register_root",
		signer: p.Signer,
		amount: p.Amount,
		run: func(ctx context.Context, s *session, tm token.Module) (*matrix.Result, *state.GlobalCounters, error) {
			stateInfo, err := s.Account(ctx, r.cfg.State)
			if err != nil {
				return nil, nil, err
			}
			user, err := r.userRecord(ctx, s, p.Wallet)
			if err != nil {
				return nil, nil, err
			}
			source, err := r.wrappedAccount(ctx, s, p.Wallet)
			if err != nil {
				return nil, nil, err
			}
			pool, err := r.pool(ctx, s)
			if err != nil {
				return nil, nil, err
			}
			res, err := r.cfg.Engine.RegisterRoot(ctx, tm, matrix.RootRequest{
				Amount:     p.Amount,
				State:      stateInfo,
				Owner:      p.Signer,
				UserWallet: p.Wallet,
				User:       user,
				Source:     source,
				Pool:       pool,
			})
			return res, nil, err
		},
	})
}

type RegisterParams struct {
	// Wallet is the registering signer.
	Wallet        solana.PublicKey
	SponsorWallet solana.PublicKey
	Amount        uint64
}

func (r *Runtime) Register(ctx context.Context, p RegisterParams) (*Receipt, error) {
	return r.execute(ctx, op{
		name:   "register",
		signer: p.Wallet,
		amount: p.Amount,
		run: func(ctx context.Context, s *session, tm token.Module) (*matrix.Result, *state.GlobalCounters, error) {
			req, err := r.registerRequest(ctx, s, p)
			if err != nil {
				return nil, nil, err
			}
			res, err := r.cfg.Engine.RegisterUnderSponsor(ctx, tm, req)
			return res, nil, err
		},
	})
}

func (r *Runtime) registerRequest(ctx context.Context, s *session, p RegisterParams) (matrix.RegisterRequest, error) {
	stateInfo, err := s.Account(ctx, r.cfg.State)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	user, err := r.userRecord(ctx, s, p.Wallet)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	sponsorKey, err := token.UserRecordAddress(r.cfg.Engine.ProgramID(), p.SponsorWallet)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	sponsor, err := s.Account(ctx, sponsorKey)
	if errors.Is(err, ErrNotFound) {
		sponsor = nil
	} else if err != nil {
		return matrix.RegisterRequest{}, err
	}
	sponsorWallet, err := s.optional(ctx, p.SponsorWallet)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	sponsorRewardKey, err := token.RewardAccountAddress(p.SponsorWallet, r.addrs.RewardMint)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	sponsorReward, err := s.optional(ctx, sponsorRewardKey)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	pool, err := r.pool(ctx, s)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}

	auxKeys := []solana.PublicKey{
		r.addrs.AVaultLP, r.addrs.AVaultLPMint, r.addrs.ATokenVault,
		r.addrs.OracleFeed, r.addrs.OracleProgram,
	}
	wrappedKey, err := token.WrappedAccountAddress(p.Wallet, r.addrs.WrappedMint)
	if err != nil {
		return matrix.RegisterRequest{}, err
	}
	auxKeys = append(auxKeys, wrappedKey)
	if sponsor != nil {
		if acc, err := state.DecodeAccount(sponsor.Data); err == nil {
			triples, err := AncestorTriples(acc, r.addrs.RewardMint)
			if err != nil {
				return matrix.RegisterRequest{}, err
			}
			auxKeys = append(auxKeys, triples...)
		}
	}
	aux := make([]*state.AccountInfo, len(auxKeys))
	for i, key := range auxKeys {
		if aux[i], err = s.optional(ctx, key); err != nil {
			return matrix.RegisterRequest{}, err
		}
	}

	return matrix.RegisterRequest{
		Amount:               p.Amount,
		State:                stateInfo,
		UserWallet:           p.Wallet,
		User:                 user,
		Sponsor:              sponsor,
		SponsorWallet:        sponsorWallet,
		SponsorRewardAccount: sponsorReward,
		Pool:                 pool,
		Aux:                  aux,
	}, nil
}

func (r *Runtime) userRecord(ctx context.Context, s *session, wallet solana.PublicKey) (*state.AccountInfo, error) {
	key, err := token.UserRecordAddress(r.cfg.Engine.ProgramID(), wallet)
	if err != nil {
		return nil, err
	}
	return s.allocate(ctx, key, r.cfg.Engine.ProgramID(), state.AccountSize)
}

// wrappedAccount returns the wallet's wrapped-asset account, or nil when it was never opened.
func (r *Runtime) wrappedAccount(ctx context.Context, s *session, wallet solana.PublicKey) (*state.AccountInfo, error) {
	key, err := token.WrappedAccountAddress(wallet, r.addrs.WrappedMint)
	if err != nil {
		return nil, err
	}
	info, err := s.Account(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return info, err
}

func (r *Runtime) pool(ctx context.Context, s *session) (matrix.PoolAccounts, error) {
	p := matrix.PoolAccounts{
		Pool:         r.addrs.Pool,
		Vault:        r.addrs.BVault,
		VaultProgram: config.VaultProgram,
		WrappedMint:  r.addrs.WrappedMint,
		RewardMint:   r.addrs.RewardMint,
	}
	var err error
	if p.TokenVault, err = s.optional(ctx, r.addrs.BTokenVault); err != nil {
		return p, err
	}
	if p.LPMint, err = s.optional(ctx, r.addrs.BVaultLPMint); err != nil {
		return p, err
	}
	if p.LP, err = s.optional(ctx, r.addrs.BVaultLP); err != nil {
		return p, err
	}
	return p, nil
}

// Account returns the decoded record registered by wallet.
func (r *Runtime) Account(ctx context.Context, wallet solana.PublicKey) (*state.Account, error) {
	key, err := token.UserRecordAddress(r.cfg.Engine.ProgramID(), wallet)
	if err != nil {
		return nil, err
	}
	info, err := r.cfg.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return state.DecodeAccount(info.Data)
}

// Counters returns the decoded counters record.
func (r *Runtime) Counters(ctx context.Context) (*state.GlobalCounters, error) {
	info, err := r.cfg.Store.Get(ctx, r.cfg.State)
	if err != nil {
		return nil, err
	}
	return state.DecodeGlobalCounters(info.Data)
}
