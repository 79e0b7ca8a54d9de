package runtime

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/oracle"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
)

// LocalPool describes the pool and oracle records SeedLocalPool writes.
type LocalPool struct {
	// Price is the oracle answer with 8 decimals.
	Price     *big.Int
	UpdatedAt time.Time
	// Reserve-side balances.
	AVault, ALP, ALPSupply uint64
	// Deposit-side balances.
	BVault, BLP, BLPSupply uint64
}

// DefaultLocalPool is a pool with two reward units per native unit at 150 USD.
func DefaultLocalPool(now time.Time) LocalPool {
	return LocalPool{
		Price:     big.NewInt(150_00000000),
		UpdatedAt: now,
		AVault:    2_000_000_000, ALP: 1000, ALPSupply: 1000,
		BVault: 1_000_000_000, BLP: 1000, BLPSupply: 1000,
	}
}

// SeedLocalPool writes the pool, reserve and oracle records a local deployment needs in
// place of the ones an RPC mirror would copy from a cluster.
func SeedLocalPool(ctx context.Context, store Store, addrs config.Addresses, p LocalPool) error {
	feed, err := oracle.EncodeStore(oracle.SingleRound(8, p.Price, p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to encode oracle feed: %w", err)
	}
	records := []*state.AccountInfo{
		{Key: addrs.OracleFeed, Owner: addrs.OracleProgram, Data: feed},
		{Key: addrs.OracleProgram, Executable: true},
		tokenRecord(addrs.AVaultLP, addrs.Pool, addrs.AVaultLPMint, p.ALP),
		mintRecord(addrs.AVaultLPMint, nil, p.ALPSupply),
		tokenRecord(addrs.ATokenVault, addrs.Pool, addrs.RewardMint, p.AVault),
		tokenRecord(addrs.BVaultLP, addrs.Pool, addrs.BVaultLPMint, p.BLP),
		mintRecord(addrs.BVaultLPMint, nil, p.BLPSupply),
		tokenRecord(addrs.BTokenVault, addrs.BVault, addrs.WrappedMint, p.BVault),
	}
	return store.Execute(ctx, func(ctx context.Context, tx Tx) error {
		for _, info := range records {
			if err := tx.Save(ctx, info); err != nil {
				return fmt.Errorf("failed to save %s: %w", info.Key, err)
			}
		}
		return nil
	})
}

// Fund credits wallet with lamports and opens its wrapped-asset account holding wrapped
// and its reward account. It is a local faucet; nothing is checked.
func (r *Runtime) Fund(ctx context.Context, wallet solana.PublicKey, lamports, wrapped uint64) error {
	wrappedKey, err := token.WrappedAccountAddress(wallet, r.addrs.WrappedMint)
	if err != nil {
		return err
	}
	rewardKey, err := token.RewardAccountAddress(wallet, r.addrs.RewardMint)
	if err != nil {
		return err
	}
	err = r.cfg.Store.Execute(ctx, func(ctx context.Context, tx Tx) error {
		s := newSession(tx)
		w, err := s.OpenAccount(ctx, wallet)
		if err != nil {
			return err
		}
		if w.Lamports > ^uint64(0)-lamports {
			return fmt.Errorf("wallet %s balance overflow", wallet)
		}
		w.Lamports += lamports

		wa, err := s.allocate(ctx, wrappedKey, solana.TokenProgramID, 0)
		if err != nil {
			return err
		}
		wa.Lamports = wrapped
		wa.Data = state.EncodeTokenAccount(state.TokenAccount{Mint: r.addrs.WrappedMint, Owner: wallet, Amount: wrapped, Native: true})

		ra, err := s.allocate(ctx, rewardKey, solana.TokenProgramID, 0)
		if err != nil {
			return err
		}
		if len(ra.Data) == 0 {
			ra.Data = state.EncodeTokenAccount(state.TokenAccount{Mint: r.addrs.RewardMint, Owner: wallet})
		}
		_, err = s.flush(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to fund %s: %w", wallet, err)
	}
	r.log.Info("runtime: funded wallet", "wallet", wallet.String(), "lamports", lamports, "wrapped", wrapped)
	return nil
}

func tokenRecord(key, owner, mint solana.PublicKey, amount uint64) *state.AccountInfo {
	return &state.AccountInfo{
		Key:   key,
		Owner: solana.TokenProgramID,
		Data:  state.EncodeTokenAccount(state.TokenAccount{Mint: mint, Owner: owner, Amount: amount}),
	}
}

func mintRecord(key solana.PublicKey, authority *solana.PublicKey, supply uint64) *state.AccountInfo {
	return &state.AccountInfo{
		Key:   key,
		Owner: solana.TokenProgramID,
		Data:  state.EncodeMint(state.Mint{Authority: authority, Supply: supply, Decimals: 9}),
	}
}
