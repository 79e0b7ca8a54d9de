package runtime

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/matrix"
	"github.com/malbeclabs/matrix/engine/pkg/state"
)

// ClusterKeys are the records the engine reads but never writes. A deployment mirrors
// them from a cluster; a local one seeds them.
func ClusterKeys(addrs config.Addresses) []solana.PublicKey {
	return []solana.PublicKey{
		addrs.OracleFeed, addrs.OracleProgram,
		addrs.AVaultLP, addrs.AVaultLPMint, addrs.ATokenVault,
		addrs.BVaultLP, addrs.BVaultLPMint, addrs.BTokenVault,
	}
}

// Quote reports the minimum deposit and the reward for amount from the stored feed and
// pool records.
func (r *Runtime) Quote(ctx context.Context, amount uint64) (*matrix.Quote, error) {
	keys := ClusterKeys(r.addrs)
	infos := make([]*state.AccountInfo, len(keys))
	for i, key := range keys {
		info, err := r.cfg.Store.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		infos[i] = info
	}
	return r.cfg.Engine.Quote(ctx, matrix.QuoteRequest{
		Amount:      amount,
		Feed:        infos[0],
		FeedProgram: infos[1],
		Reserves: amm.Sources{
			AVaultLP:     infos[2],
			AVaultLPMint: infos[3],
			ATokenVault:  infos[4],
			BVaultLP:     infos[5],
			BVaultLPMint: infos[6],
			BTokenVault:  infos[7],
		},
	})
}
