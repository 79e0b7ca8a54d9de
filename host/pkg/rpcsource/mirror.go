// Package rpcsource copies records the engine only reads, such as the pool and the
// price feed, from a cluster RPC endpoint into a runtime store.
package rpcsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/host/pkg/runtime"
	"github.com/malbeclabs/matrix/utils/pkg/retry"
)

// MaxAccountsPerRequest is the getMultipleAccounts limit of public RPC nodes.
const MaxAccountsPerRequest = 100

type RPC interface {
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error)
}

type Config struct {
	Logger *slog.Logger
	RPC    RPC
	Store  runtime.Store
	// Limiter paces requests. Defaults to 5 per second.
	Limiter    *rate.Limiter
	Retry      *retry.Config
	Commitment solanarpc.CommitmentType
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	}
	if cfg.Retry == nil {
		rc := retry.DefaultConfig()
		cfg.Retry = &rc
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	return nil
}

type Mirror struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Mirror{log: cfg.Logger, cfg: cfg}, nil
}

// SyncResult lists what a Sync copied and what the cluster does not hold.
type SyncResult struct {
	Copied  int
	Missing []solana.PublicKey
}

// Fetch reads keys from the cluster. The result is positional; a key the cluster does
// not hold yields nil.
func (m *Mirror) Fetch(ctx context.Context, keys []solana.PublicKey) ([]*state.AccountInfo, error) {
	out := make([]*state.AccountInfo, 0, len(keys))
	for start := 0; start < len(keys); start += MaxAccountsPerRequest {
		end := min(start+MaxAccountsPerRequest, len(keys))
		batch, err := m.fetchBatch(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (m *Mirror) fetchBatch(ctx context.Context, keys []solana.PublicKey) ([]*state.AccountInfo, error) {
	var res *solanarpc.GetMultipleAccountsResult
	err := retry.Do(ctx, *m.cfg.Retry, func() error {
		if err := m.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		res, err = m.cfg.RPC.GetMultipleAccountsWithOpts(ctx, keys, &solanarpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: m.cfg.Commitment,
		})
		if err != nil {
			metrics.RPCRequestsTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.RPCRequestsTotal.WithLabelValues("ok").Inc()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	if res == nil || len(res.Value) != len(keys) {
		return nil, fmt.Errorf("rpc returned %d accounts for %d keys", resultLen(res), len(keys))
	}

	out := make([]*state.AccountInfo, len(keys))
	for i, acc := range res.Value {
		if acc == nil {
			continue
		}
		info := &state.AccountInfo{
			Key:        keys[i],
			Owner:      acc.Owner,
			Lamports:   acc.Lamports,
			Executable: acc.Executable,
		}
		if acc.Data != nil {
			if data := acc.Data.GetBinary(); len(data) > 0 {
				info.Data = data
			}
		}
		out[i] = info
	}
	return out, nil
}

// Sync fetches keys and writes every record the cluster holds to the store in one
// execution. Records already in the store are overwritten.
func (m *Mirror) Sync(ctx context.Context, keys []solana.PublicKey) (SyncResult, error) {
	infos, err := m.Fetch(ctx, keys)
	if err != nil {
		return SyncResult{}, err
	}
	var result SyncResult
	var found []*state.AccountInfo
	for i, info := range infos {
		if info == nil {
			result.Missing = append(result.Missing, keys[i])
			continue
		}
		found = append(found, info)
	}

	err = m.cfg.Store.Execute(ctx, func(ctx context.Context, tx runtime.Tx) error {
		for _, info := range found {
			if err := tx.Save(ctx, info); err != nil {
				return fmt.Errorf("failed to save %s: %w", info.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	result.Copied = len(found)

	if len(result.Missing) > 0 {
		m.log.Warn("rpcsource: records missing on cluster", "count", len(result.Missing))
	}
	m.log.Info("rpcsource: synced records", "copied", result.Copied, "missing", len(result.Missing))
	return result, nil
}

func resultLen(res *solanarpc.GetMultipleAccountsResult) int {
	if res == nil {
		return 0
	}
	return len(res.Value)
}
