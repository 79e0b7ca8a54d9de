// Package postgres is a runtime.Store on PostgreSQL. Every execution runs in a
// serializable transaction that locks the rows it reads, and is re-run when PostgreSQL
// reports a serialization failure.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/host/pkg/runtime"
	"github.com/malbeclabs/matrix/utils/pkg/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	// Retry governs re-running executions. Defaults to retry.TxConfig.
	Retry *retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Retry == nil {
		rc := retry.TxConfig()
		cfg.Retry = &rc
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg Config
}

var (
	_ runtime.Store   = (*Store)(nil)
	_ runtime.History = (*Store)(nil)
)

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate(ctx, log, db)
}

func migrate(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	log.Info("postgres: running migrations")
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, tx runtime.Tx) error) error {
	rc := *s.cfg.Retry
	rc.OnRetry = func(attempt int, err error) {
		metrics.HostExecutionRetriesTotal.WithLabelValues(s.Name()).Inc()
		s.log.Debug("postgres: retrying execution", "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, rc, func() error {
		return pgx.BeginTxFunc(ctx, s.cfg.Pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(ctx, &pgTx{tx: tx})
		})
	})
}

func (s *Store) Get(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	return scanAccount(key, s.cfg.Pool.QueryRow(ctx,
		`SELECT owner, lamports, executable, data FROM accounts WHERE key = $1`, key.String()))
}

func (s *Store) RecentExecutions(ctx context.Context, limit, offset int) ([]runtime.Execution, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, operation, signer, COALESCE(user_key, ''), amount, slot, hops, remainder, created_at
		FROM executions ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []runtime.Execution
	for rows.Next() {
		var (
			e                 runtime.Execution
			signer, user      string
			amount, remainder pgtype.Numeric
			slot, hops        int16
		)
		if err := rows.Scan(&e.ID, &e.Operation, &signer, &user, &amount, &slot, &hops, &remainder, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if e.Signer, err = solana.PublicKeyFromBase58(signer); err != nil {
			return nil, fmt.Errorf("invalid signer %q: %w", signer, err)
		}
		if user != "" {
			if e.User, err = solana.PublicKeyFromBase58(user); err != nil {
				return nil, fmt.Errorf("invalid user %q: %w", user, err)
			}
		}
		if e.Amount, err = uint64Of(amount); err != nil {
			return nil, err
		}
		if e.Remainder, err = uint64Of(remainder); err != nil {
			return nil, err
		}
		e.Slot, e.Hops = int(slot), int(hops)
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Load(ctx context.Context, key solana.PublicKey) (*state.AccountInfo, error) {
	return scanAccount(key, t.tx.QueryRow(ctx,
		`SELECT owner, lamports, executable, data FROM accounts WHERE key = $1 FOR UPDATE`, key.String()))
}

func (t *pgTx) Save(ctx context.Context, info *state.AccountInfo) error {
	data := info.Data
	if data == nil {
		data = []byte{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (key, owner, lamports, executable, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (key) DO UPDATE SET
			owner = EXCLUDED.owner,
			lamports = EXCLUDED.lamports,
			executable = EXCLUDED.executable,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		info.Key.String(), info.Owner.String(), numericOf(info.Lamports), info.Executable, data)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (t *pgTx) RecordExecution(ctx context.Context, exec runtime.Execution) error {
	var user *string
	if !exec.User.IsZero() {
		u := exec.User.String()
		user = &u
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO executions (id, operation, signer, user_key, amount, slot, hops, remainder, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.Operation, exec.Signer.String(), user, numericOf(exec.Amount),
		int16(exec.Slot), int16(exec.Hops), numericOf(exec.Remainder), exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	if len(exec.Events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, ev := range exec.Events {
		batch.Queue(`
			INSERT INTO slot_events (execution_id, seq, slot_index, chain_id, user_key, owner_key)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			exec.ID, int16(i), int16(ev.SlotIndex), int64(ev.ChainID), ev.User.String(), ev.Owner.String())
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert slot events: %w", err)
	}
	return nil
}

func scanAccount(key solana.PublicKey, row pgx.Row) (*state.AccountInfo, error) {
	var (
		owner    string
		lamports pgtype.Numeric
		info     = &state.AccountInfo{Key: key}
	)
	if err := row.Scan(&owner, &lamports, &info.Executable, &info.Data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, runtime.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	var err error
	if info.Owner, err = solana.PublicKeyFromBase58(owner); err != nil {
		return nil, fmt.Errorf("invalid owner %q of %s: %w", owner, key, err)
	}
	if info.Lamports, err = uint64Of(lamports); err != nil {
		return nil, fmt.Errorf("lamports of %s: %w", key, err)
	}
	if len(info.Data) == 0 {
		info.Data = nil
	}
	return info, nil
}

func numericOf(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

func uint64Of(n pgtype.Numeric) (uint64, error) {
	if !n.Valid || n.NaN || n.Int == nil {
		return 0, errors.New("numeric is not a number")
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil))
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("numeric %s out of range", v)
	}
	return v.Uint64(), nil
}
