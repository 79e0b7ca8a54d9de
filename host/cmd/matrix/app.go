package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/matrix"
	"github.com/malbeclabs/matrix/engine/pkg/oracle"
	"github.com/malbeclabs/matrix/host/pkg/api"
	"github.com/malbeclabs/matrix/host/pkg/postgres"
	"github.com/malbeclabs/matrix/host/pkg/rpcsource"
	"github.com/malbeclabs/matrix/host/pkg/runtime"
)

type app struct {
	log   *slog.Logger
	addrs config.Addresses
	store *postgres.Store
	rt    *runtime.Runtime
	out   *json.Encoder
}

func newApp(log *slog.Logger, pool *pgxpool.Pool, addrs config.Addresses, stateKey string) (*app, error) {
	store, err := postgres.New(postgres.Config{Logger: log, Pool: pool})
	if err != nil {
		return nil, err
	}
	a := &app{log: log, addrs: addrs, store: store, out: json.NewEncoder(os.Stdout)}
	a.out.SetIndent("", "  ")
	if stateKey == "" {
		return a, nil
	}

	stateAccount, err := parseKey("--state-account", stateKey)
	if err != nil {
		return nil, err
	}
	adapter, err := oracle.New(oracle.Config{Logger: log})
	if err != nil {
		return nil, err
	}
	est, err := amm.New(amm.Config{Logger: log})
	if err != nil {
		return nil, err
	}
	engine, err := matrix.New(matrix.Config{Logger: log, Addresses: addrs, Oracle: adapter, Estimator: est})
	if err != nil {
		return nil, err
	}
	a.rt, err = runtime.New(runtime.Config{Logger: log, Store: store, Engine: engine, State: stateAccount})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) requireRuntime() (*runtime.Runtime, error) {
	if a.rt == nil {
		return nil, errors.New("--state-account is required")
	}
	return a.rt, nil
}

func (a *app) seedLocal(ctx context.Context) error {
	return runtime.SeedLocalPool(ctx, a.store, a.addrs, runtime.DefaultLocalPool(time.Now()))
}

func (a *app) mirror(ctx context.Context, rpc rpcsource.RPC, every time.Duration, metricsAddr string) error {
	m, err := rpcsource.New(rpcsource.Config{Logger: a.log, RPC: rpc, Store: a.store})
	if err != nil {
		return err
	}
	keys := runtime.ClusterKeys(a.addrs)
	syncOnce := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		defer cancel()
		res, err := m.Sync(ctx, keys)
		if err != nil {
			return err
		}
		if len(res.Missing) > 0 {
			return fmt.Errorf("cluster does not hold %d records, first %s", len(res.Missing), res.Missing[0])
		}
		return nil
	}
	if every <= 0 {
		return syncOnce(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		if err := a.listen(ctx, g, "prometheus metrics", metricsAddr, metricsHandler()); err != nil {
			return err
		}
	}
	g.Go(func() error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := syncOnce(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("mirror pass failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

type serveOptions struct {
	addr        string
	metricsAddr string
	origins     []string
	rateLimit   rate.Limit
}

func (a *app) serve(ctx context.Context, opts serveOptions) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	srv, err := api.New(api.Config{
		Logger:         a.log,
		Runtime:        rt,
		History:        a.store,
		AllowedOrigins: opts.origins,
		RateLimit:      opts.rateLimit,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.listen(ctx, g, "api", opts.addr, srv.Handler()); err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		if err := a.listen(ctx, g, "prometheus metrics", opts.metricsAddr, metricsHandler()); err != nil {
			return err
		}
	}
	return g.Wait()
}

// listen serves h on addr within g and shuts the server down when ctx ends.
func (a *app) listen(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start %s server listener: %w", name, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	a.log.Info(name+" server listening", "address", listener.Addr().String())
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (a *app) initialize(ctx context.Context, signer solana.PublicKey) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	receipt, err := rt.Initialize(ctx, signer)
	if err != nil {
		return err
	}
	return a.print(receiptView(receipt))
}

func (a *app) fund(ctx context.Context, wallet solana.PublicKey, lamports uint64) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	return rt.Fund(ctx, wallet, lamports, lamports)
}

func (a *app) registerRoot(ctx context.Context, signer, wallet solana.PublicKey, amount uint64) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	receipt, err := rt.RegisterRoot(ctx, runtime.RootParams{Signer: signer, Wallet: wallet, Amount: amount})
	if err != nil {
		return err
	}
	return a.print(receiptView(receipt))
}

func (a *app) register(ctx context.Context, wallet, sponsor solana.PublicKey, amount uint64) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	receipt, err := rt.Register(ctx, runtime.RegisterParams{Wallet: wallet, SponsorWallet: sponsor, Amount: amount})
	if err != nil {
		return err
	}
	return a.print(receiptView(receipt))
}

func (a *app) quote(ctx context.Context, amount uint64) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	q, err := rt.Quote(ctx, amount)
	if err != nil {
		return err
	}
	return a.print(map[string]any{
		"price":    q.Price.String(),
		"decimals": q.Decimals,
		"stale":    q.Stale,
		"minimum":  q.Minimum,
		"amount":   amount,
		"reward":   q.Reward,
	})
}

func (a *app) status(ctx context.Context, wallet solana.PublicKey) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	acc, err := rt.Account(ctx, wallet)
	if errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("%s is not registered", wallet)
	}
	if err != nil {
		return err
	}
	return a.print(acc)
}

func (a *app) counters(ctx context.Context) error {
	rt, err := a.requireRuntime()
	if err != nil {
		return err
	}
	g, err := rt.Counters(ctx)
	if err != nil {
		return err
	}
	return a.print(g)
}

func (a *app) history(ctx context.Context, limit int) error {
	execs, err := a.store.RecentExecutions(ctx, limit, 0)
	if err != nil {
		return err
	}
	return a.print(execs)
}

func (a *app) print(v any) error {
	return a.out.Encode(v)
}

type receiptJSON struct {
	ID           string              `json:"id"`
	Operation    string              `json:"operation"`
	User         string              `json:"user,omitempty"`
	Slot         *int                `json:"slot,omitempty"`
	Hops         int                 `json:"hops,omitempty"`
	Remainder    uint64              `json:"remainder,omitempty"`
	Events       []matrix.SlotFilled `json:"events,omitempty"`
	Instructions int                 `json:"instructions"`
	Written      int                 `json:"written"`
	Duration     string              `json:"duration"`
}

func receiptView(r *runtime.Receipt) receiptJSON {
	v := receiptJSON{
		ID:           r.ID.String(),
		Operation:    r.Operation,
		Instructions: len(r.Instructions),
		Written:      r.Written,
		Duration:     r.Duration.String(),
	}
	if res := r.Result; res != nil {
		v.User = res.User.String()
		if res.Slot >= 0 {
			slot := res.Slot
			v.Slot = &slot
		}
		v.Hops = res.Hops
		v.Remainder = res.Remainder
		v.Events = res.Events
	}
	return v
}
