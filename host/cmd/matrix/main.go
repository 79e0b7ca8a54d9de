package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/host/pkg/postgres"
	"github.com/malbeclabs/matrix/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultAmount = 100_000_000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "Load environment variables from this file when it exists")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to serve prometheus metrics on while --watch or --serve runs")

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-db", "", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUserFlag := flag.String("postgres-user", "", "PostgreSQL username (or set POSTGRES_USER env var)")

	// Program configuration
	stateFlag := flag.String("state-account", "", "Key of the counters record (or set MATRIX_STATE env var)")
	rpcURLFlag := flag.String("rpc-url", solanarpc.MainNetBeta_RPC, "Cluster RPC endpoint for --mirror (or set MATRIX_RPC_URL env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run PostgreSQL migrations")
	seedLocalFlag := flag.Bool("seed-local", false, "Write local pool and price feed records in place of mirrored ones")
	mirrorFlag := flag.Bool("mirror", false, "Copy the pool and price feed records from the cluster")
	watchFlag := flag.Duration("watch", 0, "With --mirror, repeat at this interval until interrupted")
	initFlag := flag.Bool("init", false, "Initialize the counters record and program vaults")
	fundFlag := flag.String("fund", "", "Credit a wallet and open its token accounts (local only)")
	registerRootFlag := flag.String("register-root", "", "Register a wallet as a root account")
	registerFlag := flag.String("register", "", "Register a wallet under --sponsor")
	quoteFlag := flag.Bool("quote", false, "Print the minimum deposit and the reward for --amount")
	statusFlag := flag.String("status", "", "Print the account registered by a wallet")
	countersFlag := flag.Bool("counters", false, "Print the counters record")
	historyFlag := flag.Int("history", 0, "Print the most recent executions")
	serveFlag := flag.String("serve", "", "Serve the read-only HTTP API on this address until interrupted")

	// Command options
	sponsorFlag := flag.String("sponsor", "", "Sponsor wallet for --register")
	signerFlag := flag.String("signer", "", "Signer for --init and --register-root (defaults to the configured initializer or treasury)")
	amountFlag := flag.Uint64("amount", defaultAmount, "Deposit in lamports")
	lamportsFlag := flag.Uint64("lamports", 10_000_000_000, "Lamports --fund credits to the wallet and its wrapped account")
	originsFlag := flag.StringSlice("allowed-origins", nil, "CORS origins --serve accepts (default any)")
	rateLimitFlag := flag.Float64("rate-limit", 10, "Requests per second --serve allows each client IP")

	flag.Parse()

	log := logger.New(logger.Config{Verbose: *verboseFlag})

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}
	if v := os.Getenv("MATRIX_STATE"); v != "" && *stateFlag == "" {
		*stateFlag = v
	}
	if v := os.Getenv("MATRIX_RPC_URL"); v != "" {
		*rpcURLFlag = v
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.ConnConfigFromEnv(postgres.ConnConfig{})
	for _, o := range []struct {
		flag  string
		field *string
	}{
		{*pgHostFlag, &pgCfg.Host},
		{*pgPortFlag, &pgCfg.Port},
		{*pgDatabaseFlag, &pgCfg.Database},
		{*pgUserFlag, &pgCfg.Username},
	} {
		if o.flag != "" {
			*o.field = o.flag
		}
	}
	pool, err := postgres.Connect(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if *migrateFlag {
		return postgres.Migrate(ctx, log, pool)
	}

	addrs, err := config.LoadAddressesFromEnv(config.MainnetAddresses())
	if err != nil {
		return err
	}

	app, err := newApp(log, pool, addrs, *stateFlag)
	if err != nil {
		return err
	}

	switch {
	case *seedLocalFlag:
		return app.seedLocal(ctx)
	case *mirrorFlag:
		return app.mirror(ctx, solanarpc.New(*rpcURLFlag), *watchFlag, *metricsAddrFlag)
	case *initFlag:
		signer, err := keyOr(*signerFlag, addrs.Initializer)
		if err != nil {
			return err
		}
		return app.initialize(ctx, signer)
	case *fundFlag != "":
		wallet, err := parseKey("--fund", *fundFlag)
		if err != nil {
			return err
		}
		return app.fund(ctx, wallet, *lamportsFlag)
	case *registerRootFlag != "":
		wallet, err := parseKey("--register-root", *registerRootFlag)
		if err != nil {
			return err
		}
		signer, err := keyOr(*signerFlag, addrs.Treasury)
		if err != nil {
			return err
		}
		return app.registerRoot(ctx, signer, wallet, *amountFlag)
	case *registerFlag != "":
		wallet, err := parseKey("--register", *registerFlag)
		if err != nil {
			return err
		}
		sponsor, err := parseKey("--sponsor", *sponsorFlag)
		if err != nil {
			return err
		}
		return app.register(ctx, wallet, sponsor, *amountFlag)
	case *quoteFlag:
		return app.quote(ctx, *amountFlag)
	case *statusFlag != "":
		wallet, err := parseKey("--status", *statusFlag)
		if err != nil {
			return err
		}
		return app.status(ctx, wallet)
	case *countersFlag:
		return app.counters(ctx)
	case *historyFlag > 0:
		return app.history(ctx, *historyFlag)
	case *serveFlag != "":
		return app.serve(ctx, serveOptions{
			addr:        *serveFlag,
			metricsAddr: *metricsAddrFlag,
			origins:     *originsFlag,
			rateLimit:   rate.Limit(*rateLimitFlag),
		})
	}

	flag.Usage()
	return errors.New("no command given")
}

func parseKey(name, v string) (solana.PublicKey, error) {
	if v == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", name)
	}
	pk, err := solana.PublicKeyFromBase58(v)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return pk, nil
}

func keyOr(v string, fallback solana.PublicKey) (solana.PublicKey, error) {
	if v == "" {
		return fallback, nil
	}
	return parseKey("--signer", v)
}

// mirrorTimeout bounds one mirror pass.
const mirrorTimeout = 30 * time.Second
