// Package oracle converts the minimum USD deposit into native lamports using an external
// price feed.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/errcode"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
)

// Round is the latest answer of a feed.
type Round struct {
	Answer    *big.Int
	Timestamp time.Time
}

// Feed is an external price feed.
type Feed interface {
	LatestRound(ctx context.Context) (Round, error)
	Decimals(ctx context.Context) (uint8, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// MaxAge defaults to config.MaxPriceFeedAge.
	MaxAge time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxAge < 0 {
		return errors.New("max age must not be negative")
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = config.MaxPriceFeedAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Adapter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{log: cfg.Logger, cfg: cfg}, nil
}

// Price reads the feed and applies the staleness policy. A stale answer is replaced by
// config.DefaultPrice and reported through stale; it is never an error.
func (a *Adapter) Price(ctx context.Context, feed Feed) (answer *big.Int, decimals uint8, stale bool, err error) {
	round, err := feed.LatestRound(ctx)
	if err != nil {
		return nil, 0, false, errcode.Wrap(errcode.PriceFeedReadFailed, "latest round: %v", err)
	}
	decimals, err = feed.Decimals(ctx)
	if err != nil {
		return nil, 0, false, errcode.Wrap(errcode.PriceFeedReadFailed, "decimals: %v", err)
	}
	if round.Answer == nil {
		return nil, 0, false, errcode.Wrap(errcode.PriceFeedReadFailed, "round has no answer")
	}

	// Whole seconds, as the feed reports them.
	age := a.cfg.Clock.Now().Unix() - round.Timestamp.Unix()
	if age > int64(a.cfg.MaxAge/time.Second) {
		metrics.OracleStaleReadsTotal.Inc()
		a.log.Warn("oracle: price feed is stale, using default price",
			"age", time.Duration(age)*time.Second, "answer", round.Answer.String())
		return big.NewInt(config.DefaultPrice), decimals, true, nil
	}
	return new(big.Int).Set(round.Answer), decimals, false, nil
}

// MinimumDeposit returns the lamport amount worth config.MinimumUSDDeposit.
func (a *Adapter) MinimumDeposit(ctx context.Context, feed Feed) (uint64, error) {
	answer, decimals, stale, err := a.Price(ctx, feed)
	if err != nil {
		return 0, err
	}
	minimum := MinimumFor(answer, decimals)
	a.log.Debug("oracle: computed minimum deposit",
		"answer", answer.String(), "decimals", decimals, "stale", stale, "minimum", minimum)
	return minimum, nil
}

// MinimumFor converts config.MinimumUSDDeposit to lamports at the given price in float64.
// The result saturates: a zero price yields math.MaxUint64 and a negative price yields 0.
func MinimumFor(answer *big.Int, decimals uint8) uint64 {
	raw, _ := new(big.Float).SetInt(answer).Float64()
	price := raw / math.Pow(10, float64(decimals))
	usd := float64(config.MinimumUSDDeposit) / float64(config.USDScale)
	return saturatingUint64(usd / price * float64(config.LamportsPerUnit))
}

func saturatingUint64(f float64) uint64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.Exp2(64):
		return math.MaxUint64
	default:
		return uint64(f)
	}
}
