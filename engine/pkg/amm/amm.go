// Package amm prices reward tokens from the reserves of the two-sided pool and converts
// a native deposit into a reward amount.
//
// The estimator never fails. Every degenerate input maps to a fixed fallback value, and
// the reason is reported through Outcome for logs, metrics and tests.
package amm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/holiman/uint256"

	"github.com/malbeclabs/matrix/engine/pkg/config"
	"github.com/malbeclabs/matrix/engine/pkg/metrics"
	"github.com/malbeclabs/matrix/engine/pkg/state"
)

// Reason explains a fallback.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnreadable
	ReasonZeroReserve
	ReasonOverflow
	ReasonDivideByZero
	ReasonOutOfRange
	ReasonZeroResult
	ReasonTruncated
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnreadable:
		return "unreadable"
	case ReasonZeroReserve:
		return "zero_reserve"
	case ReasonOverflow:
		return "overflow"
	case ReasonDivideByZero:
		return "divide_by_zero"
	case ReasonOutOfRange:
		return "out_of_range"
	case ReasonZeroResult:
		return "zero_result"
	case ReasonTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Outcome is a computed quote or a fallback.
type Outcome struct {
	Value    uint64
	Fallback bool
	Reason   Reason
}

func computed(v uint64) Outcome { return Outcome{Value: v} }

func fallback(r Reason) Outcome {
	if r == ReasonTruncated {
		return Outcome{Value: config.QuoteMinimum, Fallback: true, Reason: r}
	}
	return Outcome{Value: config.QuoteFallback, Fallback: true, Reason: r}
}

// Reserves are the balances the quote is derived from. Side A is the reward token,
// side B the native asset.
type Reserves struct {
	ALP       uint64
	BLP       uint64
	ALPSupply uint64
	BLPSupply uint64
	AVault    uint64
	BVault    uint64
}

// Sources are the six external records Reserves are read from.
type Sources struct {
	AVaultLP     *state.AccountInfo
	BVaultLP     *state.AccountInfo
	AVaultLPMint *state.AccountInfo
	BVaultLPMint *state.AccountInfo
	ATokenVault  *state.AccountInfo
	BTokenVault  *state.AccountInfo
}

// ReadReserves decodes the six records as SPL token accounts and mints.
func ReadReserves(src Sources) (Reserves, error) {
	var r Reserves
	var err error
	if r.ALP, err = tokenAmount("a vault lp", src.AVaultLP); err != nil {
		return Reserves{}, err
	}
	if r.BLP, err = tokenAmount("b vault lp", src.BVaultLP); err != nil {
		return Reserves{}, err
	}
	if r.ALPSupply, err = mintSupply("a vault lp mint", src.AVaultLPMint); err != nil {
		return Reserves{}, err
	}
	if r.BLPSupply, err = mintSupply("b vault lp mint", src.BVaultLPMint); err != nil {
		return Reserves{}, err
	}
	if r.AVault, err = tokenAmount("a token vault", src.ATokenVault); err != nil {
		return Reserves{}, err
	}
	if r.BVault, err = tokenAmount("b token vault", src.BTokenVault); err != nil {
		return Reserves{}, err
	}
	return r, nil
}

func tokenAmount(name string, info *state.AccountInfo) (uint64, error) {
	if info == nil {
		return 0, fmt.Errorf("%s is missing", name)
	}
	acc, err := state.DecodeTokenAccount(info.Data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return acc.Amount, nil
}

func mintSupply(name string, info *state.AccountInfo) (uint64, error) {
	if info == nil {
		return 0, fmt.Errorf("%s is missing", name)
	}
	m, err := state.DecodeMint(info.Data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return m.Supply, nil
}

type Config struct {
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Estimator struct {
	log *slog.Logger
}

func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{log: cfg.Logger}, nil
}

// Quote reads the reserves and returns the reward amount for deposit.
func (e *Estimator) Quote(src Sources, deposit uint64) uint64 {
	var out Outcome
	r, err := ReadReserves(src)
	if err != nil {
		e.log.Warn("amm: failed to read reserves, using fallback", "error", err)
		out = fallback(ReasonUnreadable)
	} else {
		out = Compute(r, deposit)
	}
	if out.Fallback {
		metrics.QuoteFallbacksTotal.WithLabelValues(out.Reason.String()).Inc()
		e.log.Warn("amm: reward quote fell back", "reason", out.Reason.String(), "value", out.Value, "deposit", deposit)
	} else {
		e.log.Debug("amm: reward quote", "value", out.Value, "deposit", deposit)
	}
	return out.Value
}

// maxInt128 bounds every intermediate value.
var maxInt128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 127), uint256.NewInt(1))

var errOverflow = errors.New("overflow")
var errDivideByZero = errors.New("divide by zero")

func mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow || z.Gt(maxInt128) {
		return nil, errOverflow
	}
	return z, nil
}

func div(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, errDivideByZero
	}
	return new(uint256.Int).Div(a, b), nil
}

func mulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	p, err := mul(a, b)
	if err != nil {
		return nil, err
	}
	return div(p, d)
}

func reasonOf(err error) Reason {
	if errors.Is(err, errDivideByZero) {
		return ReasonDivideByZero
	}
	return ReasonOverflow
}

// FeeMultiplier is FeeDenominator*Precision/(FeeDenominator-PoolFeeBps).
func FeeMultiplier() (*uint256.Int, error) {
	if config.PoolFeeBps >= config.FeeDenominator {
		return nil, errDivideByZero
	}
	return mulDiv(
		uint256.NewInt(uint64(config.FeeDenominator)),
		uint256.NewInt(uint64(config.Precision)),
		uint256.NewInt(uint64(config.FeeDenominator-config.PoolFeeBps)),
	)
}

// Compute runs the checked quote pipeline.
func Compute(r Reserves, deposit uint64) Outcome {
	if r.ALPSupply == 0 || r.BLPSupply == 0 || r.AVault == 0 || r.BVault == 0 {
		return fallback(ReasonZeroReserve)
	}
	u := uint256.NewInt
	precision := u(uint64(config.Precision))

	pooledA, err := mulDiv(u(r.AVault), u(r.ALP), u(r.ALPSupply))
	if err != nil {
		return fallback(reasonOf(err))
	}
	pooledB, err := mulDiv(u(r.BVault), u(r.BLP), u(r.BLPSupply))
	if err != nil {
		return fallback(reasonOf(err))
	}
	if pooledA.IsZero() || pooledB.IsZero() {
		return fallback(ReasonZeroReserve)
	}

	ratio, err := mulDiv(pooledA, precision, pooledB)
	if err != nil {
		return fallback(reasonOf(err))
	}
	fee, err := FeeMultiplier()
	if err != nil {
		return fallback(reasonOf(err))
	}
	adjusted, err := mulDiv(ratio, fee, precision)
	if err != nil {
		return fallback(reasonOf(err))
	}
	scaled, err := mul(u(deposit), adjusted)
	if err != nil {
		return fallback(reasonOf(err))
	}
	out, err := div(scaled, precision)
	if err != nil {
		return fallback(reasonOf(err))
	}
	// Both pooled sides are positive here, so the exact quote is positive iff deposit is.
	return classify(out, deposit > 0)
}

// classify maps the final truncated value to the caller-visible quote.
func classify(out *uint256.Int, positive bool) Outcome {
	if out.GtUint64(math.MaxUint64) {
		return fallback(ReasonOutOfRange)
	}
	v := out.Uint64()
	if v == 0 {
		if positive {
			return fallback(ReasonTruncated)
		}
		return fallback(ReasonZeroResult)
	}
	return computed(v)
}
