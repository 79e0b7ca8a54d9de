package matrix

import (
	"context"
	"math/big"

	"github.com/malbeclabs/matrix/engine/pkg/amm"
	"github.com/malbeclabs/matrix/engine/pkg/oracle"
	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/verify"
)

type QuoteRequest struct {
	Amount      uint64
	Feed        *state.AccountInfo
	FeedProgram *state.AccountInfo
	Reserves    amm.Sources
}

// Quote is what a registration of Amount would be held to and paid at the current
// oracle price and pool reserves.
type Quote struct {
	Price    *big.Int
	Decimals uint8
	Stale    bool
	Minimum  uint64
	// Reward is the reward-token amount a slot-1 reservation of Amount would mint,
	// before the mint throttle applies.
	Reward uint64
}

// Quote reads the feed and the reserves without touching any record.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := verify.Oracle(e.cfg.Addresses, keyOf(req.FeedProgram), keyOf(req.Feed)); err != nil {
		return nil, err
	}
	answer, decimals, stale, err := e.cfg.Oracle.Price(ctx, e.cfg.Feed(req.Feed))
	if err != nil {
		return nil, err
	}
	return &Quote{
		Price:    answer,
		Decimals: decimals,
		Stale:    stale,
		Minimum:  oracle.MinimumFor(answer, decimals),
		Reward:   e.cfg.Estimator.Quote(req.Reserves, req.Amount),
	}, nil
}
