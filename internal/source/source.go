// Package source defines the boundary every price and liquidity provider implements.
package source

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"oracle-engine/internal/observation"
)

// Adapter fetches observations for assets from one venue.
type Adapter interface {
	// Name returns the unique identifier of this source.
	Name() string
	// QuoteDecimals returns the decimal scale of the quote values this source reports.
	QuoteDecimals() uint8
	// Consult returns the latest observation for asset. It fails when none exists or when it
	// is older than maxAge seconds; maxAge == 0 returns the latest regardless of age.
	Consult(ctx context.Context, asset common.Address, maxAge uint32) (observation.Observation, error)
}

// Updater is implemented by sources that record their own observations.
type Updater interface {
	// CanUpdate reports whether Update would record a change; it must not mutate state.
	CanUpdate(ctx context.Context, data []byte) bool
	// Update records a new observation when one is due and reports whether anything changed.
	Update(ctx context.Context, data []byte) (bool, error)
}

// ConsultPrice returns only the price of a consultation, with Consult's staleness semantics.
func ConsultPrice(ctx context.Context, a Adapter, asset common.Address, maxAge uint32) (uint256.Int, error) {
	obs, err := a.Consult(ctx, asset, maxAge)
	if err != nil {
		return uint256.Int{}, err
	}
	return obs.Price, nil
}

// ConsultLiquidity returns only the liquidity of a consultation, with Consult's staleness semantics.
func ConsultLiquidity(ctx context.Context, a Adapter, asset common.Address, maxAge uint32) (tokenLiquidity, quoteTokenLiquidity uint256.Int, err error) {
	obs, err := a.Consult(ctx, asset, maxAge)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	return obs.TokenLiquidity, obs.QuoteTokenLiquidity, nil
}
