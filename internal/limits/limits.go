// Package limits enforces position limits on outcome-share exposure, per
// market and aggregated across all markets a user holds positions in.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push a user's
	// net position in a single market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("limits: per-market position limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push a user's
	// aggregate absolute exposure across all markets beyond the total
	// maximum.
	ErrTotalLimitExceeded = errors.New("limits: total exposure limit exceeded")
)

// PositionLimiter enforces exposure limits. Exposure is measured in outcome
// shares: a user holding 40 YES and 10 NO in one market has a net exposure
// of 50 shares there.
type PositionLimiter struct {
	// MaxPerMarket is the maximum absolute net position in any single
	// market.
	MaxPerMarket decimal.Decimal

	// MaxTotal is the maximum aggregate absolute exposure across all
	// markets.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-market and
// aggregate exposure limits.
func NewPositionLimiter(maxPerMarket, maxTotal decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{MaxPerMarket: maxPerMarket, MaxTotal: maxTotal}
}

// CheckLimit validates whether a trade respects position limits.
//
// targetMarket is the market being traded, exposureDelta the signed change
// in share exposure (positive for buys, negative for sells), and
// existingExposures the user's current net exposure per market. Returns nil
// if the trade is within limits.
func (l *PositionLimiter) CheckLimit(
	targetMarket string,
	exposureDelta decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	newPosition := existingExposures[targetMarket].Add(exposureDelta)
	if newPosition.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	total := newPosition.Abs()
	for marketID, exposure := range existingExposures {
		if marketID == targetMarket {
			continue // already counted via newPosition above
		}
		total = total.Add(exposure.Abs())
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}
