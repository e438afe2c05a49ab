// Package economy defines the closed play-money economy: bonus amounts, the
// house subsidy for new markets, and builders for house-funded bonus
// transactions.
package economy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/model"
)

// ErrUnknownBonus is returned when a transaction type has no configured
// bonus amount.
var ErrUnknownBonus = errors.New("economy: unknown bonus type")

// Currency amounts of the closed economy. These are policy knobs, not
// market math; changing them never affects pricing.
var (
	// InitialMarketLiquidity is the house subsidy seeding a new market's
	// pools.
	InitialMarketLiquidity = decimal.NewFromInt(1000)

	// LiquidityVolumeBonus is house liquidity added to a market when a new
	// unique trader makes their first trade in it.
	LiquidityVolumeBonus = decimal.NewFromInt(5)

	DailyTradeBonus     = decimal.NewFromInt(50)
	DailyMarketBonus    = decimal.NewFromInt(100)
	DailyCommentBonus   = decimal.NewFromInt(10)
	DailyLiquidityBonus = decimal.NewFromInt(50)
	CreatorTraderBonus  = decimal.NewFromInt(10)
)

// bonusAmounts maps each user-facing bonus type to its payout.
var bonusAmounts = map[model.TransactionType]decimal.Decimal{
	model.TransactionDailyTradeBonus:     DailyTradeBonus,
	model.TransactionDailyMarketBonus:    DailyMarketBonus,
	model.TransactionDailyCommentBonus:   DailyCommentBonus,
	model.TransactionDailyLiquidityBonus: DailyLiquidityBonus,
	model.TransactionCreatorTraderBonus:  CreatorTraderBonus,
}

// BonusAmount returns the configured payout for a bonus type.
func BonusAmount(typ model.TransactionType) (decimal.Decimal, error) {
	amount, ok := bonusAmounts[typ]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownBonus, typ)
	}
	return amount, nil
}

// BonusTransaction builds a house -> user currency transaction for the given
// bonus type. marketID is optional context for market-linked bonuses.
func BonusTransaction(typ model.TransactionType, houseAccountID, accountID, marketID string) (*model.Transaction, error) {
	amount, err := BonusAmount(typ)
	if err != nil {
		return nil, err
	}

	return &model.Transaction{
		Type:        typ,
		InitiatorID: accountID,
		MarketID:    marketID,
		Entries: []model.Entry{{
			Amount:        amount,
			AssetType:     model.AssetTypeCurrency,
			AssetID:       model.AssetIDPrimary,
			FromAccountID: houseAccountID,
			ToAccountID:   accountID,
		}},
	}, nil
}
