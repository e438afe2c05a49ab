package liquidity

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/amm"
	"github.com/playpredict/market-engine/internal/ledger"
	"github.com/playpredict/market-engine/internal/model"
	"github.com/playpredict/market-engine/internal/store"
)

// MarketAggregatesHook recomputes a market's cached option state (pool
// reserves and probabilities) from the AMM account's entry sums. It runs
// inside the committing transaction, so cached aggregates can never drift
// from the ledger they summarize.
var MarketAggregatesHook ledger.SettlementHook = ledger.SettlementHookFunc(updateMarketAggregates)

func updateMarketAggregates(ctx context.Context, st store.Store, txn *model.Transaction) error {
	if txn.MarketID == "" {
		return nil
	}

	market, err := st.GetMarket(ctx, txn.MarketID)
	if err != nil {
		return fmt.Errorf("get market: %w", err)
	}
	ammAcct, err := st.GetMarketAccount(ctx, txn.MarketID, model.AccountTypeMarketAMM)
	if err != nil {
		return fmt.Errorf("amm account: %w", err)
	}
	balances, err := st.AccountBalances(ctx, ammAcct.ID, txn.MarketID)
	if err != nil {
		return fmt.Errorf("amm balances: %w", err)
	}

	reserves := make([]decimal.Decimal, 0, len(market.Options))
	for _, b := range balances {
		if b.AssetType == model.AssetTypeMarketOption {
			reserves = append(reserves, b.Total)
		}
	}
	if len(reserves) != len(market.Options) {
		return fmt.Errorf("reserve vector has %d pools, market has %d options", len(reserves), len(market.Options))
	}

	for i, o := range market.Options {
		probability := o.Probability
		// Pools drain to zero at resolution; the last computed probability
		// stands once the vector is no longer priceable.
		if p, err := amm.CalculateProbability(i, reserves); err == nil {
			probability = p
		}
		if err := st.UpdateMarketOptionState(ctx, market.ID, o.ID, reserves[i], probability); err != nil {
			return fmt.Errorf("update option %s: %w", o.ID, err)
		}
	}
	return nil
}

// SettlementTable builds the full settlement table: every transaction type
// that moves market assets recomputes the market aggregates; pure currency
// bonuses settle by their entries alone.
func SettlementTable() ledger.SettlementTable {
	table := ledger.SettlementTable{
		model.TransactionTradeBuy:             MarketAggregatesHook,
		model.TransactionTradeSell:            MarketAggregatesHook,
		model.TransactionTradeWin:             MarketAggregatesHook,
		model.TransactionTradeLoss:            MarketAggregatesHook,
		model.TransactionLiquidityInitialize:  MarketAggregatesHook,
		model.TransactionLiquidityDeposit:     MarketAggregatesHook,
		model.TransactionLiquidityWithdrawal:  MarketAggregatesHook,
		model.TransactionLiquidityReturned:    MarketAggregatesHook,
		model.TransactionLiquidityVolumeBonus: MarketAggregatesHook,
		model.TransactionCreatorTraderBonus:   ledger.NoopHook,
		model.TransactionDailyTradeBonus:      ledger.NoopHook,
		model.TransactionDailyMarketBonus:     ledger.NoopHook,
		model.TransactionDailyCommentBonus:    ledger.NoopHook,
		model.TransactionDailyLiquidityBonus:  ledger.NoopHook,
	}
	return table
}
