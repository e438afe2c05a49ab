// Package liquidity tracks per-market liquidity providers and moves currency
// in and out of the AMM pools: deposits, the initial subsidy, and the
// excess-reserve distribution at resolution.
package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/amm"
	"github.com/playpredict/market-engine/internal/ledger"
	"github.com/playpredict/market-engine/internal/model"
	"github.com/playpredict/market-engine/internal/store"
)

// Service owns the liquidity flows of a market. All multi-step flows run
// inside a single store transaction scope.
type Service struct {
	st   store.Store
	exec *ledger.Executor
	log  *slog.Logger
}

// NewService creates a liquidity service.
func NewService(st store.Store, exec *ledger.Executor, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{st: st, exec: exec, log: log}
}

// MarketLiquidity is the provider ledger of one market: cumulative net
// currency contributed per provider account, and the market total. Derived
// entirely from committed liquidity transactions.
type MarketLiquidity struct {
	Total     decimal.Decimal            `json:"total"`
	Providers map[string]decimal.Decimal `json:"providers"`
}

// GetMarketLiquidity derives the provider ledger from the market's committed
// liquidity transactions. Deposits add to a provider's contribution,
// withdrawals subtract.
func (s *Service) GetMarketLiquidity(ctx context.Context, marketID string) (*MarketLiquidity, error) {
	return getMarketLiquidity(ctx, s.st, marketID)
}

func getMarketLiquidity(ctx context.Context, st store.Store, marketID string) (*MarketLiquidity, error) {
	clearing, err := st.GetMarketAccount(ctx, marketID, model.AccountTypeMarketClearing)
	if err != nil {
		return nil, fmt.Errorf("market %s clearing account: %w", marketID, err)
	}

	txns, err := st.ListMarketTransactions(ctx, marketID,
		model.TransactionLiquidityInitialize,
		model.TransactionLiquidityDeposit,
		model.TransactionLiquidityWithdrawal)
	if err != nil {
		return nil, fmt.Errorf("list liquidity transactions: %w", err)
	}

	liquidity := &MarketLiquidity{Providers: make(map[string]decimal.Decimal)}
	for _, txn := range txns {
		for _, e := range txn.Entries {
			if e.AssetType != model.AssetTypeCurrency {
				continue
			}
			switch {
			case e.ToAccountID == clearing.ID:
				liquidity.Providers[e.FromAccountID] = liquidity.Providers[e.FromAccountID].Add(e.Amount)
				liquidity.Total = liquidity.Total.Add(e.Amount)
			case e.FromAccountID == clearing.ID:
				liquidity.Providers[e.ToAccountID] = liquidity.Providers[e.ToAccountID].Sub(e.Amount)
				liquidity.Total = liquidity.Total.Sub(e.Amount)
			}
		}
	}
	return liquidity, nil
}

// AddLiquidity contributes currency from accountID into marketID's pools.
// The contribution is split across the pools by the AMM weights, the
// provider's currency moves to the clearing account, and the clearing
// account mints the corresponding pool shares. A provider's first
// contribution increments the market's unique-promoter counter.
func (s *Service) AddLiquidity(ctx context.Context, marketID, accountID string, amount decimal.Decimal) (*model.Transaction, error) {
	var txn *model.Transaction
	err := s.st.InTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Status == model.MarketStatusResolved {
			return fmt.Errorf("market %s: %w", marketID, ledger.ErrMarketClosed)
		}

		txn, err = s.depositTx(ctx, st, market, accountID, amount, model.TransactionLiquidityDeposit)
		if err != nil {
			return err
		}
		if err := s.exec.WithStore(st).Execute(ctx, txn); err != nil {
			return err
		}

		prior, err := st.HasLiquidityTransaction(ctx, marketID, accountID, txn.ID)
		if err != nil {
			return fmt.Errorf("check prior liquidity: %w", err)
		}
		if !prior {
			if err := st.IncrementUniquePromoters(ctx, marketID); err != nil {
				return fmt.Errorf("increment promoters: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("liquidity added",
		"market_id", marketID,
		"account_id", accountID,
		"amount", amount.String())
	return txn, nil
}

// InitializeMarket seeds a newly created market's pools with the house
// subsidy. Runs inside the caller's transaction scope so market creation is
// atomic.
func (s *Service) InitializeMarket(ctx context.Context, st store.Store, market *model.Market, amount decimal.Decimal) (*model.Transaction, error) {
	house, err := st.GetHouseAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("house account: %w", err)
	}

	txn, err := s.depositTx(ctx, st, market, house.ID, amount, model.TransactionLiquidityInitialize)
	if err != nil {
		return nil, err
	}
	if err := s.exec.WithStore(st).Execute(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// AddVolumeBonus deposits house-funded liquidity into a market's pools,
// rewarding trade volume. Runs inside the caller's transaction scope,
// typically right after the qualifying trade commits.
func (s *Service) AddVolumeBonus(ctx context.Context, st store.Store, market *model.Market, amount decimal.Decimal) (*model.Transaction, error) {
	house, err := st.GetHouseAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("house account: %w", err)
	}

	txn, err := s.depositTx(ctx, st, market, house.ID, amount, model.TransactionLiquidityVolumeBonus)
	if err != nil {
		return nil, err
	}
	if err := s.exec.WithStore(st).Execute(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// depositTx builds a liquidity transaction: currency provider -> clearing,
// plus clearing -> AMM mints per option, split by the AMM weights.
func (s *Service) depositTx(ctx context.Context, st store.Store, market *model.Market, accountID string, amount decimal.Decimal, typ model.TransactionType) (*model.Transaction, error) {
	ammAcct, err := st.GetMarketAccount(ctx, market.ID, model.AccountTypeMarketAMM)
	if err != nil {
		return nil, fmt.Errorf("market %s amm account: %w", market.ID, err)
	}
	clearing, err := st.GetMarketAccount(ctx, market.ID, model.AccountTypeMarketClearing)
	if err != nil {
		return nil, fmt.Errorf("market %s clearing account: %w", market.ID, err)
	}

	options := make([]amm.LiquidityOption, len(market.Options))
	for i, o := range market.Options {
		options[i] = amm.LiquidityOption{
			Shares:               o.PoolShares,
			LiquidityProbability: o.LiquidityProbability,
		}
	}
	contributions, err := amm.AddLiquidity(amount, options)
	if err != nil {
		return nil, err
	}

	entries := []model.Entry{{
		Amount:        amount,
		AssetType:     model.AssetTypeCurrency,
		AssetID:       model.AssetIDPrimary,
		FromAccountID: accountID,
		ToAccountID:   clearing.ID,
	}}
	for i, c := range contributions {
		entries = append(entries, model.Entry{
			Amount:        c,
			AssetType:     model.AssetTypeMarketOption,
			AssetID:       market.Options[i].ID,
			FromAccountID: clearing.ID,
			ToAccountID:   ammAcct.ID,
		})
	}

	return &model.Transaction{
		Type:        typ,
		InitiatorID: accountID,
		MarketID:    market.ID,
		Entries:     entries,
	}, nil
}

// CreateMarketExcessLiquidityTransactions distributes the unused liquidity
// left in the AMM pools back to the providers. Reserves held identically
// across every outcome are excess: amountToDistribute = min(reserve_i), and
// each provider receives its contribution-weighted slice rounded to the
// ledger scale, as one LIQUIDITY_RETURNED transaction per provider.
// Zero payouts are skipped; rounding dust stays in the pools.
func (s *Service) CreateMarketExcessLiquidityTransactions(ctx context.Context, st store.Store, marketID string) ([]*model.Transaction, error) {
	market, err := st.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	ammAcct, err := st.GetMarketAccount(ctx, marketID, model.AccountTypeMarketAMM)
	if err != nil {
		return nil, fmt.Errorf("market %s amm account: %w", marketID, err)
	}
	clearing, err := st.GetMarketAccount(ctx, marketID, model.AccountTypeMarketClearing)
	if err != nil {
		return nil, fmt.Errorf("market %s clearing account: %w", marketID, err)
	}

	balances, err := st.AccountBalances(ctx, ammAcct.ID, marketID)
	if err != nil {
		return nil, fmt.Errorf("amm balances: %w", err)
	}
	var reserves []model.Balance
	for _, b := range balances {
		if b.AssetType == model.AssetTypeMarketOption {
			reserves = append(reserves, b)
		}
	}
	if len(reserves) == 0 {
		return nil, nil
	}

	amountToDistribute := reserves[0].Total
	for _, r := range reserves[1:] {
		amountToDistribute = decimal.Min(amountToDistribute, r.Total)
	}
	if !amountToDistribute.IsPositive() {
		return nil, nil
	}

	liquidity, err := getMarketLiquidity(ctx, st, marketID)
	if err != nil {
		return nil, err
	}
	if !liquidity.Total.IsPositive() {
		return nil, nil
	}

	var txns []*model.Transaction
	for _, providerID := range sortedKeys(liquidity.Providers) {
		provided := liquidity.Providers[providerID]
		if !provided.IsPositive() {
			continue
		}
		// Round down so the summed payouts never exceed the distributable
		// amount; the remainder stays in the pools as dust.
		payout := amountToDistribute.Mul(provided).Div(liquidity.Total).RoundDown(ledger.AmountScale)
		if payout.IsZero() {
			continue
		}

		entries := make([]model.Entry, 0, len(reserves)+1)
		for _, r := range reserves {
			entries = append(entries, model.Entry{
				Amount:        payout,
				AssetType:     model.AssetTypeMarketOption,
				AssetID:       r.AssetID,
				FromAccountID: ammAcct.ID,
				ToAccountID:   clearing.ID,
			})
		}
		entries = append(entries, model.Entry{
			Amount:        payout,
			AssetType:     model.AssetTypeCurrency,
			AssetID:       model.AssetIDPrimary,
			FromAccountID: clearing.ID,
			ToAccountID:   providerID,
		})

		txn := &model.Transaction{
			Type:        model.TransactionLiquidityReturned,
			InitiatorID: providerID,
			MarketID:    market.ID,
			Entries:     entries,
		}
		if err := s.exec.WithStore(st).Execute(ctx, txn); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic payout order keeps the transaction log reproducible.
	sort.Strings(keys)
	return keys
}
