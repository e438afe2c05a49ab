package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// InTx snapshots the whole state under the write lock and restores it if fn
// fails, which makes every scope serializable by construction.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	accounts     map[string]*model.Account
	markets      map[string]*model.Market
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			accounts: make(map[string]*model.Account),
			markets:  make(map[string]*model.Market),
		},
	}
}

func (s *memState) clone() *memState {
	next := &memState{
		accounts:     make(map[string]*model.Account, len(s.accounts)),
		markets:      make(map[string]*model.Market, len(s.markets)),
		transactions: make([]model.Transaction, len(s.transactions)),
	}
	for id, a := range s.accounts {
		copied := *a
		next.accounts[id] = &copied
	}
	for id, m := range s.markets {
		copied := *m
		copied.Options = append([]model.MarketOption(nil), m.Options...)
		next.markets[id] = &copied
	}
	copy(next.transactions, s.transactions)
	return next
}

func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&txView{state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// LockAccounts is a no-op: the store-wide mutex already serializes scopes.
func (s *MemoryStore) LockAccounts(context.Context, []string) error { return nil }

func (s *MemoryStore) CreateAccount(ctx context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{state: s.state}).CreateAccount(ctx, a)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).GetAccount(ctx, id)
}

func (s *MemoryStore) GetHouseAccount(ctx context.Context) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).GetHouseAccount(ctx)
}

func (s *MemoryStore) GetMarketAccount(ctx context.Context, marketID string, typ model.AccountType) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).GetMarketAccount(ctx, marketID, typ)
}

func (s *MemoryStore) CreateMarket(ctx context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{state: s.state}).CreateMarket(ctx, m)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).GetMarket(ctx, id)
}

func (s *MemoryStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).ListMarkets(ctx)
}

func (s *MemoryStore) ResolveMarket(ctx context.Context, id, optionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{state: s.state}).ResolveMarket(ctx, id, optionID)
}

func (s *MemoryStore) IncrementUniquePromoters(ctx context.Context, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{state: s.state}).IncrementUniquePromoters(ctx, marketID)
}

func (s *MemoryStore) UpdateMarketOptionState(ctx context.Context, marketID, optionID string, poolShares, probability decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{state: s.state}).UpdateMarketOptionState(ctx, marketID, optionID, poolShares, probability)
}

func (s *MemoryStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txView{state: s.state}).InsertTransaction(ctx, txn)
}

func (s *MemoryStore) ListMarketTransactions(ctx context.Context, marketID string, types ...model.TransactionType) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).ListMarketTransactions(ctx, marketID, types...)
}

func (s *MemoryStore) HasLiquidityTransaction(ctx context.Context, marketID, initiatorID, excludeTxID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).HasLiquidityTransaction(ctx, marketID, initiatorID, excludeTxID)
}

func (s *MemoryStore) SumEntries(ctx context.Context, accountID string, asset model.Asset) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).SumEntries(ctx, accountID, asset)
}

func (s *MemoryStore) AccountBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).AccountBalances(ctx, accountID, marketID)
}

func (s *MemoryStore) AssetHolders(ctx context.Context, asset model.Asset) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).AssetHolders(ctx, asset)
}

func (s *MemoryStore) AccountMarketExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&txView{state: s.state}).AccountMarketExposures(ctx, accountID)
}

// txView operates on memState without locking; it is only ever reached while
// the MemoryStore mutex is held.
type txView struct {
	state *memState
}

// InTx joins the enclosing scope: the snapshot at the outermost level covers
// nested failures.
func (v *txView) InTx(_ context.Context, fn func(Store) error) error { return fn(v) }

func (v *txView) LockAccounts(context.Context, []string) error { return nil }

func (v *txView) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := v.state.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	copied := *a
	v.state.accounts[a.ID] = &copied
	return nil
}

func (v *txView) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := v.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copied := *a
	return &copied, nil
}

func (v *txView) GetHouseAccount(_ context.Context) (*model.Account, error) {
	for _, a := range v.state.accounts {
		if a.Type == model.AccountTypeHouse {
			copied := *a
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("house account: %w", ErrNotFound)
}

func (v *txView) GetMarketAccount(_ context.Context, marketID string, typ model.AccountType) (*model.Account, error) {
	for _, a := range v.state.accounts {
		if a.MarketID == marketID && a.Type == typ {
			copied := *a
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("market %s account %s: %w", marketID, typ, ErrNotFound)
}

func (v *txView) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := v.state.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	copied := *m
	copied.Options = append([]model.MarketOption(nil), m.Options...)
	v.state.markets[m.ID] = &copied
	return nil
}

func (v *txView) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := v.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copied := *m
	copied.Options = append([]model.MarketOption(nil), m.Options...)
	return &copied, nil
}

func (v *txView) ListMarkets(_ context.Context) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(v.state.markets))
	for _, m := range v.state.markets {
		copied := *m
		copied.Options = append([]model.MarketOption(nil), m.Options...)
		markets = append(markets, copied)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (v *txView) ResolveMarket(_ context.Context, id, optionID string) error {
	m, ok := v.state.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = model.MarketStatusResolved
	m.ResolvedOptionID = optionID
	return nil
}

func (v *txView) IncrementUniquePromoters(_ context.Context, marketID string) error {
	m, ok := v.state.markets[marketID]
	if !ok {
		return fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	m.UniquePromoterCount++
	return nil
}

func (v *txView) UpdateMarketOptionState(_ context.Context, marketID, optionID string, poolShares, probability decimal.Decimal) error {
	m, ok := v.state.markets[marketID]
	if !ok {
		return fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	for i := range m.Options {
		if m.Options[i].ID == optionID {
			m.Options[i].PoolShares = poolShares
			m.Options[i].Probability = probability
			return nil
		}
	}
	return fmt.Errorf("option %s: %w", optionID, ErrNotFound)
}

func (v *txView) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	copied := *txn
	copied.Entries = append([]model.Entry(nil), txn.Entries...)
	v.state.transactions = append(v.state.transactions, copied)
	return nil
}

func (v *txView) ListMarketTransactions(_ context.Context, marketID string, types ...model.TransactionType) ([]model.Transaction, error) {
	wanted := make(map[model.TransactionType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var result []model.Transaction
	for _, txn := range v.state.transactions {
		if txn.MarketID != marketID {
			continue
		}
		if len(types) > 0 && !wanted[txn.Type] {
			continue
		}
		copied := txn
		copied.Entries = append([]model.Entry(nil), txn.Entries...)
		result = append(result, copied)
	}
	return result, nil
}

func (v *txView) HasLiquidityTransaction(_ context.Context, marketID, initiatorID, excludeTxID string) (bool, error) {
	for _, txn := range v.state.transactions {
		if txn.ID == excludeTxID || txn.MarketID != marketID || txn.InitiatorID != initiatorID {
			continue
		}
		if txn.Type == model.TransactionLiquidityDeposit || txn.Type == model.TransactionLiquidityInitialize {
			return true, nil
		}
	}
	return false, nil
}

func (v *txView) SumEntries(_ context.Context, accountID string, asset model.Asset) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, txn := range v.state.transactions {
		for _, e := range txn.Entries {
			if e.AssetType != asset.Type || e.AssetID != asset.ID {
				continue
			}
			if e.ToAccountID == accountID {
				total = total.Add(e.Amount)
			}
			if e.FromAccountID == accountID {
				total = total.Sub(e.Amount)
			}
		}
	}
	return total, nil
}

func (v *txView) AccountBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error) {
	sums := make(map[model.Asset]decimal.Decimal)
	for _, txn := range v.state.transactions {
		for _, e := range txn.Entries {
			asset := model.Asset{Type: e.AssetType, ID: e.AssetID}
			if e.ToAccountID == accountID {
				sums[asset] = sums[asset].Add(e.Amount)
			}
			if e.FromAccountID == accountID {
				sums[asset] = sums[asset].Sub(e.Amount)
			}
		}
	}

	currency := model.CurrencyAsset()
	balances := []model.Balance{{
		AccountID: accountID,
		AssetType: currency.Type,
		AssetID:   currency.ID,
		Total:     sums[currency],
	}}

	if marketID != "" {
		m, ok := v.state.markets[marketID]
		if !ok {
			return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
		}
		for _, o := range m.Options {
			balances = append(balances, model.Balance{
				AccountID: accountID,
				AssetType: model.AssetTypeMarketOption,
				AssetID:   o.ID,
				Total:     sums[model.OptionAsset(o.ID)],
			})
		}
		return balances, nil
	}

	var optionIDs []string
	for asset := range sums {
		if asset.Type == model.AssetTypeMarketOption {
			optionIDs = append(optionIDs, asset.ID)
		}
	}
	sort.Strings(optionIDs)
	for _, id := range optionIDs {
		balances = append(balances, model.Balance{
			AccountID: accountID,
			AssetType: model.AssetTypeMarketOption,
			AssetID:   id,
			Total:     sums[model.OptionAsset(id)],
		})
	}
	return balances, nil
}

func (v *txView) AssetHolders(_ context.Context, asset model.Asset) (map[string]decimal.Decimal, error) {
	sums := make(map[string]decimal.Decimal)
	for _, txn := range v.state.transactions {
		for _, e := range txn.Entries {
			if e.AssetType != asset.Type || e.AssetID != asset.ID {
				continue
			}
			sums[e.ToAccountID] = sums[e.ToAccountID].Add(e.Amount)
			sums[e.FromAccountID] = sums[e.FromAccountID].Sub(e.Amount)
		}
	}

	holders := make(map[string]decimal.Decimal)
	for id, total := range sums {
		if total.IsPositive() {
			holders[id] = total
		}
	}
	return holders, nil
}

func (v *txView) AccountMarketExposures(_ context.Context, accountID string) (map[string]decimal.Decimal, error) {
	optionMarket := make(map[string]string)
	for _, m := range v.state.markets {
		for _, o := range m.Options {
			optionMarket[o.ID] = m.ID
		}
	}

	exposures := make(map[string]decimal.Decimal)
	for _, txn := range v.state.transactions {
		for _, e := range txn.Entries {
			if e.AssetType != model.AssetTypeMarketOption {
				continue
			}
			marketID, ok := optionMarket[e.AssetID]
			if !ok {
				continue
			}
			if e.ToAccountID == accountID {
				exposures[marketID] = exposures[marketID].Add(e.Amount)
			}
			if e.FromAccountID == accountID {
				exposures[marketID] = exposures[marketID].Sub(e.Amount)
			}
		}
	}
	return exposures, nil
}
