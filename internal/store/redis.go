package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Balances are derived from the entry ledger, so any committed transaction
// invalidates the balance keys of every account it touched.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// InTx runs fn against the primary store's transaction scope. Writes made
// inside the scope are recorded and their cache keys dropped only after the
// transaction commits, so readers never see uncommitted state.
func (s *CachedStore) InTx(ctx context.Context, fn func(Store) error) error {
	rec := &recordingStore{
		markets:  make(map[string]struct{}),
		accounts: make(map[string]struct{}),
	}

	err := s.primary.InTx(ctx, func(txStore Store) error {
		rec.Store = txStore
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rec.markets)+len(rec.accounts))
	for id := range rec.markets {
		keys = append(keys, marketKey(id))
	}
	for id := range rec.accounts {
		keys = append(keys, balancesKey(id))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) LockAccounts(ctx context.Context, ids []string) error {
	return s.primary.LockAccounts(ctx, ids)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, id, optionID string) error {
	if err := s.primary.ResolveMarket(ctx, id, optionID); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) IncrementUniquePromoters(ctx context.Context, marketID string) error {
	if err := s.primary.IncrementUniquePromoters(ctx, marketID); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) UpdateMarketOptionState(ctx context.Context, marketID, optionID string, poolShares, probability decimal.Decimal) error {
	if err := s.primary.UpdateMarketOptionState(ctx, marketID, optionID, poolShares, probability); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	if err := s.primary.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	// Invalidate derived balances for every account the entries touched.
	keys := make([]string, 0, len(txn.Entries)*2)
	for _, e := range txn.Entries {
		keys = append(keys, balancesKey(e.FromAccountID), balancesKey(e.ToAccountID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) AccountBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error) {
	// Market-scoped balance vectors feed pricing; only the general view is
	// cached.
	if marketID != "" {
		return s.primary.AccountBalances(ctx, accountID, marketID)
	}

	data, err := s.rdb.Get(ctx, balancesKey(accountID)).Bytes()
	if err == nil {
		var balances []model.Balance
		if json.Unmarshal(data, &balances) == nil {
			return balances, nil
		}
	}

	// Cache miss.
	balances, err := s.primary.AccountBalances(ctx, accountID, "")
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(balances); err == nil {
		s.rdb.Set(ctx, balancesKey(accountID), data, s.ttl)
	}
	return balances, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetHouseAccount(ctx context.Context) (*model.Account, error) {
	return s.primary.GetHouseAccount(ctx)
}

func (s *CachedStore) GetMarketAccount(ctx context.Context, marketID string, typ model.AccountType) (*model.Account, error) {
	return s.primary.GetMarketAccount(ctx, marketID, typ)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListMarketTransactions(ctx context.Context, marketID string, types ...model.TransactionType) ([]model.Transaction, error) {
	return s.primary.ListMarketTransactions(ctx, marketID, types...)
}

func (s *CachedStore) HasLiquidityTransaction(ctx context.Context, marketID, initiatorID, excludeTxID string) (bool, error) {
	return s.primary.HasLiquidityTransaction(ctx, marketID, initiatorID, excludeTxID)
}

func (s *CachedStore) SumEntries(ctx context.Context, accountID string, asset model.Asset) (decimal.Decimal, error) {
	return s.primary.SumEntries(ctx, accountID, asset)
}

func (s *CachedStore) AssetHolders(ctx context.Context, asset model.Asset) (map[string]decimal.Decimal, error) {
	return s.primary.AssetHolders(ctx, asset)
}

func (s *CachedStore) AccountMarketExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error) {
	return s.primary.AccountMarketExposures(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func balancesKey(id string) string { return fmt.Sprintf("balances:%s", id) }

// recordingStore wraps the in-transaction store and records which markets
// and accounts the transaction mutated, so their cache keys can be dropped
// after commit.
type recordingStore struct {
	Store

	markets  map[string]struct{}
	accounts map[string]struct{}
}

func (r *recordingStore) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(r)
}

func (r *recordingStore) CreateMarket(ctx context.Context, m *model.Market) error {
	r.markets[m.ID] = struct{}{}
	return r.Store.CreateMarket(ctx, m)
}

func (r *recordingStore) ResolveMarket(ctx context.Context, id, optionID string) error {
	r.markets[id] = struct{}{}
	return r.Store.ResolveMarket(ctx, id, optionID)
}

func (r *recordingStore) IncrementUniquePromoters(ctx context.Context, marketID string) error {
	r.markets[marketID] = struct{}{}
	return r.Store.IncrementUniquePromoters(ctx, marketID)
}

func (r *recordingStore) UpdateMarketOptionState(ctx context.Context, marketID, optionID string, poolShares, probability decimal.Decimal) error {
	r.markets[marketID] = struct{}{}
	return r.Store.UpdateMarketOptionState(ctx, marketID, optionID, poolShares, probability)
}

func (r *recordingStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	for _, e := range txn.Entries {
		r.accounts[e.FromAccountID] = struct{}{}
		r.accounts[e.ToAccountID] = struct{}{}
	}
	return r.Store.InsertTransaction(ctx, txn)
}
