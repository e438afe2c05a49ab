// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface consumed by the ledger executor and the
// liquidity/service layers. Balances are never stored: they are derived by
// summing committed entries, so reads reflect only committed transactions.
type Store interface {
	// InTx runs fn inside a single atomic scope: every write made through
	// the Store passed to fn commits together or not at all. Nested calls
	// join the enclosing scope.
	InTx(ctx context.Context, fn func(Store) error) error

	// LockAccounts serializes concurrent transactions touching the same
	// accounts. Callers must pass a sorted id list; only meaningful inside
	// an InTx scope.
	LockAccounts(ctx context.Context, ids []string) error

	// --- Accounts ---

	// CreateAccount persists a new account. Accounts are never deleted.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetHouseAccount retrieves the system house account.
	GetHouseAccount(ctx context.Context) (*model.Account, error)

	// GetMarketAccount retrieves a market's AMM or clearing account.
	GetMarketAccount(ctx context.Context, marketID string, typ model.AccountType) (*model.Account, error)

	// --- Markets ---

	// CreateMarket persists a market together with its options.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market with its options in creation order.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ResolveMarket marks a market resolved to the given option.
	ResolveMarket(ctx context.Context, id, optionID string) error

	// IncrementUniquePromoters bumps the unique liquidity-provider counter.
	IncrementUniquePromoters(ctx context.Context, marketID string) error

	// UpdateMarketOptionState writes the cached pool/probability aggregates
	// for one option. Pool state itself is only ever mutated through
	// committed transactions; this caches the derived view.
	UpdateMarketOptionState(ctx context.Context, marketID, optionID string, poolShares, probability decimal.Decimal) error

	// --- Immutable ledger ---

	// InsertTransaction appends an immutable transaction and its entries.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error

	// ListMarketTransactions returns a market's transactions, optionally
	// filtered by type, oldest first.
	ListMarketTransactions(ctx context.Context, marketID string, types ...model.TransactionType) ([]model.Transaction, error)

	// HasLiquidityTransaction reports whether the initiator has a committed
	// LIQUIDITY_DEPOSIT or LIQUIDITY_INITIALIZE transaction in the market,
	// excluding the given transaction ID.
	HasLiquidityTransaction(ctx context.Context, marketID, initiatorID, excludeTxID string) (bool, error)

	// --- Derived balances ---

	// SumEntries returns the signed sum of committed entries for an
	// (account, asset) pair.
	SumEntries(ctx context.Context, accountID string, asset model.Asset) (decimal.Decimal, error)

	// AccountBalances returns an account's balances. With a non-empty
	// marketID the result is the currency balance followed by one balance
	// per market option in option order (zeros included), which for an AMM
	// account is the market's reserve vector.
	AccountBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error)

	// AssetHolders returns every account holding a positive balance of the
	// asset, mapped to the amount held.
	AssetHolders(ctx context.Context, asset model.Asset) (map[string]decimal.Decimal, error)

	// AccountMarketExposures returns the account's total outcome-share
	// holdings per market.
	AccountMarketExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error)
}
