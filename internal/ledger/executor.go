// Package ledger executes double-entry transactions atomically against a
// store, enforcing balance invariants and running per-type settlement hooks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/metrics"
	"github.com/playpredict/market-engine/internal/model"
	"github.com/playpredict/market-engine/internal/store"
)

var (
	// ErrInvalidEntry is returned when a transaction's entries are malformed:
	// no entries, a non-positive amount, or a self-transfer.
	ErrInvalidEntry = errors.New("ledger: invalid entry")

	// ErrInsufficientBalance is returned when committing the transaction would
	// drive a non-exempt account balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrMarketClosed is returned by services when a trade or liquidity
	// operation targets a resolved market.
	ErrMarketClosed = errors.New("ledger: market closed")

	// ErrTransactionFailed wraps storage-level failures during execution.
	ErrTransactionFailed = errors.New("ledger: transaction failed")
)

// AmountScale is the decimal precision of entry amounts. Amounts are rounded
// to this scale before validation, so sub-scale dust can never enter the
// ledger.
const AmountScale = 4

// SettlementHook runs inside the transaction scope after the entries have
// been recorded. Returning an error vetoes the whole transaction.
type SettlementHook interface {
	Settle(ctx context.Context, st store.Store, txn *model.Transaction) error
}

// SettlementHookFunc adapts a function to the SettlementHook interface.
type SettlementHookFunc func(ctx context.Context, st store.Store, txn *model.Transaction) error

func (f SettlementHookFunc) Settle(ctx context.Context, st store.Store, txn *model.Transaction) error {
	return f(ctx, st, txn)
}

// SettlementTable maps each transaction type to its settlement hook. Every
// type the engine commits must have a row; a missing row fails execution
// rather than silently skipping settlement.
type SettlementTable map[model.TransactionType]SettlementHook

// Executor validates and commits transactions. All entries of a transaction
// commit atomically or not at all.
type Executor struct {
	st    store.Store
	hooks SettlementTable
	log   *slog.Logger
}

// NewExecutor creates an executor over st with the given settlement table.
func NewExecutor(st store.Store, hooks SettlementTable, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{st: st, hooks: hooks, log: log}
}

// WithStore returns a copy of the executor bound to st. Services use this to
// execute follow-up transactions inside an enclosing InTx scope.
func (e *Executor) WithStore(st store.Store) *Executor {
	return &Executor{st: st, hooks: e.hooks, log: e.log}
}

// Execute atomically commits txn: it locks the touched accounts, verifies
// they exist, checks that no non-exempt balance goes negative, records the
// transaction and runs the settlement hook for its type.
//
// Issuer accounts may run negative in the asset they issue: the market
// clearing account for its MARKET_OPTION shares (the deficit is the count of
// outstanding shares) and the house account for CURRENCY (the deficit is the
// currency in circulation). Every other account, the AMM included, must stay
// at or above zero for every asset.
func (e *Executor) Execute(ctx context.Context, txn *model.Transaction) error {
	if err := e.prepare(txn); err != nil {
		return err
	}

	err := e.st.InTx(ctx, func(st store.Store) error {
		accounts, err := lockAndFetch(ctx, st, txn)
		if err != nil {
			return err
		}

		if err := checkBalances(ctx, st, txn, accounts); err != nil {
			return err
		}

		if err := st.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("%w: insert: %v", ErrTransactionFailed, err)
		}

		hook, ok := e.hooks[txn.Type]
		if !ok {
			return fmt.Errorf("%w: no settlement hook for %s", ErrTransactionFailed, txn.Type)
		}
		if err := hook.Settle(ctx, st, txn); err != nil {
			return fmt.Errorf("settle %s: %w", txn.Type, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TransactionsTotal.WithLabelValues(string(txn.Type)).Inc()
	e.log.Info("transaction committed",
		"tx_id", txn.ID,
		"type", txn.Type,
		"market_id", txn.MarketID,
		"entries", len(txn.Entries))
	return nil
}

// prepare validates the entries, rounds amounts to AmountScale and fills in
// missing identifiers and timestamps.
func (e *Executor) prepare(txn *model.Transaction) error {
	if len(txn.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidEntry)
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	for i := range txn.Entries {
		en := &txn.Entries[i]
		en.Amount = en.Amount.Round(AmountScale)
		if !en.Amount.IsPositive() {
			return fmt.Errorf("%w: entry %d amount %s not positive", ErrInvalidEntry, i, en.Amount)
		}
		if en.FromAccountID == "" || en.ToAccountID == "" {
			return fmt.Errorf("%w: entry %d missing account", ErrInvalidEntry, i)
		}
		if en.FromAccountID == en.ToAccountID {
			return fmt.Errorf("%w: entry %d transfers to itself", ErrInvalidEntry, i)
		}
		if en.AssetType != model.AssetTypeCurrency && en.AssetType != model.AssetTypeMarketOption {
			return fmt.Errorf("%w: entry %d unknown asset type %s", ErrInvalidEntry, i, en.AssetType)
		}
		if en.ID == "" {
			en.ID = uuid.NewString()
		}
		en.TransactionID = txn.ID
		if en.CreatedAt.IsZero() {
			en.CreatedAt = txn.CreatedAt
		}
	}
	return nil
}

// lockAndFetch locks every account the transaction touches in sorted order
// and returns them keyed by ID. A missing account fails the transaction.
func lockAndFetch(ctx context.Context, st store.Store, txn *model.Transaction) (map[string]*model.Account, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, en := range txn.Entries {
		for _, id := range []string{en.FromAccountID, en.ToAccountID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	// Consistent lock order across concurrent transactions avoids deadlocks.
	sort.Strings(ids)

	if err := st.LockAccounts(ctx, ids); err != nil {
		return nil, fmt.Errorf("%w: lock accounts: %v", ErrTransactionFailed, err)
	}

	accounts := make(map[string]*model.Account, len(ids))
	for _, id := range ids {
		a, err := st.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: account %s not found", ErrInvalidEntry, id)
			}
			return nil, fmt.Errorf("%w: get account %s: %v", ErrTransactionFailed, id, err)
		}
		accounts[id] = a
	}
	return accounts, nil
}

// checkBalances verifies that for every (account, asset) with a net outflow,
// the resulting balance stays non-negative. Issuer accounts are exempt for
// the asset they issue: clearing for MARKET_OPTION, house for CURRENCY.
func checkBalances(ctx context.Context, st store.Store, txn *model.Transaction, accounts map[string]*model.Account) error {
	type key struct {
		accountID string
		asset     model.Asset
	}
	deltas := make(map[key]decimal.Decimal)
	for _, en := range txn.Entries {
		asset := model.Asset{Type: en.AssetType, ID: en.AssetID}
		from := key{en.FromAccountID, asset}
		to := key{en.ToAccountID, asset}
		deltas[from] = deltas[from].Sub(en.Amount)
		deltas[to] = deltas[to].Add(en.Amount)
	}

	for k, delta := range deltas {
		if !delta.IsNegative() {
			continue
		}
		a := accounts[k.accountID]
		if a.Type == model.AccountTypeMarketClearing && k.asset.Type == model.AssetTypeMarketOption {
			continue
		}
		if a.Type == model.AccountTypeHouse && k.asset.Type == model.AssetTypeCurrency {
			continue
		}
		current, err := st.SumEntries(ctx, k.accountID, k.asset)
		if err != nil {
			return fmt.Errorf("%w: sum entries: %v", ErrTransactionFailed, err)
		}
		if current.Add(delta).IsNegative() {
			return fmt.Errorf("%w: account %s has %s %s/%s, needs %s",
				ErrInsufficientBalance, k.accountID, current, k.asset.Type, k.asset.ID, delta.Neg())
		}
	}
	return nil
}

// GetBalance returns the committed balance of one (account, asset) pair.
func (e *Executor) GetBalance(ctx context.Context, accountID string, asset model.Asset) (decimal.Decimal, error) {
	return e.st.SumEntries(ctx, accountID, asset)
}

// GetBalances returns an account's currency balance plus every option share
// balance it has touched. With a marketID, the option balances cover that
// market's options in order, zeros included.
func (e *Executor) GetBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error) {
	return e.st.AccountBalances(ctx, accountID, marketID)
}
