// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType identifies the role of an account within the ledger.
type AccountType string

const (
	// AccountTypeUser is a regular user account holding currency and shares.
	AccountTypeUser AccountType = "USER"

	// AccountTypeMarketAMM holds a market's outcome-share reserves (the pools).
	AccountTypeMarketAMM AccountType = "MARKET_AMM"

	// AccountTypeMarketClearing is the settlement intermediary for a market.
	// Outcome shares enter existence here (mint) and are retired here (burn);
	// it holds the currency backing every outstanding full set of shares.
	AccountTypeMarketClearing AccountType = "MARKET_CLEARING"

	// AccountTypeHouse is the system sink/source for fees and bonuses.
	AccountTypeHouse AccountType = "HOUSE"
)

// Account is an owner of balances. Accounts are created once (market creation
// creates the AMM and clearing accounts, signup creates a user account) and
// never deleted.
type Account struct {
	ID        string      `json:"id" db:"id"`
	Type      AccountType `json:"type" db:"type"`
	UserID    string      `json:"user_id,omitempty" db:"user_id"`
	MarketID  string      `json:"market_id,omitempty" db:"market_id"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// AssetType distinguishes the base currency from per-market outcome shares.
type AssetType string

const (
	// AssetTypeCurrency is the single base currency.
	AssetTypeCurrency AssetType = "CURRENCY"

	// AssetTypeMarketOption is an outcome share; AssetID is the option ID.
	AssetTypeMarketOption AssetType = "MARKET_OPTION"
)

// AssetIDPrimary is the AssetID of the base currency.
const AssetIDPrimary = "PRIMARY"

// Asset is a reference to a balance-bearing asset: the base currency
// ({CURRENCY, PRIMARY}) or a market outcome ({MARKET_OPTION, optionID}).
type Asset struct {
	Type AssetType `json:"asset_type"`
	ID   string    `json:"asset_id"`
}

// CurrencyAsset returns the base-currency asset reference.
func CurrencyAsset() Asset {
	return Asset{Type: AssetTypeCurrency, ID: AssetIDPrimary}
}

// OptionAsset returns the asset reference for a market option.
func OptionAsset(optionID string) Asset {
	return Asset{Type: AssetTypeMarketOption, ID: optionID}
}

// TransactionType tags a transaction with its settlement semantics. The set
// is closed: new tags must not silently repurpose an existing tag's meaning.
type TransactionType string

const (
	TransactionTradeBuy             TransactionType = "TRADE_BUY"
	TransactionTradeSell            TransactionType = "TRADE_SELL"
	TransactionTradeWin             TransactionType = "TRADE_WIN"
	TransactionTradeLoss            TransactionType = "TRADE_LOSS"
	TransactionLiquidityInitialize  TransactionType = "LIQUIDITY_INITIALIZE"
	TransactionLiquidityDeposit     TransactionType = "LIQUIDITY_DEPOSIT"
	TransactionLiquidityWithdrawal  TransactionType = "LIQUIDITY_WITHDRAWAL"
	TransactionLiquidityReturned    TransactionType = "LIQUIDITY_RETURNED"
	TransactionLiquidityVolumeBonus TransactionType = "LIQUIDITY_VOLUME_BONUS"
	TransactionCreatorTraderBonus   TransactionType = "CREATOR_TRADER_BONUS"
	TransactionDailyTradeBonus      TransactionType = "DAILY_TRADE_BONUS"
	TransactionDailyMarketBonus     TransactionType = "DAILY_MARKET_BONUS"
	TransactionDailyCommentBonus    TransactionType = "DAILY_COMMENT_BONUS"
	TransactionDailyLiquidityBonus  TransactionType = "DAILY_LIQUIDITY_BONUS"
)

// TransactionTypes returns every member of the closed enumeration. Used by
// the settlement table to verify exhaustive coverage.
func TransactionTypes() []TransactionType {
	return []TransactionType{
		TransactionTradeBuy,
		TransactionTradeSell,
		TransactionTradeWin,
		TransactionTradeLoss,
		TransactionLiquidityInitialize,
		TransactionLiquidityDeposit,
		TransactionLiquidityWithdrawal,
		TransactionLiquidityReturned,
		TransactionLiquidityVolumeBonus,
		TransactionCreatorTraderBonus,
		TransactionDailyTradeBonus,
		TransactionDailyMarketBonus,
		TransactionDailyCommentBonus,
		TransactionDailyLiquidityBonus,
	}
}

// Entry moves a non-negative amount of one asset from one account to another.
// Entries are immutable once their transaction commits.
type Entry struct {
	ID            string          `json:"id" db:"id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	AssetType     AssetType       `json:"asset_type" db:"asset_type"`
	AssetID       string          `json:"asset_id" db:"asset_id"`
	FromAccountID string          `json:"from_account_id" db:"from_account_id"`
	ToAccountID   string          `json:"to_account_id" db:"to_account_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Transaction is an immutable, append-only record of an atomic set of
// entries. It is never mutated or deleted after commit.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	Type        TransactionType `json:"type" db:"type"`
	InitiatorID string          `json:"initiator_id" db:"initiator_id"`
	MarketID    string          `json:"market_id,omitempty" db:"market_id"`
	Entries     []Entry         `json:"entries"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Balance is derived state: the signed sum of all committed entries touching
// an (account, asset) pair. Never stored directly.
type Balance struct {
	AccountID string          `json:"account_id"`
	AssetType AssetType       `json:"asset_type"`
	AssetID   string          `json:"asset_id"`
	Total     decimal.Decimal `json:"total"`
}

// Market statuses.
const (
	MarketStatusOpen     = "open"
	MarketStatusResolved = "resolved"
)

// MarketOption is one discrete outcome of a market. PoolShares and
// Probability are cached aggregates recomputed by the settlement hook after
// every committed transaction touching the market; the AMM account's entry
// sums remain the source of truth.
type MarketOption struct {
	ID                   string          `json:"id" db:"id"`
	MarketID             string          `json:"market_id" db:"market_id"`
	Name                 string          `json:"name" db:"name"`
	LiquidityProbability decimal.Decimal `json:"liquidity_probability" db:"liquidity_probability"`
	PoolShares           decimal.Decimal `json:"pool_shares" db:"pool_shares"`
	Probability          decimal.Decimal `json:"probability" db:"probability"`
}

// Market is a discrete-outcome prediction market priced by the AMM.
type Market struct {
	ID                  string         `json:"id" db:"id"`
	Question            string         `json:"question" db:"question"`
	CreatorAccountID    string         `json:"creator_account_id" db:"creator_account_id"`
	Status              string         `json:"status" db:"status"` // "open", "resolved"
	Options             []MarketOption `json:"options"`
	ResolvedOptionID    string         `json:"resolved_option_id,omitempty" db:"resolved_option_id"`
	UniquePromoterCount int            `json:"unique_promoter_count" db:"unique_promoter_count"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// OptionIndex returns the position of optionID within m.Options, or -1.
func (m *Market) OptionIndex(optionID string) int {
	for i, o := range m.Options {
		if o.ID == optionID {
			return i
		}
	}
	return -1
}
