package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve pooled reads and in-transaction work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool // nil when bound to a transaction
	db   querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// InTx runs fn inside a database transaction. A store already bound to a
// transaction joins the enclosing scope.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LockAccounts takes row locks on the given accounts so concurrent
// transactions touching the same balances serialize. IDs must be sorted by
// the caller to keep lock order consistent across transactions.
func (s *PostgresStore) LockAccounts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`SELECT id FROM accounts WHERE id = ANY($1) FOR UPDATE`, ids)
	return err
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, type, user_id, market_id, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)`,
		a.ID, a.Type, a.UserID, a.MarketID, a.CreatedAt)
	return err
}

func (s *PostgresStore) scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var userID, marketID *string
	if err := row.Scan(&a.ID, &a.Type, &userID, &marketID, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if userID != nil {
		a.UserID = *userID
	}
	if marketID != nil {
		a.MarketID = *marketID
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := s.scanAccount(s.db.QueryRow(ctx,
		`SELECT id, type, user_id, market_id, created_at FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) GetHouseAccount(ctx context.Context) (*model.Account, error) {
	a, err := s.scanAccount(s.db.QueryRow(ctx,
		`SELECT id, type, user_id, market_id, created_at FROM accounts WHERE type = $1`,
		model.AccountTypeHouse))
	if err != nil {
		return nil, fmt.Errorf("get house account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetMarketAccount(ctx context.Context, marketID string, typ model.AccountType) (*model.Account, error) {
	a, err := s.scanAccount(s.db.QueryRow(ctx,
		`SELECT id, type, user_id, market_id, created_at
		 FROM accounts WHERE market_id = $1 AND type = $2`, marketID, typ))
	if err != nil {
		return nil, fmt.Errorf("get market %s account %s: %w", marketID, typ, err)
	}
	return a, nil
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO markets (id, question, creator_account_id, status, unique_promoter_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.Question, m.CreatorAccountID, m.Status, m.UniquePromoterCount, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}

	for i, o := range m.Options {
		_, err := s.db.Exec(ctx,
			`INSERT INTO market_options (id, market_id, name, liquidity_probability, pool_shares, probability, position)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
			o.ID, m.ID, o.Name,
			o.LiquidityProbability.String(), o.PoolShares.String(), o.Probability.String(), i)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) getMarketOptions(ctx context.Context, marketID string) ([]model.MarketOption, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, name,
		        liquidity_probability::TEXT, pool_shares::TEXT, probability::TEXT
		 FROM market_options WHERE market_id = $1 ORDER BY position`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []model.MarketOption
	for rows.Next() {
		var o model.MarketOption
		var lp, pool, prob string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &lp, &pool, &prob); err != nil {
			return nil, err
		}
		o.LiquidityProbability, _ = decimal.NewFromString(lp)
		o.PoolShares, _ = decimal.NewFromString(pool)
		o.Probability, _ = decimal.NewFromString(prob)
		options = append(options, o)
	}
	return options, rows.Err()
}

func (s *PostgresStore) scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var resolved *string
	if err := row.Scan(&m.ID, &m.Question, &m.CreatorAccountID, &m.Status,
		&resolved, &m.UniquePromoterCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if resolved != nil {
		m.ResolvedOptionID = *resolved
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := s.scanMarket(s.db.QueryRow(ctx,
		`SELECT id, question, creator_account_id, status, resolved_option_id,
		        unique_promoter_count, created_at, updated_at
		 FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}

	m.Options, err = s.getMarketOptions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get market %s options: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, question, creator_account_id, status, resolved_option_id,
		        unique_promoter_count, created_at, updated_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var resolved *string
		if err := rows.Scan(&m.ID, &m.Question, &m.CreatorAccountID, &m.Status,
			&resolved, &m.UniquePromoterCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if resolved != nil {
			m.ResolvedOptionID = *resolved
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range markets {
		markets[i].Options, err = s.getMarketOptions(ctx, markets[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return markets, nil
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, id, optionID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE markets SET status = $2, resolved_option_id = $3, updated_at = NOW() WHERE id = $1`,
		id, model.MarketStatusResolved, optionID)
	return err
}

func (s *PostgresStore) IncrementUniquePromoters(ctx context.Context, marketID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE markets SET unique_promoter_count = unique_promoter_count + 1, updated_at = NOW() WHERE id = $1`,
		marketID)
	return err
}

func (s *PostgresStore) UpdateMarketOptionState(ctx context.Context, marketID, optionID string, poolShares, probability decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`UPDATE market_options SET pool_shares = $2::NUMERIC, probability = $3::NUMERIC
		 WHERE id = $1`,
		optionID, poolShares.String(), probability.String())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `UPDATE markets SET updated_at = NOW() WHERE id = $1`, marketID)
	return err
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO transactions (id, type, initiator_id, market_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		txn.ID, txn.Type, txn.InitiatorID, txn.MarketID, txn.CreatedAt)
	if err != nil {
		return err
	}

	for _, e := range txn.Entries {
		_, err := s.db.Exec(ctx,
			`INSERT INTO entries (id, transaction_id, amount, asset_type, asset_id, from_account_id, to_account_id, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
			e.ID, txn.ID, e.Amount.String(), e.AssetType, e.AssetID,
			e.FromAccountID, e.ToAccountID, e.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListMarketTransactions(ctx context.Context, marketID string, types ...model.TransactionType) ([]model.Transaction, error) {
	typeFilter := make([]string, len(types))
	for i, t := range types {
		typeFilter[i] = string(t)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, type, initiator_id, COALESCE(market_id, ''), created_at
		 FROM transactions
		 WHERE market_id = $1 AND (cardinality($2::TEXT[]) = 0 OR type = ANY($2))
		 ORDER BY created_at`, marketID, typeFilter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	index := make(map[string]int)
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.Type, &t.InitiatorID, &t.MarketID, &t.CreatedAt); err != nil {
			return nil, err
		}
		index[t.ID] = len(txns)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(txns))
	for _, t := range txns {
		ids = append(ids, t.ID)
	}

	entryRows, err := s.db.Query(ctx,
		`SELECT id, transaction_id, amount::TEXT, asset_type, asset_id,
		        from_account_id, to_account_id, created_at
		 FROM entries WHERE transaction_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var e model.Entry
		var amount string
		if err := entryRows.Scan(&e.ID, &e.TransactionID, &amount, &e.AssetType, &e.AssetID,
			&e.FromAccountID, &e.ToAccountID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		if i, ok := index[e.TransactionID]; ok {
			txns[i].Entries = append(txns[i].Entries, e)
		}
	}
	return txns, entryRows.Err()
}

func (s *PostgresStore) HasLiquidityTransaction(ctx context.Context, marketID, initiatorID, excludeTxID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM transactions
		   WHERE market_id = $1 AND initiator_id = $2 AND id <> $3
		     AND type IN ($4, $5)
		 )`,
		marketID, initiatorID, excludeTxID,
		model.TransactionLiquidityDeposit, model.TransactionLiquidityInitialize).Scan(&exists)
	return exists, err
}

// --- Derived balances ---

func (s *PostgresStore) SumEntries(ctx context.Context, accountID string, asset model.Asset) (decimal.Decimal, error) {
	var total string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN to_account_id = $1 THEN amount ELSE -amount END), 0)::TEXT
		 FROM entries
		 WHERE (to_account_id = $1 OR from_account_id = $1)
		   AND asset_type = $2 AND asset_id = $3`,
		accountID, asset.Type, asset.ID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum entries %s/%s/%s: %w", accountID, asset.Type, asset.ID, err)
	}
	d, _ := decimal.NewFromString(total)
	return d, nil
}

func (s *PostgresStore) AccountBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT asset_type, asset_id,
		        COALESCE(SUM(CASE WHEN to_account_id = $1 THEN amount ELSE -amount END), 0)::TEXT
		 FROM entries
		 WHERE to_account_id = $1 OR from_account_id = $1
		 GROUP BY asset_type, asset_id
		 ORDER BY asset_type, asset_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[model.Asset]decimal.Decimal)
	for rows.Next() {
		var assetType model.AssetType
		var assetID, total string
		if err := rows.Scan(&assetType, &assetID, &total); err != nil {
			return nil, err
		}
		sums[model.Asset{Type: assetType, ID: assetID}], _ = decimal.NewFromString(total)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	currency := model.CurrencyAsset()
	balances := []model.Balance{{
		AccountID: accountID,
		AssetType: currency.Type,
		AssetID:   currency.ID,
		Total:     sums[currency],
	}}

	if marketID != "" {
		options, err := s.getMarketOptions(ctx, marketID)
		if err != nil {
			return nil, err
		}
		for _, o := range options {
			balances = append(balances, model.Balance{
				AccountID: accountID,
				AssetType: model.AssetTypeMarketOption,
				AssetID:   o.ID,
				Total:     sums[model.OptionAsset(o.ID)],
			})
		}
		return balances, nil
	}

	for asset, total := range sums {
		if asset.Type == model.AssetTypeMarketOption {
			balances = append(balances, model.Balance{
				AccountID: accountID,
				AssetType: asset.Type,
				AssetID:   asset.ID,
				Total:     total,
			})
		}
	}
	return balances, nil
}

func (s *PostgresStore) AssetHolders(ctx context.Context, asset model.Asset) (map[string]decimal.Decimal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT account_id, SUM(delta)::TEXT FROM (
		   SELECT to_account_id AS account_id, amount AS delta
		   FROM entries WHERE asset_type = $1 AND asset_id = $2
		   UNION ALL
		   SELECT from_account_id, -amount
		   FROM entries WHERE asset_type = $1 AND asset_id = $2
		 ) deltas
		 GROUP BY account_id
		 HAVING SUM(delta) > 0`, asset.Type, asset.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holders := make(map[string]decimal.Decimal)
	for rows.Next() {
		var accountID, total string
		if err := rows.Scan(&accountID, &total); err != nil {
			return nil, err
		}
		holders[accountID], _ = decimal.NewFromString(total)
	}
	return holders, rows.Err()
}

func (s *PostgresStore) AccountMarketExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT mo.market_id,
		        COALESCE(SUM(CASE WHEN e.to_account_id = $1 THEN e.amount ELSE -e.amount END), 0)::TEXT
		 FROM entries e
		 JOIN market_options mo ON mo.id = e.asset_id
		 WHERE e.asset_type = $2 AND (e.to_account_id = $1 OR e.from_account_id = $1)
		 GROUP BY mo.market_id`, accountID, model.AssetTypeMarketOption)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var marketID, total string
		if err := rows.Scan(&marketID, &total); err != nil {
			return nil, err
		}
		exposures[marketID], _ = decimal.NewFromString(total)
	}
	return exposures, rows.Err()
}
