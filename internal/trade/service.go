// Package trade provides the HTTP handlers and business logic for creating
// markets, trading outcome shares, adding liquidity, and resolving markets.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Amounts cross the API boundary as decimal strings.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/amm"
	"github.com/playpredict/market-engine/internal/economy"
	"github.com/playpredict/market-engine/internal/ledger"
	"github.com/playpredict/market-engine/internal/limits"
	"github.com/playpredict/market-engine/internal/liquidity"
	"github.com/playpredict/market-engine/internal/metrics"
	"github.com/playpredict/market-engine/internal/model"
	"github.com/playpredict/market-engine/internal/store"
)

// Trade directions accepted by POST /api/v1/trade.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Service handles market operations. Concurrency correctness comes from the
// store's transactional scope: pricing reads and the resulting entries
// commit inside one InTx, so no trade can price against stale reserves.
type Service struct {
	st      store.Store
	exec    *ledger.Executor
	liq     *liquidity.Service
	limiter *limits.PositionLimiter
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	log     *slog.Logger
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, exec *ledger.Executor, liq *liquidity.Service, limiter *limits.PositionLimiter, hub *WSHub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		st:      st,
		exec:    exec,
		liq:     liq,
		limiter: limiter,
		wsHub:   hub,
		log:     log,
	}
}

// --- Request/Response types ---

// CreateMarketOption is one outcome in a market-creation request.
type CreateMarketOption struct {
	Name                 string          `json:"name"`
	LiquidityProbability decimal.Decimal `json:"liquidity_probability"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question         string               `json:"question"`
	CreatorAccountID string               `json:"creator_account_id"`
	Options          []CreateMarketOption `json:"options"`

	// Subsidy overrides the default house subsidy when positive.
	Subsidy decimal.Decimal `json:"subsidy"`
}

// TradeRequest is the JSON body for POST /api/v1/trade.
type TradeRequest struct {
	AccountID string `json:"account_id"`
	MarketID  string `json:"market_id"`
	OptionID  string `json:"option_id"`
	Direction string `json:"direction"` // "BUY" or "SELL"

	// Amount is currency to spend for a buy, shares to surrender for a
	// sell.
	Amount decimal.Decimal `json:"amount"`
}

// TradeResponse is the JSON body returned from POST /api/v1/trade.
type TradeResponse struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	MarketID      string          `json:"market_id"`
	OptionID      string          `json:"option_id"`
	Direction     string          `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`

	// Shares is the shares received on a buy, or the currency payout on a
	// sell.
	Shares        decimal.Decimal   `json:"shares"`
	Probabilities map[string]string `json:"probabilities"`
}

// ResolveRequest is the JSON body for POST /api/v1/markets/{marketID}/resolve.
type ResolveRequest struct {
	OptionID    string `json:"option_id"`
	InitiatorID string `json:"initiator_id"`
}

// AddLiquidityRequest is the JSON body for POST /api/v1/markets/{marketID}/liquidity.
type AddLiquidityRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// BonusRequest is the JSON body for POST /api/v1/bonuses.
type BonusRequest struct {
	Type      model.TransactionType `json:"type"`
	AccountID string                `json:"account_id"`
	MarketID  string                `json:"market_id,omitempty"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets. It creates the market, its AMM
// and clearing accounts, and seeds the pools with the house subsidy, all in
// one transaction.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}
	if req.CreatorAccountID == "" {
		writeError(w, "creator_account_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Options) < 2 {
		writeError(w, "a market needs at least two options", http.StatusBadRequest)
		return
	}
	probabilitySum := decimal.Zero
	for _, o := range req.Options {
		if o.Name == "" {
			writeError(w, "every option needs a name", http.StatusBadRequest)
			return
		}
		if o.LiquidityProbability.Sign() <= 0 || o.LiquidityProbability.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			writeError(w, "liquidity_probability must be between 0 and 1 exclusive", http.StatusBadRequest)
			return
		}
		probabilitySum = probabilitySum.Add(o.LiquidityProbability)
	}
	if !probabilitySum.Equal(decimal.NewFromInt(1)) {
		writeError(w, "liquidity probabilities must sum to 1", http.StatusBadRequest)
		return
	}

	subsidy := req.Subsidy
	if subsidy.Sign() <= 0 {
		subsidy = economy.InitialMarketLiquidity
	}

	now := time.Now().UTC()
	market := &model.Market{
		ID:               uuid.NewString(),
		Question:         req.Question,
		CreatorAccountID: req.CreatorAccountID,
		Status:           model.MarketStatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, o := range req.Options {
		market.Options = append(market.Options, model.MarketOption{
			ID:                   uuid.NewString(),
			MarketID:             market.ID,
			Name:                 o.Name,
			LiquidityProbability: o.LiquidityProbability,
		})
	}

	ctx := r.Context()
	err := s.st.InTx(ctx, func(st store.Store) error {
		for _, typ := range []model.AccountType{model.AccountTypeMarketAMM, model.AccountTypeMarketClearing} {
			account := &model.Account{
				ID:        uuid.NewString(),
				Type:      typ,
				MarketID:  market.ID,
				CreatedAt: now,
			}
			if err := st.CreateAccount(ctx, account); err != nil {
				return fmt.Errorf("create %s account: %w", typ, err)
			}
		}
		if err := st.CreateMarket(ctx, market); err != nil {
			return fmt.Errorf("create market: %w", err)
		}

		_, err := s.liq.InitializeMarket(ctx, st, market, subsidy)
		return err
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	created, err := s.st.GetMarket(ctx, market.ID)
	if err != nil {
		writeError(w, "failed to load created market", http.StatusInternalServerError)
		return
	}

	metrics.ActiveMarkets.Inc()
	s.log.Info("market created",
		"id", market.ID,
		"question", market.Question,
		"options", len(market.Options),
		"subsidy", subsidy.String(),
	)

	writeJSON(w, http.StatusCreated, created)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.st.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.st.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	// Optional filter by ?status=open|resolved.
	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Market
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		if filtered == nil {
			filtered = []model.Market{}
		}
		markets = filtered
	}

	writeJSON(w, http.StatusOK, markets)
}

// GetProbability handles GET /api/v1/markets/{marketID}/probability
func (s *Service) GetProbability(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.st.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, probabilityMap(market))
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote. Query parameters:
// option_id, probability (target), amount (budget).
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	optionID := r.URL.Query().Get("option_id")

	probability, err := decimal.NewFromString(r.URL.Query().Get("probability"))
	if err != nil {
		writeError(w, "probability must be a decimal string", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal string", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	market, err := s.st.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	index := market.OptionIndex(optionID)
	if index < 0 {
		writeError(w, "option not found in market", http.StatusNotFound)
		return
	}

	reserves, err := s.marketReserves(ctx, s.st, market)
	if err != nil {
		writeError(w, "failed to read reserves", http.StatusInternalServerError)
		return
	}

	quote, err := amm.NewQuote(amount, probability, reserves[index], reserves)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

// ExecuteTrade handles POST /api/v1/trade. The reserve snapshot, pricing and
// entry commit share one transaction scope.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.Direction != DirectionBuy && req.Direction != DirectionSell {
		writeError(w, "direction must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Amount.Sign() <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()
	var (
		txn    *model.Transaction
		filled decimal.Decimal
	)
	err := s.st.InTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if market.Status != model.MarketStatusOpen {
			return fmt.Errorf("market %s: %w", market.ID, ledger.ErrMarketClosed)
		}
		index := market.OptionIndex(req.OptionID)
		if index < 0 {
			return fmt.Errorf("option %s: %w", req.OptionID, store.ErrNotFound)
		}

		ammAcct, err := st.GetMarketAccount(ctx, market.ID, model.AccountTypeMarketAMM)
		if err != nil {
			return err
		}
		clearing, err := st.GetMarketAccount(ctx, market.ID, model.AccountTypeMarketClearing)
		if err != nil {
			return err
		}
		// Serialize trades on this market before reading reserves, so no
		// two trades price against the same snapshot.
		if err := lockMarketAccounts(ctx, st, ammAcct.ID, clearing.ID); err != nil {
			return err
		}
		reserves, err := s.marketReserves(ctx, st, market)
		if err != nil {
			return err
		}

		isBuy := req.Direction == DirectionBuy
		filled, err = amm.Trade(req.Amount, reserves[index], reserves, isBuy)
		if err != nil {
			return err
		}
		filled = filled.Round(ledger.AmountScale)

		// Position limit: buys add share exposure, sells remove it.
		exposureDelta := filled
		if !isBuy {
			exposureDelta = req.Amount.Neg()
		}
		exposures, err := st.AccountMarketExposures(ctx, req.AccountID)
		if err != nil {
			return fmt.Errorf("load exposures: %w", err)
		}
		if err := s.limiter.CheckLimit(market.ID, exposureDelta, exposures); err != nil {
			metrics.PositionLimitRejections.Inc()
			return err
		}

		if isBuy {
			txn = buyTransaction(market, ammAcct.ID, clearing.ID, req.AccountID, req.OptionID, req.Amount, filled)
		} else {
			txn = sellTransaction(market, ammAcct.ID, clearing.ID, req.AccountID, req.OptionID, req.Amount, filled)
		}
		if err := s.exec.WithStore(st).Execute(ctx, txn); err != nil {
			return err
		}

		return s.maybeAwardVolumeBonus(ctx, st, market, req.AccountID, txn.ID)
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	metrics.TradeLatency.WithLabelValues(req.Direction).Observe(time.Since(start).Seconds())
	// Volume counts the currency leg: the spend on a buy, the payout on a sell.
	volume := req.Amount
	if req.Direction == DirectionSell {
		volume = filled
	}
	metrics.MarketVolume.WithLabelValues(req.MarketID, req.Direction).Add(volume.InexactFloat64())

	market, err := s.st.GetMarket(ctx, req.MarketID)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}
	probabilities := probabilityMap(market)

	s.log.Info("trade executed",
		"tx_id", txn.ID,
		"account", req.AccountID,
		"market", req.MarketID,
		"option", req.OptionID,
		"direction", req.Direction,
		"amount", req.Amount.String(),
		"filled", filled.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "trade_executed",
			MarketID:      market.ID,
			OptionID:      req.OptionID,
			Direction:     req.Direction,
			Amount:        req.Amount.String(),
			Probabilities: probabilities,
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		TransactionID: txn.ID,
		AccountID:     req.AccountID,
		MarketID:      req.MarketID,
		OptionID:      req.OptionID,
		Direction:     req.Direction,
		Amount:        req.Amount,
		Shares:        filled,
		Probabilities: probabilities,
	})
}

// AddLiquidity handles POST /api/v1/markets/{marketID}/liquidity
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req AddLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.Amount.Sign() <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	txn, err := s.liq.AddLiquidity(ctx, marketID, req.AccountID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	market, err := s.st.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "liquidity_added",
			MarketID:      marketID,
			Amount:        req.Amount.String(),
			Probabilities: probabilityMap(market),
		})
	}

	writeJSON(w, http.StatusCreated, txn)
}

// GetMarketLiquidity handles GET /api/v1/markets/{marketID}/liquidity
func (s *Service) GetMarketLiquidity(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	liq, err := s.liq.GetMarketLiquidity(r.Context(), marketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liq)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve. Winning shares
// redeem 1:1 for currency, losing shares are retired, excess liquidity goes
// back to the providers, and the market closes — atomically.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := s.st.InTx(ctx, func(st store.Store) error {
		return s.resolve(ctx, st, marketID, req.OptionID, req.InitiatorID)
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	market, err := s.st.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}

	metrics.ActiveMarkets.Dec()
	s.log.Info("market resolved",
		"market", marketID,
		"winning_option", req.OptionID,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			OptionID: req.OptionID,
		})
	}

	writeJSON(w, http.StatusOK, market)
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if _, err := s.st.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	balances, err := s.exec.GetBalances(r.Context(), accountID, r.URL.Query().Get("market_id"))
	if err != nil {
		writeError(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetMarketBalances handles GET /api/v1/markets/{marketID}/balances.
// Returns the AMM and clearing account balances of the market.
func (s *Service) GetMarketBalances(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	resp := make(map[string][]model.Balance, 2)
	for name, typ := range map[string]model.AccountType{
		"amm":      model.AccountTypeMarketAMM,
		"clearing": model.AccountTypeMarketClearing,
	} {
		account, err := s.st.GetMarketAccount(ctx, marketID, typ)
		if err != nil {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		balances, err := s.st.AccountBalances(ctx, account.ID, marketID)
		if err != nil {
			writeError(w, "failed to load balances", http.StatusInternalServerError)
			return
		}
		resp[name] = balances
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetMarketTransactions handles GET /api/v1/markets/{marketID}/transactions
func (s *Service) GetMarketTransactions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	txns, err := s.st.ListMarketTransactions(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// GrantBonus handles POST /api/v1/bonuses. Bonuses are house-funded currency
// transfers; eligibility windows are the caller's concern.
func (s *Service) GrantBonus(w http.ResponseWriter, r *http.Request) {
	var req BonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	house, err := s.st.GetHouseAccount(ctx)
	if err != nil {
		writeError(w, "house account not configured", http.StatusInternalServerError)
		return
	}

	txn, err := economy.BonusTransaction(req.Type, house.ID, req.AccountID, req.MarketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.exec.Execute(ctx, txn); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, txn)
}

// --- Internals ---

// marketReserves reads the AMM account's reserve vector in option order.
func (s *Service) marketReserves(ctx context.Context, st store.Store, market *model.Market) ([]decimal.Decimal, error) {
	ammAcct, err := st.GetMarketAccount(ctx, market.ID, model.AccountTypeMarketAMM)
	if err != nil {
		return nil, err
	}
	balances, err := st.AccountBalances(ctx, ammAcct.ID, market.ID)
	if err != nil {
		return nil, err
	}

	reserves := make([]decimal.Decimal, 0, len(market.Options))
	for _, b := range balances {
		if b.AssetType == model.AssetTypeMarketOption {
			reserves = append(reserves, b.Total)
		}
	}
	if len(reserves) != len(market.Options) {
		return nil, fmt.Errorf("reserve vector has %d pools, market has %d options", len(reserves), len(market.Options))
	}
	return reserves, nil
}

// maybeAwardVolumeBonus adds house liquidity when this is the account's
// first trade in the market.
func (s *Service) maybeAwardVolumeBonus(ctx context.Context, st store.Store, market *model.Market, accountID, txID string) error {
	txns, err := st.ListMarketTransactions(ctx, market.ID,
		model.TransactionTradeBuy, model.TransactionTradeSell)
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}
	for _, t := range txns {
		if t.ID != txID && t.InitiatorID == accountID {
			return nil
		}
	}

	// Cached aggregates moved with this trade; re-read for the split.
	fresh, err := st.GetMarket(ctx, market.ID)
	if err != nil {
		return err
	}
	_, err = s.liq.AddVolumeBonus(ctx, st, fresh, economy.LiquidityVolumeBonus)
	return err
}

// resolve settles a market: TRADE_WIN redemptions for every holder of the
// winning option, TRADE_LOSS retirements for the losing options, excess
// liquidity back to providers, then the status flip.
func (s *Service) resolve(ctx context.Context, st store.Store, marketID, winningOptionID, initiatorID string) error {
	market, err := st.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if market.Status != model.MarketStatusOpen {
		return fmt.Errorf("market %s: %w", marketID, ledger.ErrMarketClosed)
	}
	if market.OptionIndex(winningOptionID) < 0 {
		return fmt.Errorf("option %s: %w", winningOptionID, store.ErrNotFound)
	}
	if initiatorID == "" {
		initiatorID = market.CreatorAccountID
	}

	ammAcct, err := st.GetMarketAccount(ctx, marketID, model.AccountTypeMarketAMM)
	if err != nil {
		return err
	}
	clearing, err := st.GetMarketAccount(ctx, marketID, model.AccountTypeMarketClearing)
	if err != nil {
		return err
	}
	if err := lockMarketAccounts(ctx, st, ammAcct.ID, clearing.ID); err != nil {
		return err
	}

	for _, option := range market.Options {
		holders, err := st.AssetHolders(ctx, model.OptionAsset(option.ID))
		if err != nil {
			return fmt.Errorf("holders of %s: %w", option.ID, err)
		}
		winning := option.ID == winningOptionID

		for _, holderID := range sortedHolderIDs(holders) {
			// Market accounts settle through the excess distribution.
			if holderID == ammAcct.ID || holderID == clearing.ID {
				continue
			}
			amount := holders[holderID].Round(ledger.AmountScale)
			if !amount.IsPositive() {
				continue
			}

			entries := []model.Entry{{
				Amount:        amount,
				AssetType:     model.AssetTypeMarketOption,
				AssetID:       option.ID,
				FromAccountID: holderID,
				ToAccountID:   clearing.ID,
			}}
			typ := model.TransactionTradeLoss
			if winning {
				typ = model.TransactionTradeWin
				entries = append(entries, model.Entry{
					Amount:        amount,
					AssetType:     model.AssetTypeCurrency,
					AssetID:       model.AssetIDPrimary,
					FromAccountID: clearing.ID,
					ToAccountID:   holderID,
				})
			}

			txn := &model.Transaction{
				Type:        typ,
				InitiatorID: initiatorID,
				MarketID:    marketID,
				Entries:     entries,
			}
			if err := s.exec.WithStore(st).Execute(ctx, txn); err != nil {
				return err
			}
		}
	}

	if _, err := s.liq.CreateMarketExcessLiquidityTransactions(ctx, st, marketID); err != nil {
		return err
	}

	return st.ResolveMarket(ctx, marketID, winningOptionID)
}

// lockMarketAccounts takes row locks on the market's AMM and clearing
// accounts in sorted order, matching the lock order the executor uses.
func lockMarketAccounts(ctx context.Context, st store.Store, ids ...string) error {
	sort.Strings(ids)
	if err := st.LockAccounts(ctx, ids); err != nil {
		return fmt.Errorf("lock market accounts: %w", err)
	}
	return nil
}

func probabilityMap(market *model.Market) map[string]string {
	probabilities := make(map[string]string, len(market.Options))
	for _, o := range market.Options {
		probabilities[o.ID] = o.Probability.String()
	}
	return probabilities
}

func buyTransaction(market *model.Market, ammID, clearingID, accountID, optionID string, amount, bought decimal.Decimal) *model.Transaction {
	entries := []model.Entry{{
		Amount:        amount,
		AssetType:     model.AssetTypeCurrency,
		AssetID:       model.AssetIDPrimary,
		FromAccountID: accountID,
		ToAccountID:   clearingID,
	}}
	// The spent currency mints a full set of shares into the pools; the
	// bought shares leave the target pool.
	for _, o := range market.Options {
		entries = append(entries, model.Entry{
			Amount:        amount,
			AssetType:     model.AssetTypeMarketOption,
			AssetID:       o.ID,
			FromAccountID: clearingID,
			ToAccountID:   ammID,
		})
	}
	entries = append(entries, model.Entry{
		Amount:        bought,
		AssetType:     model.AssetTypeMarketOption,
		AssetID:       optionID,
		FromAccountID: ammID,
		ToAccountID:   accountID,
	})

	return &model.Transaction{
		Type:        model.TransactionTradeBuy,
		InitiatorID: accountID,
		MarketID:    market.ID,
		Entries:     entries,
	}
}

func sellTransaction(market *model.Market, ammID, clearingID, accountID, optionID string, shares, payout decimal.Decimal) *model.Transaction {
	entries := []model.Entry{{
		Amount:        shares,
		AssetType:     model.AssetTypeMarketOption,
		AssetID:       optionID,
		FromAccountID: accountID,
		ToAccountID:   ammID,
	}}
	// The payout burns a full set of shares out of the pools and releases
	// the backing currency.
	for _, o := range market.Options {
		entries = append(entries, model.Entry{
			Amount:        payout,
			AssetType:     model.AssetTypeMarketOption,
			AssetID:       o.ID,
			FromAccountID: ammID,
			ToAccountID:   clearingID,
		})
	}
	entries = append(entries, model.Entry{
		Amount:        payout,
		AssetType:     model.AssetTypeCurrency,
		AssetID:       model.AssetIDPrimary,
		FromAccountID: clearingID,
		ToAccountID:   accountID,
	})

	return &model.Transaction{
		Type:        model.TransactionTradeSell,
		InitiatorID: accountID,
		MarketID:    market.ID,
		Entries:     entries,
	}
}

func sortedHolderIDs(holders map[string]decimal.Decimal) []string {
	ids := make([]string, 0, len(holders))
	for id := range holders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps domain sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrMarketClosed),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, limits.ErrMarketLimitExceeded),
		errors.Is(err, limits.ErrTotalLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, amm.ErrInvalidTrade),
		errors.Is(err, amm.ErrInvalidShares),
		errors.Is(err, amm.ErrInvalidLiquidity),
		errors.Is(err, economy.ErrUnknownBonus):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
