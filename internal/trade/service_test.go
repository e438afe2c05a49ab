package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/economy"
	"github.com/playpredict/market-engine/internal/ledger"
	"github.com/playpredict/market-engine/internal/limits"
	"github.com/playpredict/market-engine/internal/liquidity"
	"github.com/playpredict/market-engine/internal/model"
	"github.com/playpredict/market-engine/internal/store"
	"github.com/playpredict/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ms     *store.MemoryStore
	exec   *ledger.Executor
	router chi.Router
}

// newTestEnv creates a test Service with in-memory store and chi router.
// The house account exists from the start; user accounts are created and
// funded per test via env.fund.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for _, a := range []model.Account{
		{ID: "house", Type: model.AccountTypeHouse},
		{ID: "alice", Type: model.AccountTypeUser, UserID: "alice"},
		{ID: "bob", Type: model.AccountTypeUser, UserID: "bob"},
	} {
		a.CreatedAt = time.Now().UTC()
		if err := ms.CreateAccount(ctx, &a); err != nil {
			t.Fatalf("CreateAccount(%s): %v", a.ID, err)
		}
	}

	exec := ledger.NewExecutor(ms, liquidity.SettlementTable(), nil)
	liq := liquidity.NewService(ms, exec, nil)
	limiter := limits.NewPositionLimiter(d(1000), d(5000))
	svc := trade.NewService(ms, exec, liq, limiter, nil, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Get("/api/v1/markets/{marketID}/probability", svc.GetProbability)
	r.Get("/api/v1/markets/{marketID}/quote", svc.GetQuote)
	r.Post("/api/v1/markets/{marketID}/liquidity", svc.AddLiquidity)
	r.Get("/api/v1/markets/{marketID}/liquidity", svc.GetMarketLiquidity)
	r.Post("/api/v1/markets/{marketID}/resolve", svc.Resolve)
	r.Get("/api/v1/markets/{marketID}/balances", svc.GetMarketBalances)
	r.Get("/api/v1/markets/{marketID}/transactions", svc.GetMarketTransactions)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Get("/api/v1/accounts/{accountID}/balance", svc.GetBalance)
	r.Post("/api/v1/bonuses", svc.GrantBonus)

	return &testEnv{ms: ms, exec: exec, router: r}
}

func (env *testEnv) fund(t *testing.T, accountID string, amount decimal.Decimal) {
	t.Helper()
	err := env.exec.Execute(context.Background(), &model.Transaction{
		Type:        model.TransactionDailyTradeBonus,
		InitiatorID: accountID,
		Entries: []model.Entry{{
			Amount:        amount,
			AssetType:     model.AssetTypeCurrency,
			AssetID:       model.AssetIDPrimary,
			FromAccountID: "house",
			ToAccountID:   accountID,
		}},
	})
	if err != nil {
		t.Fatalf("fund %s: %v", accountID, err)
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// createMarket creates a two-outcome market through the API and returns it.
// The pool split follows the liquidity probabilities: (lpYes, lpNo) with
// subsidy S seeds the pools at S·(1−lp) each.
func (env *testEnv) createMarket(t *testing.T, lpYes, lpNo float64, subsidy decimal.Decimal) *model.Market {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question:         "Will it rain tomorrow?",
		CreatorAccountID: "alice",
		Options: []trade.CreateMarketOption{
			{Name: "Yes", LiquidityProbability: d(lpYes)},
			{Name: "No", LiquidityProbability: d(lpNo)},
		},
		Subsidy: subsidy,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var market model.Market
	if err := json.Unmarshal(w.Body.Bytes(), &market); err != nil {
		t.Fatalf("unmarshal market: %v", err)
	}
	return &market
}

func (env *testEnv) doTrade(t *testing.T, req trade.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, "POST", "/api/v1/trade", req)
}

func (env *testEnv) poolShares(t *testing.T, marketID, optionID string) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	ammAcct, err := env.ms.GetMarketAccount(ctx, marketID, model.AccountTypeMarketAMM)
	if err != nil {
		t.Fatalf("GetMarketAccount: %v", err)
	}
	got, err := env.ms.SumEntries(ctx, ammAcct.ID, model.OptionAsset(optionID))
	if err != nil {
		t.Fatalf("SumEntries: %v", err)
	}
	return got
}

func (env *testEnv) currency(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	got, err := env.ms.SumEntries(context.Background(), accountID, model.CurrencyAsset())
	if err != nil {
		t.Fatalf("SumEntries: %v", err)
	}
	return got
}

func within(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// --- Market creation ---

func TestCreateMarket_SeedsPoolsFromProbabilities(t *testing.T) {
	env := newTestEnv(t)
	market := env.createMarket(t, 0.75, 0.25, d(400))

	if market.Status != model.MarketStatusOpen {
		t.Errorf("status = %s, want open", market.Status)
	}
	if len(market.Options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(market.Options))
	}

	// lp 0.75 gets weight 0.25, lp 0.25 gets weight 0.75.
	yes, no := market.Options[0], market.Options[1]
	if got := env.poolShares(t, market.ID, yes.ID); !got.Equal(d(100)) {
		t.Errorf("yes pool = %s, want 100", got)
	}
	if got := env.poolShares(t, market.ID, no.ID); !got.Equal(d(300)) {
		t.Errorf("no pool = %s, want 300", got)
	}

	// Cached probabilities match the liquidity probabilities at seed time.
	if !within(yes.Probability, d(0.75), d(0.00001)) {
		t.Errorf("yes probability = %s, want 0.75", yes.Probability)
	}
	if !within(no.Probability, d(0.25), d(0.00001)) {
		t.Errorf("no probability = %s, want 0.25", no.Probability)
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  trade.CreateMarketRequest
	}{
		{
			name: "missing question",
			req: trade.CreateMarketRequest{
				CreatorAccountID: "alice",
				Options: []trade.CreateMarketOption{
					{Name: "Yes", LiquidityProbability: d(0.5)},
					{Name: "No", LiquidityProbability: d(0.5)},
				},
			},
		},
		{
			name: "single option",
			req: trade.CreateMarketRequest{
				Question:         "q",
				CreatorAccountID: "alice",
				Options: []trade.CreateMarketOption{
					{Name: "Yes", LiquidityProbability: d(1)},
				},
			},
		},
		{
			name: "probabilities do not sum to 1",
			req: trade.CreateMarketRequest{
				Question:         "q",
				CreatorAccountID: "alice",
				Options: []trade.CreateMarketOption{
					{Name: "Yes", LiquidityProbability: d(0.5)},
					{Name: "No", LiquidityProbability: d(0.4)},
				},
			},
		},
		{
			name: "probability out of range",
			req: trade.CreateMarketRequest{
				Question:         "q",
				CreatorAccountID: "alice",
				Options: []trade.CreateMarketOption{
					{Name: "Yes", LiquidityProbability: d(0)},
					{Name: "No", LiquidityProbability: d(1)},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/markets", tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// --- Trade execution ---

func TestExecuteTrade_Buy(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(1000))
	market := env.createMarket(t, 0.75, 0.25, d(400))
	yes := market.Options[0]

	w := env.doTrade(t, trade.TradeRequest{
		AccountID: "alice",
		MarketID:  market.ID,
		OptionID:  yes.ID,
		Direction: trade.DirectionBuy,
		Amount:    d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.TransactionID == "" {
		t.Error("expected non-empty transaction_id")
	}
	// Spending 50 into pools [100, 300] buys about 64.29 shares.
	if !within(resp.Shares, d(64.29), d(0.01)) {
		t.Errorf("shares = %s, want ≈ 64.29", resp.Shares)
	}
	if got := env.currency(t, "alice"); !got.Equal(d(950)) {
		t.Errorf("alice currency = %s, want 950", got)
	}

	// The buy pushed the yes probability up from 0.75 towards 0.80.
	prob, err := decimal.NewFromString(resp.Probabilities[yes.ID])
	if err != nil {
		t.Fatalf("probability not a decimal string: %v", err)
	}
	if !within(prob, d(0.80), d(0.01)) {
		t.Errorf("yes probability = %s, want ≈ 0.80", prob)
	}
}

func TestExecuteTrade_SellRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(1000))
	market := env.createMarket(t, 0.75, 0.25, d(400))
	yes := market.Options[0]

	w := env.doTrade(t, trade.TradeRequest{
		AccountID: "alice",
		MarketID:  market.ID,
		OptionID:  yes.ID,
		Direction: trade.DirectionBuy,
		Amount:    d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}
	var bought trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &bought)

	w = env.doTrade(t, trade.TradeRequest{
		AccountID: "alice",
		MarketID:  market.ID,
		OptionID:  yes.ID,
		Direction: trade.DirectionSell,
		Amount:    bought.Shares,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sell failed: %d %s", w.Code, w.Body.String())
	}
	var sold trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &sold)

	// Selling everything back recovers roughly the spend. The first trade's
	// volume bonus deepens the pools slightly, so the payout is not exact.
	if !within(sold.Shares, d(50), d(0.1)) {
		t.Errorf("sell payout = %s, want ≈ 50", sold.Shares)
	}
	shares, err := env.ms.SumEntries(context.Background(), "alice", model.OptionAsset(yes.ID))
	if err != nil {
		t.Fatalf("SumEntries: %v", err)
	}
	if !shares.IsZero() {
		t.Errorf("alice still holds %s yes shares after selling all", shares)
	}
}

func TestExecuteTrade_VolumeBonusOnFirstTradeOnly(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(1000))
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	countBonuses := func() int {
		txns, err := env.ms.ListMarketTransactions(context.Background(), market.ID,
			model.TransactionLiquidityVolumeBonus)
		if err != nil {
			t.Fatalf("ListMarketTransactions: %v", err)
		}
		return len(txns)
	}

	env.doTrade(t, trade.TradeRequest{
		AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(10),
	})
	if got := countBonuses(); got != 1 {
		t.Fatalf("expected 1 volume bonus after first trade, got %d", got)
	}

	env.doTrade(t, trade.TradeRequest{
		AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(10),
	})
	if got := countBonuses(); got != 1 {
		t.Errorf("expected no second bonus for the same account, got %d", got)
	}

	env.fund(t, "bob", d(100))
	env.doTrade(t, trade.TradeRequest{
		AccountID: "bob", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(10),
	})
	if got := countBonuses(); got != 2 {
		t.Errorf("expected a bonus for bob's first trade, got %d", got)
	}
}

func TestExecuteTrade_InvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(100))
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	cases := []struct {
		name string
		req  trade.TradeRequest
		want int
	}{
		{
			name: "invalid direction",
			req: trade.TradeRequest{
				AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
				Direction: "HOLD", Amount: d(10),
			},
			want: http.StatusBadRequest,
		},
		{
			name: "zero amount",
			req: trade.TradeRequest{
				AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
				Direction: trade.DirectionBuy, Amount: decimal.Zero,
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown market",
			req: trade.TradeRequest{
				AccountID: "alice", MarketID: "nope", OptionID: yes.ID,
				Direction: trade.DirectionBuy, Amount: d(10),
			},
			want: http.StatusNotFound,
		},
		{
			name: "unknown option",
			req: trade.TradeRequest{
				AccountID: "alice", MarketID: market.ID, OptionID: "nope",
				Direction: trade.DirectionBuy, Amount: d(10),
			},
			want: http.StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.doTrade(t, tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestExecuteTrade_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	// bob has no currency.
	w := env.doTrade(t, trade.TradeRequest{
		AccountID: "bob", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(100),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// The failed trade left no trace: pools unchanged, no shares for bob.
	if got := env.poolShares(t, market.ID, yes.ID); !got.Equal(d(200)) {
		t.Errorf("yes pool = %s, want 200", got)
	}
	shares, _ := env.ms.SumEntries(context.Background(), "bob", model.OptionAsset(yes.ID))
	if !shares.IsZero() {
		t.Errorf("bob holds %s shares after failed trade", shares)
	}
}

func TestExecuteTrade_PositionLimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(2000))
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	// Spending 900 into pools [200, 200] buys over 1000 shares, past the
	// per-market limit.
	w := env.doTrade(t, trade.TradeRequest{
		AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(900),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.currency(t, "alice"); !got.Equal(d(2000)) {
		t.Errorf("alice currency = %s, want 2000 after rejected trade", got)
	}
}

func TestExecuteTrade_MarketClosed(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(100))
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	w := env.do(t, "POST", fmt.Sprintf("/api/v1/markets/%s/resolve", market.ID),
		trade.ResolveRequest{OptionID: yes.ID, InitiatorID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	w = env.doTrade(t, trade.TradeRequest{
		AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 trading a resolved market, got %d: %s", w.Code, w.Body.String())
	}
}

// orderingStore records the sequence of lock and read calls so tests can
// assert that pricing reads happen under the row locks.
type orderingStore struct {
	store.Store
	calls *[]string
}

func (s *orderingStore) InTx(ctx context.Context, fn func(store.Store) error) error {
	return s.Store.InTx(ctx, func(inner store.Store) error {
		return fn(&orderingStore{Store: inner, calls: s.calls})
	})
}

func (s *orderingStore) LockAccounts(ctx context.Context, ids []string) error {
	*s.calls = append(*s.calls, "lock")
	return s.Store.LockAccounts(ctx, ids)
}

func (s *orderingStore) AccountBalances(ctx context.Context, accountID, marketID string) ([]model.Balance, error) {
	*s.calls = append(*s.calls, "read")
	return s.Store.AccountBalances(ctx, accountID, marketID)
}

func (s *orderingStore) AssetHolders(ctx context.Context, asset model.Asset) (map[string]decimal.Decimal, error) {
	*s.calls = append(*s.calls, "read")
	return s.Store.AssetHolders(ctx, asset)
}

func firstIndex(calls []string, kind string) int {
	for i, c := range calls {
		if c == kind {
			return i
		}
	}
	return -1
}

func TestExecuteTrade_LocksPoolsBeforePricing(t *testing.T) {
	env := newTestEnv(t)
	var calls []string
	rec := &orderingStore{Store: env.ms, calls: &calls}

	exec := ledger.NewExecutor(rec, liquidity.SettlementTable(), nil)
	liq := liquidity.NewService(rec, exec, nil)
	limiter := limits.NewPositionLimiter(d(1000), d(5000))
	svc := trade.NewService(rec, exec, liq, limiter, nil, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Post("/api/v1/markets/{marketID}/resolve", svc.Resolve)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	ordered := &testEnv{ms: env.ms, exec: exec, router: r}

	ordered.fund(t, "alice", d(1000))
	market := ordered.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	// Two concurrent trades must not both price against the same reserve
	// snapshot, so the pool accounts are locked before the snapshot is
	// read.
	calls = calls[:0]
	w := ordered.doTrade(t, trade.TradeRequest{
		AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade failed: %d %s", w.Code, w.Body.String())
	}
	lock, read := firstIndex(calls, "lock"), firstIndex(calls, "read")
	if lock == -1 || read == -1 {
		t.Fatalf("expected both lock and read calls, got %v", calls)
	}
	if lock > read {
		t.Errorf("reserves read before pool accounts were locked: %v", calls)
	}

	// Resolution reads holders and reserves under the same locks.
	calls = calls[:0]
	w = ordered.do(t, "POST", fmt.Sprintf("/api/v1/markets/%s/resolve", market.ID),
		trade.ResolveRequest{OptionID: yes.ID, InitiatorID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}
	lock, read = firstIndex(calls, "lock"), firstIndex(calls, "read")
	if lock == -1 || read == -1 {
		t.Fatalf("expected both lock and read calls, got %v", calls)
	}
	if lock > read {
		t.Errorf("holders read before pool accounts were locked: %v", calls)
	}
}

// --- Quotes ---

func TestGetQuote_CappedByBudget(t *testing.T) {
	env := newTestEnv(t)
	market := env.createMarket(t, 0.75, 0.25, d(400))
	yes := market.Options[0]

	// Pools are [100, 300]. Asking for probability 0.99 on a 100 budget
	// exhausts the budget well short of the target.
	path := fmt.Sprintf("/api/v1/markets/%s/quote?option_id=%s&probability=0.99&amount=100",
		market.ID, yes.ID)
	w := env.do(t, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var quote struct {
		Probability decimal.Decimal `json:"probability"`
		Shares      decimal.Decimal `json:"shares"`
		Cost        decimal.Decimal `json:"cost"`
	}
	json.Unmarshal(w.Body.Bytes(), &quote)

	if !quote.Cost.Equal(d(100)) {
		t.Errorf("cost = %s, want 100", quote.Cost)
	}
	if !within(quote.Probability, d(0.84), d(0.01)) {
		t.Errorf("probability = %s, want ≈ 0.84", quote.Probability)
	}
	if !within(quote.Shares, d(125), d(0.5)) {
		t.Errorf("shares = %s, want ≈ 125", quote.Shares)
	}
}

func TestGetQuote_BadParams(t *testing.T) {
	env := newTestEnv(t)
	market := env.createMarket(t, 0.5, 0.5, d(400))

	path := fmt.Sprintf("/api/v1/markets/%s/quote?option_id=%s&probability=high&amount=100",
		market.ID, market.Options[0].ID)
	if w := env.do(t, "GET", path, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-decimal probability, got %d", w.Code)
	}

	path = fmt.Sprintf("/api/v1/markets/%s/quote?option_id=nope&probability=0.9&amount=100", market.ID)
	if w := env.do(t, "GET", path, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown option, got %d", w.Code)
	}
}

// --- Liquidity ---

func TestAddLiquidity_BalancedSplit(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(100))
	market := env.createMarket(t, 0.5, 0.5, d(400))

	w := env.do(t, "POST", fmt.Sprintf("/api/v1/markets/%s/liquidity", market.ID),
		trade.AddLiquidityRequest{AccountID: "alice", Amount: d(50)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// A balanced market splits the contribution evenly.
	for _, opt := range market.Options {
		if got := env.poolShares(t, market.ID, opt.ID); !got.Equal(d(225)) {
			t.Errorf("%s pool = %s, want 225", opt.Name, got)
		}
	}
	if got := env.currency(t, "alice"); !got.Equal(d(50)) {
		t.Errorf("alice currency = %s, want 50", got)
	}

	w = env.do(t, "GET", fmt.Sprintf("/api/v1/markets/%s/liquidity", market.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var liq liquidity.MarketLiquidity
	json.Unmarshal(w.Body.Bytes(), &liq)
	if !liq.Total.Equal(d(450)) {
		t.Errorf("total liquidity = %s, want 450", liq.Total)
	}
	if !liq.Providers["alice"].Equal(d(50)) {
		t.Errorf("alice contribution = %s, want 50", liq.Providers["alice"])
	}
}

// --- Resolution ---

func TestResolve_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(1000))
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes, no := market.Options[0], market.Options[1]

	// Buying 100 into pools [200, 200] yields 166.6667 shares.
	w := env.doTrade(t, trade.TradeRequest{
		AccountID: "alice", MarketID: market.ID, OptionID: yes.ID,
		Direction: trade.DirectionBuy, Amount: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", fmt.Sprintf("/api/v1/markets/%s/resolve", market.ID),
		trade.ResolveRequest{OptionID: yes.ID, InitiatorID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	var resolved model.Market
	json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved.Status != model.MarketStatusResolved {
		t.Errorf("status = %s, want resolved", resolved.Status)
	}
	if resolved.ResolvedOptionID != yes.ID {
		t.Errorf("resolved option = %s, want %s", resolved.ResolvedOptionID, yes.ID)
	}

	// Winning shares redeemed 1:1: 1000 − 100 spent + 166.6667 payout.
	if got := env.currency(t, "alice"); !got.Equal(d(1066.6667)) {
		t.Errorf("alice currency = %s, want 1066.6667", got)
	}
	ctx := context.Background()
	for _, opt := range []model.MarketOption{yes, no} {
		shares, err := env.ms.SumEntries(ctx, "alice", model.OptionAsset(opt.ID))
		if err != nil {
			t.Fatalf("SumEntries: %v", err)
		}
		if !shares.IsZero() {
			t.Errorf("alice still holds %s %s shares", shares, opt.Name)
		}
	}

	// Resolving again conflicts.
	w = env.do(t, "POST", fmt.Sprintf("/api/v1/markets/%s/resolve", market.ID),
		trade.ResolveRequest{OptionID: yes.ID})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double resolve, got %d", w.Code)
	}

	// The status filter sees the market as resolved.
	w = env.do(t, "GET", "/api/v1/markets?status=resolved", nil)
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 {
		t.Errorf("expected 1 resolved market, got %d", len(markets))
	}
}

func TestResolve_ReturnsExcessLiquidity(t *testing.T) {
	env := newTestEnv(t)
	market := env.createMarket(t, 0.5, 0.5, d(400))
	yes := market.Options[0]

	houseBefore := env.currency(t, "house")

	// No trades: the min of the [200, 200] pools flows back to the house.
	w := env.do(t, "POST", fmt.Sprintf("/api/v1/markets/%s/resolve", market.ID),
		trade.ResolveRequest{OptionID: yes.ID, InitiatorID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	if got := env.currency(t, "house"); !got.Equal(houseBefore.Add(d(200))) {
		t.Errorf("house currency = %s, want %s", got, houseBefore.Add(d(200)))
	}
	for _, opt := range market.Options {
		if got := env.poolShares(t, market.ID, opt.ID); !got.IsZero() {
			t.Errorf("%s pool = %s after full return, want 0", opt.Name, got)
		}
	}
}

// --- Balances and bonuses ---

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", d(250))

	w := env.do(t, "GET", "/api/v1/accounts/alice/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var balances []model.Balance
	json.Unmarshal(w.Body.Bytes(), &balances)
	if len(balances) != 1 {
		t.Fatalf("expected 1 balance, got %d", len(balances))
	}
	if !balances[0].Total.Equal(d(250)) {
		t.Errorf("balance = %s, want 250", balances[0].Total)
	}

	if w := env.do(t, "GET", "/api/v1/accounts/nobody/balance", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
}

func TestGrantBonus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/bonuses", trade.BonusRequest{
		Type:      model.TransactionDailyCommentBonus,
		AccountID: "alice",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.currency(t, "alice"); !got.Equal(economy.DailyCommentBonus) {
		t.Errorf("alice currency = %s, want %s", got, economy.DailyCommentBonus)
	}

	w = env.do(t, "POST", "/api/v1/bonuses", trade.BonusRequest{
		Type:      model.TransactionTradeBuy,
		AccountID: "alice",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-bonus type, got %d: %s", w.Code, w.Body.String())
	}
}
