// Package amm implements the constant-product automated market maker used to
// price trades against discrete-outcome share pools.
//
// Every trade is priced through a binary reduction of the reserve vector: the
// target outcome's reserve y against the aggregate of all other reserves n,
// maintaining the invariant k = y * n across the trade. Buys add currency to
// the aggregate side and withdraw target shares; sells are the closed-form
// inversion of the same invariant under a payout cap.
//
// All functions are pure: no I/O, no shared state. Callers are responsible
// for feeding a consistent point-in-time reserve snapshot read inside the
// same transactional scope that will commit the resulting entries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package amm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTrade is returned when a trade violates the pool invariant:
	// non-positive amount, pool depletion, or no admissible payout root.
	ErrInvalidTrade = errors.New("amm: invalid trade")

	// ErrInvalidShares is returned when a reserve vector has fewer than two
	// outcomes, a non-positive reserve, or references an unknown outcome.
	ErrInvalidShares = errors.New("amm: invalid share vector")

	// ErrInvalidLiquidity is returned for non-positive liquidity amounts or
	// degenerate liquidity probability vectors.
	ErrInvalidLiquidity = errors.New("amm: invalid liquidity contribution")

	// ProbabilityScale is the number of decimal places probabilities are
	// rounded to before being returned.
	ProbabilityScale int32 = 8
)

var (
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)
)

// sqrt computes the square root of d with Newton's method, seeded from
// float64 for fast convergence. d must be non-negative.
func sqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}

	f := d.InexactFloat64()
	var guess decimal.Decimal
	if f > 0 && !math.IsInf(f, 1) {
		guess = decimal.NewFromFloat(math.Sqrt(f))
	} else {
		guess = d.Div(two)
	}

	// A float64 seed is accurate to ~15 digits; a handful of Newton steps
	// takes it past decimal division precision.
	for i := 0; i < 6; i++ {
		guess = guess.Add(d.Div(guess)).Div(two)
	}
	return guess
}

// reduce collapses a reserve vector to the two-pool view for targetShare:
// the aggregate-other reserve n and the invariant k = targetShare * n.
func reduce(targetShare decimal.Decimal, shares []decimal.Decimal) (n, k decimal.Decimal) {
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	n = sum.Sub(targetShare)
	k = targetShare.Mul(n)
	return n, k
}

func validShares(shares []decimal.Decimal) bool {
	if len(shares) < 2 {
		return false
	}
	for _, s := range shares {
		if s.Sign() <= 0 {
			return false
		}
	}
	return true
}

// Trade prices a single trade against the pools.
//
// Buy (isBuy=true): amount is currency spent; the return value is the number
// of target shares received. Fails if the purchase would deplete the target
// pool entirely.
//
// Sell (isBuy=false): amount is target shares surrendered; the return value
// is the currency payout M, the smaller root of
//
//	M^2 - (y + x + n)*M + ((y + x)*n - k) = 0
//
// constrained to 0 <= M < n. Fails if no admissible root exists (selling
// more value than the pool can return).
func Trade(amount, targetShare decimal.Decimal, shares []decimal.Decimal, isBuy bool) (decimal.Decimal, error) {
	if !validShares(shares) {
		return decimal.Zero, ErrInvalidShares
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrInvalidTrade
	}

	y := targetShare
	n, k := reduce(y, shares)
	if n.Sign() <= 0 || y.Sign() <= 0 {
		return decimal.Zero, ErrInvalidShares
	}

	if isBuy {
		newN := n.Add(amount)
		newY := k.Div(newN)
		bought := y.Add(amount).Sub(newY)
		// The post-trade target reserve y + amount - bought must stay
		// positive; a depleted pool stops trading.
		if bought.GreaterThanOrEqual(y.Add(amount)) {
			return decimal.Zero, ErrInvalidTrade
		}
		return bought, nil
	}

	// Sell: solve (y + x - M)(n - M) = k for the payout M.
	x := amount
	b := y.Add(x).Add(n)
	c := y.Add(x).Mul(n).Sub(k)
	disc := b.Mul(b).Sub(four.Mul(c))
	if disc.Sign() < 0 {
		return decimal.Zero, ErrInvalidTrade
	}
	payout := b.Sub(sqrt(disc)).Div(two)
	if payout.Sign() < 0 || payout.GreaterThanOrEqual(n) {
		return decimal.Zero, ErrInvalidTrade
	}
	return payout, nil
}

// CalculateProbability returns the market-implied probability of the outcome
// at index, consistent with the invariant used by Trade and Quote:
//
//	p_i = 1 - (n-1) * y_i / sum(y)
//
// For exactly two outcomes this reduces to other / (own + other).
func CalculateProbability(index int, shares []decimal.Decimal) (decimal.Decimal, error) {
	if len(shares) < 2 || index < 0 || index >= len(shares) {
		return decimal.Zero, ErrInvalidShares
	}

	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	if sum.Sign() <= 0 {
		return decimal.Zero, ErrInvalidShares
	}

	others := decimal.NewFromInt(int64(len(shares) - 1))
	p := one.Sub(others.Mul(shares[index]).Div(sum))
	return p.Round(ProbabilityScale), nil
}

// ApplyBuy returns the reserve vector after buying: the currency amount is
// minted into every pool and the purchased shares are withdrawn from the
// target pool.
func ApplyBuy(shares []decimal.Decimal, index int, amount, bought decimal.Decimal) []decimal.Decimal {
	next := make([]decimal.Decimal, len(shares))
	for i, s := range shares {
		next[i] = s.Add(amount)
	}
	next[index] = next[index].Sub(bought)
	return next
}

// ApplySell returns the reserve vector after selling: the surrendered shares
// join the target pool and the payout is burned from every pool.
func ApplySell(shares []decimal.Decimal, index int, surrendered, payout decimal.Decimal) []decimal.Decimal {
	next := make([]decimal.Decimal, len(shares))
	for i, s := range shares {
		next[i] = s.Sub(payout)
	}
	next[index] = next[index].Add(surrendered)
	return next
}

// Quote describes the trade that would move the market toward a requested
// probability, capped by a maximum budget.
type Quote struct {
	// Probability is the resulting market probability of the target outcome.
	// It equals the requested probability unless the budget cap was hit.
	Probability decimal.Decimal `json:"probability"`

	// Shares is what the trader receives: target shares for a buy quote,
	// currency for a sell quote.
	Shares decimal.Decimal `json:"shares"`

	// Cost is what the trader gives up: currency for a buy quote, target
	// shares for a sell quote. Never exceeds the requested amount.
	Cost decimal.Decimal `json:"cost"`
}

// NewQuote computes the trade moving the target outcome to the requested
// probability, spending at most amount (currency when buying up, shares when
// selling down). If the budget is exhausted first, the returned probability
// is the one actually reached.
func NewQuote(amount, probability, targetShare decimal.Decimal, shares []decimal.Decimal) (Quote, error) {
	if !validShares(shares) {
		return Quote{}, ErrInvalidShares
	}
	if amount.Sign() < 0 || probability.Sign() <= 0 || probability.GreaterThanOrEqual(one) {
		return Quote{}, ErrInvalidTrade
	}

	index := -1
	for i, s := range shares {
		if s.Equal(targetShare) {
			index = i
			break
		}
	}
	if index < 0 {
		return Quote{}, ErrInvalidShares
	}

	current, err := CalculateProbability(index, shares)
	if err != nil {
		return Quote{}, err
	}

	switch {
	case probability.Equal(current):
		return Quote{Probability: current, Shares: decimal.Zero, Cost: decimal.Zero}, nil

	case probability.GreaterThan(current):
		return quoteBuy(amount, probability, targetShare, index, shares)

	default:
		return quoteSell(amount, probability, targetShare, index, shares)
	}
}

// quoteBuy finds the currency spend reaching probability P, capped at amount:
//
//	M* = sqrt(P*k / (1-P)) - n
func quoteBuy(amount, probability, y decimal.Decimal, index int, shares []decimal.Decimal) (Quote, error) {
	n, k := reduce(y, shares)

	required := sqrt(probability.Mul(k).Div(one.Sub(probability))).Sub(n)
	cost := required
	if cost.GreaterThan(amount) {
		cost = amount
	}
	if cost.Sign() <= 0 {
		current, _ := CalculateProbability(index, shares)
		return Quote{Probability: current, Shares: decimal.Zero, Cost: decimal.Zero}, nil
	}

	bought, err := Trade(cost, y, shares, true)
	if err != nil {
		return Quote{}, err
	}

	next := ApplyBuy(shares, index, cost, bought)
	reached, err := CalculateProbability(index, next)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Probability: reached, Shares: bought, Cost: cost}, nil
}

// quoteSell finds the number of shares to surrender so the post-trade
// aggregate reserve lands at n' = sqrt(k*P / (1-P)), capped at amount.
func quoteSell(amount, probability, y decimal.Decimal, index int, shares []decimal.Decimal) (Quote, error) {
	n, k := reduce(y, shares)

	targetN := sqrt(k.Mul(probability).Div(one.Sub(probability)))
	payoutAtTarget := n.Sub(targetN)
	required := k.Div(targetN).Add(payoutAtTarget).Sub(y)

	cost := required
	if cost.GreaterThan(amount) {
		cost = amount
	}
	if cost.Sign() <= 0 {
		current, _ := CalculateProbability(index, shares)
		return Quote{Probability: current, Shares: decimal.Zero, Cost: decimal.Zero}, nil
	}

	payout, err := Trade(cost, y, shares, false)
	if err != nil {
		return Quote{}, err
	}

	next := ApplySell(shares, index, cost, payout)
	reached, err := CalculateProbability(index, next)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Probability: reached, Shares: payout, Cost: cost}, nil
}

// LiquidityOption is the per-outcome input to AddLiquidity.
type LiquidityOption struct {
	// Shares is the outcome's current pool reserve.
	Shares decimal.Decimal

	// LiquidityProbability is the outcome's configured liquidity weight.
	LiquidityProbability decimal.Decimal
}

// AddLiquidity splits a currency contribution across the outcome pools
// according to each option's configured liquidity probability, so that
// seeding pools at these weights prices every outcome at exactly its
// configured probability. The per-option weight is 1-p: a likelier outcome
// keeps a smaller reserve. The returned contributions sum to amount.
func AddLiquidity(amount decimal.Decimal, options []LiquidityOption) ([]decimal.Decimal, error) {
	if amount.Sign() <= 0 || len(options) < 2 {
		return nil, ErrInvalidLiquidity
	}

	total := decimal.Zero
	weights := make([]decimal.Decimal, len(options))
	for i, o := range options {
		if o.LiquidityProbability.Sign() <= 0 || o.LiquidityProbability.GreaterThanOrEqual(one) {
			return nil, ErrInvalidLiquidity
		}
		weights[i] = one.Sub(o.LiquidityProbability)
		total = total.Add(weights[i])
	}

	contributions := make([]decimal.Decimal, len(options))
	for i, w := range weights {
		contributions[i] = amount.Mul(w).Div(total)
	}
	return contributions, nil
}
