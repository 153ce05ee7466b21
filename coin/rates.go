/*
rates.go - Rate resolution: reward percent and platform commission

The resolver answers one question: what does this business currently pay
out, and what is the platform's cut of that payout. It is read-only from
the settlement engine's perspective; a rate change only affects settlements
performed after it.
*/
package coin

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// RewardPercent bounds: a business pays out between 1% and 25% of the
// purchase amount. Commission is the platform's cut of the reward (not of
// the purchase) and may range 0-100%.
var (
	MinRewardPercent = decimal.NewFromInt(1)
	MaxRewardPercent = decimal.NewFromInt(25)
)

// RateResolver returns the current rate for a business, or
// ErrBusinessNotFound / ErrBusinessNotEligible when the business cannot
// accept settlements.
type RateResolver interface {
	Resolve(ctx context.Context, id BusinessID) (Rate, error)
}

// ValidateRate checks schedule bounds at registration time so settlement
// never sees an out-of-range percentage.
func ValidateRate(rewardPct, commissionPct decimal.Decimal) error {
	if rewardPct.LessThan(MinRewardPercent) || rewardPct.GreaterThan(MaxRewardPercent) {
		return ErrInvalidRate
	}
	if commissionPct.IsNegative() || commissionPct.GreaterThan(decimal.NewFromInt(100)) {
		return ErrInvalidRate
	}
	return nil
}

// =============================================================================
// STATIC RESOLVER - Fixed in-memory schedule (tests, seeding)
// =============================================================================

// StaticResolver resolves rates from a fixed table. Businesses absent from
// the table are not found; entries with Eligible=false are rejected the
// same way an unverified business is.
type StaticResolver struct {
	mu    sync.RWMutex
	rates map[BusinessID]StaticRate
}

type StaticRate struct {
	Rate     Rate
	Eligible bool
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{rates: make(map[BusinessID]StaticRate)}
}

// Set registers or replaces a business's rate.
func (r *StaticResolver) Set(id BusinessID, rate Rate, eligible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[id] = StaticRate{Rate: rate, Eligible: eligible}
}

func (r *StaticResolver) Resolve(_ context.Context, id BusinessID) (Rate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sr, ok := r.rates[id]
	if !ok {
		return Rate{}, ErrBusinessNotFound
	}
	if !sr.Eligible {
		return Rate{}, ErrBusinessNotEligible
	}
	return sr.Rate, nil
}
