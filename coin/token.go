/*
token.go - Token store contract and issuance

ISSUANCE:
  A business creates a token for a purchase amount; the token becomes the
  QR code the customer scans. Face amounts are bounded by configuration
  (default ₹10 - ₹50,000) and tokens carry a TTL (default 24h).

CONSUMPTION:
  Consumption is NOT defined here. The only legal state mutation
  (Active -> Consumed) happens inside the settlement engine's atomic
  transaction, via SettlementTx in settlement.go. A token store exposes
  reads plus issuance-side writes only.
*/
package coin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TOKEN STORE - Reads and issuance-side writes
// =============================================================================

// TokenStore persists claim tokens.
//
// There is deliberately no Update method: the Active -> Consumed transition
// is only reachable through SettlementTx.ConsumeToken, and Active -> Voided
// through Void. Nothing else mutates a token.
type TokenStore interface {
	// Insert persists a freshly issued token.
	Insert(ctx context.Context, tok Token) error

	// Get returns the token or ErrTokenNotFound. Read-only, lock-free.
	Get(ctx context.Context, id TokenID) (*Token, error)

	// Void flips Active -> Voided iff the token is still active and
	// unexpired. Conditional update; returns ErrTokenAlreadyConsumed,
	// ErrTokenExpired, ErrTokenVoided or ErrTokenNotFound otherwise.
	Void(ctx context.Context, id TokenID, now time.Time) error

	// ExpireStale flips stale Active rows past their expiry to Expired.
	// Pure bookkeeping for dashboards: consumption never trusts the status
	// column for expiry. Returns the number of rows flipped.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// ISSUER - Creates tokens on behalf of businesses
// =============================================================================

// IssuePolicy bounds what a business may put on a QR code.
type IssuePolicy struct {
	MinFaceAmount decimal.Decimal
	MaxFaceAmount decimal.Decimal
	TTL           time.Duration
}

// DefaultIssuePolicy mirrors the production defaults: ₹10 - ₹50,000, 24h TTL.
func DefaultIssuePolicy() IssuePolicy {
	return IssuePolicy{
		MinFaceAmount: decimal.NewFromInt(10),
		MaxFaceAmount: decimal.NewFromInt(50000),
		TTL:           24 * time.Hour,
	}
}

// Issuer validates and creates tokens. It checks business eligibility up
// front so an unverified business cannot mint claims that will only fail
// at settlement time.
type Issuer struct {
	Tokens   TokenStore
	Rates    RateResolver
	Policy   IssuePolicy
	Notifier Notifier
	Clock    func() time.Time
}

func NewIssuer(tokens TokenStore, rates RateResolver, policy IssuePolicy, notifier Notifier) *Issuer {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Issuer{
		Tokens:   tokens,
		Rates:    rates,
		Policy:   policy,
		Notifier: notifier,
		Clock:    time.Now,
	}
}

// Issue creates a single-use token for faceAmount at the given business.
// Fails with ErrInvalidAmount outside the configured bounds and
// ErrBusinessNotFound/ErrBusinessNotEligible if the business cannot
// currently accept settlements.
func (i *Issuer) Issue(ctx context.Context, businessID BusinessID, faceAmount decimal.Decimal) (*Token, error) {
	if faceAmount.LessThan(i.Policy.MinFaceAmount) || faceAmount.GreaterThan(i.Policy.MaxFaceAmount) {
		return nil, &InvalidAmountError{
			Amount: faceAmount.String(),
			Min:    i.Policy.MinFaceAmount.String(),
			Max:    i.Policy.MaxFaceAmount.String(),
		}
	}

	// Eligibility gate. The resolver is also consulted again at settlement,
	// before the token is consumed.
	if _, err := i.Rates.Resolve(ctx, businessID); err != nil {
		return nil, err
	}

	now := i.Clock().UTC()
	tok := Token{
		ID:         TokenID(uuid.NewString()),
		BusinessID: businessID,
		FaceAmount: faceAmount,
		Status:     TokenActive,
		ExpiresAt:  now.Add(i.Policy.TTL),
		CreatedAt:  now,
	}

	if err := i.Tokens.Insert(ctx, tok); err != nil {
		return nil, fmt.Errorf("%w: insert token: %v", ErrPersistence, err)
	}

	tokensIssuedTotal.Inc()
	i.Notifier.TokenIssued(ctx, tok)
	return &tok, nil
}
