/*
Package coin is the core settlement and ledger engine for B-Coins.

PURPOSE:
  Customers earn B-Coins by scanning a merchant-issued QR code after a
  purchase. This package owns the part with real invariants: single-use
  claim tokens, atomic settlement, and an append-only ledger that is the
  sole source of truth for every balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Token: a single-use, time-bounded claim backing a QR code
  - LedgerEntry: an immutable record of a balance-affecting event
  - Rate: a business's reward percent and the platform's commission percent
  - Money helpers: decimal arithmetic with one consistent rounding rule

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, only compensated
  2. Precision: decimal.Decimal everywhere, round-half-even to 2 places
  3. Type safety: distinct ID types so a customer id can't stand in for
     a business id
  4. Single writer: only the settlement engine appends ledger entries or
     flips token status

SEE ALSO:
  - settlement.go: the engine and its atomic store contract
  - ledger.go: read-side ledger interface and balance projection
  - token.go: issuance and the token store contract
*/
package coin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TokenID string
type BusinessID string
type CustomerID string
type EntryID string

// =============================================================================
// MONEY
// =============================================================================

// RoundMoney applies the single rounding rule used everywhere in the core:
// round-half-even to 2 decimal places. Each computed value is rounded exactly
// once; derived values are computed from rounded inputs, never re-rounded.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Percent applies pct/100 to base and rounds.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(base.Mul(pct).Div(decimal.NewFromInt(100)))
}

// ParseMoney parses a stored decimal amount. A parse failure means a
// corrupt row and must surface, never read as zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return d, nil
}

// MustMoney parses a decimal literal, panicking on invalid input. For
// tests and hardcoded values only; storage goes through ParseMoney.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// TOKEN - Single-use, time-bounded claim
// =============================================================================

type TokenStatus string

const (
	TokenActive   TokenStatus = "active"
	TokenConsumed TokenStatus = "consumed"
	TokenExpired  TokenStatus = "expired"
	TokenVoided   TokenStatus = "voided"
)

// Token backs one QR code. It transitions Active -> Consumed at most once;
// there is no path back to Active. ConsumedBy/ConsumedAt are set exactly
// once, on that transition.
type Token struct {
	ID         TokenID
	BusinessID BusinessID
	FaceAmount decimal.Decimal
	Status     TokenStatus
	ExpiresAt  time.Time
	ConsumedBy CustomerID
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// ExpiredAt reports whether the token is past its expiry at the given
// instant. Expiry is judged against ExpiresAt, never against the Status
// column: a stale Active row is still expired.
func (t Token) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// =============================================================================
// LEDGER ENTRY - Immutable balance-affecting record
// =============================================================================

type EntryKind string

const (
	KindEarned      EntryKind = "earned"       // Reward credited on settlement
	KindRedeemed    EntryKind = "redeemed"     // Balance spent at a partner merchant
	KindPlatformFee EntryKind = "platform_fee" // Platform's cut (synthetic account, no customer)
	KindBonus       EntryKind = "bonus"        // Promotional credit
)

// LedgerEntry is append-only and immutable forever. Corrections are new
// compensating entries, never in-place edits.
//
// PlatformFee entries carry an empty CustomerID: the platform's revenue is
// a distinct entry kind, not a magic customer account, so it can never leak
// into a customer balance fold.
type LedgerEntry struct {
	ID             EntryID
	CustomerID     CustomerID // empty for platform-side bookkeeping
	BusinessID     BusinessID
	TokenID        TokenID // empty for non-token entries (e.g. bonus)
	Kind           EntryKind
	AmountDelta    decimal.Decimal // signed change to the owning balance
	PurchaseAmount decimal.Decimal // original face amount, denormalized for audit
	CreatedAt      time.Time
}

// =============================================================================
// RATE - Per-business reward and commission schedule
// =============================================================================

// Rate is read-only from the settlement engine's perspective. Changes take
// effect for settlements after the change; there is no retroactive
// recomputation.
type Rate struct {
	RewardPercent             decimal.Decimal
	PlatformCommissionPercent decimal.Decimal
}

// Business is the registry record behind the rate resolver. Unverified
// businesses must not generate reward entries.
type Business struct {
	ID                BusinessID
	Name              string
	Verified          bool
	RewardPercent     decimal.Decimal
	CommissionPercent decimal.Decimal
	CreatedAt         time.Time
}
