/*
ledger.go - Read side of the append-only ledger, and balance projection

PURPOSE:
  The ledger is the sole source of truth for balances. A customer's balance
  is the sum of their entries' AmountDelta - there is no separate mutable
  balance column that can drift from that sum.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no Update, no Delete. Ever.
  2. Entries are written ONLY by the settlement engine, inside its atomic
     transaction. That is why this interface has no Append: the write path
     lives on SettlementTx and is unreachable from anywhere else.
  3. Balance fold is insertion-order-independent (pure sum), so the only
     ordering guarantee needed is atomic append-per-settlement.

CORRECTIONS:
  Mistakes are fixed with compensating entries (opposite sign), never edits.
*/
package coin

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER STORE - Read-only view over the entry log
// =============================================================================

// LedgerStore exposes the entry log. Ordering: entries for a customer are
// returned in creation order, which is their total order.
type LedgerStore interface {
	// EntriesByCustomer returns all of a customer's entries, oldest first.
	EntriesByCustomer(ctx context.Context, id CustomerID) ([]LedgerEntry, error)

	// EntriesByToken returns the entries a settlement produced for a token.
	// Used for idempotent replay: a consumed token's receipt is rebuilt
	// from these.
	EntriesByToken(ctx context.Context, id TokenID) ([]LedgerEntry, error)

	// PlatformFees returns all platform-side entries, oldest first.
	PlatformFees(ctx context.Context) ([]LedgerEntry, error)
}

// BalanceSummer is an optional capability: stores that can fold in the
// database (SUM over an index) implement it. The in-Go fold below remains
// the definition of correctness; a summer is a fast path that must agree
// with it.
type BalanceSummer interface {
	SumByCustomer(ctx context.Context, id CustomerID) (decimal.Decimal, error)
}

// =============================================================================
// BALANCE PROJECTOR - Balance as a fold over the ledger
// =============================================================================

type Projector struct {
	Ledger LedgerStore
}

func NewProjector(ledger LedgerStore) *Projector {
	return &Projector{Ledger: ledger}
}

// BalanceOf computes the customer's current balance. Uses the store's SUM
// fast path when available, otherwise folds the entries.
func (p *Projector) BalanceOf(ctx context.Context, id CustomerID) (decimal.Decimal, error) {
	if s, ok := p.Ledger.(BalanceSummer); ok {
		return s.SumByCustomer(ctx, id)
	}
	entries, err := p.Ledger.EntriesByCustomer(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return FoldBalance(entries), nil
}

// PlatformRevenue computes the platform's accumulated commission.
func (p *Projector) PlatformRevenue(ctx context.Context) (decimal.Decimal, error) {
	entries, err := p.Ledger.PlatformFees(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return FoldBalance(entries), nil
}

// FoldBalance sums AmountDelta over entries. This pure fold is the
// definition of a balance; any cached or SQL-side total is reconciled
// against it.
func FoldBalance(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.AmountDelta)
	}
	return total
}
