/*
settlement.go - The settlement engine

PURPOSE:
  Settle(tokenID, customerID) is the single public operation: consume a
  token exactly once and credit the resulting reward to the customer's
  ledger, atomically.

ALGORITHM:
  1. Load the token (read-only preview; no locks).
  2. Resolve the business's rate. This happens BEFORE the token is
     consumed: consumption is the last irreversible step, so a rate
     failure can never strand a consumed token with no ledger effect.
  3. Compute gross = round(face * reward% / 100),
             fee   = round(gross * commission% / 100),
             net   = gross - fee.
     The commission is skimmed from the reward, not from the purchase.
  4. In ONE store transaction: conditionally consume the token
     (iff Active and unexpired) and append the Earned and PlatformFee
     entries. Either all three writes persist or none do.
  5. Emit settlement.succeeded / settlement.failed after commit.

CONCURRENCY:
  Two calls racing on the same token both reach step 4; the conditional
  consume admits exactly one. The loser gets AlreadyConsumed - or, if it
  is the original consumer retrying after a timeout, the original receipt
  rebuilt from the ledger (idempotent replay, no second set of entries).

SEE ALSO:
  - store/sqlite: production SettlementStore with real DB transactions
  - store/memory: in-memory SettlementStore for tests
*/
package coin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE CONTRACT - The atomic unit the engine writes through
// =============================================================================

// SettlementTx is the write surface that exists only inside the atomic
// callback passed to SettlementStore.Settle. Ledger appends and token
// consumption are unreachable from anywhere else, which is how the
// "only the engine writes" invariant is enforced structurally.
type SettlementTx interface {
	// ConsumeToken flips Active -> Consumed iff the token is active and
	// unexpired at now, recording who consumed it. This must be a
	// conditional update, not a read-then-write: under N concurrent calls
	// exactly one succeeds.
	//
	// Failures: ErrTokenNotFound, *AlreadyConsumedError (wrapping
	// ErrTokenAlreadyConsumed), ErrTokenExpired, ErrTokenVoided.
	ConsumeToken(ctx context.Context, id TokenID, by CustomerID, now time.Time) (*Token, error)

	// AppendEntry appends one immutable ledger entry.
	AppendEntry(ctx context.Context, e LedgerEntry) error
}

// SettlementStore is everything the engine needs from persistence. Settle
// runs fn inside one transaction: fn returning an error rolls every write
// back.
type SettlementStore interface {
	TokenStore
	LedgerStore

	Settle(ctx context.Context, fn func(tx SettlementTx) error) error
}

// =============================================================================
// RECEIPT
// =============================================================================

// Receipt is the result of a successful settlement. Replayed marks a
// receipt rebuilt from the ledger for an idempotent retry.
type Receipt struct {
	TokenID     TokenID
	CustomerID  CustomerID
	BusinessID  BusinessID
	FaceAmount  decimal.Decimal
	GrossReward decimal.Decimal
	PlatformFee decimal.Decimal
	NetReward   decimal.Decimal
	EntryIDs    []EntryID
	SettledAt   time.Time
	Replayed    bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine performs settlements. Construct one at process start and pass it
// by reference; it holds no ambient state beyond its dependencies.
type Engine struct {
	Store    SettlementStore
	Rates    RateResolver
	Notifier Notifier
	Clock    func() time.Time
}

func NewEngine(store SettlementStore, rates RateResolver, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		Store:    store,
		Rates:    rates,
		Notifier: notifier,
		Clock:    time.Now,
	}
}

// Settle consumes the token exactly once and credits the reward.
func (e *Engine) Settle(ctx context.Context, tokenID TokenID, customerID CustomerID) (*Receipt, error) {
	timer := prometheus.NewTimer(settlementDuration)
	defer timer.ObserveDuration()

	receipt, err := e.settle(ctx, tokenID, customerID)
	if err != nil {
		reason := FailureReason(err)
		settlementsTotal.WithLabelValues(reason).Inc()
		e.Notifier.SettlementFailed(ctx, tokenID, reason)
		return nil, err
	}

	if receipt.Replayed {
		settlementsTotal.WithLabelValues("replayed").Inc()
	} else {
		settlementsTotal.WithLabelValues("settled").Inc()
	}
	e.Notifier.SettlementSucceeded(ctx, *receipt)
	return receipt, nil
}

func (e *Engine) settle(ctx context.Context, tokenID TokenID, customerID CustomerID) (*Receipt, error) {
	now := e.Clock().UTC()

	tok, err := e.Store.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	// Preview classification. The conditional consume below remains the
	// authoritative check; this just avoids rate lookups for dead tokens.
	switch tok.Status {
	case TokenConsumed:
		return e.replay(ctx, tok, customerID)
	case TokenVoided:
		return nil, ErrTokenVoided
	case TokenExpired:
		return nil, ErrTokenExpired
	}
	if tok.ExpiredAt(now) {
		return nil, ErrTokenExpired
	}

	// Rate resolution before consumption: the token is untouched if the
	// business turns out to be ineligible.
	rate, err := e.Rates.Resolve(ctx, tok.BusinessID)
	if err != nil {
		return nil, err
	}

	gross := Percent(tok.FaceAmount, rate.RewardPercent)
	fee := Percent(gross, rate.PlatformCommissionPercent)
	net := gross.Sub(fee)

	earned := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		CustomerID:     customerID,
		BusinessID:     tok.BusinessID,
		TokenID:        tok.ID,
		Kind:           KindEarned,
		AmountDelta:    net,
		PurchaseAmount: tok.FaceAmount,
		CreatedAt:      now,
	}
	platformFee := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		BusinessID:     tok.BusinessID,
		TokenID:        tok.ID,
		Kind:           KindPlatformFee,
		AmountDelta:    fee,
		PurchaseAmount: tok.FaceAmount,
		CreatedAt:      now,
	}

	err = e.Store.Settle(ctx, func(tx SettlementTx) error {
		if _, err := tx.ConsumeToken(ctx, tok.ID, customerID, now); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, earned); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, platformFee)
	})
	if err != nil {
		var consumed *AlreadyConsumedError
		if errors.As(err, &consumed) {
			// Lost the race after our preview read. If the winner was this
			// same caller (timed-out retry), hand back the original receipt.
			if consumed.ConsumedBy != customerID {
				return nil, err
			}
			fresh, gerr := e.Store.Get(ctx, tok.ID)
			if gerr != nil {
				return nil, gerr
			}
			return e.replay(ctx, fresh, customerID)
		}
		if IsClientError(err) || IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return &Receipt{
		TokenID:     tok.ID,
		CustomerID:  customerID,
		BusinessID:  tok.BusinessID,
		FaceAmount:  tok.FaceAmount,
		GrossReward: gross,
		PlatformFee: fee,
		NetReward:   net,
		EntryIDs:    []EntryID{earned.ID, platformFee.ID},
		SettledAt:   now,
	}, nil
}

// replay rebuilds the original receipt for a token this customer already
// consumed. A consumed token whose entries cannot be found is a stranded
// settlement: surfacing ErrReconciliationRequired is the only move that
// neither loses the reward nor double-credits it.
func (e *Engine) replay(ctx context.Context, tok *Token, customerID CustomerID) (*Receipt, error) {
	if tok.ConsumedBy != customerID {
		consumedAt := time.Time{}
		if tok.ConsumedAt != nil {
			consumedAt = *tok.ConsumedAt
		}
		return nil, &AlreadyConsumedError{
			TokenID:    tok.ID,
			ConsumedBy: tok.ConsumedBy,
			ConsumedAt: consumedAt,
		}
	}

	entries, err := e.Store.EntriesByToken(ctx, tok.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: load entries for replay: %v", ErrPersistence, err)
	}

	var earned, fee *LedgerEntry
	for i := range entries {
		switch entries[i].Kind {
		case KindEarned:
			earned = &entries[i]
		case KindPlatformFee:
			fee = &entries[i]
		}
	}
	if earned == nil || fee == nil {
		return nil, ErrReconciliationRequired
	}

	settledAt := earned.CreatedAt
	if tok.ConsumedAt != nil {
		settledAt = *tok.ConsumedAt
	}

	return &Receipt{
		TokenID:     tok.ID,
		CustomerID:  customerID,
		BusinessID:  tok.BusinessID,
		FaceAmount:  earned.PurchaseAmount,
		GrossReward: earned.AmountDelta.Add(fee.AmountDelta),
		PlatformFee: fee.AmountDelta,
		NetReward:   earned.AmountDelta,
		EntryIDs:    []EntryID{earned.ID, fee.ID},
		SettledAt:   settledAt,
		Replayed:    true,
	}, nil
}

// FailureReason maps a settlement error to the stable reason string used
// in events, metrics and the HTTP surface.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenVoided):
		return "voided"
	case errors.Is(err, ErrBusinessNotFound):
		return "business_not_found"
	case errors.Is(err, ErrBusinessNotEligible):
		return "business_not_eligible"
	case errors.Is(err, ErrReconciliationRequired):
		return "reconciliation_required"
	default:
		return "persistence"
	}
}
