/*
dto.go - Data transfer objects for the HTTP surface

DTOs decouple the domain model from the wire contract. Amounts travel as
decimal values (shopspring/decimal marshals to a JSON number and accepts
number or string on input), timestamps as RFC3339.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/localperks/bcoin-core/coin"
)

func init() {
	// Amounts travel as JSON numbers, not quoted strings. Input side accepts
	// either.
	decimal.MarshalJSONWithoutQuotes = true
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// IssueTokenRequest creates a claim token for a purchase.
type IssueTokenRequest struct {
	BusinessID string          `json:"business_id"`
	FaceAmount decimal.Decimal `json:"face_amount"`
}

// SettleRequest redeems a token for a customer.
type SettleRequest struct {
	CustomerID string `json:"customer_id"`
}

// CreateBusinessRequest registers a business and its rate schedule.
type CreateBusinessRequest struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Verified          bool            `json:"verified"`
	RewardPercent     decimal.Decimal `json:"reward_percent"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// TokenDTO represents a token in API responses. ConsumedBy is deliberately
// omitted: the preview endpoint exposes status, not who claimed it.
type TokenDTO struct {
	ID         string          `json:"id"`
	BusinessID string          `json:"business_id"`
	FaceAmount decimal.Decimal `json:"face_amount"`
	Status     string          `json:"status"`
	ExpiresAt  string          `json:"expires_at"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

func tokenDTO(t *coin.Token) TokenDTO {
	return TokenDTO{
		ID:         string(t.ID),
		BusinessID: string(t.BusinessID),
		FaceAmount: t.FaceAmount,
		Status:     string(t.Status),
		ExpiresAt:  t.ExpiresAt.Format(time.RFC3339),
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
}

// ReceiptDTO is the settlement result.
type ReceiptDTO struct {
	TokenID        string          `json:"token_id"`
	CustomerID     string          `json:"customer_id"`
	BusinessID     string          `json:"business_id"`
	FaceAmount     decimal.Decimal `json:"face_amount"`
	GrossReward    decimal.Decimal `json:"gross_reward"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	NetReward      decimal.Decimal `json:"net_reward"`
	LedgerEntryIDs []string        `json:"ledger_entry_ids"`
	SettledAt      string          `json:"settled_at"`
	Replayed       bool            `json:"replayed"`
}

func receiptDTO(r *coin.Receipt) ReceiptDTO {
	ids := make([]string, len(r.EntryIDs))
	for i, id := range r.EntryIDs {
		ids[i] = string(id)
	}
	return ReceiptDTO{
		TokenID:        string(r.TokenID),
		CustomerID:     string(r.CustomerID),
		BusinessID:     string(r.BusinessID),
		FaceAmount:     r.FaceAmount,
		GrossReward:    r.GrossReward,
		PlatformFee:    r.PlatformFee,
		NetReward:      r.NetReward,
		LedgerEntryIDs: ids,
		SettledAt:      r.SettledAt.Format(time.RFC3339),
		Replayed:       r.Replayed,
	}
}

// BalanceDTO is a customer's current balance.
type BalanceDTO struct {
	CustomerID string          `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
}

// EntryDTO represents one ledger entry in a customer's history.
type EntryDTO struct {
	ID             string          `json:"id"`
	BusinessID     string          `json:"business_id"`
	TokenID        string          `json:"token_id,omitempty"`
	Kind           string          `json:"kind"`
	AmountDelta    decimal.Decimal `json:"amount_delta"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
	CreatedAt      string          `json:"created_at"`
}

func entryDTO(e coin.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		BusinessID:     string(e.BusinessID),
		TokenID:        string(e.TokenID),
		Kind:           string(e.Kind),
		AmountDelta:    e.AmountDelta,
		PurchaseAmount: e.PurchaseAmount,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

// BusinessDTO represents a business and its rate schedule.
type BusinessDTO struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Verified          bool            `json:"verified"`
	RewardPercent     decimal.Decimal `json:"reward_percent"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	CreatedAt         string          `json:"created_at,omitempty"`
}

func businessDTO(b coin.Business) BusinessDTO {
	return BusinessDTO{
		ID:                string(b.ID),
		Name:              b.Name,
		Verified:          b.Verified,
		RewardPercent:     b.RewardPercent,
		CommissionPercent: b.CommissionPercent,
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
	}
}

// RevenueDTO is the platform's accumulated commission.
type RevenueDTO struct {
	Revenue decimal.Decimal `json:"revenue"`
}

// ErrorDTO is the error envelope. Reason carries the stable failure reason
// for settlement conflicts so the UI can distinguish "already used" from
// "expired" from "try again".
type ErrorDTO struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
