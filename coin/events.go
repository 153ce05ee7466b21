/*
events.go - Outbound events for the excluded notification layer

Fire-and-forget, at-least-once: events are emitted after the settlement
transaction commits, so a crash between commit and emit loses the event
(the consumer reconciles from the ledger), and a retry may emit twice.
Notifier implementations must tolerate duplicates and must never block
or fail the settlement path.
*/
package coin

import (
	"context"
	"log"
	"time"
)

// Notifier consumes the core's events. Implemented outside this core;
// the log and fan-out implementations below exist for wiring and local runs.
type Notifier interface {
	TokenIssued(ctx context.Context, tok Token)
	SettlementSucceeded(ctx context.Context, receipt Receipt)
	SettlementFailed(ctx context.Context, tokenID TokenID, reason string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) TokenIssued(context.Context, Token)                {}
func (NopNotifier) SettlementSucceeded(context.Context, Receipt)      {}
func (NopNotifier) SettlementFailed(context.Context, TokenID, string) {}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func (LogNotifier) TokenIssued(_ context.Context, tok Token) {
	log.Printf("[event] token.issued token=%s business=%s amount=%s expires=%s",
		tok.ID, tok.BusinessID, tok.FaceAmount, tok.ExpiresAt.Format(time.RFC3339))
}

func (LogNotifier) SettlementSucceeded(_ context.Context, r Receipt) {
	log.Printf("[event] settlement.succeeded token=%s customer=%s business=%s net=%s fee=%s replayed=%v",
		r.TokenID, r.CustomerID, r.BusinessID, r.NetReward, r.PlatformFee, r.Replayed)
}

func (LogNotifier) SettlementFailed(_ context.Context, tokenID TokenID, reason string) {
	log.Printf("[event] settlement.failed token=%s reason=%s", tokenID, reason)
}

// MultiNotifier fans events out to several consumers.
type MultiNotifier []Notifier

func (m MultiNotifier) TokenIssued(ctx context.Context, tok Token) {
	for _, n := range m {
		n.TokenIssued(ctx, tok)
	}
}

func (m MultiNotifier) SettlementSucceeded(ctx context.Context, r Receipt) {
	for _, n := range m {
		n.SettlementSucceeded(ctx, r)
	}
}

func (m MultiNotifier) SettlementFailed(ctx context.Context, tokenID TokenID, reason string) {
	for _, n := range m {
		n.SettlementFailed(ctx, tokenID, reason)
	}
}
