/*
Package memory provides an in-memory SettlementStore for tests and local
development.

The atomic unit is simulated with snapshot + rollback: Settle copies the
store state, runs the callback under the write lock, and restores the copy
if the callback fails. Together with the lock this gives the same
observable semantics as a real database transaction: a failed settlement
leaves the token Active with zero entries.
*/
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/localperks/bcoin-core/coin"
)

type Store struct {
	mu      sync.RWMutex
	tokens  map[coin.TokenID]coin.Token
	entries []coin.LedgerEntry

	// AppendErr, when set, is consulted before every ledger append. Tests
	// use it to inject a mid-transaction failure and observe the rollback.
	AppendErr func(e coin.LedgerEntry) error
}

func New() *Store {
	return &Store{tokens: make(map[coin.TokenID]coin.Token)}
}

// =============================================================================
// TOKEN STORE
// =============================================================================

func (s *Store) Insert(_ context.Context, tok coin.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ID] = tok
	return nil
}

func (s *Store) Get(_ context.Context, id coin.TokenID) (*coin.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[id]
	if !ok {
		return nil, coin.ErrTokenNotFound
	}
	return &tok, nil
}

func (s *Store) Void(_ context.Context, id coin.TokenID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok {
		return coin.ErrTokenNotFound
	}
	if err := classifyUnusable(tok, now); err != nil {
		return err
	}
	tok.Status = coin.TokenVoided
	s.tokens[id] = tok
	return nil
}

func (s *Store) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, tok := range s.tokens {
		if tok.Status == coin.TokenActive && tok.ExpiredAt(now) {
			tok.Status = coin.TokenExpired
			s.tokens[id] = tok
			n++
		}
	}
	return n, nil
}

// classifyUnusable maps a token that cannot transition out of Active to the
// matching failure. Callers must hold the lock.
func classifyUnusable(tok coin.Token, now time.Time) error {
	switch tok.Status {
	case coin.TokenConsumed:
		consumedAt := time.Time{}
		if tok.ConsumedAt != nil {
			consumedAt = *tok.ConsumedAt
		}
		return &coin.AlreadyConsumedError{TokenID: tok.ID, ConsumedBy: tok.ConsumedBy, ConsumedAt: consumedAt}
	case coin.TokenVoided:
		return coin.ErrTokenVoided
	case coin.TokenExpired:
		return coin.ErrTokenExpired
	}
	if tok.ExpiredAt(now) {
		return coin.ErrTokenExpired
	}
	return nil
}

// =============================================================================
// LEDGER STORE (read side)
// =============================================================================

func (s *Store) EntriesByCustomer(_ context.Context, id coin.CustomerID) ([]coin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []coin.LedgerEntry
	for _, e := range s.entries {
		if e.CustomerID == id && e.CustomerID != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) EntriesByToken(_ context.Context, id coin.TokenID) ([]coin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []coin.LedgerEntry
	for _, e := range s.entries {
		if e.TokenID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) PlatformFees(_ context.Context) ([]coin.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []coin.LedgerEntry
	for _, e := range s.entries {
		if e.Kind == coin.KindPlatformFee {
			out = append(out, e)
		}
	}
	return out, nil
}

// SumByCustomer implements coin.BalanceSummer by folding under the lock.
func (s *Store) SumByCustomer(ctx context.Context, id coin.CustomerID) (decimal.Decimal, error) {
	entries, err := s.EntriesByCustomer(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return coin.FoldBalance(entries), nil
}

// =============================================================================
// SETTLEMENT TRANSACTION
// =============================================================================

// Settle executes fn atomically: all writes land, or none do.
func (s *Store) Settle(_ context.Context, fn func(tx coin.SettlementTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) snapshot() storeSnapshot {
	tokens := make(map[coin.TokenID]coin.Token, len(s.tokens))
	for k, v := range s.tokens {
		tokens[k] = v
	}
	entries := append([]coin.LedgerEntry(nil), s.entries...)
	return storeSnapshot{tokens: tokens, entries: entries}
}

func (s *Store) restore(snap storeSnapshot) {
	s.tokens = snap.tokens
	s.entries = snap.entries
}

type storeSnapshot struct {
	tokens  map[coin.TokenID]coin.Token
	entries []coin.LedgerEntry
}

type txView struct {
	store *Store
}

func (tv *txView) ConsumeToken(_ context.Context, id coin.TokenID, by coin.CustomerID, now time.Time) (*coin.Token, error) {
	tok, ok := tv.store.tokens[id]
	if !ok {
		return nil, coin.ErrTokenNotFound
	}
	if err := classifyUnusable(tok, now); err != nil {
		return nil, err
	}

	consumedAt := now
	tok.Status = coin.TokenConsumed
	tok.ConsumedBy = by
	tok.ConsumedAt = &consumedAt
	tv.store.tokens[id] = tok
	return &tok, nil
}

func (tv *txView) AppendEntry(_ context.Context, e coin.LedgerEntry) error {
	if tv.store.AppendErr != nil {
		if err := tv.store.AppendErr(e); err != nil {
			return err
		}
	}
	tv.store.entries = append(tv.store.entries, e)
	return nil
}
