package coin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localperks/bcoin-core/coin"
	"github.com/localperks/bcoin-core/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*coin.Engine, *memory.Store, *coin.StaticResolver) {
	t.Helper()

	store := memory.New()
	rates := coin.NewStaticResolver()
	engine := coin.NewEngine(store, rates, nil)
	return engine, store, rates
}

func activeToken(t *testing.T, store *memory.Store, businessID string, face string, ttl time.Duration) coin.Token {
	t.Helper()

	tok := coin.Token{
		ID:         coin.TokenID(uuid.NewString()),
		BusinessID: coin.BusinessID(businessID),
		FaceAmount: coin.MustMoney(face),
		Status:     coin.TokenActive,
		ExpiresAt:  time.Now().Add(ttl),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.Insert(context.Background(), tok))
	return tok
}

func standardRate() coin.Rate {
	return coin.Rate{
		RewardPercent:             decimal.NewFromInt(8),
		PlatformCommissionPercent: decimal.NewFromInt(5),
	}
}

// =============================================================================
// REWARD COMPUTATION
// =============================================================================

func TestSettle_RewardComputation(t *testing.T) {
	// GIVEN: face 1000, reward 8%, commission 5%
	// THEN: gross 80, fee 4 (skimmed from the reward), net 76

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "1000", time.Hour)

	receipt, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	require.NoError(t, err)

	assert.True(t, receipt.GrossReward.Equal(coin.MustMoney("80")), "gross = %s", receipt.GrossReward)
	assert.True(t, receipt.PlatformFee.Equal(coin.MustMoney("4")), "fee = %s", receipt.PlatformFee)
	assert.True(t, receipt.NetReward.Equal(coin.MustMoney("76")), "net = %s", receipt.NetReward)
	assert.Len(t, receipt.EntryIDs, 2)
	assert.False(t, receipt.Replayed)

	// Exactly two entries: Earned for the customer, PlatformFee with no
	// customer at all.
	entries, err := store.EntriesByToken(context.Background(), tok.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var earned, fee *coin.LedgerEntry
	for i := range entries {
		switch entries[i].Kind {
		case coin.KindEarned:
			earned = &entries[i]
		case coin.KindPlatformFee:
			fee = &entries[i]
		}
	}
	require.NotNil(t, earned)
	require.NotNil(t, fee)
	assert.Equal(t, coin.CustomerID("cust-1"), earned.CustomerID)
	assert.True(t, earned.AmountDelta.Equal(coin.MustMoney("76")))
	assert.Empty(t, fee.CustomerID, "platform fee must not belong to any customer")
	assert.True(t, fee.AmountDelta.Equal(coin.MustMoney("4")))
	assert.True(t, earned.PurchaseAmount.Equal(coin.MustMoney("1000")), "face amount denormalized for audit")
}

func TestSettle_RoundHalfEven(t *testing.T) {
	// 333.33 * 7.5% = 24.99975 -> 25.00; commission 10% of 25.00 = 2.50

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", coin.Rate{
		RewardPercent:             coin.MustMoney("7.5"),
		PlatformCommissionPercent: coin.MustMoney("10"),
	}, true)
	tok := activeToken(t, store, "biz-1", "333.33", time.Hour)

	receipt, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	require.NoError(t, err)

	assert.True(t, receipt.GrossReward.Equal(coin.MustMoney("25")), "gross = %s", receipt.GrossReward)
	assert.True(t, receipt.PlatformFee.Equal(coin.MustMoney("2.5")), "fee = %s", receipt.PlatformFee)
	assert.True(t, receipt.NetReward.Equal(coin.MustMoney("22.5")), "net = %s", receipt.NetReward)
}

func TestPercent_BankersRounding(t *testing.T) {
	// Exact halves go to the even neighbor, both directions.
	assert.True(t, coin.Percent(coin.MustMoney("100"), coin.MustMoney("2.485")).Equal(coin.MustMoney("2.48")))
	assert.True(t, coin.Percent(coin.MustMoney("100"), coin.MustMoney("2.495")).Equal(coin.MustMoney("2.5")))
}

func TestParseMoney(t *testing.T) {
	d, err := coin.ParseMoney("76.50")
	require.NoError(t, err)
	assert.True(t, d.Equal(coin.MustMoney("76.5")))

	// A malformed amount is an error, never a silent zero.
	_, err = coin.ParseMoney("not-a-number")
	assert.Error(t, err)

	assert.Panics(t, func() { coin.MustMoney("garbage") })
}

// =============================================================================
// FAILURE TAXONOMY
// =============================================================================

func TestSettle_TokenNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Settle(context.Background(), "no-such-token", "cust-1")
	assert.ErrorIs(t, err, coin.ErrTokenNotFound)
}

func TestSettle_ExpiredToken(t *testing.T) {
	// A token past its expiry always fails with Expired, even if never
	// previously consumed and still marked Active.

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "500", -time.Minute)

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	assert.ErrorIs(t, err, coin.ErrTokenExpired)

	entries, _ := store.EntriesByToken(context.Background(), tok.ID)
	assert.Empty(t, entries)
}

func TestSettle_UnverifiedBusiness_LeavesTokenActive(t *testing.T) {
	// GIVEN: the issuing business is not eligible
	// THEN: settlement fails AND the token is untouched - rate resolution
	// happens before consumption, so no token is stranded as consumed with
	// no ledger effect.

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), false)
	tok := activeToken(t, store, "biz-1", "500", time.Hour)

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	assert.ErrorIs(t, err, coin.ErrBusinessNotEligible)

	fresh, err := store.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, coin.TokenActive, fresh.Status)

	entries, _ := store.EntriesByToken(context.Background(), tok.ID)
	assert.Empty(t, entries)
}

func TestSettle_VoidedToken(t *testing.T) {
	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "500", time.Hour)

	require.NoError(t, store.Void(context.Background(), tok.ID, time.Now()))

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	assert.ErrorIs(t, err, coin.ErrTokenVoided)
}

func TestSettle_AlreadyConsumed_OtherCustomer(t *testing.T) {
	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "500", time.Hour)

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	require.NoError(t, err)

	_, err = engine.Settle(context.Background(), tok.ID, "cust-2")
	assert.ErrorIs(t, err, coin.ErrTokenAlreadyConsumed)

	var consumed *coin.AlreadyConsumedError
	require.ErrorAs(t, err, &consumed)
	assert.Equal(t, coin.CustomerID("cust-1"), consumed.ConsumedBy)
}

// =============================================================================
// IDEMPOTENT REPLAY
// =============================================================================

func TestSettle_IdempotentReplay(t *testing.T) {
	// Settling twice from the same caller (timed-out retry) returns the
	// original receipt, never a second set of ledger entries.

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "1000", time.Hour)
	ctx := context.Background()

	first, err := engine.Settle(ctx, tok.ID, "cust-1")
	require.NoError(t, err)

	second, err := engine.Settle(ctx, tok.ID, "cust-1")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntryIDs, second.EntryIDs)
	assert.True(t, second.NetReward.Equal(first.NetReward))
	assert.True(t, second.FaceAmount.Equal(first.FaceAmount))

	entries, err := store.EntriesByToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "replay must not append entries")

	balance, err := coin.NewProjector(store).BalanceOf(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(coin.MustMoney("76")), "no double credit, balance = %s", balance)
}

func TestSettle_ConsumedWithoutEntries_RequiresReconciliation(t *testing.T) {
	// A consumed token with no ledger entries is a stranded settlement:
	// the engine must neither lose the reward nor re-credit it.

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)

	consumedAt := time.Now()
	tok := coin.Token{
		ID:         "stranded",
		BusinessID: "biz-1",
		FaceAmount: coin.MustMoney("500"),
		Status:     coin.TokenConsumed,
		ExpiresAt:  time.Now().Add(time.Hour),
		ConsumedBy: "cust-1",
		ConsumedAt: &consumedAt,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.Insert(context.Background(), tok))

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	assert.ErrorIs(t, err, coin.ErrReconciliationRequired)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestSettle_AppendFailure_RollsBackConsume(t *testing.T) {
	// GIVEN: the second ledger append fails mid-transaction
	// THEN: the token is Active again with zero entries - no partial state.

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "1000", time.Hour)

	store.AppendErr = func(e coin.LedgerEntry) error {
		if e.Kind == coin.KindPlatformFee {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	require.Error(t, err)
	assert.True(t, coin.IsRetryable(err), "store failures are retryable")

	store.AppendErr = nil

	fresh, err := store.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, coin.TokenActive, fresh.Status)
	assert.Empty(t, fresh.ConsumedBy)

	entries, _ := store.EntriesByToken(context.Background(), tok.ID)
	assert.Empty(t, entries)

	// The retry succeeds cleanly once the store recovers.
	receipt, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	require.NoError(t, err)
	assert.False(t, receipt.Replayed)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSettle_Concurrent_ExactlyOneSuccess(t *testing.T) {
	// N concurrent settles of one token: exactly one success, the rest
	// AlreadyConsumed, and exactly one reward credited.

	engine, store, rates := newTestEngine(t)
	rates.Set("biz-1", standardRate(), true)
	tok := activeToken(t, store, "biz-1", "1000", time.Hour)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	replays := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			customer := coin.CustomerID("cust-" + string(rune('a'+i)))
			receipt, err := engine.Settle(context.Background(), tok.ID, customer)
			results[i] = err
			if err == nil {
				replays[i] = receipt.Replayed
			}
		}(i)
	}
	wg.Wait()

	successes := 0
	for i, err := range results {
		if err == nil {
			successes++
			assert.False(t, replays[i], "distinct customers can never replay")
			continue
		}
		assert.ErrorIs(t, err, coin.ErrTokenAlreadyConsumed)
	}
	assert.Equal(t, 1, successes)

	entries, err := store.EntriesByToken(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one settlement, two entries, regardless of contention")
}

// =============================================================================
// ISSUANCE
// =============================================================================

func TestIssuer_Bounds(t *testing.T) {
	store := memory.New()
	rates := coin.NewStaticResolver()
	rates.Set("biz-1", standardRate(), true)
	issuer := coin.NewIssuer(store, rates, coin.DefaultIssuePolicy(), nil)
	ctx := context.Background()

	_, err := issuer.Issue(ctx, "biz-1", coin.MustMoney("9.99"))
	assert.ErrorIs(t, err, coin.ErrInvalidAmount)

	_, err = issuer.Issue(ctx, "biz-1", coin.MustMoney("50000.01"))
	assert.ErrorIs(t, err, coin.ErrInvalidAmount)

	tok, err := issuer.Issue(ctx, "biz-1", coin.MustMoney("10"))
	require.NoError(t, err)
	assert.Equal(t, coin.TokenActive, tok.Status)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), tok.ExpiresAt, time.Minute)
}

func TestIssuer_IneligibleBusiness(t *testing.T) {
	store := memory.New()
	rates := coin.NewStaticResolver()
	rates.Set("biz-1", standardRate(), false)
	issuer := coin.NewIssuer(store, rates, coin.DefaultIssuePolicy(), nil)

	_, err := issuer.Issue(context.Background(), "biz-1", coin.MustMoney("100"))
	assert.ErrorIs(t, err, coin.ErrBusinessNotEligible)

	_, err = issuer.Issue(context.Background(), "biz-unknown", coin.MustMoney("100"))
	assert.ErrorIs(t, err, coin.ErrBusinessNotFound)
}

// =============================================================================
// EVENTS
// =============================================================================

type recordingNotifier struct {
	mu        sync.Mutex
	issued    []coin.TokenID
	succeeded []coin.TokenID
	failed    map[coin.TokenID]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failed: make(map[coin.TokenID]string)}
}

func (r *recordingNotifier) TokenIssued(_ context.Context, tok coin.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued = append(r.issued, tok.ID)
}

func (r *recordingNotifier) SettlementSucceeded(_ context.Context, receipt coin.Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded = append(r.succeeded, receipt.TokenID)
}

func (r *recordingNotifier) SettlementFailed(_ context.Context, tokenID coin.TokenID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[tokenID] = reason
}

func TestSettle_EmitsEvents(t *testing.T) {
	store := memory.New()
	rates := coin.NewStaticResolver()
	rates.Set("biz-1", standardRate(), true)
	notifier := newRecordingNotifier()
	engine := coin.NewEngine(store, rates, notifier)
	tok := activeToken(t, store, "biz-1", "1000", time.Hour)

	_, err := engine.Settle(context.Background(), tok.ID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, []coin.TokenID{tok.ID}, notifier.succeeded)

	_, err = engine.Settle(context.Background(), tok.ID, "cust-2")
	require.Error(t, err)
	assert.Equal(t, "already_consumed", notifier.failed[tok.ID])
}
