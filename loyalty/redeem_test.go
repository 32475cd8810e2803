package loyalty_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/platform"
)

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestRedeem_FullBalance(t *testing.T) {
	// GIVEN: balance 500 and one 500-point code in the pool
	// WHEN: the customer redeems 500
	// THEN: the code is returned, balance is 0, the code is attributed

	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 500, 500, loyalty.TierStandard)
	f.seedCodes(t, 500, 1)

	r, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 500})
	require.NoError(t, err)

	assert.Equal(t, loyalty.StateSucceeded, r.State)
	assert.Equal(t, "R500-000", r.Code)
	assert.Equal(t, int64(0), r.RemainingBalance)
	assert.True(t, d("5").Equal(r.Value))
	assert.Equal(t, "reward-500", r.CampaignID)

	p := f.profile(t, "c-1")
	assert.Equal(t, int64(0), p.PointsBalance)
	assert.Equal(t, int64(500), p.LifetimePoints)

	entry, ok := f.pool.Get("R500-000")
	require.True(t, ok)
	require.NotNil(t, entry.UsedBy)
	assert.Equal(t, "c-1", *entry.UsedBy)
	assert.Equal(t, coupon.Stats{Total: 1, Used: 1, Available: 0}, f.stats(t, 500))

	stored, err := f.redemptions.GetRedemption(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, loyalty.StateSucceeded, stored.State)
	assert.Equal(t, "R500-000", stored.Code)

	entries, err := f.journal.Entries(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryRedemption, entries[0].Type)
	assert.Equal(t, int64(-500), entries[0].Delta)
	assert.Equal(t, r.ID, entries[0].ReferenceID)
}

// =============================================================================
// VALIDATION - No side effects
// =============================================================================

func TestRedeem_InsufficientPoints_NothingTouched(t *testing.T) {
	// GIVEN: balance 999
	// WHEN: redeeming 1000
	// THEN: InsufficientPoints; balance, pool and journal untouched

	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 999, 999, loyalty.TierStandard)
	f.seedCodes(t, 1000, 2)

	r, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 1000})

	var short *loyalty.InsufficientPointsError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(1), short.Shortfall())
	assert.Equal(t, loyalty.StateFailed, r.State)
	assert.Equal(t, loyalty.StateValidating, r.Stage)
	assert.Equal(t, loyalty.ReasonInsufficientPoints, r.Failure)

	assert.Equal(t, int64(999), f.profile(t, "c-1").PointsBalance)
	assert.Equal(t, int64(0), f.stats(t, 1000).Used)
	_, writes := f.customers.Calls()
	assert.Equal(t, 0, writes)
	entries, err := f.journal.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedeem_InvalidAmounts(t *testing.T) {
	s := loyalty.DefaultSettings()
	s.MaxRedemption = 500
	f := newFixtureWith(t, s)
	f.customer("c-1", 5000, 5000, loyalty.TierBronze)
	ctx := context.Background()

	for _, points := range []int64{0, -100, 123, 1000} {
		_, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: points})
		assert.ErrorIs(t, err, loyalty.ErrInvalidRedemption, "points %d", points)
	}

	_, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{Points: 100})
	assert.ErrorIs(t, err, loyalty.ErrMissingCustomerID)

	_, err = f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "ghost", Points: 100})
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

// =============================================================================
// COMPENSATION
// =============================================================================

func TestRedeem_PoolExhausted_BalanceRestored(t *testing.T) {
	// GIVEN: balance 500 and an empty 500-point partition
	// WHEN: the customer redeems 500
	// THEN: ErrPoolExhausted and the balance is back to 500

	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 500, 500, loyalty.TierStandard)

	r, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 500})

	assert.ErrorIs(t, err, loyalty.ErrPoolExhausted)
	assert.Equal(t, loyalty.StateFailed, r.State)
	assert.Equal(t, loyalty.StateCompensating, r.Stage)
	assert.Equal(t, int64(500), r.RemainingBalance)
	assert.False(t, r.NeedsReconciliation)
	p := f.profile(t, "c-1")
	assert.Equal(t, int64(500), p.PointsBalance)
	assert.Equal(t, int64(500), p.LifetimePoints, "a refunded debit is not earned")
	assert.Equal(t, loyalty.TierStandard, p.Tier)

	sum, err := f.journal.Summary(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.Net)
	assert.Equal(t, 2, sum.Entries)
	assert.Equal(t, 0, f.alerts.count())
}

func TestRedeem_PoolExhausted_Repeated_LifetimeAndTierUnchanged(t *testing.T) {
	// GIVEN: balance 1000, lifetime 4500, Standard, and no 1000-point codes
	// WHEN: the customer retries the redemption ten times
	// THEN: every attempt is refunded; lifetime stays 4500 and the tier
	//       stays Standard

	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 1000, 4500, loyalty.TierStandard)

	for i := 0; i < 10; i++ {
		_, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 1000})
		require.ErrorIs(t, err, loyalty.ErrPoolExhausted)
	}

	p := f.profile(t, "c-1")
	assert.Equal(t, int64(1000), p.PointsBalance)
	assert.Equal(t, int64(4500), p.LifetimePoints)
	assert.Equal(t, loyalty.TierStandard, p.Tier)

	entries, err := f.journal.Entries(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for _, e := range entries {
		assert.Equal(t, int64(4500), e.LifetimeAfter)
	}
}

func TestRedeem_PoolExhausted_KeepsTierOverride(t *testing.T) {
	// GIVEN: a Standard customer pinned to Gold by an admin
	// WHEN: a redemption fails on an empty pool and is refunded
	// THEN: the customer is still Gold

	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 500, 600, loyalty.TierStandard)
	gold := loyalty.TierGold
	_, err := f.profiles.AdjustBalance(ctx, "c-1", 0, loyalty.AdjustOptions{TierOverride: &gold, Reason: "vip"})
	require.NoError(t, err)

	_, err = f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 500})
	require.ErrorIs(t, err, loyalty.ErrPoolExhausted)

	p := f.profile(t, "c-1")
	assert.Equal(t, int64(500), p.PointsBalance)
	assert.Equal(t, int64(600), p.LifetimePoints)
	assert.Equal(t, loyalty.TierGold, p.Tier)
}

func TestRedeem_ClaimError_RefundedAsDependencyFailure(t *testing.T) {
	f := newFixture(t)
	f.customer("c-1", 500, 500, loyalty.TierStandard)
	f.engine.Pool = stubPool{claim: func(context.Context) (string, error) {
		return "", errors.New("database is locked")
	}}

	_, err := f.engine.Redeem(context.Background(), loyalty.RedeemRequest{CustomerID: "c-1", Points: 100})

	var rerr *loyalty.RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, loyalty.StateCompensating, rerr.State)
	assert.True(t, loyalty.IsRetryable(err))
	assert.Equal(t, int64(500), f.profile(t, "c-1").PointsBalance)
}

func TestRedeem_CallerCancelled_CompensationStillRuns(t *testing.T) {
	// GIVEN: the client disconnects while the claim is in flight
	// WHEN: the claim fails with context.Canceled
	// THEN: the refund still goes through on a detached context

	f := newFixture(t)
	f.customer("c-1", 500, 500, loyalty.TierStandard)
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.Pool = stubPool{claim: func(ctx context.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	}}

	_, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 250})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(500), f.profile(t, "c-1").PointsBalance)
}

func TestRedeem_CompensationFailure_EscalatesAndHolds(t *testing.T) {
	// GIVEN: the pool is empty and the platform fails after the debit
	// WHEN: the customer redeems
	// THEN: CompensationError, an alert, a stored hold; the next attempt
	//       is refused until an operator resolves it

	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 500, 500, loyalty.TierStandard)

	var writes atomic.Int32
	f.customers.BeforeUpdate = func(string, []string) error {
		if writes.Add(1) > 1 {
			return platform.ErrUnavailable
		}
		return nil
	}

	r, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 500})

	var cerr *loyalty.CompensationError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, loyalty.ErrCompensationFailed)
	assert.ErrorIs(t, cerr.ClaimErr, coupon.ErrExhausted)
	assert.False(t, loyalty.IsRetryable(err))
	assert.True(t, r.NeedsReconciliation)
	assert.Equal(t, loyalty.ReasonCompensationFailed, r.Failure)
	assert.Equal(t, 1, f.alerts.count())
	assert.Equal(t, int64(0), f.profile(t, "c-1").PointsBalance, "customer stays debited")

	held, err := f.redemptions.ListRedemptions(ctx, loyalty.RedemptionFilter{Unreconciled: true})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, r.ID, held[0].ID)

	// blocked until resolved
	f.customers.BeforeUpdate = nil
	f.customer("c-1", 500, 500, loyalty.TierStandard)
	f.seedCodes(t, 100, 1)
	_, err = f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 100})
	assert.ErrorIs(t, err, loyalty.ErrReconciliationPending)

	require.NoError(t, f.engine.Resolve(ctx, r.ID, "credited by support"))
	_, err = f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 100})
	assert.NoError(t, err)

	assert.ErrorIs(t, f.engine.Resolve(ctx, "missing", ""), loyalty.ErrRedemptionNotFound)
}

func TestRedeem_DebitFailure_NoClaim(t *testing.T) {
	f := newFixture(t)
	f.customer("c-1", 500, 500, loyalty.TierStandard)
	f.seedCodes(t, 100, 1)
	f.customers.BeforeUpdate = func(string, []string) error { return platform.ErrUnavailable }

	_, err := f.engine.Redeem(context.Background(), loyalty.RedeemRequest{CustomerID: "c-1", Points: 100})

	var rerr *loyalty.RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, loyalty.StateDebiting, rerr.State)
	assert.ErrorIs(t, err, platform.ErrUnavailable)
	assert.Equal(t, int64(0), f.stats(t, 100).Used)
}

// =============================================================================
// IDEMPOTENCY AND CONCURRENCY
// =============================================================================

func TestRedeem_IdempotencyKey_ReplaysSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 1000, 1000, loyalty.TierStandard)
	f.seedCodes(t, 250, 3)
	req := loyalty.RedeemRequest{CustomerID: "c-1", Points: 250, IdempotencyKey: "checkout-42"}

	first, err := f.engine.Redeem(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.Redeem(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, int64(750), f.profile(t, "c-1").PointsBalance)
	assert.Equal(t, int64(1), f.stats(t, 250).Used)
}

func TestRedeem_IdempotencyKey_OtherCustomerRefused(t *testing.T) {
	// GIVEN: alice redeemed 250 points under key "checkout-42"
	// WHEN: bob sends a redemption with the same key
	// THEN: bob is refused and never sees alice's code; neither balance moves

	f := newFixture(t)
	ctx := context.Background()
	f.customer("alice", 1000, 1000, loyalty.TierStandard)
	f.customer("bob", 1000, 1000, loyalty.TierStandard)
	f.seedCodes(t, 250, 3)

	first, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "alice", Points: 250, IdempotencyKey: "checkout-42"})
	require.NoError(t, err)

	second, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "bob", Points: 250, IdempotencyKey: "checkout-42"})
	assert.ErrorIs(t, err, loyalty.ErrIdempotencyKeyReused)
	assert.Equal(t, loyalty.ReasonKeyReused, loyalty.ReasonFor(err))
	assert.Nil(t, second)

	assert.Equal(t, int64(750), f.profile(t, "alice").PointsBalance)
	assert.Equal(t, int64(1000), f.profile(t, "bob").PointsBalance)
	assert.Equal(t, int64(1), f.stats(t, 250).Used)

	entry, ok := f.pool.Get(first.Code)
	require.True(t, ok)
	require.NotNil(t, entry.UsedBy)
	assert.Equal(t, "alice", *entry.UsedBy)
}

func TestRedeem_IdempotencyKey_OtherAmountRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer("c-1", 1000, 1000, loyalty.TierStandard)
	f.seedCodes(t, 250, 3)
	f.seedCodes(t, 500, 3)

	_, err := f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 250, IdempotencyKey: "checkout-42"})
	require.NoError(t, err)

	_, err = f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: 500, IdempotencyKey: "checkout-42"})
	assert.ErrorIs(t, err, loyalty.ErrIdempotencyKeyReused)
	assert.Equal(t, int64(750), f.profile(t, "c-1").PointsBalance)
	assert.Equal(t, int64(0), f.stats(t, 500).Used)
}

func TestRedeem_Concurrent_NoDoubleIssue(t *testing.T) {
	// GIVEN: balance 1000 and only 5 codes of 100
	// WHEN: 10 redemptions of 100 run at once
	// THEN: exactly 5 succeed with distinct codes, 5 are refunded,
	//       and the balance ends at 500

	f := newFixture(t)
	f.customer("c-1", 1000, 1000, loyalty.TierStandard)
	f.seedCodes(t, 100, 5)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		codes     = map[string]bool{}
		exhausted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.engine.Redeem(context.Background(), loyalty.RedeemRequest{CustomerID: "c-1", Points: 100})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assert.False(t, codes[r.Code], "code %s issued twice", r.Code)
				codes[r.Code] = true
			case errors.Is(err, loyalty.ErrPoolExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, codes, 5)
	assert.Equal(t, 5, exhausted)
	assert.Equal(t, int64(500), f.profile(t, "c-1").PointsBalance)
}

func TestLogAlerter_WritesErrorLog(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	alerter := loyalty.LogAlerter{Log: zap.New(core)}

	alerter.CompensationFailed(context.Background(), loyalty.CompensationFailure{
		RedemptionID: "r-1", CustomerID: "c-1", Points: 500,
		ClaimErr: coupon.ErrExhausted, Err: platform.ErrUnavailable,
	})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "c-1", fields["customer_id"])
	assert.Equal(t, int64(500), fields["points"])
}

// stubPool fails or succeeds claims on demand.
type stubPool struct {
	claim func(ctx context.Context) (string, error)
}

func (p stubPool) Claim(ctx context.Context, _ string, _ int64) (string, error) {
	return p.claim(ctx)
}

func (p stubPool) Attribute(context.Context, string, string) error { return nil }

func (p stubPool) Stats(context.Context, string, int64) (coupon.Stats, error) {
	return coupon.Stats{}, nil
}
