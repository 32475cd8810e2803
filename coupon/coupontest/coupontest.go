// Package coupontest holds behavioural tests shared by every coupon.Inventory
// implementation.
package coupontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/coupon"
)

// Seed adds n codes named <prefix>-<i> to the partition, oldest first.
func Seed(t *testing.T, inv coupon.Inventory, campaignID string, tier int64, prefix string, n int) []string {
	t.Helper()
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	codes := make([]string, n)
	entries := make([]coupon.Entry, n)
	for i := 0; i < n; i++ {
		codes[i] = fmt.Sprintf("%s-%03d", prefix, i)
		entries[i] = coupon.Entry{
			Code:       codes[i],
			CampaignID: campaignID,
			Tier:       tier,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
	require.NoError(t, inv.Add(context.Background(), entries...))
	return codes
}

// Run exercises the Inventory contract against fresh instances from newInv.
func Run(t *testing.T, newInv func(t *testing.T) coupon.Inventory) {
	t.Run("ClaimIsFIFO", func(t *testing.T) {
		inv := newInv(t)
		codes := Seed(t, inv, "camp-500", 500, "FIFO", 3)

		for _, want := range codes {
			got, err := inv.Claim(context.Background(), "camp-500", 500)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("ClaimExhausted", func(t *testing.T) {
		inv := newInv(t)
		Seed(t, inv, "camp-100", 100, "ONE", 1)

		_, err := inv.Claim(context.Background(), "camp-100", 100)
		require.NoError(t, err)

		_, err = inv.Claim(context.Background(), "camp-100", 100)
		assert.ErrorIs(t, err, coupon.ErrExhausted)
	})

	t.Run("ClaimRespectsPartition", func(t *testing.T) {
		inv := newInv(t)
		Seed(t, inv, "camp-250", 250, "A", 1)

		_, err := inv.Claim(context.Background(), "camp-250", 500)
		assert.ErrorIs(t, err, coupon.ErrExhausted, "other tier must not be served")
		_, err = inv.Claim(context.Background(), "other", 250)
		assert.ErrorIs(t, err, coupon.ErrExhausted, "other campaign must not be served")
	})

	t.Run("ConcurrentClaimsAreUnique", func(t *testing.T) {
		// GIVEN: a partition with M codes
		// WHEN: N > M goroutines claim concurrently
		// THEN: exactly M distinct codes are handed out, N-M get ErrExhausted

		const m, n = 7, 25
		inv := newInv(t)
		Seed(t, inv, "camp-1000", 1000, "RACE", m)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			got       = make(map[string]int)
			exhausted int
			failures  []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				code, err := inv.Claim(context.Background(), "camp-1000", 1000)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					got[code]++
				case errors.Is(err, coupon.ErrExhausted):
					exhausted++
				default:
					failures = append(failures, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, failures)
		assert.Len(t, got, m)
		for code, count := range got {
			assert.Equal(t, 1, count, "code %s handed out more than once", code)
		}
		assert.Equal(t, n-m, exhausted)
	})

	t.Run("AttributeAndStats", func(t *testing.T) {
		inv := newInv(t)
		Seed(t, inv, "camp-500", 500, "ST", 4)
		ctx := context.Background()

		code, err := inv.Claim(ctx, "camp-500", 500)
		require.NoError(t, err)
		require.NoError(t, inv.Attribute(ctx, code, "cust-1"))

		stats, err := inv.Stats(ctx, "camp-500", 500)
		require.NoError(t, err)
		assert.Equal(t, coupon.Stats{Total: 4, Used: 1, Available: 3}, stats)

		err = inv.Attribute(ctx, "NOPE", "cust-1")
		assert.ErrorIs(t, err, coupon.ErrCodeNotFound)

		empty, err := inv.Stats(ctx, "missing", 1)
		require.NoError(t, err)
		assert.Equal(t, coupon.Stats{}, empty)
	})

	t.Run("AttributeOnlyReserved", func(t *testing.T) {
		// GIVEN: one code claimed and attributed, one never claimed
		// WHEN: either is attributed to another customer
		// THEN: ErrNotReserved, and the first owner is kept

		inv := newInv(t)
		codes := Seed(t, inv, "camp-500", 500, "OWN", 2)
		ctx := context.Background()

		code, err := inv.Claim(ctx, "camp-500", 500)
		require.NoError(t, err)
		require.Equal(t, codes[0], code)
		require.NoError(t, inv.Attribute(ctx, code, "bob"))

		assert.ErrorIs(t, inv.Attribute(ctx, code, "mallory"), coupon.ErrNotReserved)
		assert.ErrorIs(t, inv.Attribute(ctx, codes[1], "bob"), coupon.ErrNotReserved)

		stats, err := inv.Stats(ctx, "camp-500", 500)
		require.NoError(t, err)
		assert.Equal(t, coupon.Stats{Total: 2, Used: 1, Available: 1}, stats, "a refused attribution must not consume the code")

		next, err := inv.Claim(ctx, "camp-500", 500)
		require.NoError(t, err)
		assert.Equal(t, codes[1], next)
	})

	t.Run("AddRejectsDuplicates", func(t *testing.T) {
		inv := newInv(t)
		Seed(t, inv, "camp-100", 100, "DUP", 1)

		err := inv.Add(context.Background(), coupon.Entry{Code: "DUP-000", CampaignID: "camp-100", Tier: 100})
		assert.ErrorIs(t, err, coupon.ErrDuplicateCode)

		stats, err := inv.Stats(context.Background(), "camp-100", 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
	})

	t.Run("Partitions", func(t *testing.T) {
		inv := newInv(t)
		Seed(t, inv, "camp-b", 250, "B", 1)
		Seed(t, inv, "camp-a", 100, "A", 2)

		parts, err := inv.Partitions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []coupon.Partition{
			{CampaignID: "camp-a", Tier: 100},
			{CampaignID: "camp-b", Tier: 250},
		}, parts)
	})
}
