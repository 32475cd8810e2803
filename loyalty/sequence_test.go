package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
)

// TestLedgerSequence_Invariants drives one customer through random mixes
// of orders, redemptions (some against empty partitions), refunds and
// admin corrections, checking the profile after every step.
func TestLedgerSequence_Invariants(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1234, 99991} {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			// GIVEN: a new customer; 100 and 250 point codes in stock, the
			//        500 and 1000 point partitions empty
			// WHEN: 300 random operations run one after another
			// THEN: after each one the balance is non-negative, lifetime
			//       never decreases, the tier matches lifetime, and the
			//       journal nets to the balance

			f := newFixture(t)
			ctx := context.Background()
			f.customer("c-1", 0, 0, loyalty.TierStandard)
			f.seedCodes(t, 100, 10)
			f.seedCodes(t, 250, 10)
			rnd := rand.New(rand.NewSource(seed))
			redeemable := f.settings.RedeemablePoints()

			prev := f.profile(t, "c-1")
			var orders []string
			for step := 0; step < 300; step++ {
				var op string
				var err error
				switch rnd.Intn(4) {
				case 0:
					op = "earn"
					id := fmt.Sprintf("o-%d", step)
					orders = append(orders, id)
					_, err = f.accruer.ProcessOrder(ctx, loyalty.Order{
						ID:              id,
						CustomerID:      "c-1",
						TotalFinalPrice: decimal.NewFromInt(int64(rnd.Intn(800))),
					})
				case 1:
					points := redeemable[rnd.Intn(len(redeemable))]
					op = fmt.Sprintf("redeem %d", points)
					_, err = f.engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "c-1", Points: points})
					if errors.Is(err, loyalty.ErrInsufficientPoints) || errors.Is(err, loyalty.ErrPoolExhausted) {
						err = nil
					}
				case 2:
					op = "refund"
					order := ""
					if len(orders) > 0 {
						order = orders[rnd.Intn(len(orders))]
					}
					_, err = f.accruer.ProcessRefund(ctx, loyalty.RefundEvent{
						ID:         fmt.Sprintf("r-%d", step),
						OrderID:    order,
						CustomerID: "c-1",
						Amount:     decimal.NewFromInt(int64(rnd.Intn(400))),
					})
				default:
					delta := int64(rnd.Intn(401) - 200)
					op = fmt.Sprintf("adjust %d", delta)
					_, err = f.profiles.AdjustBalance(ctx, "c-1", delta, loyalty.AdjustOptions{
						Type:      ledger.EntryAdjustment,
						Reason:    "correction",
						CreatedBy: "admin",
					})
					if errors.Is(err, loyalty.ErrInsufficientPoints) {
						err = nil
					}
				}
				require.NoError(t, err, "step %d: %s", step, op)

				p := f.profile(t, "c-1")
				require.GreaterOrEqual(t, p.PointsBalance, int64(0), "step %d: %s", step, op)
				require.GreaterOrEqual(t, p.LifetimePoints, prev.LifetimePoints, "step %d: %s", step, op)
				require.Equal(t, loyalty.Classify(p.LifetimePoints, f.settings.Tiers).Name, p.Tier, "step %d: %s", step, op)

				sum, err := f.journal.Summary(ctx, "c-1")
				require.NoError(t, err)
				require.Equal(t, p.PointsBalance, sum.Net, "step %d: %s", step, op)
				prev = p
			}
		})
	}
}
