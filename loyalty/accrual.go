/*
accrual.go - Order and refund intake

PURPOSE:
  Turns commerce events into balance adjustments. Each event carries its
  own id, which becomes the journal idempotency key, so a webhook
  delivered twice awards (or deducts) once.

EVENT KEYS:
  order:<orderID>    credit for a paid order
  refund:<refundID>  deduction for a refund

TIMING:
  The multiplier comes from the profile as read before the adjustment.
  The order that pushes a customer over a threshold earns at the old
  tier; the new multiplier applies from the next order on. Refunds use the
  tier at refund time, which may differ from the tier the order earned at.

EXAMPLE:
  4500 lifetime (Standard, x1), order of 600 -> +600, lifetime 5100, Bronze.
  The next 100 order earns floor(100 * 1.1) = 110.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/ledger"
)

// EarnObserver is told about every award and deduction. Implementations
// must be safe for concurrent use.
type EarnObserver interface {
	PointsEarned(kind ledger.EntryType, points int64)
}

// EarnResult is the outcome of one order event.
type EarnResult struct {
	OrderID    string
	CustomerID string
	Breakdown  EarnBreakdown
	Awarded    int64
	Profile    *Profile // after the award; the pre-award read on duplicates and zero awards
	Duplicate  bool
}

// RefundEvent is a refund against a prior order.
type RefundEvent struct {
	ID         string
	OrderID    string
	CustomerID string
	Amount     decimal.Decimal
}

// RefundResult is the outcome of one refund event.
type RefundResult struct {
	RefundID   string
	CustomerID string
	Computed   int64 // points the refund amount is worth at the current tier
	Deducted   int64 // Computed clamped to the balance
	Profile    *Profile
	Duplicate  bool
}

// Accruer credits orders and debits refunds.
type Accruer struct {
	Profiles *ProfileService
	Settings SettingsSource
	Metrics  EarnObserver // optional
	Log      *zap.Logger
}

func NewAccruer(profiles *ProfileService, settings SettingsSource, log *zap.Logger) *Accruer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accruer{Profiles: profiles, Settings: settings, Log: log}
}

// ProcessOrder awards the points for o. A replayed order returns a result
// with Duplicate set and no error.
func (a *Accruer) ProcessOrder(ctx context.Context, o Order) (*EarnResult, error) {
	if o.ID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidEvent)
	}
	if o.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}
	if o.TotalFinalPrice.IsNegative() {
		return nil, fmt.Errorf("%w: negative order total", ErrInvalidEvent)
	}

	settings, err := a.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	profile, err := a.Profiles.GetProfile(ctx, o.CustomerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrCustomerNotFound
	}

	breakdown := CalculateOrder(o, *profile, settings)
	result := &EarnResult{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Breakdown:  breakdown,
		Profile:    profile,
	}
	total := breakdown.Total()
	if total <= 0 {
		a.Log.Debug("order earned no points",
			zap.String("order_id", o.ID),
			zap.String("customer_id", o.CustomerID),
		)
		return result, nil
	}

	updated, err := a.Profiles.AdjustBalance(ctx, o.CustomerID, total, AdjustOptions{
		Type:           ledger.EntryEarn,
		Reason:         "order",
		ReferenceID:    o.ID,
		IdempotencyKey: "order:" + o.ID,
		CreatedBy:      "webhook",
		Metadata: map[string]string{
			"base":          breakdown.Base.String(),
			"multiplier":    breakdown.Multiplier.String(),
			"welcome_bonus": fmt.Sprint(breakdown.WelcomeBonus),
		},
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		a.Log.Info("duplicate order event ignored",
			zap.String("order_id", o.ID),
			zap.String("customer_id", o.CustomerID),
		)
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Awarded = total
	result.Profile = updated
	if a.Metrics != nil {
		a.Metrics.PointsEarned(ledger.EntryEarn, total)
	}
	if updated.Tier != profile.Tier {
		a.Log.Info("customer changed tier",
			zap.String("customer_id", o.CustomerID),
			zap.String("from", string(profile.Tier)),
			zap.String("to", string(updated.Tier)),
		)
	}
	return result, nil
}

// ProcessRefund deducts the points a refund is worth, never more than the
// customer holds.
func (a *Accruer) ProcessRefund(ctx context.Context, ev RefundEvent) (*RefundResult, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: refund id is required", ErrInvalidEvent)
	}
	if ev.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}
	if ev.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative refund amount", ErrInvalidEvent)
	}

	settings, err := a.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	profile, err := a.Profiles.GetProfile(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrCustomerNotFound
	}

	computed := RefundPoints(ev.Amount, EarningMultiplier(*profile, settings.Tiers))
	result := &RefundResult{
		RefundID:   ev.ID,
		CustomerID: ev.CustomerID,
		Computed:   computed,
		Profile:    profile,
	}
	if computed <= 0 {
		return result, nil
	}

	// The clamp against the balance happens under the customer's lock.
	updated, deduct, err := a.Profiles.DeductUpTo(ctx, ev.CustomerID, computed, AdjustOptions{
		Type:           ledger.EntryRefund,
		Reason:         "refund",
		ReferenceID:    ev.OrderID,
		IdempotencyKey: "refund:" + ev.ID,
		CreatedBy:      "webhook",
		Metadata: map[string]string{
			"refund_id": ev.ID,
			"amount":    ev.Amount.String(),
			"computed":  fmt.Sprint(computed),
		},
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		a.Log.Info("duplicate refund event ignored",
			zap.String("refund_id", ev.ID),
			zap.String("customer_id", ev.CustomerID),
		)
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Deducted = deduct
	result.Profile = updated
	if a.Metrics != nil {
		a.Metrics.PointsEarned(ledger.EntryRefund, -deduct)
	}
	if computed > deduct {
		a.Log.Warn("refund deduction clamped to balance",
			zap.String("refund_id", ev.ID),
			zap.String("customer_id", ev.CustomerID),
			zap.Int64("computed", computed),
			zap.Int64("deducted", deduct),
		)
	}
	return result, nil
}
