/*
profile.go - Loyalty Profile Service

PURPOSE:
  The single point of truth for "current balance". Reads decode the
  customer's tags; AdjustBalance is the only mutation path.

ADJUST ALGORITHM:
  1. Read the record (baseline balance and lifetime)
  2. balance += delta; lifetime += delta only for a positive delta that
     is earned (a compensation credit is not)
  3. Tier: override if given, else re-classify when lifetime moved,
     else keep the stored tier (an earlier override survives debits)
  4. Re-read the record's tags right before writing; replace the loyalty
     tags, keep everything else
  5. Write, and decode the platform's response as the result

CONCURRENCY:
  Adjustments for one customer are serialized inside this process. Two
  instances adjusting the same customer can still lose an update: the
  platform has no compare-and-swap, so the last tag write wins. The
  re-read in step 4 only narrows the window for unrelated tag edits.

JOURNAL:
  Each successful write is appended to the ledger. A journal failure after
  the tags were written is logged and not rolled back: the tags are the
  record of truth.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/platform"
)

// AdjustOptions describes why a balance moves.
type AdjustOptions struct {
	// TierOverride pins the tier regardless of lifetime points. It does
	// not change lifetime points.
	TierOverride *Tier

	Type           ledger.EntryType // defaults to adjustment
	Reason         string
	ReferenceID    string
	IdempotencyKey string
	CreatedBy      string
	Metadata       map[string]string
}

// ProfileService reads and writes loyalty profiles.
type ProfileService struct {
	Customers platform.Store
	Journal   ledger.Ledger // optional
	Settings  SettingsSource
	Log       *zap.Logger

	locks *customerLocks
}

func NewProfileService(customers platform.Store, journal ledger.Ledger, settings SettingsSource, log *zap.Logger) *ProfileService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileService{
		Customers: customers,
		Journal:   journal,
		Settings:  settings,
		Log:       log,
		locks:     newCustomerLocks(),
	}
}

// GetProfile reads the customer's profile. It returns nil, nil when the
// platform has no such customer.
func (s *ProfileService) GetProfile(ctx context.Context, customerID string) (*Profile, error) {
	if customerID == "" {
		return nil, ErrMissingCustomerID
	}
	c, err := s.Customers.GetCustomer(ctx, customerID)
	if errors.Is(err, platform.ErrCustomerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read customer %s: %w", customerID, err)
	}
	p := DecodeTags(customerID, c.Tags)
	return &p, nil
}

// AdjustBalance applies delta to the customer's balance and returns the
// profile decoded from the platform's write response.
//
// A debit that would take the balance below zero is rejected with
// *InsufficientPointsError. A repeated IdempotencyKey returns
// ledger.ErrDuplicateIdempotencyKey without writing. A missing customer
// returns ErrCustomerNotFound; callers wanting create-if-absent must check
// first. A compensation credit restores the balance only: lifetime and tier
// stay as they were.
func (s *ProfileService) AdjustBalance(ctx context.Context, customerID string, delta int64, opts AdjustOptions) (*Profile, error) {
	p, _, err := s.adjust(ctx, customerID, delta, opts, false)
	return p, err
}

// DeductUpTo debits points, or the whole balance when it holds fewer. The
// clamp is taken under the customer's lock, so a concurrent debit cannot
// turn it into an InsufficientPointsError. It returns the points actually
// deducted; a key is recorded even when that is zero.
func (s *ProfileService) DeductUpTo(ctx context.Context, customerID string, points int64, opts AdjustOptions) (*Profile, int64, error) {
	if points < 0 {
		return nil, 0, fmt.Errorf("deduction must not be negative: %d", points)
	}
	p, applied, err := s.adjust(ctx, customerID, -points, opts, true)
	return p, -applied, err
}

func (s *ProfileService) adjust(ctx context.Context, customerID string, delta int64, opts AdjustOptions, clamp bool) (*Profile, int64, error) {
	if customerID == "" {
		return nil, 0, ErrMissingCustomerID
	}

	unlock, err := s.locks.Lock(ctx, customerID)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	if opts.IdempotencyKey != "" && s.Journal != nil {
		seen, err := s.Journal.Seen(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if seen {
			return nil, 0, ledger.ErrDuplicateIdempotencyKey
		}
	}

	settings, err := s.Settings.Settings(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load settings: %w", err)
	}

	// 1. Baseline
	baseline, err := s.GetProfile(ctx, customerID)
	if err != nil {
		return nil, 0, err
	}
	if baseline == nil {
		return nil, 0, ErrCustomerNotFound
	}

	// 2. Balance and lifetime
	if clamp && delta < 0 && baseline.PointsBalance+delta < 0 {
		delta = -baseline.PointsBalance
	}
	next := *baseline
	next.PointsBalance = baseline.PointsBalance + delta
	if delta < 0 && next.PointsBalance < 0 {
		return nil, 0, &InsufficientPointsError{
			CustomerID: customerID,
			Available:  baseline.PointsBalance,
			Requested:  -delta,
		}
	}
	if delta > 0 && countsTowardLifetime(opts) {
		next.LifetimePoints = baseline.LifetimePoints + delta
	}

	// 3. Tier
	switch {
	case opts.TierOverride != nil:
		next.Tier = *opts.TierOverride
	case next.LifetimePoints != baseline.LifetimePoints:
		next.Tier = Classify(next.LifetimePoints, settings.Tiers).Name
	}

	// 4. Fresh tag set
	fresh, err := s.Customers.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, platform.ErrCustomerNotFound) {
			return nil, 0, ErrCustomerNotFound
		}
		return nil, 0, fmt.Errorf("failed to re-read customer %s: %w", customerID, err)
	}
	tags := EncodeTags(next, fresh.Tags)

	// 5. Write
	written, err := s.Customers.UpdateTags(ctx, customerID, tags)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to write tags for customer %s: %w", customerID, err)
	}
	result := DecodeTags(customerID, written)

	s.record(ctx, customerID, delta, opts, result)

	s.Log.Info("loyalty balance adjusted",
		zap.String("customer_id", customerID),
		zap.Int64("delta", delta),
		zap.Int64("balance", result.PointsBalance),
		zap.Int64("lifetime", result.LifetimePoints),
		zap.String("tier", string(result.Tier)),
		zap.String("type", string(entryType(opts))),
	)
	return &result, delta, nil
}

func (s *ProfileService) record(ctx context.Context, customerID string, delta int64, opts AdjustOptions, result Profile) {
	if s.Journal == nil {
		return
	}
	meta := opts.Metadata
	if opts.TierOverride != nil {
		meta = copyMeta(meta)
		meta["tier_override"] = string(*opts.TierOverride)
	}
	err := s.Journal.Append(context.WithoutCancel(ctx), ledger.Entry{
		CustomerID:     ledger.CustomerID(customerID),
		Type:           entryType(opts),
		Delta:          delta,
		ReferenceID:    opts.ReferenceID,
		Reason:         opts.Reason,
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       meta,
		BalanceAfter:   result.PointsBalance,
		LifetimeAfter:  result.LifetimePoints,
		Tier:           string(result.Tier),
		CreatedBy:      opts.CreatedBy,
	})
	if err != nil {
		s.Log.Error("journal append failed after tag write",
			zap.String("customer_id", customerID),
			zap.Int64("delta", delta),
			zap.String("idempotency_key", opts.IdempotencyKey),
			zap.Error(err),
		)
	}
}

// Drift compares the journal's net against the balance on the tags. A
// non-zero Difference means the tags were changed outside this service or
// an update was lost.
type Drift struct {
	Profile    Profile
	Summary    ledger.Summary
	Difference int64
}

// CheckDrift reads both sides for a customer. It returns nil, nil when the
// customer does not exist.
func (s *ProfileService) CheckDrift(ctx context.Context, customerID string) (*Drift, error) {
	if s.Journal == nil {
		return nil, errors.New("journal not configured")
	}
	p, err := s.GetProfile(ctx, customerID)
	if err != nil || p == nil {
		return nil, err
	}
	sum, err := s.Journal.Summary(ctx, ledger.CustomerID(customerID))
	if err != nil {
		return nil, err
	}
	return &Drift{Profile: *p, Summary: sum, Difference: p.PointsBalance - sum.Net}, nil
}

// countsTowardLifetime reports whether a credit of this kind is earned.
// A compensation only returns points the customer already had.
func countsTowardLifetime(opts AdjustOptions) bool {
	return entryType(opts) != ledger.EntryCompensation
}

func entryType(opts AdjustOptions) ledger.EntryType {
	if opts.Type == "" {
		return ledger.EntryAdjustment
	}
	return opts.Type
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
