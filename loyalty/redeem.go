/*
redeem.go - Redemption Engine

PURPOSE:
  Exchanges points for one discount code. The balance lives on the
  customer record, the code lives in the pool, and the two cannot be
  changed in one transaction. The engine orders the steps so that every
  failure either has no side effect or is undone by a compensating credit.

STATE MACHINE:
  validating -> debiting -> claiming -> succeeded
                                     -> compensating -> failed
  Any state may go to failed. Validation failures have no side effects;
  a debit failure leaves nothing to undo; a claim failure refunds.

  ┌────────────┐   ┌──────────┐   ┌──────────┐   ┌───────────┐
  │ validating │──▶│ debiting │──▶│ claiming │──▶│ succeeded │
  └────────────┘   └──────────┘   └──────────┘   └───────────┘
                                       │
                                       ▼
                                ┌──────────────┐   ┌────────┐
                                │ compensating │──▶│ failed │
                                └──────────────┘   └────────┘

WHY DEBIT FIRST:
  Claiming first would burn a code whenever the debit then failed, and
  codes never go back to available. A debit can be undone; a claim
  cannot.

COMPENSATION:
  The refund runs on a context detached from the caller, with its own
  timeout, so a client disconnect cannot strand a debit. If the refund
  itself fails the customer stays debited: the Alerter is told, the
  attempt is stored with NeedsReconciliation, and further redemptions for
  that customer are refused until an operator resolves it.

IDEMPOTENCY:
  A request key that already produced a succeeded redemption returns the
  stored result. A key whose attempt is still running is refused. A key
  whose attempt failed may be retried.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// STATE
// =============================================================================

// State is a step of the redemption state machine.
type State string

const (
	StateValidating   State = "validating"
	StateDebiting     State = "debiting"
	StateClaiming     State = "claiming"
	StateCompensating State = "compensating"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

// Terminal reports whether s ends the machine.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// =============================================================================
// REDEMPTION RECORD
// =============================================================================

// Redemption records one attempt.
type Redemption struct {
	ID             string
	CustomerID     string
	Points         int64
	CampaignID     string
	IdempotencyKey string

	State State
	Stage State // last non-terminal state reached

	Code             string
	RemainingBalance int64
	Value            decimal.Decimal

	Failure Reason
	Error   string

	NeedsReconciliation bool
	ResolvedAt          *time.Time
	ResolutionNote      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Unreconciled reports whether the attempt still blocks its customer.
func (r Redemption) Unreconciled() bool {
	return r.NeedsReconciliation && r.ResolvedAt == nil
}

// RedemptionFilter narrows ListRedemptions. Zero values match everything.
type RedemptionFilter struct {
	State        State
	CustomerID   string
	Unreconciled bool
	Limit        int
}

// RedemptionStore persists attempts for audit and manual reconciliation.
type RedemptionStore interface {
	// SaveRedemption inserts or replaces by ID.
	SaveRedemption(ctx context.Context, r Redemption) error

	// GetRedemption returns nil, nil when id is unknown.
	GetRedemption(ctx context.Context, id string) (*Redemption, error)

	// RedemptionByKey returns the most recent attempt with the key, or
	// nil, nil.
	RedemptionByKey(ctx context.Context, key string) (*Redemption, error)

	// ListRedemptions returns newest first.
	ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, error)

	HasUnreconciled(ctx context.Context, customerID string) (bool, error)

	// ResolveRedemption clears the hold. ErrRedemptionNotFound for an
	// unknown id.
	ResolveRedemption(ctx context.Context, id, note string, at time.Time) error
}

// =============================================================================
// ESCALATION AND OBSERVATION
// =============================================================================

// CompensationFailure describes a customer left debited without a code.
type CompensationFailure struct {
	RedemptionID string
	CustomerID   string
	Points       int64
	CampaignID   string
	ClaimErr     error
	Err          error
}

// Alerter escalates compensation failures to a human.
type Alerter interface {
	CompensationFailed(ctx context.Context, f CompensationFailure)
}

// LogAlerter writes compensation failures at error level.
type LogAlerter struct {
	Log *zap.Logger
}

func (a LogAlerter) CompensationFailed(_ context.Context, f CompensationFailure) {
	log := a.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Error("redemption compensation failed; customer debited without a code",
		zap.String("redemption_id", f.RedemptionID),
		zap.String("customer_id", f.CustomerID),
		zap.Int64("points", f.Points),
		zap.String("campaign_id", f.CampaignID),
		zap.NamedError("claim_error", f.ClaimErr),
		zap.Error(f.Err),
	)
}

// Alerters fans one failure out to several alerters.
type Alerters []Alerter

func (as Alerters) CompensationFailed(ctx context.Context, f CompensationFailure) {
	for _, a := range as {
		if a != nil {
			a.CompensationFailed(ctx, f)
		}
	}
}

// RedemptionObserver sees every finished attempt.
type RedemptionObserver interface {
	RedemptionFinished(r Redemption, elapsed time.Duration)
}

// =============================================================================
// ENGINE
// =============================================================================

// RedeemRequest asks for Points to be exchanged for a code.
type RedeemRequest struct {
	CustomerID     string
	Points         int64
	IdempotencyKey string
}

// Engine runs redemptions.
type Engine struct {
	Profiles    *ProfileService
	Pool        coupon.Pool
	Settings    SettingsSource
	Redemptions RedemptionStore    // optional
	Alerter     Alerter            // defaults to LogAlerter
	Metrics     RedemptionObserver // optional
	Log         *zap.Logger

	// Timeout bounds the whole attempt. CompensationTimeout bounds the
	// refund, which does not inherit the caller's cancellation.
	Timeout             time.Duration
	CompensationTimeout time.Duration

	Now   func() time.Time
	NewID func() string

	inflight sync.Map // idempotency key -> struct{}
}

func NewEngine(profiles *ProfileService, pool coupon.Pool, settings SettingsSource, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Profiles:            profiles,
		Pool:                pool,
		Settings:            settings,
		Alerter:             LogAlerter{Log: log},
		Log:                 log,
		Timeout:             15 * time.Second,
		CompensationTimeout: 10 * time.Second,
		Now:                 time.Now,
		NewID:               uuid.NewString,
	}
}

// Redeem runs one attempt. The returned record describes the attempt
// even when err is non-nil; it is nil only when the request could not be
// started (a replayed key in flight, a key bound to another request, a
// lookup failure). A key replays only for the same customer and amount.
//
// Errors:
//   - ErrMissingCustomerID, ErrInvalidRedemption: bad request
//   - ErrCustomerNotFound: no such customer
//   - *InsufficientPointsError: balance below the cost
//   - ErrReconciliationPending: an earlier failure is unresolved
//   - ErrIdempotencyKeyReused: the key names another customer's or amount's attempt
//   - ErrPoolExhausted: no code left; the points were refunded
//   - *RedemptionError: a dependency failed; no net effect on the balance
//   - *CompensationError: the customer is debited with no code
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if req.IdempotencyKey != "" {
		if _, busy := e.inflight.LoadOrStore(req.IdempotencyKey, struct{}{}); busy {
			return nil, ErrRedemptionInProgress
		}
		defer e.inflight.Delete(req.IdempotencyKey)

		if e.Redemptions != nil {
			prior, err := e.Redemptions.RedemptionByKey(ctx, req.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
			}
			if prior != nil && (prior.CustomerID != req.CustomerID || prior.Points != req.Points) {
				e.Log.Warn("idempotency key reused for a different redemption",
					zap.String("idempotency_key", req.IdempotencyKey),
					zap.String("redemption_id", prior.ID),
					zap.String("customer_id", req.CustomerID),
				)
				return nil, fmt.Errorf("%w: key %q", ErrIdempotencyKeyReused, req.IdempotencyKey)
			}
			if prior != nil && prior.State == StateSucceeded {
				e.Log.Info("redemption replayed from idempotency key",
					zap.String("redemption_id", prior.ID),
					zap.String("customer_id", prior.CustomerID),
				)
				return prior, nil
			}
		}
	}

	start := e.now()
	r := &Redemption{
		ID:             e.newID(),
		CustomerID:     req.CustomerID,
		Points:         req.Points,
		IdempotencyKey: req.IdempotencyKey,
		State:          StateValidating,
		Stage:          StateValidating,
		CreatedAt:      start,
	}

	err := e.run(ctx, r)

	r.UpdatedAt = e.now()
	if err != nil {
		r.State = StateFailed
		r.Failure = ReasonFor(err)
		r.Error = err.Error()
	}
	e.save(r)
	e.finish(r, err, r.UpdatedAt.Sub(start))
	return r, err
}

func (e *Engine) run(ctx context.Context, r *Redemption) error {
	// ----- validating -----
	if r.CustomerID == "" {
		return ErrMissingCustomerID
	}
	settings, err := e.Settings.Settings(ctx)
	if err != nil {
		return e.dependencyError(r, fmt.Errorf("failed to load settings: %w", err))
	}
	campaign, ok := settings.CampaignFor(r.Points)
	if !ok {
		return fmt.Errorf("%w: %d points is not a redemption option", ErrInvalidRedemption, r.Points)
	}
	r.CampaignID = campaign

	if e.Redemptions != nil {
		pending, err := e.Redemptions.HasUnreconciled(ctx, r.CustomerID)
		if err != nil {
			return e.dependencyError(r, err)
		}
		if pending {
			return ErrReconciliationPending
		}
	}

	profile, err := e.Profiles.GetProfile(ctx, r.CustomerID)
	if err != nil {
		return e.dependencyError(r, err)
	}
	if profile == nil {
		return ErrCustomerNotFound
	}
	if profile.PointsBalance < r.Points {
		return &InsufficientPointsError{
			CustomerID: r.CustomerID,
			Available:  profile.PointsBalance,
			Requested:  r.Points,
		}
	}

	// ----- debiting -----
	e.enter(r, StateDebiting)
	if e.Redemptions != nil {
		if err := e.Redemptions.SaveRedemption(ctx, *r); err != nil {
			return e.dependencyError(r, fmt.Errorf("failed to record redemption: %w", err))
		}
	}
	debited, err := e.Profiles.AdjustBalance(ctx, r.CustomerID, -r.Points, AdjustOptions{
		Type:           ledger.EntryRedemption,
		Reason:         "redeem " + campaign,
		ReferenceID:    r.ID,
		IdempotencyKey: "redeem:" + r.ID + ":debit",
		CreatedBy:      "redemption",
		Metadata:       map[string]string{"campaign_id": campaign},
	})
	if err != nil {
		var short *InsufficientPointsError
		if errors.As(err, &short) {
			return err
		}
		return e.dependencyError(r, err)
	}

	// ----- claiming -----
	e.enter(r, StateClaiming)
	code, claimErr := e.Pool.Claim(ctx, campaign, r.Points)
	if claimErr != nil {
		return e.compensate(ctx, r, claimErr)
	}

	// ----- succeeded -----
	r.State = StateSucceeded
	r.Code = code
	r.RemainingBalance = debited.PointsBalance
	r.Value = settings.CouponValue(r.Points)

	if err := e.Pool.Attribute(context.WithoutCancel(ctx), code, r.CustomerID); err != nil {
		e.Log.Warn("coupon attribution failed",
			zap.String("redemption_id", r.ID),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	return nil
}

// compensate refunds the debit after a failed claim.
func (e *Engine) compensate(ctx context.Context, r *Redemption, claimErr error) error {
	e.enter(r, StateCompensating)

	cctx := context.WithoutCancel(ctx)
	if e.CompensationTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, e.CompensationTimeout)
		defer cancel()
	}

	refunded, err := e.Profiles.AdjustBalance(cctx, r.CustomerID, r.Points, AdjustOptions{
		Type:           ledger.EntryCompensation,
		Reason:         "claim failed",
		ReferenceID:    r.ID,
		IdempotencyKey: "redeem:" + r.ID + ":refund",
		CreatedBy:      "redemption",
		Metadata:       map[string]string{"campaign_id": r.CampaignID, "claim_error": claimErr.Error()},
	})
	if err != nil {
		r.NeedsReconciliation = true
		if e.Alerter != nil {
			e.Alerter.CompensationFailed(cctx, CompensationFailure{
				RedemptionID: r.ID,
				CustomerID:   r.CustomerID,
				Points:       r.Points,
				CampaignID:   r.CampaignID,
				ClaimErr:     claimErr,
				Err:          err,
			})
		}
		return &CompensationError{
			RedemptionID: r.ID,
			CustomerID:   r.CustomerID,
			Points:       r.Points,
			ClaimErr:     claimErr,
			Err:          err,
		}
	}

	r.RemainingBalance = refunded.PointsBalance
	if errors.Is(claimErr, coupon.ErrExhausted) {
		return ErrPoolExhausted
	}
	return e.dependencyError(r, claimErr)
}

// Resolve clears the hold left by a failed compensation.
func (e *Engine) Resolve(ctx context.Context, id, note string) error {
	if e.Redemptions == nil {
		return ErrRedemptionNotFound
	}
	if err := e.Redemptions.ResolveRedemption(ctx, id, note, e.now()); err != nil {
		return err
	}
	e.Log.Info("redemption resolved", zap.String("redemption_id", id), zap.String("note", note))
	return nil
}

func (e *Engine) enter(r *Redemption, s State) {
	r.State = s
	r.Stage = s
}

func (e *Engine) dependencyError(r *Redemption, err error) error {
	return &RedemptionError{
		RedemptionID: r.ID,
		CustomerID:   r.CustomerID,
		Points:       r.Points,
		State:        r.Stage,
		Err:          err,
	}
}

// save persists the final record. The compensation hold must survive a
// cancelled caller, so the write is detached.
func (e *Engine) save(r *Redemption) {
	if e.Redemptions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Redemptions.SaveRedemption(ctx, *r); err != nil {
		level := e.Log.Warn
		if r.NeedsReconciliation {
			level = e.Log.Error
		}
		level("failed to record redemption",
			zap.String("redemption_id", r.ID),
			zap.String("customer_id", r.CustomerID),
			zap.Bool("needs_reconciliation", r.NeedsReconciliation),
			zap.Error(err),
		)
	}
}

func (e *Engine) finish(r *Redemption, err error, elapsed time.Duration) {
	if e.Metrics != nil {
		e.Metrics.RedemptionFinished(*r, elapsed)
	}
	fields := []zap.Field{
		zap.String("redemption_id", r.ID),
		zap.String("customer_id", r.CustomerID),
		zap.Int64("points", r.Points),
		zap.String("state", string(r.State)),
		zap.String("stage", string(r.Stage)),
		zap.Duration("elapsed", elapsed),
	}
	switch {
	case err == nil:
		e.Log.Info("redemption succeeded", append(fields, zap.String("code", r.Code))...)
	case IsClientError(err) || errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrCustomerNotFound) || errors.Is(err, ErrReconciliationPending):
		e.Log.Info("redemption refused", append(fields, zap.Error(err))...)
	default:
		e.Log.Error("redemption failed", append(fields, zap.Error(err))...)
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}
