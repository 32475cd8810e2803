/*
handlers.go - HTTP API handlers for the loyalty service

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the loyalty package.

ENDPOINTS:
  Storefront:
    POST   /redeem                              Exchange points for a code

  Webhooks:
    POST   /webhooks/orders                     Credit an order
    POST   /webhooks/refunds                    Debit a refund

  Customers:
    GET    /api/customers/{id}/loyalty          Profile, next tier, options
    GET    /api/customers/{id}/history          Journal entries and summary

  Admin:
    POST   /api/admin/customers/{id}/adjust     Manual balance/tier correction
    GET    /api/admin/settings                  Current settings document
    PUT    /api/admin/settings                  Replace settings document
    GET    /api/admin/coupons/stats             Pool fill level
    GET    /api/admin/redemptions               Redemption attempts
    GET    /api/admin/redemptions/{id}          One attempt
    POST   /api/admin/redemptions/{id}/resolve  Clear a compensation hold

  Demo (in-memory platform only):
    GET    /api/admin/scenarios                 Available scenarios
    GET    /api/admin/scenarios/current         Loaded scenario
    POST   /api/admin/scenarios/load            Reset and load a scenario

ARCHITECTURE:
  Handler struct holds all dependencies. NewHandler builds the loyalty
  services from one Store and the platform client; main swaps in metrics
  and alerting afterwards with UseMetrics.

ERROR HANDLING:
  Errors are classified with loyalty.ReasonFor and mapped to a status:
  - 400: Validation errors, invalid input
  - 404: Customer or redemption not found
  - 409: Pool exhausted, reconciliation pending, request in progress
  - 422: Not enough points
  - 500: Compensation failed
  - 503: Platform or storage failure, try again
  /redeem localizes its message from the Accept-Language header; /api
  errors carry the machine-readable reason instead.

SECURITY NOTE:
  No authentication on /api/admin or webhook signature verification here;
  both belong to the gateway in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - monitor.go: Pool low-water monitor
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/platform"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the service persists. store/sqlite implements it.
type Store interface {
	ledger.Store
	coupon.Inventory
	loyalty.RedemptionStore
	loyalty.SettingsSource
	SaveSettings(ctx context.Context, s loyalty.Settings) error
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store           Store
	Journal         ledger.Ledger
	Profiles        *loyalty.ProfileService
	Accruer         *loyalty.Accruer
	Engine          *loyalty.Engine
	SettingsFactory *factory.SettingsFactory
	Log             *zap.Logger

	// LowWater flags partitions at or below this many available codes.
	LowWater int64

	// Demo is the in-memory customer platform, when the server runs on
	// one. Scenarios are only served when it is set.
	Demo *platform.Memory

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler wires the loyalty services over store and customers.
func NewHandler(store Store, customers platform.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	journal := ledger.NewLedger(store)
	profiles := loyalty.NewProfileService(customers, journal, store, log.Named("profiles"))
	engine := loyalty.NewEngine(profiles, store, store, log.Named("redeem"))
	engine.Redemptions = store

	h := &Handler{
		Store:           store,
		Journal:         journal,
		Profiles:        profiles,
		Accruer:         loyalty.NewAccruer(profiles, store, log.Named("accrual")),
		Engine:          engine,
		SettingsFactory: factory.NewSettingsFactory(),
		Log:             log,
		LowWater:        20,
	}
	if mem, ok := customers.(*platform.Memory); ok {
		h.Demo = mem
	}
	return h
}

// UseMetrics reports redemptions, accruals and compensation failures to m.
// Compensation failures still go to the log.
func (h *Handler) UseMetrics(m *metrics.Recorder) {
	if m == nil {
		return
	}
	h.Engine.Metrics = m
	h.Engine.Alerter = loyalty.Alerters{loyalty.LogAlerter{Log: h.Engine.Log}, m}
	h.Accruer.Metrics = m
}

// =============================================================================
// STOREFRONT
// =============================================================================

// Redeem exchanges points for a coupon code. The idempotency key may come
// from the body or the Idempotency-Key header.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	lang := r.Header.Get("Accept-Language")

	var req RedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, RedeemResponse{
			Reason: loyalty.ReasonInvalidRequest,
			Error:  loyalty.Message(loyalty.ReasonInvalidRequest, lang),
		})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	red, err := h.Engine.Redeem(r.Context(), loyalty.RedeemRequest{
		CustomerID:     req.CustomerID,
		Points:         req.PointsToRedeem,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		reason := loyalty.ReasonFor(err)
		resp := RedeemResponse{
			Reason: reason,
			Error:  loyalty.Message(reason, lang),
		}
		if red != nil {
			resp.RedemptionID = red.ID
		}
		var short *loyalty.InsufficientPointsError
		if errors.As(err, &short) {
			resp.RemainingPoints = &short.Available
		}
		writeJSON(w, statusFor(err), resp)
		return
	}

	remaining := red.RemainingBalance
	value := red.Value
	writeJSON(w, http.StatusOK, RedeemResponse{
		Success:         true,
		Code:            red.Code,
		RemainingPoints: &remaining,
		Value:           &value,
		RedemptionID:    red.ID,
	})
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// OrderCreated credits the points for an order event. Replays are
// acknowledged with 200 and duplicate set.
func (h *Handler) OrderCreated(w http.ResponseWriter, r *http.Request) {
	var body OrderWebhook
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Accruer.ProcessOrder(r.Context(), toOrder(body))
	if err != nil {
		h.fail(w, r, "Failed to process order", err)
		return
	}

	resp := EarnResponse{
		OrderID:      res.OrderID,
		CustomerID:   res.CustomerID,
		Awarded:      res.Awarded,
		WelcomeBonus: res.Breakdown.WelcomeBonus,
		Multiplier:   res.Breakdown.Multiplier,
		Duplicate:    res.Duplicate,
	}
	if res.Profile != nil {
		resp.Balance = res.Profile.PointsBalance
		resp.Tier = string(res.Profile.Tier)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefundCreated debits the points a refund is worth.
func (h *Handler) RefundCreated(w http.ResponseWriter, r *http.Request) {
	var body RefundWebhook
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Accruer.ProcessRefund(r.Context(), loyalty.RefundEvent{
		ID:         body.ID,
		OrderID:    body.OrderID,
		CustomerID: body.CustomerID,
		Amount:     body.RefundAmount,
	})
	if err != nil {
		h.fail(w, r, "Failed to process refund", err)
		return
	}

	resp := RefundResponse{
		RefundID:   res.RefundID,
		CustomerID: res.CustomerID,
		Computed:   res.Computed,
		Deducted:   res.Deducted,
		Duplicate:  res.Duplicate,
	}
	if res.Profile != nil {
		resp.Balance = res.Profile.PointsBalance
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// GetLoyalty returns the customer's profile with next tier and the
// redemption options they can afford.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	settings, err := h.Store.Settings(ctx)
	if err != nil {
		h.fail(w, r, "Failed to load settings", err)
		return
	}
	p, err := h.Profiles.GetProfile(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get profile", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toProfileDTO(*p, settings))
}

// GetHistory returns the journal for a customer, newest first, and the
// drift between the journal and the tags. ?limit= caps the entries.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	drift, err := h.Profiles.CheckDrift(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to read history", err)
		return
	}
	if drift == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}

	entries, err := h.Journal.Entries(ctx, ledger.CustomerID(id))
	if err != nil {
		h.fail(w, r, "Failed to read history", err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(dtos) == int(limit) {
			break
		}
		dtos = append(dtos, toEntryDTO(entries[i]))
	}

	writeJSON(w, http.StatusOK, HistoryDTO{
		CustomerID: id,
		Summary:    toSummaryDTO(drift.Summary),
		Drift:      drift.Difference,
		Entries:    dtos,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AdjustCustomer applies a manual correction.
func (h *Handler) AdjustCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var req AdjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Delta == 0 && req.Tier == nil {
		writeError(w, http.StatusBadRequest, "Nothing to adjust: delta and tier are both empty", nil)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "Reason is required", nil)
		return
	}

	opts := loyalty.AdjustOptions{
		Type:           ledger.EntryAdjustment,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      "admin",
	}
	if req.Tier != nil {
		settings, err := h.Store.Settings(ctx)
		if err != nil {
			h.fail(w, r, "Failed to load settings", err)
			return
		}
		band, ok := loyalty.BandFor(loyalty.Tier(*req.Tier), settings.Tiers)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown tier %q", *req.Tier), nil)
			return
		}
		opts.TierOverride = &band.Name
	}

	p, err := h.Profiles.AdjustBalance(ctx, id, req.Delta, opts)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		writeError(w, http.StatusConflict, "Adjustment already applied", err)
		return
	}
	if err != nil {
		h.fail(w, r, "Failed to adjust balance", err)
		return
	}

	settings, err := h.Store.Settings(ctx)
	if err != nil {
		h.fail(w, r, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(*p, settings))
}

// GetSettings returns the settings document.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Store.Settings(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, h.SettingsFactory.ToJSON(s))
}

// PutSettings replaces the settings document. Fields left out take their
// default values.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, err := h.SettingsFactory.ParseSettings(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings", err)
		return
	}
	if err := h.Store.SaveSettings(r.Context(), s); err != nil {
		h.fail(w, r, "Failed to save settings", err)
		return
	}

	h.Log.Info("settings updated",
		zap.String("request_id", requestID(r)),
		zap.Int("tiers", len(s.Tiers)),
		zap.Int("redemption_tiers", len(s.RedemptionTiers)),
	)
	writeJSON(w, http.StatusOK, h.SettingsFactory.ToJSON(s))
}

// GetCouponStats reports pool fill levels. With campaign and tier it
// returns one partition, otherwise every partition.
func (h *Handler) GetCouponStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaign := r.URL.Query().Get("campaign")
	tier, err := queryInt(r, "tier")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tier", err)
		return
	}

	var partitions []coupon.Partition
	if campaign != "" && tier > 0 {
		partitions = []coupon.Partition{{CampaignID: campaign, Tier: tier}}
	} else {
		all, err := h.Store.Partitions(ctx)
		if err != nil {
			h.fail(w, r, "Failed to list pool", err)
			return
		}
		for _, p := range all {
			if (campaign == "" || p.CampaignID == campaign) && (tier == 0 || p.Tier == tier) {
				partitions = append(partitions, p)
			}
		}
	}

	dtos := make([]PoolStatsDTO, 0, len(partitions))
	for _, p := range partitions {
		st, err := h.Store.Stats(ctx, p.CampaignID, p.Tier)
		if err != nil {
			h.fail(w, r, "Failed to read pool stats", err)
			return
		}
		dtos = append(dtos, toPoolStatsDTO(p, st, h.LowWater))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListRedemptions filters attempts by ?state=, ?customer_id=,
// ?unreconciled=true and ?limit=.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	unreconciled := false
	if v := q.Get("unreconciled"); v != "" {
		unreconciled, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unreconciled flag", err)
			return
		}
	}

	list, err := h.Store.ListRedemptions(r.Context(), loyalty.RedemptionFilter{
		State:        loyalty.State(q.Get("state")),
		CustomerID:   q.Get("customer_id"),
		Unreconciled: unreconciled,
		Limit:        int(limit),
	})
	if err != nil {
		h.fail(w, r, "Failed to list redemptions", err)
		return
	}

	dtos := make([]RedemptionDTO, len(list))
	for i, red := range list {
		dtos[i] = toRedemptionDTO(red)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRedemption returns one attempt.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	red, err := h.Store.GetRedemption(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get redemption", err)
		return
	}
	if red == nil {
		writeError(w, http.StatusNotFound, "Redemption not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(*red))
}

// ResolveRedemption records that an operator settled a failed
// compensation, lifting the customer's hold.
func (h *Handler) ResolveRedemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, "Note is required", nil)
		return
	}

	red, err := h.Store.GetRedemption(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get redemption", err)
		return
	}
	if red == nil {
		writeError(w, http.StatusNotFound, "Redemption not found", nil)
		return
	}
	if !red.Unreconciled() {
		writeError(w, http.StatusConflict, "Redemption has no open reconciliation hold", nil)
		return
	}

	if err := h.Engine.Resolve(ctx, id, req.Note); err != nil {
		h.fail(w, r, "Failed to resolve redemption", err)
		return
	}
	red, err = h.Store.GetRedemption(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(*red))
}

// Health reports whether storage answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps a loyalty error to an HTTP status.
func statusFor(err error) int {
	switch loyalty.ReasonFor(err) {
	case loyalty.ReasonNone:
		return http.StatusOK
	case loyalty.ReasonInvalidRequest:
		return http.StatusBadRequest
	case loyalty.ReasonCustomerNotFound:
		return http.StatusNotFound
	case loyalty.ReasonInsufficientPoints:
		return http.StatusUnprocessableEntity
	case loyalty.ReasonPoolExhausted, loyalty.ReasonReconciliationPending, loyalty.ReasonInProgress,
		loyalty.ReasonKeyReused:
		return http.StatusConflict
	case loyalty.ReasonCompensationFailed:
		return http.StatusInternalServerError
	default:
		if errors.Is(err, loyalty.ErrRedemptionNotFound) {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	}
}

// fail writes err with its mapped status and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message,
			zap.String("request_id", requestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, message, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an ErrorResponse. Classified errors carry their
// machine-readable reason.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		if reason := loyalty.ReasonFor(err); reason != loyalty.ReasonUnavailable || status >= http.StatusInternalServerError {
			resp.Reason = reason
		}
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
