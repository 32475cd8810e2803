/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store and the in-memory
	customer platform with realistic data for demos and for exercising the
	storefront widget locally. Each scenario creates customers, stocks the
	coupon pool, and replays orders, refunds and redemptions through the
	same services the webhooks and /redeem use, so journals and tags agree.

AVAILABLE SCENARIOS:

	new-customer:    First order with a welcome bonus, then a first redemption
	tier-crossing:   The order that crosses into Bronze earns at x1, the next at x1.1
	low-pool:        reward-500 nearly drained, reward-1000 empty
	refund-clamp:    A refund worth more points than the customer holds
	reconciliation:  A refund of a debit that failed, leaving an open hold

HOW SCENARIOS WORK:
 1. Reset the store and the in-memory platform
 2. Optionally save scenario settings
 3. Create customers with an opening balance adjustment
 4. Stock the coupon pool
 5. Replay orders, refunds and redemptions

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "tier-crossing"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map in LoadScenario

NOTE:

	Scenarios reset the database. They are only served when the server
	runs on the in-memory platform.

SEE ALSO:
  - handlers.go: Handler.Demo
  - loyalty/accrual.go, loyalty/redeem.go: Services the loaders drive
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/platform"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-customer",
		Name:        "New Customer",
		Description: "First order earns a 50 point welcome bonus, then a 100 point redemption",
		Category:    "earn",
	},
	{
		ID:          "tier-crossing",
		Name:        "Tier Crossing",
		Description: "The order that reaches Bronze earns at x1, the following order at x1.1",
		Category:    "earn",
	},
	{
		ID:          "low-pool",
		Name:        "Low Coupon Pool",
		Description: "reward-500 down to one code, reward-1000 empty and refunded",
		Category:    "redeem",
	},
	{
		ID:          "refund-clamp",
		Name:        "Refund Clamp",
		Description: "Silver customer refunded for more points than they hold",
		Category:    "earn",
	},
	{
		ID:          "reconciliation",
		Name:        "Reconciliation Hold",
		Description: "Pool empty and the refund write failed; the customer is blocked until resolved",
		Category:    "redeem",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets all data and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Demo == nil {
		writeError(w, http.StatusNotFound, "Scenarios require the in-memory platform", nil)
		return
	}

	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loaders := map[string]func(context.Context) error{
		"new-customer":   h.loadNewCustomerScenario,
		"tier-crossing":  h.loadTierCrossingScenario,
		"low-pool":       h.loadLowPoolScenario,
		"refund-clamp":   h.loadRefundClampScenario,
		"reconciliation": h.loadReconciliationScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}
	h.Demo.Reset()
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.Log.Error("scenario failed to load", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadNewCustomerScenario(ctx context.Context) error {
	settings := loyalty.DefaultSettings()
	settings.WelcomeBonus = 50
	if err := h.Store.SaveSettings(ctx, settings); err != nil {
		return err
	}
	if err := h.stockAllTiers(ctx, settings, 25); err != nil {
		return err
	}

	// Alice has never ordered: 120.00 + 5.00 shipping earns 120 + 50
	if err := h.demoCustomer(ctx, "cust-001", "alice@example.com", 0); err != nil {
		return err
	}
	if err := h.demoOrder(ctx, "ord-1001", "cust-001", "125.00", "5.00"); err != nil {
		return err
	}

	// Balance 170 -> 70
	_, err := h.Engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "cust-001", Points: 100, IdempotencyKey: "demo-1001"})
	return err
}

func (h *Handler) loadTierCrossingScenario(ctx context.Context) error {
	if err := h.stockAllTiers(ctx, loyalty.DefaultSettings(), 25); err != nil {
		return err
	}

	// 4,800 lifetime: 200 short of Bronze
	if err := h.demoCustomer(ctx, "cust-002", "bob@example.com", 4800); err != nil {
		return err
	}

	// 350 at x1 reaches 5,150 lifetime and Bronze
	if err := h.demoOrder(ctx, "ord-2001", "cust-002", "350.00", "0"); err != nil {
		return err
	}

	// 100.00 now earns 110
	return h.demoOrder(ctx, "ord-2002", "cust-002", "100.00", "0")
}

func (h *Handler) loadLowPoolScenario(ctx context.Context) error {
	if err := h.stockPool(ctx, "reward-100", 100, 25); err != nil {
		return err
	}
	if err := h.stockPool(ctx, "reward-250", 250, 25); err != nil {
		return err
	}
	if err := h.stockPool(ctx, "reward-500", 500, 3); err != nil {
		return err
	}

	if err := h.demoCustomer(ctx, "cust-003", "carol@example.com", 2000); err != nil {
		return err
	}

	// Two codes out of reward-500, one left
	for i := 0; i < 2; i++ {
		if _, err := h.Engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "cust-003", Points: 500}); err != nil {
			return err
		}
	}

	// reward-1000 has no codes: debited, then refunded
	_, err := h.Engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "cust-003", Points: 1000})
	if !errors.Is(err, loyalty.ErrPoolExhausted) {
		return fmt.Errorf("expected an exhausted pool, got %v", err)
	}
	return nil
}

func (h *Handler) loadRefundClampScenario(ctx context.Context) error {
	if err := h.stockAllTiers(ctx, loyalty.DefaultSettings(), 25); err != nil {
		return err
	}

	// Silver on 10,000 lifetime, then most of the balance moved out
	if err := h.demoCustomer(ctx, "cust-004", "dave@example.com", 10000); err != nil {
		return err
	}
	_, err := h.Profiles.AdjustBalance(ctx, "cust-004", -9900, loyalty.AdjustOptions{
		Type:           ledger.EntryAdjustment,
		Reason:         "transferred to partner program",
		IdempotencyKey: "demo:transfer:cust-004",
		CreatedBy:      "demo",
	})
	if err != nil {
		return err
	}

	// 200.00 at x1.25 is 250 points; only 100 are held
	_, err = h.Accruer.ProcessRefund(ctx, loyalty.RefundEvent{
		ID:         "ref-4001",
		OrderID:    "ord-0400",
		CustomerID: "cust-004",
		Amount:     decimal.RequireFromString("200.00"),
	})
	return err
}

func (h *Handler) loadReconciliationScenario(ctx context.Context) error {
	if err := h.demoCustomer(ctx, "cust-005", "erin@example.com", 600); err != nil {
		return err
	}

	// The debit is the first write; the refund write after the empty claim fails
	writes := 0
	h.Demo.BeforeUpdate = func(string, []string) error {
		writes++
		if writes > 1 {
			return fmt.Errorf("%w: demo outage", platform.ErrUnavailable)
		}
		return nil
	}
	defer func() { h.Demo.BeforeUpdate = nil }()

	_, err := h.Engine.Redeem(ctx, loyalty.RedeemRequest{CustomerID: "cust-005", Points: 500})
	if !errors.Is(err, loyalty.ErrCompensationFailed) {
		return fmt.Errorf("expected a failed compensation, got %v", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// demoCustomer creates a customer and books their opening balance as an
// adjustment so the journal matches the tags.
func (h *Handler) demoCustomer(ctx context.Context, id, email string, opening int64) error {
	h.Demo.Put(platform.Customer{ID: id, Email: email})
	if opening == 0 {
		return nil
	}
	_, err := h.Profiles.AdjustBalance(ctx, id, opening, loyalty.AdjustOptions{
		Type:           ledger.EntryAdjustment,
		Reason:         "opening balance",
		IdempotencyKey: "demo:opening:" + id,
		CreatedBy:      "demo",
	})
	return err
}

func (h *Handler) demoOrder(ctx context.Context, orderID, customerID, total, shipping string) error {
	_, err := h.Accruer.ProcessOrder(ctx, loyalty.Order{
		ID:                 orderID,
		CustomerID:         customerID,
		TotalFinalPrice:    decimal.RequireFromString(total),
		TotalShippingPrice: decimal.RequireFromString(shipping),
	})
	return err
}

func (h *Handler) stockAllTiers(ctx context.Context, s loyalty.Settings, n int) error {
	for _, points := range s.RedeemablePoints() {
		campaign, _ := s.CampaignFor(points)
		if err := h.stockPool(ctx, campaign, points, n); err != nil {
			return err
		}
	}
	return nil
}

// stockPool adds n codes named DEMO-<tier>-<i>, oldest first.
func (h *Handler) stockPool(ctx context.Context, campaign string, tier int64, n int) error {
	base := time.Now().UTC().Add(-time.Hour)
	entries := make([]coupon.Entry, n)
	for i := range entries {
		entries[i] = coupon.Entry{
			Code:       fmt.Sprintf("DEMO-%d-%03d", tier, i),
			CampaignID: campaign,
			Tier:       tier,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
	return h.Store.Add(ctx, entries...)
}
