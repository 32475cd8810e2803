/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FIELD CASE:
  The storefront widget and the platform's order webhooks speak camelCase,
  so /redeem and /webhooks/* use it. Everything under /api uses snake_case,
  like the settings document.

TYPES:
  Storefront:
    RedeemRequest, RedeemResponse

  Webhooks:
    OrderWebhook, LineItemWebhook, RefundWebhook, EarnResponse, RefundResponse

  Customers:
    ProfileDTO, NextTierDTO, RedemptionOptionDTO, HistoryDTO, EntryDTO, SummaryDTO

  Admin:
    AdjustRequest, PoolStatsDTO, RedemptionDTO, ResolveRequest

  Demo:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the loyalty package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/settings.go: SettingsJSON, served as-is by the settings endpoints
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// STOREFRONT
// =============================================================================

// RedeemRequest is the storefront widget's redemption call.
type RedeemRequest struct {
	CustomerID     string `json:"customerId"`
	PointsToRedeem int64  `json:"pointsToRedeem"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// RedeemResponse always carries success; the rest depends on the outcome.
type RedeemResponse struct {
	Success         bool             `json:"success"`
	Code            string           `json:"code,omitempty"`
	RemainingPoints *int64           `json:"remainingPoints,omitempty"`
	Value           *decimal.Decimal `json:"value,omitempty"`
	RedemptionID    string           `json:"redemptionId,omitempty"`
	Reason          loyalty.Reason   `json:"reason,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// OrderWebhook is an order event as delivered by the platform.
type OrderWebhook struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customerId"`
	TotalFinalPrice    decimal.Decimal   `json:"totalFinalPrice"`
	TotalShippingPrice decimal.Decimal   `json:"totalShippingPrice"`
	TotalDiscount      decimal.Decimal   `json:"totalDiscount"`
	OrderLineItems     []LineItemWebhook `json:"orderLineItems,omitempty"`
}

type LineItemWebhook struct {
	ID             string          `json:"id"`
	FinalLinePrice decimal.Decimal `json:"finalLinePrice"`
	TotalDiscount  decimal.Decimal `json:"totalDiscount"`
	Categories     []string        `json:"categories,omitempty"`
}

// RefundWebhook is a refund event against an earlier order.
type RefundWebhook struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	CustomerID   string          `json:"customerId"`
	RefundAmount decimal.Decimal `json:"refundAmount"`
}

// EarnResponse acknowledges an order event.
type EarnResponse struct {
	OrderID      string          `json:"orderId"`
	CustomerID   string          `json:"customerId"`
	Awarded      int64           `json:"awarded"`
	WelcomeBonus int64           `json:"welcomeBonus"`
	Multiplier   decimal.Decimal `json:"multiplier"`
	Duplicate    bool            `json:"duplicate"`
	Balance      int64           `json:"balance"`
	Tier         string          `json:"tier"`
}

// RefundResponse acknowledges a refund event.
type RefundResponse struct {
	RefundID   string `json:"refundId"`
	CustomerID string `json:"customerId"`
	Computed   int64  `json:"computed"`
	Deducted   int64  `json:"deducted"`
	Duplicate  bool   `json:"duplicate"`
	Balance    int64  `json:"balance"`
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// ProfileDTO is a customer's loyalty state plus what they can do with it.
type ProfileDTO struct {
	CustomerID        string                `json:"customer_id"`
	PointsBalance     int64                 `json:"points_balance"`
	LifetimePoints    int64                 `json:"lifetime_points"`
	Tier              string                `json:"tier"`
	Multiplier        decimal.Decimal       `json:"multiplier"`
	NextTier          *NextTierDTO          `json:"next_tier,omitempty"`
	RedemptionOptions []RedemptionOptionDTO `json:"redemption_options"`
}

type NextTierDTO struct {
	Name         string `json:"name"`
	Threshold    int64  `json:"threshold"`
	PointsNeeded int64  `json:"points_needed"`
}

type RedemptionOptionDTO struct {
	Points     int64           `json:"points"`
	CampaignID string          `json:"campaign_id"`
	Value      decimal.Decimal `json:"value"`
	Affordable bool            `json:"affordable"`
}

// HistoryDTO is the journal view of a customer.
type HistoryDTO struct {
	CustomerID string     `json:"customer_id"`
	Summary    SummaryDTO `json:"summary"`
	Drift      int64      `json:"drift"`
	Entries    []EntryDTO `json:"entries"`
}

type SummaryDTO struct {
	Earned    int64  `json:"earned"`
	Refunded  int64  `json:"refunded"`
	Redeemed  int64  `json:"redeemed"`
	Adjusted  int64  `json:"adjusted"`
	Net       int64  `json:"net"`
	Entries   int    `json:"entries"`
	LastEntry string `json:"last_entry,omitempty"`
}

type EntryDTO struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Delta         int64             `json:"delta"`
	BalanceAfter  int64             `json:"balance_after"`
	LifetimeAfter int64             `json:"lifetime_after"`
	Tier          string            `json:"tier,omitempty"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// =============================================================================
// ADMIN
// =============================================================================

// AdjustRequest is a manual balance correction. Tier pins the tier
// without touching lifetime points.
type AdjustRequest struct {
	Delta          int64   `json:"delta"`
	Tier           *string `json:"tier,omitempty"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

type PoolStatsDTO struct {
	CampaignID string `json:"campaign_id"`
	Tier       int64  `json:"tier"`
	Total      int64  `json:"total"`
	Used       int64  `json:"used"`
	Available  int64  `json:"available"`
	Low        bool   `json:"low"`
}

type RedemptionDTO struct {
	ID                  string          `json:"id"`
	CustomerID          string          `json:"customer_id"`
	Points              int64           `json:"points"`
	CampaignID          string          `json:"campaign_id,omitempty"`
	State               string          `json:"state"`
	Stage               string          `json:"stage"`
	Code                string          `json:"code,omitempty"`
	RemainingBalance    int64           `json:"remaining_balance"`
	Value               decimal.Decimal `json:"value"`
	Failure             string          `json:"failure,omitempty"`
	Error               string          `json:"error,omitempty"`
	NeedsReconciliation bool            `json:"needs_reconciliation"`
	ResolvedAt          string          `json:"resolved_at,omitempty"`
	ResolutionNote      string          `json:"resolution_note,omitempty"`
	CreatedAt           string          `json:"created_at"`
	UpdatedAt           string          `json:"updated_at"`
}

type ResolveRequest struct {
	Note string `json:"note"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the error body of every /api endpoint.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Reason  loyalty.Reason `json:"reason,omitempty"`
	Details string         `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toOrder(w OrderWebhook) loyalty.Order {
	o := loyalty.Order{
		ID:                 w.ID,
		CustomerID:         w.CustomerID,
		TotalFinalPrice:    w.TotalFinalPrice,
		TotalShippingPrice: w.TotalShippingPrice,
		TotalDiscount:      w.TotalDiscount,
	}
	for _, li := range w.OrderLineItems {
		o.LineItems = append(o.LineItems, loyalty.LineItem{
			ID:         li.ID,
			Amount:     li.FinalLinePrice,
			Discount:   li.TotalDiscount,
			Categories: li.Categories,
		})
	}
	return o
}

func toProfileDTO(p loyalty.Profile, s loyalty.Settings) ProfileDTO {
	dto := ProfileDTO{
		CustomerID:        p.CustomerID,
		PointsBalance:     p.PointsBalance,
		LifetimePoints:    p.LifetimePoints,
		Tier:              string(p.Tier),
		Multiplier:        loyalty.EarningMultiplier(p, s.Tiers),
		RedemptionOptions: []RedemptionOptionDTO{},
	}
	if next, needed, ok := loyalty.NextBand(p.LifetimePoints, s.Tiers); ok {
		dto.NextTier = &NextTierDTO{
			Name:         string(next.Name),
			Threshold:    next.Threshold,
			PointsNeeded: needed,
		}
	}
	for _, points := range s.RedeemablePoints() {
		campaign, _ := s.CampaignFor(points)
		dto.RedemptionOptions = append(dto.RedemptionOptions, RedemptionOptionDTO{
			Points:     points,
			CampaignID: campaign,
			Value:      s.CouponValue(points),
			Affordable: p.PointsBalance >= points,
		})
	}
	return dto
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	dto := SummaryDTO{
		Earned:   s.Earned,
		Refunded: s.Refunded,
		Redeemed: s.Redeemed,
		Adjusted: s.Adjusted,
		Net:      s.Net,
		Entries:  s.Entries,
	}
	if s.LastEntry != nil {
		dto.LastEntry = s.LastEntry.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		Type:          string(e.Type),
		Delta:         e.Delta,
		BalanceAfter:  e.BalanceAfter,
		LifetimeAfter: e.LifetimeAfter,
		Tier:          e.Tier,
		ReferenceID:   e.ReferenceID,
		Reason:        e.Reason,
		CreatedBy:     e.CreatedBy,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

func toPoolStatsDTO(p coupon.Partition, st coupon.Stats, lowWater int64) PoolStatsDTO {
	return PoolStatsDTO{
		CampaignID: p.CampaignID,
		Tier:       p.Tier,
		Total:      st.Total,
		Used:       st.Used,
		Available:  st.Available,
		Low:        st.Available <= lowWater,
	}
}

func toRedemptionDTO(r loyalty.Redemption) RedemptionDTO {
	dto := RedemptionDTO{
		ID:                  r.ID,
		CustomerID:          r.CustomerID,
		Points:              r.Points,
		CampaignID:          r.CampaignID,
		State:               string(r.State),
		Stage:               string(r.Stage),
		Code:                r.Code,
		RemainingBalance:    r.RemainingBalance,
		Value:               r.Value,
		Failure:             string(r.Failure),
		Error:               r.Error,
		NeedsReconciliation: r.NeedsReconciliation,
		ResolutionNote:      r.ResolutionNote,
		CreatedAt:           r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           r.UpdatedAt.Format(time.RFC3339),
	}
	if r.ResolvedAt != nil {
		dto.ResolvedAt = r.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}
