package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
)

func scrape(t *testing.T, m *metrics.Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder_RedemptionOutcomes(t *testing.T) {
	m := metrics.New(metrics.Config{ServiceName: "loyalty", Environment: "test"})

	m.RedemptionFinished(loyalty.Redemption{State: loyalty.StateSucceeded}, 120*time.Millisecond)
	m.RedemptionFinished(loyalty.Redemption{State: loyalty.StateSucceeded}, 80*time.Millisecond)
	m.RedemptionFinished(loyalty.Redemption{State: loyalty.StateFailed, Failure: loyalty.ReasonPoolExhausted}, time.Second)

	out := scrape(t, m)
	assert.Contains(t, out, `loyalty_redemptions_total{env="test",reason="none",service="loyalty",state="succeeded"} 2`)
	assert.Contains(t, out, `loyalty_redemptions_total{env="test",reason="pool_exhausted",service="loyalty",state="failed"} 1`)
	assert.Contains(t, out, `loyalty_redemption_duration_seconds_count{env="test",service="loyalty",state="succeeded"} 2`)
}

func TestRecorder_PointsByDirection(t *testing.T) {
	m := metrics.New(metrics.Config{Environment: "test"})

	m.PointsEarned(ledger.EntryEarn, 600)
	m.PointsEarned(ledger.EntryEarn, 50)
	m.PointsEarned(ledger.EntryRefund, -120)
	m.PointsEarned(ledger.EntryRefund, 0)

	out := scrape(t, m)
	assert.Contains(t, out, `loyalty_points_total{direction="credit",env="test",kind="earn",service="loyalty-engine"} 650`)
	assert.Contains(t, out, `loyalty_points_total{direction="debit",env="test",kind="refund",service="loyalty-engine"} 120`)
}

func TestRecorder_CompensationAndPool(t *testing.T) {
	m := metrics.New(metrics.Config{})

	m.CompensationFailed(context.Background(), loyalty.CompensationFailure{CustomerID: "c-1"})
	m.SetPoolAvailable("reward-500", 500, 12)
	m.SetPoolAvailable("reward-500", 500, 11)
	m.SetPoolAvailable("reward-1000", 1000, -3)

	out := scrape(t, m)
	assert.Contains(t, out, `loyalty_compensation_failures_total{env="unknown",service="loyalty-engine"} 1`)
	assert.Contains(t, out, `loyalty_coupon_pool_available{campaign="reward-500",env="unknown",service="loyalty-engine",tier="500"} 11`)
	assert.Contains(t, out, `loyalty_coupon_pool_available{campaign="reward-1000",env="unknown",service="loyalty-engine",tier="1000"} 0`)
}

func TestRecorder_RequestRoutes(t *testing.T) {
	m := metrics.New(metrics.Config{})

	m.ObserveRequest("/api/customers/{id}/loyalty", http.MethodGet, 200, 5*time.Millisecond)
	m.ObserveRequest("", http.MethodGet, 404, time.Millisecond)

	out := scrape(t, m)
	assert.Contains(t, out, `route="/api/customers/{id}/loyalty"`)
	assert.Contains(t, out, `route="unmatched"`)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var m *metrics.Recorder

	assert.NotPanics(t, func() {
		m.RedemptionFinished(loyalty.Redemption{}, time.Second)
		m.PointsEarned(ledger.EntryEarn, 1)
		m.CompensationFailed(context.Background(), loyalty.CompensationFailure{})
		m.SetPoolAvailable("c", 1, 1)
		m.ObserveRequest("/", "GET", 200, time.Millisecond)
	})
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	// two recorders in one process must not collide on registration
	assert.NotPanics(t, func() {
		metrics.New(metrics.Config{})
		metrics.New(metrics.Config{})
	})
}
