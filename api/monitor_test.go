package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/coupon/coupontest"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
)

func TestPoolMonitor_RunNow(t *testing.T) {
	// GIVEN: reward-100 well stocked, reward-500 nearly empty, and the
	//        other configured campaigns with no codes at all
	// WHEN: the monitor checks
	// THEN: every configured partition is reported, low ones are flagged,
	//       and the gauge carries the levels

	pool := coupon.NewMemory()
	coupontest.Seed(t, pool, "reward-100", 100, "R100", 30)
	coupontest.Seed(t, pool, "reward-500", 500, "R500", 2)

	core, logs := observer.New(zapcore.WarnLevel)
	rec := metrics.New(metrics.Config{Environment: "test"})
	pm := NewPoolMonitor(pool, loyalty.StaticSettings(loyalty.DefaultSettings()), rec, zap.New(core))

	levels, err := pm.RunNow(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 4)

	assert.Equal(t, "reward-100", levels[0].CampaignID)
	assert.Equal(t, int64(30), levels[0].Available)
	assert.False(t, levels[0].Low)

	assert.Equal(t, "reward-1000", levels[1].CampaignID)
	assert.Equal(t, int64(0), levels[1].Total)
	assert.True(t, levels[1].Low)

	assert.Equal(t, "reward-500", levels[3].CampaignID)
	assert.Equal(t, int64(2), levels[3].Available)
	assert.True(t, levels[3].Low)

	assert.Equal(t, 2, logs.FilterMessageSnippet("exhausted").Len(), "reward-250 and reward-1000 are empty")
	require.Equal(t, 1, logs.FilterMessage("coupon pool running low").Len())
	low := logs.FilterMessage("coupon pool running low").All()[0].ContextMap()
	assert.Equal(t, "reward-500", low["campaign_id"])

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `loyalty_coupon_pool_available{campaign="reward-500",env="test",service="loyalty-engine",tier="500"} 2`)
	assert.Contains(t, string(body), `loyalty_coupon_pool_available{campaign="reward-250",env="test",service="loyalty-engine",tier="250"} 0`)
}

func TestPoolMonitor_WithoutSettings(t *testing.T) {
	pool := coupon.NewMemory()
	coupontest.Seed(t, pool, "spring", 250, "S", 1)

	pm := NewPoolMonitor(pool, nil, nil, nil)
	levels, err := pm.RunNow(context.Background())
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, coupon.Partition{CampaignID: "spring", Tier: 250}, levels[0].Partition)
}

func TestPoolMonitor_StartStop(t *testing.T) {
	// GIVEN: a monitor with a short interval
	// WHEN: started and stopped twice
	// THEN: it checks on start and Stop is safe to repeat

	pool := coupon.NewMemory()
	core, logs := observer.New(zapcore.InfoLevel)
	pm := NewPoolMonitor(pool, loyalty.StaticSettings(loyalty.DefaultSettings()), nil, zap.New(core))
	pm.CheckInterval = 10 * time.Millisecond

	pm.Start()
	pm.Start()
	assert.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("exhausted").Len() >= 4
	}, time.Second, 5*time.Millisecond)
	pm.Stop()
	pm.Stop()

	assert.Equal(t, 1, logs.FilterMessage("pool monitor started").Len())
	assert.Equal(t, 1, logs.FilterMessage("pool monitor stopped").Len())
}

func TestPoolMonitor_Disabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	pm := NewPoolMonitor(coupon.NewMemory(), nil, nil, zap.New(core))
	pm.Enabled = false

	pm.Start()
	pm.Stop()

	assert.Equal(t, 1, logs.FilterMessage("pool monitor disabled").Len())
	assert.Zero(t, logs.FilterMessage("pool monitor stopped").Len())
}
