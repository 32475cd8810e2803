package loyalty_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/coupon/coupontest"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/platform"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	customers   *platform.Memory
	journal     *ledger.DefaultLedger
	pool        *coupon.Memory
	redemptions *loyalty.MemoryRedemptions
	settings    loyalty.Settings
	profiles    *loyalty.ProfileService
	accruer     *loyalty.Accruer
	engine      *loyalty.Engine
	alerts      *recordingAlerter
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, loyalty.DefaultSettings())
}

func newFixtureWith(t *testing.T, s loyalty.Settings) *fixture {
	t.Helper()
	f := &fixture{
		customers:   platform.NewMemory(),
		journal:     ledger.NewLedger(store.NewMemory()),
		pool:        coupon.NewMemory(),
		redemptions: loyalty.NewMemoryRedemptions(),
		settings:    s,
		alerts:      &recordingAlerter{},
	}
	src := loyalty.StaticSettings(s)
	f.profiles = loyalty.NewProfileService(f.customers, f.journal, src, nil)
	f.accruer = loyalty.NewAccruer(f.profiles, src, nil)
	f.engine = loyalty.NewEngine(f.profiles, f.pool, src, nil)
	f.engine.Redemptions = f.redemptions
	f.engine.Alerter = f.alerts
	f.engine.Timeout = 5 * time.Second
	f.engine.CompensationTimeout = time.Second
	return f
}

// customer stores a record carrying loyalty tags for the given state plus
// any extra tags.
func (f *fixture) customer(id string, balance, lifetime int64, tier loyalty.Tier, extra ...string) {
	tags := append([]string(nil), extra...)
	tags = loyalty.EncodeTags(loyalty.Profile{PointsBalance: balance, LifetimePoints: lifetime, Tier: tier}, tags)
	f.customers.Put(platform.Customer{ID: id, Email: id + "@example.com", Tags: tags})
}

func (f *fixture) profile(t *testing.T, id string) loyalty.Profile {
	t.Helper()
	p, err := f.profiles.GetProfile(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func (f *fixture) seedCodes(t *testing.T, points int64, n int) {
	t.Helper()
	campaign, ok := f.settings.CampaignFor(points)
	require.True(t, ok, "no campaign for %d points", points)
	coupontest.Seed(t, f.pool, campaign, points, fmt.Sprintf("R%d", points), n)
}

func (f *fixture) stats(t *testing.T, points int64) coupon.Stats {
	t.Helper()
	campaign, _ := f.settings.CampaignFor(points)
	s, err := f.pool.Stats(context.Background(), campaign, points)
	require.NoError(t, err)
	return s
}

type recordingAlerter struct {
	mu       sync.Mutex
	failures []loyalty.CompensationFailure
}

func (a *recordingAlerter) CompensationFailed(_ context.Context, f loyalty.CompensationFailure) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, f)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}
