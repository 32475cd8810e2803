package coupon_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/coupon/coupontest"
)

func TestMemory_Contract(t *testing.T) {
	coupontest.Run(t, func(t *testing.T) coupon.Inventory { return coupon.NewMemory() })
}

func TestMemory_ReservedThenAttributed(t *testing.T) {
	// GIVEN: one available code
	// WHEN: it is claimed, then attributed
	// THEN: it moves available -> reserved -> attributed and never back

	m := coupon.NewMemory()
	coupontest.Seed(t, m, "camp-500", 500, "LC", 1)
	ctx := context.Background()

	e, ok := m.Get("LC-000")
	require.True(t, ok)
	assert.True(t, e.Available())

	code, err := m.Claim(ctx, "camp-500", 500)
	require.NoError(t, err)
	e, _ = m.Get(code)
	assert.False(t, e.Available())
	assert.True(t, e.Reserved())

	require.NoError(t, m.Attribute(ctx, code, "cust-9"))
	e, _ = m.Get(code)
	assert.False(t, e.Available())
	assert.False(t, e.Reserved())
	require.NotNil(t, e.UsedBy)
	assert.Equal(t, "cust-9", *e.UsedBy)
}

func TestMemory_ClaimCanceledContext(t *testing.T) {
	m := coupon.NewMemory()
	coupontest.Seed(t, m, "camp-100", 100, "X", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Claim(ctx, "camp-100", 100)
	assert.ErrorIs(t, err, context.Canceled)

	stats, err := m.Stats(context.Background(), "camp-100", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Available, "canceled claim must not consume a code")
}
