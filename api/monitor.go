/*
monitor.go - Coupon pool low-water monitor

PURPOSE:
  Codes are provisioned outside this service and never return to the
  pool, so an exhausted partition turns every redemption of that tier into
  a debit-then-refund round trip. The monitor periodically reads the fill
  level of every partition, publishes it as a gauge, and warns when a
  partition runs low.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Checks every partition that has codes, plus every campaign the
    settings can redeem into, so a configured campaign with no codes at
    all is reported as empty instead of silently missing
  - Warns at or below LowWater, errors at zero

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - LowWater:      Warning threshold (default: 20)
  - Enabled:       Whether the monitor is active (default: true)

USAGE:
  monitor := NewPoolMonitor(store, store, recorder, log)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: GetCouponStats endpoint (manual check)
  - metrics/metrics.go: loyalty_coupon_pool_available
*/
package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
)

// PartitionLevel is the result of checking one partition.
type PartitionLevel struct {
	coupon.Partition
	coupon.Stats
	Low bool
}

// PoolMonitor watches the coupon pool.
type PoolMonitor struct {
	Pool          coupon.Inventory
	Settings      loyalty.SettingsSource // optional
	Metrics       *metrics.Recorder      // optional
	Log           *zap.Logger
	CheckInterval time.Duration
	LowWater      int64
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPoolMonitor creates a new monitor.
func NewPoolMonitor(pool coupon.Inventory, settings loyalty.SettingsSource, m *metrics.Recorder, log *zap.Logger) *PoolMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &PoolMonitor{
		Pool:          pool,
		Settings:      settings,
		Metrics:       m,
		Log:           log,
		CheckInterval: time.Minute,
		LowWater:      20,
		Enabled:       true,
	}
}

// Start begins the monitor.
func (pm *PoolMonitor) Start() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.Enabled || pm.CheckInterval <= 0 {
		pm.Log.Info("pool monitor disabled")
		return
	}
	if pm.ticker != nil {
		return
	}

	pm.ticker = time.NewTicker(pm.CheckInterval)
	pm.stop = make(chan struct{})
	pm.wg.Add(1)

	go pm.run()

	pm.Log.Info("pool monitor started",
		zap.Duration("interval", pm.CheckInterval),
		zap.Int64("low_water", pm.LowWater),
	)
}

// Stop stops the monitor and waits for an in-progress check.
func (pm *PoolMonitor) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.ticker != nil {
		pm.ticker.Stop()
		close(pm.stop)
		pm.wg.Wait()
		pm.ticker = nil
		pm.Log.Info("pool monitor stopped")
	}
}

func (pm *PoolMonitor) run() {
	defer pm.wg.Done()

	// Run immediately on start
	pm.check()

	for {
		select {
		case <-pm.ticker.C:
			pm.check()
		case <-pm.stop:
			return
		}
	}
}

func (pm *PoolMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := pm.RunNow(ctx); err != nil {
		pm.Log.Warn("pool check failed", zap.Error(err))
	}
}

// RunNow checks every partition immediately and returns their levels,
// ordered by campaign then tier.
func (pm *PoolMonitor) RunNow(ctx context.Context) ([]PartitionLevel, error) {
	partitions, err := pm.partitions(ctx)
	if err != nil {
		return nil, err
	}

	levels := make([]PartitionLevel, 0, len(partitions))
	for _, p := range partitions {
		st, err := pm.Pool.Stats(ctx, p.CampaignID, p.Tier)
		if err != nil {
			pm.Log.Warn("pool stats failed", zap.String("partition", p.String()), zap.Error(err))
			continue
		}
		level := PartitionLevel{Partition: p, Stats: st, Low: st.Available <= pm.LowWater}
		levels = append(levels, level)

		pm.Metrics.SetPoolAvailable(p.CampaignID, p.Tier, st.Available)

		fields := []zap.Field{
			zap.String("campaign_id", p.CampaignID),
			zap.Int64("tier", p.Tier),
			zap.Int64("available", st.Available),
			zap.Int64("total", st.Total),
		}
		switch {
		case st.Available == 0:
			pm.Log.Error("coupon pool exhausted; redemptions of this tier will be refunded", fields...)
		case level.Low:
			pm.Log.Warn("coupon pool running low", append(fields, zap.Int64("low_water", pm.LowWater))...)
		}
	}
	return levels, nil
}

// partitions merges the partitions holding codes with the ones the
// settings redeem into.
func (pm *PoolMonitor) partitions(ctx context.Context) ([]coupon.Partition, error) {
	stored, err := pm.Pool.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[coupon.Partition]bool, len(stored))
	out := make([]coupon.Partition, 0, len(stored))
	for _, p := range stored {
		seen[p] = true
		out = append(out, p)
	}

	if pm.Settings != nil {
		s, err := pm.Settings.Settings(ctx)
		if err != nil {
			return nil, err
		}
		for _, points := range s.RedeemablePoints() {
			campaign, _ := s.CampaignFor(points)
			p := coupon.Partition{CampaignID: campaign, Tier: points}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignID != out[j].CampaignID {
			return out[i].CampaignID < out[j].CampaignID
		}
		return out[i].Tier < out[j].Tier
	})
	return out, nil
}
