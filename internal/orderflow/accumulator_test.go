package orderflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-connector/internal/config"
)

var base = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func newTestAccumulator(cfg config.OrderFlowConfig, now time.Time) *Accumulator {
	acc := NewAccumulator(cfg, nil)
	acc.now = func() time.Time { return now }
	return acc
}

func TestCompute_InsufficientTicks(t *testing.T) {
	acc := newTestAccumulator(config.OrderFlowConfig{}, base.Add(3*time.Second))
	for i := 0; i < 3; i++ {
		acc.AddTick("EURUSD", 1.1, 1.1002, 5, base.Add(time.Duration(i)*time.Second))
	}

	_, ok := acc.Compute("EURUSD", 0)
	assert.False(t, ok)

	neutral := Neutral("EURUSD", base)
	assert.Equal(t, 50.0, neutral.ImbalanceBuyPct)
	assert.Equal(t, 50.0, neutral.ImbalanceSellPct)
	assert.Zero(t, neutral.BidVolume)
	assert.Zero(t, neutral.AskVolume)
	assert.NotNil(t, neutral.LargeOrders)
	assert.Empty(t, neutral.LargeOrders)
	assert.Equal(t, SignNeutral, neutral.DeltaSign)
}

func TestCompute_RisingMidIsBuyingPressure(t *testing.T) {
	acc := newTestAccumulator(config.OrderFlowConfig{}, base.Add(10*time.Second))
	for i := 0; i < 5; i++ {
		p := 1.1 + float64(i)*0.001
		acc.AddTick("EURUSD", p, p+0.0002, 10, base.Add(time.Duration(i)*time.Second))
	}

	m, ok := acc.Compute("EURUSD", 0)
	require.True(t, ok)
	assert.Equal(t, 40.0, m.AskVolume)
	assert.Equal(t, 0.0, m.BidVolume)
	assert.Equal(t, 40.0, m.Delta)
	assert.Equal(t, SignBuying, m.DeltaSign)
	assert.Equal(t, 100.0, m.ImbalanceBuyPct)
	assert.Equal(t, 0.0, m.ImbalanceSellPct)
	assert.Equal(t, 5, m.TickCount)
}

func TestCompute_MixedMovesAndFlatSplit(t *testing.T) {
	acc := newTestAccumulator(config.OrderFlowConfig{}, base.Add(10*time.Second))
	mids := []float64{1.0, 0.9, 0.9, 1.0, 0.8, 0.7}
	vols := []float64{0, 3, 4, 0, 2, 1}
	for i := range mids {
		acc.AddTick("GOLD", mids[i]-0.01, mids[i]+0.01, vols[i], base.Add(time.Duration(i)*time.Second))
	}

	m, ok := acc.Compute("GOLD", 0)
	require.True(t, ok)
	// 下跌 3+2+1，持平 4 各半，上涨 1（成交量缺失按 1）
	assert.Equal(t, 8.0, m.BidVolume)
	assert.Equal(t, 3.0, m.AskVolume)
	assert.Equal(t, -5.0, m.Delta)
	assert.Equal(t, SignSelling, m.DeltaSign)
	assert.Equal(t, 27.3, m.ImbalanceBuyPct)
	assert.Equal(t, 72.7, m.ImbalanceSellPct)
}

func TestCompute_SingleTickFallsBackToAverageSplit(t *testing.T) {
	acc := newTestAccumulator(config.OrderFlowConfig{MinTicks: 1}, base)
	acc.AddTick("BTCUSD", 100, 101, 8, base)

	m, ok := acc.Compute("BTCUSD", 0)
	require.True(t, ok)
	assert.Equal(t, 4.0, m.BidVolume)
	assert.Equal(t, 4.0, m.AskVolume)
	assert.Equal(t, SignNeutral, m.DeltaSign)
	assert.Equal(t, 50.0, m.ImbalanceBuyPct)
}

func TestCompute_LargeOrders(t *testing.T) {
	acc := newTestAccumulator(config.OrderFlowConfig{LargeOrderMultiplier: 3}, base.Add(time.Minute))
	for i := 0; i < 5; i++ {
		acc.AddTick("EURUSD", 1.1, 1.1002, 1, base.Add(time.Duration(i)*time.Second))
	}
	acc.AddTick("EURUSD", 1.1001, 1.1003, 30, base.Add(6*time.Second))

	m, ok := acc.Compute("EURUSD", 0)
	require.True(t, ok)
	require.Len(t, m.LargeOrders, 1)
	assert.Equal(t, LargeOrder{Volume: 30, Side: "buy", Price: 1.1003}, m.LargeOrders[0])
}

func TestAddTick_EvictsFromFront(t *testing.T) {
	now := base.Add(120 * time.Second)
	acc := newTestAccumulator(config.OrderFlowConfig{Lookback: time.Minute}, now)
	for i := 0; i <= 12; i++ {
		acc.AddTick("EURUSD", 1.1, 1.1002, 1, base.Add(time.Duration(i)*10*time.Second))
	}

	// 60s..120s 之间共 7 条
	assert.Equal(t, 7, acc.Len("EURUSD"))

	m, ok := acc.Compute("EURUSD", 40*time.Second)
	require.True(t, ok)
	assert.Equal(t, 5, m.TickCount)
}

func TestCompute_TickCountBoundedByWindow(t *testing.T) {
	now := base.Add(5 * time.Minute)
	acc := newTestAccumulator(config.OrderFlowConfig{Lookback: 2 * time.Minute, MinTicks: 1}, now)
	var stamps []time.Time
	for ts := base; !ts.After(now.Add(10 * time.Second)); ts = ts.Add(7 * time.Second) {
		stamps = append(stamps, ts)
		acc.AddTick("EURUSD", 1.1, 1.1002, 2, ts)
	}

	for _, window := range []time.Duration{10 * time.Second, time.Minute, 2 * time.Minute} {
		inWindow := 0
		for _, ts := range stamps {
			if !ts.Before(now.Add(-window)) && !ts.After(now) {
				inWindow++
			}
		}
		m, ok := acc.Compute("EURUSD", window)
		require.True(t, ok)
		assert.LessOrEqual(t, m.TickCount, inWindow, "window %s", window)
	}
}

func TestClear(t *testing.T) {
	acc := newTestAccumulator(config.OrderFlowConfig{}, base)
	acc.AddTick("EURUSD", 1, 1.1, 1, base)
	acc.AddTick("GOLD", 1, 1.1, 1, base)

	acc.Clear("EURUSD")
	assert.Zero(t, acc.Len("EURUSD"))
	assert.Equal(t, 1, acc.Len("GOLD"))

	acc.ClearAll()
	assert.Zero(t, acc.Len("GOLD"))
}
