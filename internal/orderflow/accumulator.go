// Package orderflow 维护每个品种的滚动报价窗口，并据此估算买卖压力。
//
// 买卖方向由相邻报价中间价的涨跌推断，只是近似的主动方分类，不是真实成交方向。
package orderflow

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mt5-connector/internal/config"
	"mt5-connector/internal/metrics"
)

// Delta 方向。
const (
	SignBuying  = "buying_pressure"
	SignSelling = "selling_pressure"
	SignNeutral = "neutral"
)

const (
	defaultLookback   = 60 * time.Second
	defaultMultiplier = 20.0
	defaultMinTicks   = 5
)

type tick struct {
	bid    float64
	ask    float64
	volume float64
	at     time.Time
}

func (t tick) mid() float64 {
	return (t.bid + t.ask) / 2
}

// 成交量缺失时按 1 计。
func (t tick) weight() float64 {
	if t.volume <= 0 {
		return 1
	}
	return t.volume
}

// LargeOrder 为成交量显著高于窗口均值的报价。
type LargeOrder struct {
	Volume float64 `json:"volume"`
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
}

// Metrics 为订单流计算结果。
type Metrics struct {
	Symbol           string       `json:"symbol"`
	Timestamp        time.Time    `json:"timestamp"`
	BidVolume        float64      `json:"bid_volume"`
	AskVolume        float64      `json:"ask_volume"`
	Delta            float64      `json:"delta"`
	DeltaSign        string       `json:"delta_sign"`
	ImbalanceBuyPct  float64      `json:"imbalance_buy_pct"`
	ImbalanceSellPct float64      `json:"imbalance_sell_pct"`
	LargeOrders      []LargeOrder `json:"large_orders"`
	TickCount        int          `json:"tick_count"`
}

// Neutral 返回数据不足时调用方使用的默认结果。
func Neutral(symbol string, now time.Time) Metrics {
	return Metrics{
		Symbol:           symbol,
		Timestamp:        now,
		DeltaSign:        SignNeutral,
		ImbalanceBuyPct:  50,
		ImbalanceSellPct: 50,
		LargeOrders:      []LargeOrder{},
	}
}

// Accumulator 按品种保存最近 lookback 内的报价。并发安全。
type Accumulator struct {
	mu         sync.Mutex
	buffers    map[string][]tick
	lookback   time.Duration
	multiplier float64
	minTicks   int
	now        func() time.Time
	logger     *zap.Logger
}

// NewAccumulator 创建累加器，零值配置项使用默认值。
func NewAccumulator(cfg config.OrderFlowConfig, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	acc := &Accumulator{
		buffers:    make(map[string][]tick),
		lookback:   cfg.Lookback,
		multiplier: cfg.LargeOrderMultiplier,
		minTicks:   cfg.MinTicks,
		now:        time.Now,
		logger:     logger,
	}
	if acc.lookback <= 0 {
		acc.lookback = defaultLookback
	}
	if acc.multiplier <= 0 {
		acc.multiplier = defaultMultiplier
	}
	if acc.minTicks <= 0 {
		acc.minTicks = defaultMinTicks
	}
	return acc
}

// Lookback 返回缓冲保留时长。
func (a *Accumulator) Lookback() time.Duration {
	return a.lookback
}

// AddTick 追加一条报价并从队首淘汰早于 at-lookback 的数据。
// 调用方应按时间非递减的顺序写入；乱序只影响精度，淘汰仍只发生在队首。
func (a *Accumulator) AddTick(symbol string, bid, ask, volume float64, at time.Time) {
	if at.IsZero() {
		at = a.now()
	}

	a.mu.Lock()
	buf := append(a.buffers[symbol], tick{bid: bid, ask: ask, volume: volume, at: at})
	cutoff := at.Add(-a.lookback)
	drop := 0
	for drop < len(buf) && buf[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		// 拷贝到新切片，避免底层数组无限增长
		buf = append([]tick(nil), buf[drop:]...)
	}
	a.buffers[symbol] = buf
	a.mu.Unlock()

	metrics.TicksTotal.WithLabelValues(symbol).Inc()
}

// Len 返回品种当前缓冲的报价数。
func (a *Accumulator) Len(symbol string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[symbol])
}

// Compute 计算 [now-window, now] 内的订单流指标。window<=0 使用 lookback。
// 窗口内报价不足时返回 false，调用方应改用 Neutral。
func (a *Accumulator) Compute(symbol string, window time.Duration) (Metrics, bool) {
	if window <= 0 {
		window = a.lookback
	}
	now := a.now()
	cutoff := now.Add(-window)

	a.mu.Lock()
	var recent []tick
	for _, t := range a.buffers[symbol] {
		if t.at.Before(cutoff) || t.at.After(now) {
			continue
		}
		recent = append(recent, t)
	}
	a.mu.Unlock()

	if len(recent) < a.minTicks {
		return Metrics{}, false
	}

	var bidVol, askVol float64
	for i := 1; i < len(recent); i++ {
		prev, curr := recent[i-1].mid(), recent[i].mid()
		w := recent[i].weight()
		switch {
		case curr > prev:
			askVol += w
		case curr < prev:
			bidVol += w
		default:
			bidVol += w * 0.5
			askVol += w * 0.5
		}
	}

	var sum float64
	for _, t := range recent {
		sum += t.weight()
	}
	avg := sum / float64(len(recent))

	if bidVol == 0 && askVol == 0 {
		bidVol = avg * 0.5
		askVol = avg * 0.5
	}

	total := bidVol + askVol
	delta := askVol - bidVol
	buyPct, sellPct := 50.0, 50.0
	if total > 0 {
		buyPct = askVol / total * 100
		sellPct = bidVol / total * 100
	}

	sign := SignNeutral
	switch {
	case delta > 0:
		sign = SignBuying
	case delta < 0:
		sign = SignSelling
	}

	threshold := avg * a.multiplier
	large := make([]LargeOrder, 0)
	for _, t := range recent {
		if t.volume <= 0 || t.volume < threshold {
			continue
		}
		order := LargeOrder{Volume: t.volume, Side: "sell", Price: t.bid}
		if t.ask > t.bid {
			order.Side = "buy"
			order.Price = t.ask
		}
		large = append(large, order)
	}

	return Metrics{
		Symbol:           symbol,
		Timestamp:        now,
		BidVolume:        round(bidVol, 2),
		AskVolume:        round(askVol, 2),
		Delta:            round(delta, 2),
		DeltaSign:        sign,
		ImbalanceBuyPct:  round(buyPct, 1),
		ImbalanceSellPct: round(sellPct, 1),
		LargeOrders:      large,
		TickCount:        len(recent),
	}, true
}

// Clear 丢弃某个品种的缓冲。
func (a *Accumulator) Clear(symbol string) {
	a.mu.Lock()
	delete(a.buffers, symbol)
	a.mu.Unlock()
}

// ClearAll 丢弃全部缓冲。
func (a *Accumulator) ClearAll() {
	a.mu.Lock()
	n := len(a.buffers)
	a.buffers = make(map[string][]tick)
	a.mu.Unlock()
	a.logger.Info("已清空订单流缓冲", zap.Int("symbols", n))
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
