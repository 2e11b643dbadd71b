package normalize

import (
	"github.com/shopspring/decimal"

	"mt5-connector/internal/terminal"
)

// 止损止盈调整原因。
const (
	ReasonWrongSide   = "wrong_side"
	ReasonMinDistance = "min_distance"
)

// Adjustment 记录一次止损或止盈的改动，Applied 为 0 表示该值被丢弃。
type Adjustment struct {
	Field     string  `json:"field"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Reason    string  `json:"reason"`
}

// Stops 为调整后的止损止盈，nil 表示不设置。
type Stops struct {
	StopLoss   *float64
	TakeProfit *float64
}

// Naked 表示两者都未设置。
func (s Stops) Naked() bool {
	return s.StopLoss == nil && s.TakeProfit == nil
}

// Values 返回下单请求使用的数值，未设置为 0。
func (s Stops) Values() (sl, tp float64) {
	if s.StopLoss != nil {
		sl = *s.StopLoss
	}
	if s.TakeProfit != nil {
		tp = *s.TakeProfit
	}
	return sl, tp
}

// AdjustStops 按方向校验止损止盈：方向错误的值被丢弃而不是翻转，
// 距离开仓价小于券商最小距离的值被推到恰好等于最小距离。
// 非正数视为未设置。
func AdjustStops(entry float64, sl, tp *float64, side terminal.Side, c Constraints) (Stops, []Adjustment) {
	minDist := c.MinStopDistance()
	var out Stops
	var notes []Adjustment

	// buy 的止损在下方，sell 的止损在上方
	slDir, tpDir := -1.0, 1.0
	if side == terminal.SideSell {
		slDir, tpDir = 1.0, -1.0
	}

	if sl != nil && *sl > 0 {
		v, note := adjustOne("stop_loss", entry, *sl, slDir, minDist, c.Digits)
		if note != nil {
			notes = append(notes, *note)
		}
		if v > 0 {
			out.StopLoss = &v
		}
	}
	if tp != nil && *tp > 0 {
		v, note := adjustOne("take_profit", entry, *tp, tpDir, minDist, c.Digits)
		if note != nil {
			notes = append(notes, *note)
		}
		if v > 0 {
			out.TakeProfit = &v
		}
	}
	return out, notes
}

// adjustOne 中 dir 为 -1 表示该值必须低于 entry，+1 表示必须高于 entry。
func adjustOne(field string, entry, value, dir, minDist float64, digits int) (float64, *Adjustment) {
	distance := (value - entry) * dir
	if distance <= 0 {
		return 0, &Adjustment{Field: field, Requested: value, Reason: ReasonWrongSide}
	}
	if distance >= minDist {
		return value, nil
	}
	pushed := roundPrice(entry+dir*minDist, digits)
	return pushed, &Adjustment{Field: field, Requested: value, Applied: pushed, Reason: ReasonMinDistance}
}

func roundPrice(v float64, digits int) float64 {
	if digits <= 0 {
		return v
	}
	return decimal.NewFromFloat(v).Round(int32(digits)).InexactFloat64()
}
