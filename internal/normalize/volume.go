// Package normalize 按券商约束规整手数与止损止盈，不依赖终端连接。
package normalize

import (
	"math"

	"github.com/shopspring/decimal"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/terminal"
)

const (
	defaultVolumeMin  = 0.01
	defaultVolumeMax  = 100
	defaultVolumeStep = 0.01

	// 超过最大手数但在该比例内时截断到最大手数，否则拒绝。
	overMaxTolerance = 0.10
)

// Constraints 为单次请求读取的品种约束，不做长期缓存。
type Constraints struct {
	VolumeMin  float64
	VolumeMax  float64
	VolumeStep float64
	Point      float64
	Digits     int
	StopsLevel int
}

// FromSymbol 从终端品种信息构造约束，缺失的手数约束使用默认值。
func FromSymbol(info *terminal.SymbolInfo) Constraints {
	var c Constraints
	if info != nil {
		c = Constraints{
			VolumeMin:  info.VolumeMin,
			VolumeMax:  info.VolumeMax,
			VolumeStep: info.VolumeStep,
			Point:      info.Point,
			Digits:     info.Digits,
			StopsLevel: info.StopsLevel,
		}
	}
	return c.withDefaults()
}

func (c Constraints) withDefaults() Constraints {
	if c.VolumeMin <= 0 {
		c.VolumeMin = defaultVolumeMin
	}
	if c.VolumeMax <= 0 {
		c.VolumeMax = defaultVolumeMax
	}
	if c.VolumeStep <= 0 {
		c.VolumeStep = defaultVolumeStep
	}
	return c
}

// MinStopDistance 返回止损止盈与开仓价之间的最小价差。
func (c Constraints) MinStopDistance() float64 {
	if c.StopsLevel <= 0 || c.Point <= 0 {
		return 0
	}
	return float64(c.StopsLevel) * c.Point
}

// Volume 把请求手数规整到 [min,max] 内的步长网格上。
// 低于最小手数直接拒绝；超过最大手数 10% 以内截断，超过更多则拒绝。
func Volume(requested float64, c Constraints) (float64, error) {
	c = c.withDefaults()

	if math.IsNaN(requested) || math.IsInf(requested, 0) || requested <= 0 {
		return 0, volumeError("手数必须为正数，收到 %v", requested)
	}

	vol := decimal.NewFromFloat(requested)
	minVol := decimal.NewFromFloat(c.VolumeMin)
	maxVol := decimal.NewFromFloat(c.VolumeMax)
	step := decimal.NewFromFloat(c.VolumeStep)

	if vol.LessThan(minVol) {
		return 0, volumeError("手数 %v 低于最小手数 %v", requested, c.VolumeMin)
	}

	if vol.GreaterThan(maxVol) {
		limit := maxVol.Mul(decimal.NewFromFloat(1 + overMaxTolerance))
		if vol.GreaterThan(limit) {
			return 0, volumeError("手数 %v 超过最大手数 %v 的 10%% 容差", requested, c.VolumeMax)
		}
		vol = maxVol
	}

	snapped := vol.Div(step).Round(0).Mul(step)
	if snapped.GreaterThan(maxVol) {
		// 最大手数不在步长网格上时向下取整
		snapped = vol.Div(step).Floor().Mul(step)
	}
	if snapped.LessThan(minVol) {
		return 0, volumeError("手数 %v 按步长 %v 规整后低于最小手数 %v", requested, c.VolumeStep, c.VolumeMin)
	}

	return snapped.InexactFloat64(), nil
}

func volumeError(format string, args ...any) error {
	return errs.New(errs.KindValidation, errs.CodeInvalidVolume, format, args...).
		WithDetail("field", "volume")
}
