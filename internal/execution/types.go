package execution

import (
	"strings"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/normalize"
	"mt5-connector/internal/terminal"
)

// OrderKind 表示下单方式。
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindStop   OrderKind = "stop"
)

// ParseOrderKind 解析下单方式，空串视为 market。
func ParseOrderKind(raw string) (OrderKind, bool) {
	switch OrderKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KindMarket:
		return KindMarket, true
	case KindLimit:
		return KindLimit, true
	case KindStop:
		return KindStop, true
	default:
		return "", false
	}
}

// Pending 表示挂单类下单方式。
func (k OrderKind) Pending() bool {
	return k == KindLimit || k == KindStop
}

// orderType 返回方向与下单方式对应的终端订单类型。
func orderType(side terminal.Side, kind OrderKind) terminal.OrderType {
	switch {
	case kind == KindLimit && side == terminal.SideBuy:
		return terminal.OrderTypeBuyLimit
	case kind == KindLimit:
		return terminal.OrderTypeSellLimit
	case kind == KindStop && side == terminal.SideBuy:
		return terminal.OrderTypeBuyStop
	case kind == KindStop:
		return terminal.OrderTypeSellStop
	default:
		return terminal.MarketOrderType(side)
	}
}

// pendingKind 从挂单类型反推下单方式。
func pendingKind(t terminal.OrderType) OrderKind {
	switch t {
	case terminal.OrderTypeBuyStop, terminal.OrderTypeSellStop, terminal.OrderTypeBuyStopLimit, terminal.OrderTypeSellStopLimit:
		return KindStop
	default:
		return KindLimit
	}
}

// Intent 为外部已经决定好的开仓请求。
type Intent struct {
	Symbol     string
	Side       terminal.Side
	Kind       OrderKind
	Volume     float64
	EntryPrice float64
	StopLoss   *float64
	TakeProfit *float64
	Strategy   string
}

// Validate 检查与行情无关的必填项。
func (in Intent) Validate() error {
	if strings.TrimSpace(in.Symbol) == "" {
		return errs.Validationf("symbol 不能为空").WithDetail("field", "symbol")
	}
	if in.Side != terminal.SideBuy && in.Side != terminal.SideSell {
		return errs.Validationf("direction 必须是 buy 或 sell，收到 %q", in.Side).WithDetail("field", "direction")
	}
	if _, ok := ParseOrderKind(string(in.Kind)); !ok {
		return errs.New(errs.KindValidation, errs.CodeInvalidKind, "不支持的下单方式 %q", in.Kind).WithDetail("field", "order_kind")
	}
	if in.Volume <= 0 {
		return errs.Validationf("手数必须为正数，收到 %v", in.Volume).WithDetail("field", "volume")
	}
	if in.Kind.Pending() && in.EntryPrice <= 0 {
		return errs.Validationf("%s 挂单必须提供 entry_price", in.Kind).WithDetail("field", "entry_price")
	}
	return nil
}

func (in Intent) errContext() errs.Context {
	return errs.Context{Symbol: in.Symbol, Direction: string(in.Side), OrderKind: string(in.Kind), Volume: in.Volume}
}

// OpenResult 为开仓或挂单成功的结果。
// StopsCleared 表示因 invalid stops 去掉止损止盈后重发才成功。
type OpenResult struct {
	Ticket         uint64                 `json:"ticket"`
	Symbol         string                 `json:"symbol"`
	Volume         float64                `json:"volume"`
	Price          float64                `json:"price"`
	Side           terminal.Side          `json:"direction"`
	Kind           OrderKind              `json:"order_kind"`
	StopLoss       *float64               `json:"stop_loss"`
	TakeProfit     *float64               `json:"take_profit"`
	FillingMode    string                 `json:"filling_mode,omitempty"`
	StopsCleared   bool                   `json:"retry_without_stops"`
	AttemptedModes []string               `json:"attempted_filling_modes,omitempty"`
	Adjustments    []normalize.Adjustment `json:"adjustments,omitempty"`
}

// ModifyRequest 修改持仓止损止盈，nil 表示保持当前值。
type ModifyRequest struct {
	Ticket     uint64
	StopLoss   *float64
	TakeProfit *float64
}

// ModifyResult 为实际生效的止损止盈。
type ModifyResult struct {
	Ticket      uint64                 `json:"ticket"`
	Symbol      string                 `json:"symbol"`
	Side        terminal.Side          `json:"direction"`
	StopLoss    *float64               `json:"stop_loss"`
	TakeProfit  *float64               `json:"take_profit"`
	Adjustments []normalize.Adjustment `json:"adjustments,omitempty"`
}

// CloseResult 为平仓结果。
type CloseResult struct {
	Ticket      uint64        `json:"ticket"`
	Symbol      string        `json:"symbol"`
	Side        terminal.Side `json:"direction"`
	Volume      float64       `json:"volume"`
	Price       float64       `json:"price"`
	FillingMode string        `json:"filling_mode,omitempty"`
}

// PartialCloseResult 为部分平仓结果。Redirected 为 true 时实际执行的是全部平仓。
type PartialCloseResult struct {
	Ticket          uint64        `json:"ticket"`
	Symbol          string        `json:"symbol"`
	Side            terminal.Side `json:"direction"`
	Percent         float64       `json:"volume_percent"`
	VolumeClosed    float64       `json:"volume_closed"`
	RemainingVolume float64       `json:"remaining_volume"`
	Price           float64       `json:"price"`
	FillingMode     string        `json:"filling_mode,omitempty"`
	Redirected      bool          `json:"closed_in_full"`
}

// CancelResult 为撤单结果。
type CancelResult struct {
	Ticket uint64    `json:"ticket"`
	Symbol string    `json:"symbol"`
	Kind   OrderKind `json:"order_kind"`
}

func floatPtr(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
