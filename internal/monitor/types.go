package monitor

import (
	"fmt"
	"time"

	"mt5-connector/internal/execution"
)

// EventType 表示订单生命周期事件类型。
type EventType string

const (
	EventOrderSent        EventType = "order_sent"
	EventPositionOpened   EventType = "position_opened"
	EventSLModified       EventType = "sl_modified"
	EventTPModified       EventType = "tp_modified"
	EventPositionModified EventType = "position_modified"
	EventPartialClose     EventType = "partial_close"
	EventPositionClosed   EventType = "position_closed"
)

// Event 为推送给交易引擎的事件，信封字段之外按事件类型填充。
type Event struct {
	Source    string    `json:"source"`
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"event_id"`

	Ticket          uint64   `json:"ticket"`
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction,omitempty"`
	OrderKind       string   `json:"order_kind,omitempty"`
	Volume          float64  `json:"volume,omitempty"`
	EntryPrice      float64  `json:"entry_price,omitempty"`
	ExitPrice       float64  `json:"exit_price,omitempty"`
	SLPrice         *float64 `json:"sl_price,omitempty"`
	TPPrice         *float64 `json:"tp_price,omitempty"`
	VolumeClosed    float64  `json:"volume_closed,omitempty"`
	RemainingVolume float64  `json:"remaining_volume,omitempty"`
	MagicNumber     int64    `json:"magic_number,omitempty"`
	Comment         string   `json:"comment,omitempty"`
}

// Delivery 为事件在本地日志中的投递状态。
type Delivery string

const (
	DeliveryQueued    Delivery = "queued"
	DeliveryDelivered Delivery = "delivered"
	DeliveryFailed    Delivery = "failed"
	DeliveryDropped   Delivery = "dropped"
	DeliveryDisabled  Delivery = "disabled"
)

// Record 为日志中的一条事件。
type Record struct {
	Event    Event    `json:"event"`
	Status   Delivery `json:"status"`
	Attempts int      `json:"attempts"`
	Error    string   `json:"error,omitempty"`
}

// OrderSent 由开仓或挂单结果生成事件。
func OrderSent(r execution.OpenResult, magic int64) Event {
	return Event{
		Type:        EventOrderSent,
		Ticket:      r.Ticket,
		Symbol:      r.Symbol,
		Direction:   string(r.Side),
		OrderKind:   string(r.Kind),
		Volume:      r.Volume,
		EntryPrice:  r.Price,
		SLPrice:     r.StopLoss,
		TPPrice:     r.TakeProfit,
		MagicNumber: magic,
	}
}

// PositionOpened 仅用于市价单成交。
func PositionOpened(r execution.OpenResult, magic int64) Event {
	ev := OrderSent(r, magic)
	ev.Type = EventPositionOpened
	return ev
}

// Modified 根据请求中给出的字段选择事件类型：只改止损、只改止盈或两者都改。
func Modified(req execution.ModifyRequest, r execution.ModifyResult) Event {
	typ := EventPositionModified
	switch {
	case req.StopLoss != nil && req.TakeProfit == nil:
		typ = EventSLModified
	case req.StopLoss == nil && req.TakeProfit != nil:
		typ = EventTPModified
	}
	return Event{
		Type:      typ,
		Ticket:    r.Ticket,
		Symbol:    r.Symbol,
		Direction: string(r.Side),
		SLPrice:   r.StopLoss,
		TPPrice:   r.TakeProfit,
		Comment:   "SL/TP modified",
	}
}

// PartialClosed 由部分平仓结果生成事件。被转为全部平仓时生成 position_closed。
func PartialClosed(r execution.PartialCloseResult) Event {
	if r.Redirected {
		return Closed(execution.CloseResult{
			Ticket:      r.Ticket,
			Symbol:      r.Symbol,
			Side:        r.Side,
			Volume:      r.VolumeClosed,
			Price:       r.Price,
			FillingMode: r.FillingMode,
		})
	}
	return Event{
		Type:            EventPartialClose,
		Ticket:          r.Ticket,
		Symbol:          r.Symbol,
		Direction:       string(r.Side),
		Volume:          r.VolumeClosed,
		VolumeClosed:    r.VolumeClosed,
		RemainingVolume: r.RemainingVolume,
		ExitPrice:       r.Price,
		Comment:         fmt.Sprintf("Partial close %g%%", r.Percent),
	}
}

// Closed 由全部平仓结果生成事件。
func Closed(r execution.CloseResult) Event {
	return Event{
		Type:      EventPositionClosed,
		Ticket:    r.Ticket,
		Symbol:    r.Symbol,
		Direction: string(r.Side),
		Volume:    r.Volume,
		ExitPrice: r.Price,
	}
}
