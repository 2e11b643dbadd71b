package position

import (
	"time"

	"mt5-connector/internal/terminal"
)

// Position 为对外输出的持仓。止损止盈未设置时为 null。
type Position struct {
	Ticket       uint64   `json:"ticket"`
	Symbol       string   `json:"symbol"`
	Direction    string   `json:"direction"`
	Volume       float64  `json:"volume"`
	OpenPrice    float64  `json:"open_price"`
	CurrentPrice float64  `json:"current_price"`
	StopLoss     *float64 `json:"sl"`
	TakeProfit   *float64 `json:"tp"`
	Profit       float64  `json:"profit"`
	OpenTime     string   `json:"open_time"`
	Magic        int64    `json:"magic"`
	Comment      string   `json:"comment,omitempty"`
}

// PendingOrder 为对外输出的挂单。
type PendingOrder struct {
	Ticket     uint64   `json:"ticket"`
	Symbol     string   `json:"symbol"`
	Direction  string   `json:"direction"`
	OrderKind  string   `json:"order_kind"`
	Volume     float64  `json:"volume"`
	EntryPrice float64  `json:"entry_price"`
	StopLoss   *float64 `json:"sl"`
	TakeProfit *float64 `json:"tp"`
	CreatedAt  string   `json:"created_at"`
}

// AccountSummary 为账户资金概况，保证金比例无意义时为 null。
type AccountSummary struct {
	Balance     float64  `json:"balance"`
	Equity      float64  `json:"equity"`
	Margin      float64  `json:"margin"`
	FreeMargin  float64  `json:"free_margin"`
	MarginLevel *float64 `json:"margin_level"`
	Currency    string   `json:"currency"`
}

// AccountStatus 为健康检查中展示的账户信息。
type AccountStatus struct {
	Login        int64   `json:"login"`
	Server       string  `json:"server"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	FreeMargin   float64 `json:"free_margin"`
	TradeAllowed bool    `json:"trade_allowed"`
	TradeExpert  bool    `json:"trade_expert"`
	Leverage     int     `json:"leverage"`
	Currency     string  `json:"currency"`
	Company      string  `json:"company"`
}

func fromTerminalPosition(p terminal.Position) Position {
	return Position{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Direction:    string(p.Type.Side()),
		Volume:       p.Volume,
		OpenPrice:    p.PriceOpen,
		CurrentPrice: p.PriceCurrent,
		StopLoss:     optional(p.SL),
		TakeProfit:   optional(p.TP),
		Profit:       p.Profit,
		OpenTime:     isoTime(p.TimeOpen),
		Magic:        p.Magic,
		Comment:      p.Comment,
	}
}

func fromTerminalOrder(o terminal.Order) PendingOrder {
	kind := "limit"
	switch o.Type {
	case terminal.OrderTypeBuyStop, terminal.OrderTypeSellStop, terminal.OrderTypeBuyStopLimit, terminal.OrderTypeSellStopLimit:
		kind = "stop"
	}
	return PendingOrder{
		Ticket:     o.Ticket,
		Symbol:     o.Symbol,
		Direction:  string(o.Type.Side()),
		OrderKind:  kind,
		Volume:     o.VolumeCurrent,
		EntryPrice: o.PriceOpen,
		StopLoss:   optional(o.SL),
		TakeProfit: optional(o.TP),
		CreatedAt:  isoTime(o.TimeSetup),
	}
}

func optional(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func isoTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
