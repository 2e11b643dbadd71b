package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/execution"
	"mt5-connector/internal/terminal"
)

const (
	maxBodyBytes    = 1 << 20
	defaultStrategy = "low"
)

// openRequest 兼容交易引擎的多种字段命名。
type openRequest struct {
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction"`
	OrderKind       string   `json:"order_kind"`
	EntryType       string   `json:"entry_type"`
	LotSize         *float64 `json:"lot_size"`
	Volume          *float64 `json:"volume"`
	EntryPrice      *float64 `json:"entry_price"`
	LimitPrice      *float64 `json:"limit_price"`
	StopLossPrice   *float64 `json:"stop_loss_price"`
	StopLoss        *float64 `json:"stop_loss"`
	TakeProfitPrice *float64 `json:"take_profit_price"`
	TakeProfit      *float64 `json:"take_profit"`
	StrategyID      string   `json:"strategy_id"`
	Strategy        string   `json:"strategy"`
}

func (r openRequest) intent() execution.Intent {
	side, ok := terminal.ParseSide(r.Direction)
	if !ok {
		side = terminal.Side(strings.ToLower(strings.TrimSpace(r.Direction)))
	}
	kind := r.OrderKind
	if kind == "" {
		kind = r.EntryType
	}

	in := execution.Intent{
		Symbol:     strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Side:       side,
		Kind:       execution.OrderKind(strings.ToLower(strings.TrimSpace(kind))),
		StopLoss:   firstOf(r.StopLossPrice, r.StopLoss),
		TakeProfit: firstOf(r.TakeProfitPrice, r.TakeProfit),
		Strategy:   firstNonEmpty(r.StrategyID, r.Strategy, defaultStrategy),
	}
	if v := firstOf(r.LotSize, r.Volume); v != nil {
		in.Volume = *v
	}
	if v := firstOf(r.EntryPrice, r.LimitPrice); v != nil {
		in.EntryPrice = *v
	}
	return in
}

type ticketRequest struct {
	Ticket    *uint64 `json:"ticket"`
	MT5Ticket *uint64 `json:"mt5_ticket"`
	Reason    string  `json:"reason"`
}

func (r ticketRequest) ticket() (uint64, error) {
	if r.MT5Ticket != nil && *r.MT5Ticket > 0 {
		return *r.MT5Ticket, nil
	}
	if r.Ticket != nil && *r.Ticket > 0 {
		return *r.Ticket, nil
	}
	return 0, errs.Validationf("ticket 不能为空").WithDetail("field", "ticket")
}

type modifyRequest struct {
	ticketRequest
	StopLossPrice   *float64 `json:"stop_loss_price"`
	StopLoss        *float64 `json:"stop_loss"`
	TakeProfitPrice *float64 `json:"take_profit_price"`
	TakeProfit      *float64 `json:"take_profit"`
}

type partialCloseRequest struct {
	ticketRequest
	VolumePercent float64 `json:"volume_percent"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validationf("请求体不能为空")
		}
		return errs.Validationf("请求体格式错误: %v", err)
	}
	return nil
}

func firstOf(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
