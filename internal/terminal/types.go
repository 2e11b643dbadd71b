package terminal

import (
	"fmt"
	"strings"
	"time"
)

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向，大小写不敏感。
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Opposite 返回反向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 对应终端的订单类型枚举。
type OrderType int

const (
	OrderTypeBuy OrderType = iota
	OrderTypeSell
	OrderTypeBuyLimit
	OrderTypeSellLimit
	OrderTypeBuyStop
	OrderTypeSellStop
	OrderTypeBuyStopLimit
	OrderTypeSellStopLimit
)

// Side 返回订单类型对应的方向。
func (t OrderType) Side() Side {
	switch t {
	case OrderTypeBuy, OrderTypeBuyLimit, OrderTypeBuyStop, OrderTypeBuyStopLimit:
		return SideBuy
	default:
		return SideSell
	}
}

// MarketOrderType 返回方向对应的即时成交类型。
func MarketOrderType(side Side) OrderType {
	if side == SideBuy {
		return OrderTypeBuy
	}
	return OrderTypeSell
}

// TradeAction 对应 order_send 的 action 字段。
type TradeAction int

const (
	ActionDeal    TradeAction = 1
	ActionPending TradeAction = 5
	ActionSLTP    TradeAction = 6
	ActionModify  TradeAction = 7
	ActionRemove  TradeAction = 8
)

// OrderTime 对应挂单有效期。
type OrderTime int

const OrderTimeGTC OrderTime = 0

// FillingMode 是成交方式，同时作为品种能力位掩码中的位。
type FillingMode uint32

const (
	FillingReturn FillingMode = 1
	FillingIOC    FillingMode = 2
	FillingFOK    FillingMode = 4
)

// AllFillingModes 按宽松程度排序。
var AllFillingModes = []FillingMode{FillingReturn, FillingIOC, FillingFOK}

func (m FillingMode) String() string {
	switch m {
	case FillingReturn:
		return "RETURN"
	case FillingIOC:
		return "IOC"
	case FillingFOK:
		return "FOK"
	default:
		return fmt.Sprintf("MODE_%d", uint32(m))
	}
}

// 券商返回码。
const (
	RetcodePlaced                  uint32 = 10008
	RetcodeDone                    uint32 = 10009
	RetcodeDonePartial             uint32 = 10010
	RetcodeInvalidRequest          uint32 = 10013
	RetcodeInvalidVolume           uint32 = 10014
	RetcodeInvalidPrice            uint32 = 10015
	RetcodeInvalidStops            uint32 = 10016
	RetcodeMarketClosed            uint32 = 10018
	RetcodeServerAutoTradeDisabled uint32 = 10026
	RetcodeClientAutoTradeDisabled uint32 = 10027
	RetcodeInvalidFill             uint32 = 10030
)

// SymbolInfo 为终端返回的品种规格。
type SymbolInfo struct {
	Name        string  `json:"name"`
	Visible     bool    `json:"visible"`
	Point       float64 `json:"point"`
	Digits      int     `json:"digits"`
	StopsLevel  int     `json:"trade_stops_level"`
	VolumeMin   float64 `json:"volume_min"`
	VolumeMax   float64 `json:"volume_max"`
	VolumeStep  float64 `json:"volume_step"`
	FillingMode uint32  `json:"filling_mode"`
	Description string  `json:"description,omitempty"`
}

// Supports 判断品种是否声明支持某种成交方式。
func (s *SymbolInfo) Supports(mode FillingMode) bool {
	return s != nil && s.FillingMode&uint32(mode) != 0
}

// Tick 为最新报价。
type Tick struct {
	Time   time.Time `json:"time"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Volume float64   `json:"volume"`
}

// Mid 返回中间价。
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// AccountInfo 为账户概况。
type AccountInfo struct {
	Login        int64   `json:"login"`
	Server       string  `json:"server"`
	Name         string  `json:"name,omitempty"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	MarginFree   float64 `json:"margin_free"`
	MarginLevel  float64 `json:"margin_level"`
	Leverage     int     `json:"leverage"`
	Currency     string  `json:"currency"`
	Company      string  `json:"company"`
	TradeAllowed bool    `json:"trade_allowed"`
	TradeExpert  bool    `json:"trade_expert"`
}

// Position 为持仓快照。
type Position struct {
	Ticket       uint64    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Type         OrderType `json:"type"`
	Volume       float64   `json:"volume"`
	PriceOpen    float64   `json:"price_open"`
	PriceCurrent float64   `json:"price_current"`
	SL           float64   `json:"sl"`
	TP           float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	TimeOpen     time.Time `json:"time"`
	Magic        int64     `json:"magic"`
	Comment      string    `json:"comment"`
}

// Order 为挂单快照。
type Order struct {
	Ticket        uint64    `json:"ticket"`
	Symbol        string    `json:"symbol"`
	Type          OrderType `json:"type"`
	VolumeCurrent float64   `json:"volume_current"`
	PriceOpen     float64   `json:"price_open"`
	SL            float64   `json:"sl"`
	TP            float64   `json:"tp"`
	TimeSetup     time.Time `json:"time_setup"`
	Magic         int64     `json:"magic"`
	Comment       string    `json:"comment"`
}

// Filter 用于 positions_get / orders_get，零值表示不过滤。
type Filter struct {
	Ticket uint64 `json:"ticket,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// TradeRequest 对应 order_send 的请求结构。
type TradeRequest struct {
	Action      TradeAction `json:"action"`
	Symbol      string      `json:"symbol,omitempty"`
	Volume      float64     `json:"volume,omitempty"`
	Type        OrderType   `json:"type"`
	Price       float64     `json:"price,omitempty"`
	SL          float64     `json:"sl"`
	TP          float64     `json:"tp"`
	Deviation   int         `json:"deviation,omitempty"`
	Magic       int64       `json:"magic,omitempty"`
	Comment     string      `json:"comment,omitempty"`
	TypeTime    OrderTime   `json:"type_time"`
	TypeFilling FillingMode `json:"type_filling,omitempty"`
	Position    uint64      `json:"position,omitempty"`
	Order       uint64      `json:"order,omitempty"`
}

// TradeResult 对应 order_send 的返回。
type TradeResult struct {
	Retcode uint32  `json:"retcode"`
	Deal    uint64  `json:"deal"`
	Order   uint64  `json:"order"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Comment string  `json:"comment"`
}

// Succeeded 判断返回码是否代表已成交或已挂单。
func (r *TradeResult) Succeeded() bool {
	return r != nil && (r.Retcode == RetcodeDone || r.Retcode == RetcodePlaced)
}
