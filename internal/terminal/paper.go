package terminal

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PaperInstrument 为模拟终端中的品种种子。
type PaperInstrument struct {
	Info   SymbolInfo
	Price  float64
	Spread float64
}

// DefaultPaperInstruments 模拟一个把黄金挂在 GOLD、指数带 Cash 后缀的券商。
func DefaultPaperInstruments() []PaperInstrument {
	fx := func(name string, price float64) PaperInstrument {
		return PaperInstrument{
			Info: SymbolInfo{
				Name: name, Visible: true, Point: 0.00001, Digits: 5, StopsLevel: 10,
				VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01,
				FillingMode: uint32(FillingFOK | FillingIOC),
			},
			Price:  price,
			Spread: 0.00012,
		}
	}
	return []PaperInstrument{
		fx("EURUSD", 1.08500),
		fx("GBPUSD", 1.26500),
		{
			Info: SymbolInfo{
				Name: "USDJPY", Visible: false, Point: 0.001, Digits: 3, StopsLevel: 10,
				VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, FillingMode: uint32(FillingFOK | FillingIOC),
			},
			Price: 151.200, Spread: 0.012,
		},
		{
			Info: SymbolInfo{
				Name: "GOLD", Visible: true, Point: 0.01, Digits: 2, StopsLevel: 50,
				VolumeMin: 0.01, VolumeMax: 20, VolumeStep: 0.01, FillingMode: uint32(FillingIOC),
			},
			Price: 2350.00, Spread: 0.30,
		},
		{
			Info: SymbolInfo{
				Name: "BTCUSD", Visible: true, Point: 0.01, Digits: 2, StopsLevel: 100,
				VolumeMin: 0.01, VolumeMax: 5, VolumeStep: 0.01, FillingMode: uint32(FillingFOK),
			},
			Price: 65000.00, Spread: 15.0,
		},
		{
			Info: SymbolInfo{
				Name: "US30Cash", Visible: false, Point: 0.1, Digits: 1, StopsLevel: 20,
				VolumeMin: 0.1, VolumeMax: 100, VolumeStep: 0.1, FillingMode: uint32(FillingFOK | FillingIOC),
			},
			Price: 39000.0, Spread: 2.0,
		},
	}
}

type paperSymbol struct {
	info   SymbolInfo
	mid    float64
	spread float64
}

// Paper 是内存中的模拟终端，行为接近真实终端：校验手数、止损距离与成交方式。
type Paper struct {
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	account     AccountInfo
	symbols     map[string]*paperSymbol
	positions   map[uint64]*Position
	orders      map[uint64]*Order
	nextTicket  uint64
}

// NewPaper 创建模拟终端，未提供种子时使用 DefaultPaperInstruments。
func NewPaper(logger *zap.Logger, instruments ...PaperInstrument) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(instruments) == 0 {
		instruments = DefaultPaperInstruments()
	}
	p := &Paper{
		logger: logger,
		account: AccountInfo{
			Login: 1000001, Server: "Paper-Demo", Name: "paper",
			Balance: 10000, Equity: 10000, MarginFree: 10000,
			Leverage: 100, Currency: "USD", Company: "Paper Broker",
			TradeAllowed: true, TradeExpert: true,
		},
		symbols:    make(map[string]*paperSymbol, len(instruments)),
		positions:  make(map[uint64]*Position),
		orders:     make(map[uint64]*Order),
		nextTicket: 500000,
	}
	for _, inst := range instruments {
		p.symbols[inst.Info.Name] = &paperSymbol{info: inst.Info, mid: inst.Price, spread: inst.Spread}
	}
	return p
}

var _ Terminal = (*Paper)(nil)

func (p *Paper) Initialize(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	p.logger.Debug("模拟终端已初始化", zap.String("path", path))
	return nil
}

func (p *Paper) Login(_ context.Context, login int64, _ string, server string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return &Error{Code: CodeInternalFail, Message: "terminal not initialized"}
	}
	p.account.Login = login
	p.account.Server = server
	return nil
}

func (p *Paper) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

func (p *Paper) AccountInfo(context.Context) (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, nil
	}
	acc := p.account
	var margin, floating float64
	for _, pos := range p.positions {
		sym := p.symbols[pos.Symbol]
		margin += pos.Volume * pos.PriceOpen / float64(max(acc.Leverage, 1))
		if sym != nil {
			diff := sym.mid - pos.PriceOpen
			if pos.Type.Side() == SideSell {
				diff = -diff
			}
			floating += diff * pos.Volume
		}
	}
	acc.Equity = acc.Balance + floating
	acc.Margin = margin
	acc.MarginFree = acc.Equity - margin
	if margin > 0 {
		acc.MarginLevel = acc.Equity / margin * 100
	}
	return &acc, nil
}

func (p *Paper) SymbolInfo(_ context.Context, name string) (*SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym, ok := p.symbols[name]
	if !ok || !p.initialized {
		return nil, nil
	}
	info := sym.info
	return &info, nil
}

// SymbolInfoTick 每次调用让中间价随机游走一步。
func (p *Paper) SymbolInfoTick(_ context.Context, name string) (*Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym, ok := p.symbols[name]
	if !ok || !p.initialized {
		return nil, nil
	}
	sym.mid += (rand.Float64() - 0.5) * sym.spread
	volume := float64(1 + rand.IntN(5))
	if rand.IntN(50) == 0 {
		volume *= 40
	}
	tick := p.quote(sym)
	tick.Volume = volume
	return &tick, nil
}

func (p *Paper) quote(sym *paperSymbol) Tick {
	half := sym.spread / 2
	digits := math.Pow10(sym.info.Digits)
	bid := math.Round((sym.mid-half)*digits) / digits
	ask := math.Round((sym.mid+half)*digits) / digits
	return Tick{Time: time.Now().UTC(), Bid: bid, Ask: ask, Last: bid}
}

func (p *Paper) SymbolSelect(_ context.Context, name string, enable bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym, ok := p.symbols[name]
	if !ok {
		return false, nil
	}
	sym.info.Visible = enable
	return true, nil
}

func (p *Paper) Symbols(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.symbols))
	for name := range p.symbols {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (p *Paper) Positions(_ context.Context, filter Filter) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Position
	for _, pos := range p.positions {
		if filter.Ticket != 0 && pos.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(pos.Symbol, filter.Symbol) {
			continue
		}
		cp := *pos
		if sym := p.symbols[pos.Symbol]; sym != nil {
			cp.PriceCurrent = sym.mid
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Position) int { return cmp.Compare(a.Ticket, b.Ticket) })
	return out, nil
}

func (p *Paper) Orders(_ context.Context, filter Filter) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, ord := range p.orders {
		if filter.Ticket != 0 && ord.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(ord.Symbol, filter.Symbol) {
			continue
		}
		out = append(out, *ord)
	}
	slices.SortFunc(out, func(a, b Order) int { return cmp.Compare(a.Ticket, b.Ticket) })
	return out, nil
}

func (p *Paper) OrderSend(_ context.Context, req TradeRequest) (*TradeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, &Error{Code: CodeInternalFail, Message: "terminal not initialized"}
	}

	switch req.Action {
	case ActionDeal:
		if req.Position != 0 {
			return p.closePosition(req), nil
		}
		return p.openPosition(req), nil
	case ActionPending:
		return p.placeOrder(req), nil
	case ActionSLTP:
		return p.modifyPosition(req), nil
	case ActionRemove:
		if _, ok := p.orders[req.Order]; !ok {
			return reject(RetcodeInvalidRequest, "order not found"), nil
		}
		delete(p.orders, req.Order)
		return &TradeResult{Retcode: RetcodeDone, Order: req.Order, Comment: "Request executed"}, nil
	default:
		return reject(RetcodeInvalidRequest, fmt.Sprintf("unsupported action %d", req.Action)), nil
	}
}

func (p *Paper) openPosition(req TradeRequest) *TradeResult {
	sym, res := p.checkInstrument(req)
	if res != nil {
		return res
	}
	if !sym.info.Supports(req.TypeFilling) {
		return reject(RetcodeInvalidFill, "Unsupported filling mode")
	}
	tick := p.quote(sym)
	price := tick.Ask
	if req.Type.Side() == SideSell {
		price = tick.Bid
	}
	if !p.stopsValid(sym, req.Type.Side(), price, req.SL, req.TP) {
		return reject(RetcodeInvalidStops, "Invalid stops")
	}

	ticket := p.ticket()
	p.positions[ticket] = &Position{
		Ticket: ticket, Symbol: req.Symbol, Type: MarketOrderType(req.Type.Side()),
		Volume: req.Volume, PriceOpen: price, SL: req.SL, TP: req.TP,
		TimeOpen: time.Now().UTC(), Magic: req.Magic, Comment: req.Comment,
	}
	return &TradeResult{Retcode: RetcodeDone, Deal: ticket, Order: ticket, Volume: req.Volume, Price: price, Bid: tick.Bid, Ask: tick.Ask, Comment: "Request executed"}
}

func (p *Paper) closePosition(req TradeRequest) *TradeResult {
	pos, ok := p.positions[req.Position]
	if !ok {
		return reject(RetcodeInvalidRequest, "position not found")
	}
	sym := p.symbols[pos.Symbol]
	if sym == nil {
		return reject(RetcodeInvalidRequest, "unknown symbol")
	}
	if !sym.info.Supports(req.TypeFilling) {
		return reject(RetcodeInvalidFill, "Unsupported filling mode")
	}
	if req.Volume <= 0 || req.Volume > pos.Volume+1e-9 {
		return reject(RetcodeInvalidVolume, "Invalid volume")
	}
	tick := p.quote(sym)
	price := tick.Bid
	if pos.Type.Side() == SideSell {
		price = tick.Ask
	}
	diff := price - pos.PriceOpen
	if pos.Type.Side() == SideSell {
		diff = -diff
	}
	p.account.Balance += diff * req.Volume

	pos.Volume = math.Round((pos.Volume-req.Volume)*1e8) / 1e8
	if pos.Volume <= 0 {
		delete(p.positions, pos.Ticket)
	}
	return &TradeResult{Retcode: RetcodeDone, Deal: p.ticket(), Order: pos.Ticket, Volume: req.Volume, Price: price, Bid: tick.Bid, Ask: tick.Ask, Comment: "Request executed"}
}

func (p *Paper) placeOrder(req TradeRequest) *TradeResult {
	sym, res := p.checkInstrument(req)
	if res != nil {
		return res
	}
	if req.Price <= 0 {
		return reject(RetcodeInvalidPrice, "Invalid price")
	}
	if !p.stopsValid(sym, req.Type.Side(), req.Price, req.SL, req.TP) {
		return reject(RetcodeInvalidStops, "Invalid stops")
	}
	ticket := p.ticket()
	p.orders[ticket] = &Order{
		Ticket: ticket, Symbol: req.Symbol, Type: req.Type, VolumeCurrent: req.Volume,
		PriceOpen: req.Price, SL: req.SL, TP: req.TP, TimeSetup: time.Now().UTC(),
		Magic: req.Magic, Comment: req.Comment,
	}
	return &TradeResult{Retcode: RetcodePlaced, Order: ticket, Volume: req.Volume, Price: req.Price, Comment: "Request placed"}
}

func (p *Paper) modifyPosition(req TradeRequest) *TradeResult {
	pos, ok := p.positions[req.Position]
	if !ok {
		return reject(RetcodeInvalidRequest, "position not found")
	}
	sym := p.symbols[pos.Symbol]
	if sym == nil || !p.stopsValid(sym, pos.Type.Side(), pos.PriceOpen, req.SL, req.TP) {
		return reject(RetcodeInvalidStops, "Invalid stops")
	}
	pos.SL = req.SL
	pos.TP = req.TP
	return &TradeResult{Retcode: RetcodeDone, Order: pos.Ticket, Comment: "Request executed"}
}

func (p *Paper) checkInstrument(req TradeRequest) (*paperSymbol, *TradeResult) {
	sym, ok := p.symbols[req.Symbol]
	if !ok {
		return nil, reject(RetcodeInvalidRequest, "unknown symbol")
	}
	info := sym.info
	if req.Volume < info.VolumeMin-1e-9 || req.Volume > info.VolumeMax+1e-9 {
		return nil, reject(RetcodeInvalidVolume, "Invalid volume")
	}
	steps := req.Volume / info.VolumeStep
	if math.Abs(steps-math.Round(steps)) > 1e-6 {
		return nil, reject(RetcodeInvalidVolume, "Invalid volume")
	}
	return sym, nil
}

func (p *Paper) stopsValid(sym *paperSymbol, side Side, entry, sl, tp float64) bool {
	minDist := float64(sym.info.StopsLevel)*sym.info.Point - 1e-9
	if side == SideBuy {
		if sl > 0 && entry-sl < minDist {
			return false
		}
		if tp > 0 && tp-entry < minDist {
			return false
		}
		return true
	}
	if sl > 0 && sl-entry < minDist {
		return false
	}
	if tp > 0 && entry-tp < minDist {
		return false
	}
	return true
}

func (p *Paper) ticket() uint64 {
	p.nextTicket++
	return p.nextTicket
}

func reject(code uint32, comment string) *TradeResult {
	return &TradeResult{Retcode: code, Comment: comment}
}
