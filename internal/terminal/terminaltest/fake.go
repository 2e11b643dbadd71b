// Package terminaltest 提供可编排的 terminal.Terminal 假实现，供各包测试共用。
package terminaltest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"mt5-connector/internal/terminal"
)

// SendOutcome 为 OrderSend 预置的一次返回。
type SendOutcome struct {
	Result *terminal.TradeResult
	Err    error
}

// Done 构造成交成功的返回。
func Done(ticket uint64, price float64) SendOutcome {
	return SendOutcome{Result: &terminal.TradeResult{Retcode: terminal.RetcodeDone, Order: ticket, Deal: ticket, Price: price, Comment: "Request executed"}}
}

// Reject 构造被券商拒绝的返回。
func Reject(retcode uint32, comment string) SendOutcome {
	return SendOutcome{Result: &terminal.TradeResult{Retcode: retcode, Comment: comment}}
}

// Fake 记录每次调用，返回预置数据。零值可直接使用。
type Fake struct {
	mu sync.Mutex

	InitErr    error
	LoginErr   error
	AccountErr error
	// Account 为 nil 时 AccountInfo 返回空值，模拟未登录。
	Account *terminal.AccountInfo

	SymbolTable map[string]*terminal.SymbolInfo
	TickTable   map[string]*terminal.Tick
	// SelectFails 中的品种 SymbolSelect 返回 false。
	SelectFails map[string]bool
	AllSymbols  []string

	OpenPositions []terminal.Position
	PendingOrders []terminal.Order
	PositionsErr  error
	OrdersErr     error

	// SendQueue 依次消费，耗尽后默认成交。
	SendQueue []SendOutcome

	calls    []string
	requests []terminal.TradeRequest
	ticket   uint64
}

var _ terminal.Terminal = (*Fake)(nil)

// New 创建带一个已登录账户的 Fake。
func New() *Fake {
	return &Fake{
		Account:     &terminal.AccountInfo{Login: 42, Server: "Fake-Demo", Balance: 1000, Equity: 1000, Currency: "USD", TradeAllowed: true, TradeExpert: true},
		SymbolTable: make(map[string]*terminal.SymbolInfo),
		TickTable:   make(map[string]*terminal.Tick),
		SelectFails: make(map[string]bool),
	}
}

// AddSymbol 登记品种及其报价。
func (f *Fake) AddSymbol(info terminal.SymbolInfo, tick terminal.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SymbolTable == nil {
		f.SymbolTable = make(map[string]*terminal.SymbolInfo)
	}
	if f.TickTable == nil {
		f.TickTable = make(map[string]*terminal.Tick)
	}
	f.SymbolTable[info.Name] = &info
	f.TickTable[info.Name] = &tick
	if !slices.Contains(f.AllSymbols, info.Name) {
		f.AllSymbols = append(f.AllSymbols, info.Name)
	}
}

// QueueSend 追加 OrderSend 的预置返回。
func (f *Fake) QueueSend(outcomes ...SendOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendQueue = append(f.SendQueue, outcomes...)
}

// Calls 返回调用记录的副本。
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount 统计以 prefix 开头的调用次数。
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Requests 返回全部 OrderSend 请求。
func (f *Fake) Requests() []terminal.TradeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *Fake) Initialize(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Initialize(%s)", path)
	return f.InitErr
}

func (f *Fake) Login(_ context.Context, login int64, _ string, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Login(%d,%s)", login, server)
	return f.LoginErr
}

func (f *Fake) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Shutdown")
	return nil
}

func (f *Fake) AccountInfo(context.Context) (*terminal.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AccountInfo")
	if f.AccountErr != nil {
		return nil, f.AccountErr
	}
	if f.Account == nil {
		return nil, nil
	}
	acc := *f.Account
	return &acc, nil
}

func (f *Fake) SymbolInfo(_ context.Context, name string) (*terminal.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SymbolInfo(%s)", name)
	info, ok := f.SymbolTable[name]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (f *Fake) SymbolInfoTick(_ context.Context, name string) (*terminal.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SymbolInfoTick(%s)", name)
	tick, ok := f.TickTable[name]
	if !ok {
		return nil, nil
	}
	cp := *tick
	return &cp, nil
}

func (f *Fake) SymbolSelect(_ context.Context, name string, enable bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SymbolSelect(%s)", name)
	info, ok := f.SymbolTable[name]
	if !ok || f.SelectFails[name] {
		return false, nil
	}
	info.Visible = enable
	return true, nil
}

func (f *Fake) Symbols(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Symbols")
	return slices.Clone(f.AllSymbols), nil
}

func (f *Fake) Positions(_ context.Context, filter terminal.Filter) ([]terminal.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Positions(%d)", filter.Ticket)
	if f.PositionsErr != nil {
		return nil, f.PositionsErr
	}
	var out []terminal.Position
	for _, p := range f.OpenPositions {
		if filter.Ticket != 0 && p.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) Orders(_ context.Context, filter terminal.Filter) ([]terminal.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Orders(%d)", filter.Ticket)
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	var out []terminal.Order
	for _, o := range f.PendingOrders {
		if filter.Ticket != 0 && o.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *Fake) OrderSend(_ context.Context, req terminal.TradeRequest) (*terminal.TradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("OrderSend(%d,%s)", req.Action, req.TypeFilling)
	f.requests = append(f.requests, req)

	if len(f.SendQueue) > 0 {
		next := f.SendQueue[0]
		f.SendQueue = f.SendQueue[1:]
		return next.Result, next.Err
	}
	f.ticket++
	return &terminal.TradeResult{Retcode: terminal.RetcodeDone, Order: 9000 + f.ticket, Deal: 9000 + f.ticket, Volume: req.Volume, Price: req.Price, Comment: "Request executed"}, nil
}
