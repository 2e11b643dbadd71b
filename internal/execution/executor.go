// Package execution 把交易意图转换成终端下单请求，并处理券商的各种拒绝。
package execution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/metrics"
	"mt5-connector/internal/normalize"
	"mt5-connector/internal/symbol"
	"mt5-connector/internal/terminal"
)

// 终端订单备注的最大长度。
const maxCommentLen = 31

type connector interface {
	EnsureConnected(ctx context.Context) error
}

type symbolResolver interface {
	Resolve(ctx context.Context, requested string) (symbol.Resolution, error)
}

// Options 控制下单参数。
type Options struct {
	Magic           int64
	Deviation       int
	CommentPrefix   string
	RequireStopLoss bool
}

// Executor 负责开仓、改单、平仓与撤单。
//
// 下单本身不加锁：并发修改同一张单时两个请求都会到达终端，以券商撮合结果为准。
type Executor struct {
	conn     connector
	term     terminal.Terminal
	resolver symbolResolver
	opts     Options
	logger   *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(conn connector, term terminal.Terminal, resolver symbolResolver, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CommentPrefix == "" {
		opts.CommentPrefix = "te"
	}
	return &Executor{
		conn:     conn,
		term:     term,
		resolver: resolver,
		opts:     opts,
		logger:   logger,
	}
}

// Open 开仓或挂单。
func (e *Executor) Open(ctx context.Context, in Intent) (result OpenResult, err error) {
	defer e.finish("open", &err)

	if in.Kind == "" {
		in.Kind = KindMarket
	}
	if err := in.Validate(); err != nil {
		return OpenResult{}, err
	}
	if e.opts.RequireStopLoss && (in.StopLoss == nil || *in.StopLoss <= 0) {
		return OpenResult{}, errs.Validationf("当前配置要求开仓必须带止损").
			WithContext(in.errContext()).
			WithDetail("field", "stop_loss")
	}

	if err := e.conn.EnsureConnected(ctx); err != nil {
		return OpenResult{}, withContext(err, in.errContext())
	}

	res, err := e.resolver.Resolve(ctx, in.Symbol)
	if err != nil {
		return OpenResult{}, withContext(err, in.errContext())
	}
	requested := in.Symbol
	in.Symbol = res.Symbol

	info, tick, err := e.marketState(ctx, in.Symbol)
	if err != nil {
		return OpenResult{}, withContext(err, in.errContext())
	}

	entry, err := entryPrice(in, tick)
	if err != nil {
		return OpenResult{}, withContext(err, in.errContext())
	}

	constraints := normalize.FromSymbol(info)
	volume, err := normalize.Volume(in.Volume, constraints)
	if err != nil {
		return OpenResult{}, withContext(err, in.errContext())
	}

	var stops normalize.Stops
	var notes []normalize.Adjustment
	if hasStops(in.StopLoss, in.TakeProfit) {
		stops, notes = normalize.AdjustStops(entry, in.StopLoss, in.TakeProfit, in.Side, constraints)
		for _, n := range notes {
			e.logger.Warn("止损止盈已调整",
				zap.String("symbol", in.Symbol),
				zap.String("field", n.Field),
				zap.Float64("requested", n.Requested),
				zap.Float64("applied", n.Applied),
				zap.String("reason", n.Reason),
			)
		}
	}

	sl, tp := stops.Values()
	req := terminal.TradeRequest{
		Action:    terminal.ActionDeal,
		Symbol:    in.Symbol,
		Volume:    volume,
		Type:      orderType(in.Side, in.Kind),
		Price:     entry,
		SL:        sl,
		TP:        tp,
		Deviation: e.opts.Deviation,
		Magic:     e.opts.Magic,
		Comment:   e.comment(in.Strategy),
		TypeTime:  terminal.OrderTimeGTC,
	}
	plan := newFillingPlan(info)
	if in.Kind.Pending() {
		req.Action = terminal.ActionPending
		plan = pendingPlan()
	}

	e.logger.Info("提交订单",
		zap.String("requested", requested),
		zap.String("symbol", in.Symbol),
		zap.String("direction", string(in.Side)),
		zap.String("order_kind", string(in.Kind)),
		zap.Float64("volume", volume),
		zap.Float64("price", entry),
		zap.Float64("sl", sl),
		zap.Float64("tp", tp),
	)

	ctxInfo := in.errContext()
	ctxInfo.Volume = volume
	out, err := e.submit(ctx, req, plan, ctxInfo)
	if err != nil {
		return OpenResult{}, err
	}

	price := out.result.Price
	if price <= 0 {
		price = entry
	}
	result = OpenResult{
		Ticket:         ticketOf(out.result),
		Symbol:         in.Symbol,
		Volume:         volume,
		Price:          price,
		Side:           in.Side,
		Kind:           in.Kind,
		StopLoss:       floatPtr(out.request.SL),
		TakeProfit:     floatPtr(out.request.TP),
		StopsCleared:   out.stopsCleared,
		AttemptedModes: plan.Attempted(),
		Adjustments:    notes,
	}
	if !in.Kind.Pending() {
		result.FillingMode = out.request.TypeFilling.String()
	}

	e.logger.Info("订单已成交",
		zap.Uint64("ticket", result.Ticket),
		zap.String("symbol", result.Symbol),
		zap.Float64("price", result.Price),
		zap.Bool("retry_without_stops", result.StopsCleared),
	)
	return result, nil
}

// marketState 读取报价与品种约束，两者缺一不可。
func (e *Executor) marketState(ctx context.Context, name string) (*terminal.SymbolInfo, *terminal.Tick, error) {
	info, err := e.term.SymbolInfo(ctx, name)
	if err != nil {
		return nil, nil, terminalFailure(err, "读取品种 %s 规格失败", name)
	}
	if info == nil {
		return nil, nil, errs.New(errs.KindConnection, errs.CodeMarketData, "无法获取品种 %s 的交易约束", name)
	}
	tick, err := e.term.SymbolInfoTick(ctx, name)
	if err != nil {
		return nil, nil, terminalFailure(err, "读取品种 %s 报价失败", name)
	}
	if tick == nil || tick.Bid <= 0 || tick.Ask <= 0 {
		return nil, nil, errs.New(errs.KindConnection, errs.CodeMarketData, "无法获取品种 %s 的最新报价", name)
	}
	return info, tick, nil
}

// entryPrice 确定开仓价。挂单价格必须位于当前报价的正确一侧，不做修正。
func entryPrice(in Intent, tick *terminal.Tick) (float64, error) {
	if !in.Kind.Pending() {
		if in.Side == terminal.SideBuy {
			return tick.Ask, nil
		}
		return tick.Bid, nil
	}

	p := in.EntryPrice
	var ok bool
	var rule string
	switch {
	case in.Side == terminal.SideBuy && in.Kind == KindLimit:
		ok, rule = p < tick.Ask, fmt.Sprintf("buy limit 价格 %v 必须低于当前卖价 %v", p, tick.Ask)
	case in.Side == terminal.SideBuy && in.Kind == KindStop:
		ok, rule = p > tick.Ask, fmt.Sprintf("buy stop 价格 %v 必须高于当前卖价 %v", p, tick.Ask)
	case in.Side == terminal.SideSell && in.Kind == KindLimit:
		ok, rule = p > tick.Bid, fmt.Sprintf("sell limit 价格 %v 必须高于当前买价 %v", p, tick.Bid)
	default:
		ok, rule = p < tick.Bid, fmt.Sprintf("sell stop 价格 %v 必须低于当前买价 %v", p, tick.Bid)
	}
	if !ok {
		return 0, errs.Validationf("%s", rule).
			WithDetail("field", "entry_price").
			WithDetail("bid", tick.Bid).
			WithDetail("ask", tick.Ask)
	}
	return p, nil
}

func (e *Executor) comment(strategy string) string {
	c := e.opts.CommentPrefix
	if s := strings.TrimSpace(strategy); s != "" {
		c += "-" + s
	}
	if len(c) > maxCommentLen {
		n := maxCommentLen
		for n > 0 && !utf8.RuneStart(c[n]) {
			n--
		}
		c = c[:n]
	}
	return c
}

// finish 在每个公开操作的出口恢复 panic 并记录结果。
func (e *Executor) finish(op string, err *error) {
	if r := recover(); r != nil {
		e.logger.Error("交易操作发生未预期错误",
			zap.String("operation", op),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		*err = errs.New(errs.KindInternal, errs.CodeInternal, "%s 执行时发生内部错误", op)
	}
	outcome := "success"
	if *err != nil {
		outcome = string(errs.KindOf(*err))
		e.logger.Warn("交易操作失败", zap.String("operation", op), zap.Error(*err))
	}
	metrics.OrdersTotal.WithLabelValues(op, outcome).Inc()
}

func hasStops(sl, tp *float64) bool {
	return (sl != nil && *sl > 0) || (tp != nil && *tp > 0)
}

func ticketOf(r *terminal.TradeResult) uint64 {
	if r.Order != 0 {
		return r.Order
	}
	return r.Deal
}

// terminalFailure 把终端查询失败归类为连接错误。
func terminalFailure(err error, format string, args ...any) error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	code, _ := terminal.LastError(err)
	if code == 0 {
		code = errs.CodeConnection
	}
	return errs.Wrap(errs.KindConnection, code, err, format, args...)
}

func withContext(err error, ctx errs.Context) error {
	e := errs.As(err)
	if e.Context == nil {
		e.WithContext(ctx)
	}
	return e
}

func retcodeLabel(code uint32) string {
	return strconv.FormatUint(uint64(code), 10)
}
