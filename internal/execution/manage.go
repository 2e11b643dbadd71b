package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/normalize"
	"mt5-connector/internal/terminal"
)

// Modify 修改持仓止损止盈。未提供的字段沿用持仓当前值，
// 调整以开仓价为基准；被判定为方向错误而丢弃的值同样沿用当前值。
func (e *Executor) Modify(ctx context.Context, req ModifyRequest) (result ModifyResult, err error) {
	defer e.finish("modify", &err)

	if req.Ticket == 0 {
		return ModifyResult{}, errs.Validationf("ticket 不能为空").WithDetail("field", "ticket")
	}
	if !hasStops(req.StopLoss, req.TakeProfit) {
		return ModifyResult{}, errs.Validationf("至少需要提供 stop_loss 或 take_profit").WithDetail("field", "stop_loss")
	}

	if err := e.conn.EnsureConnected(ctx); err != nil {
		return ModifyResult{}, err
	}
	pos, err := e.position(ctx, req.Ticket)
	if err != nil {
		return ModifyResult{}, err
	}
	side := pos.Type.Side()
	errCtx := errs.Context{Symbol: pos.Symbol, Direction: string(side), Ticket: pos.Ticket, Volume: pos.Volume}

	info, err := e.term.SymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return ModifyResult{}, withContext(terminalFailure(err, "读取品种 %s 规格失败", pos.Symbol), errCtx)
	}
	if info == nil {
		return ModifyResult{}, errs.New(errs.KindConnection, errs.CodeMarketData, "无法获取品种 %s 的交易约束", pos.Symbol).WithContext(errCtx)
	}

	sl, tp := req.StopLoss, req.TakeProfit
	if sl == nil {
		sl = &pos.SL
	}
	if tp == nil {
		tp = &pos.TP
	}
	stops, notes := normalize.AdjustStops(pos.PriceOpen, sl, tp, side, normalize.FromSymbol(info))
	newSL, newTP := stops.Values()
	if newSL == 0 {
		newSL = pos.SL
	}
	if newTP == 0 {
		newTP = pos.TP
	}

	send := terminal.TradeRequest{
		Action:   terminal.ActionSLTP,
		Symbol:   pos.Symbol,
		Position: pos.Ticket,
		SL:       newSL,
		TP:       newTP,
		Magic:    e.opts.Magic,
	}
	res, err := e.term.OrderSend(ctx, send)
	if err := sendFailure(res, err, "修改止损止盈", errCtx); err != nil {
		return ModifyResult{}, err
	}

	e.logger.Info("止损止盈已修改",
		zap.Uint64("ticket", pos.Ticket),
		zap.String("symbol", pos.Symbol),
		zap.Float64("sl", newSL),
		zap.Float64("tp", newTP),
	)
	return ModifyResult{
		Ticket:      pos.Ticket,
		Symbol:      pos.Symbol,
		Side:        side,
		StopLoss:    floatPtr(newSL),
		TakeProfit:  floatPtr(newTP),
		Adjustments: notes,
	}, nil
}

// Close 全部平仓。
func (e *Executor) Close(ctx context.Context, ticket uint64) (result CloseResult, err error) {
	defer e.finish("close", &err)

	if ticket == 0 {
		return CloseResult{}, errs.Validationf("ticket 不能为空").WithDetail("field", "ticket")
	}
	if err := e.conn.EnsureConnected(ctx); err != nil {
		return CloseResult{}, err
	}
	pos, err := e.position(ctx, ticket)
	if err != nil {
		return CloseResult{}, err
	}
	return e.closeVolume(ctx, pos, pos.Volume, "close")
}

// PartialClose 按百分比平掉部分仓位。规整后的手数不小于持仓手数时改为全部平仓。
func (e *Executor) PartialClose(ctx context.Context, ticket uint64, percent float64) (result PartialCloseResult, err error) {
	defer e.finish("partial_close", &err)

	if ticket == 0 {
		return PartialCloseResult{}, errs.Validationf("ticket 不能为空").WithDetail("field", "ticket")
	}
	if percent <= 0 || percent >= 100 {
		return PartialCloseResult{}, errs.Validationf("volume_percent 必须在 0 到 100 之间（不含），收到 %v", percent).
			WithDetail("field", "volume_percent")
	}

	if err := e.conn.EnsureConnected(ctx); err != nil {
		return PartialCloseResult{}, err
	}
	pos, err := e.position(ctx, ticket)
	if err != nil {
		return PartialCloseResult{}, err
	}
	errCtx := errs.Context{Symbol: pos.Symbol, Direction: string(pos.Type.Side()), Ticket: pos.Ticket, Volume: pos.Volume}

	info, err := e.term.SymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return PartialCloseResult{}, withContext(terminalFailure(err, "读取品种 %s 规格失败", pos.Symbol), errCtx)
	}
	if info == nil {
		return PartialCloseResult{}, errs.New(errs.KindConnection, errs.CodeMarketData, "无法获取品种 %s 的交易约束", pos.Symbol).WithContext(errCtx)
	}

	raw := decimal.NewFromFloat(pos.Volume).Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100)).InexactFloat64()
	volume, err := normalize.Volume(raw, normalize.FromSymbol(info))
	if err != nil {
		return PartialCloseResult{}, withContext(err, errCtx)
	}

	result = PartialCloseResult{Ticket: pos.Ticket, Symbol: pos.Symbol, Side: pos.Type.Side(), Percent: percent}

	if volume >= pos.Volume {
		e.logger.Info("部分平仓手数规整后等于整仓，改为全部平仓",
			zap.Uint64("ticket", pos.Ticket),
			zap.Float64("percent", percent),
			zap.Float64("normalized", volume),
			zap.Float64("position_volume", pos.Volume),
		)
		closed, err := e.closeVolume(ctx, pos, pos.Volume, "close")
		if err != nil {
			return PartialCloseResult{}, err
		}
		result.VolumeClosed = closed.Volume
		result.Price = closed.Price
		result.FillingMode = closed.FillingMode
		result.Redirected = true
		return result, nil
	}

	closed, err := e.closeVolume(ctx, pos, volume, fmt.Sprintf("partial-%g%%", percent))
	if err != nil {
		return PartialCloseResult{}, err
	}
	result.VolumeClosed = closed.Volume
	result.RemainingVolume = decimal.NewFromFloat(pos.Volume).Sub(decimal.NewFromFloat(volume)).InexactFloat64()
	result.Price = closed.Price
	result.FillingMode = closed.FillingMode
	return result, nil
}

// closeVolume 以反向即时成交单平掉指定手数，成交方式重试与开仓一致。
func (e *Executor) closeVolume(ctx context.Context, pos *terminal.Position, volume float64, tag string) (CloseResult, error) {
	side := pos.Type.Side()
	errCtx := errs.Context{Symbol: pos.Symbol, Direction: string(side), Ticket: pos.Ticket, Volume: volume}

	info, tick, err := e.marketState(ctx, pos.Symbol)
	if err != nil {
		return CloseResult{}, withContext(err, errCtx)
	}

	// 平多用买价，平空用卖价
	price := tick.Bid
	if side == terminal.SideSell {
		price = tick.Ask
	}

	req := terminal.TradeRequest{
		Action:    terminal.ActionDeal,
		Symbol:    pos.Symbol,
		Volume:    volume,
		Type:      terminal.MarketOrderType(side.Opposite()),
		Position:  pos.Ticket,
		Price:     price,
		Deviation: e.opts.Deviation,
		Magic:     e.opts.Magic,
		Comment:   e.comment(tag),
		TypeTime:  terminal.OrderTimeGTC,
	}
	out, err := e.submit(ctx, req, newFillingPlan(info), errCtx)
	if err != nil {
		return CloseResult{}, err
	}

	if out.result.Price > 0 {
		price = out.result.Price
	}
	e.logger.Info("平仓成交",
		zap.Uint64("ticket", pos.Ticket),
		zap.String("symbol", pos.Symbol),
		zap.Float64("volume", volume),
		zap.Float64("price", price),
	)
	return CloseResult{
		Ticket:      pos.Ticket,
		Symbol:      pos.Symbol,
		Side:        side,
		Volume:      volume,
		Price:       price,
		FillingMode: out.request.TypeFilling.String(),
	}, nil
}

// Cancel 撤销挂单。
func (e *Executor) Cancel(ctx context.Context, ticket uint64) (result CancelResult, err error) {
	defer e.finish("cancel", &err)

	if ticket == 0 {
		return CancelResult{}, errs.Validationf("ticket 不能为空").WithDetail("field", "ticket")
	}
	if err := e.conn.EnsureConnected(ctx); err != nil {
		return CancelResult{}, err
	}

	orders, err := e.term.Orders(ctx, terminal.Filter{Ticket: ticket})
	if err != nil {
		return CancelResult{}, terminalFailure(err, "查询挂单 %d 失败", ticket)
	}
	if len(orders) == 0 {
		return CancelResult{}, errs.NotFoundf("挂单 %d 不存在", ticket).WithContext(errs.Context{Ticket: ticket})
	}
	order := orders[0]
	errCtx := errs.Context{Symbol: order.Symbol, Direction: string(order.Type.Side()), OrderKind: string(pendingKind(order.Type)), Ticket: ticket}

	res, err := e.term.OrderSend(ctx, terminal.TradeRequest{
		Action: terminal.ActionRemove,
		Symbol: order.Symbol,
		Order:  ticket,
	})
	if err := sendFailure(res, err, "撤单", errCtx); err != nil {
		return CancelResult{}, err
	}

	e.logger.Info("挂单已撤销", zap.Uint64("ticket", ticket), zap.String("symbol", order.Symbol))
	return CancelResult{Ticket: ticket, Symbol: order.Symbol, Kind: pendingKind(order.Type)}, nil
}

// position 按 ticket 读取持仓，不存在时返回 not_found。
func (e *Executor) position(ctx context.Context, ticket uint64) (*terminal.Position, error) {
	positions, err := e.term.Positions(ctx, terminal.Filter{Ticket: ticket})
	if err != nil {
		return nil, terminalFailure(err, "查询持仓 %d 失败", ticket)
	}
	if len(positions) == 0 {
		return nil, errs.NotFoundf("持仓 %d 不存在", ticket).WithContext(errs.Context{Ticket: ticket})
	}
	pos := positions[0]
	return &pos, nil
}

// sendFailure 处理不参与成交方式重试的单次发送。
func sendFailure(res *terminal.TradeResult, err error, op string, errCtx errs.Context) error {
	if res == nil {
		code, msg := terminal.LastError(err)
		if err != nil && code == 0 {
			return errs.Wrap(errs.KindConnection, errs.CodeConnection, err, "%s失败", op).WithContext(errCtx)
		}
		if code == 0 {
			code = errs.CodeNoResult
		}
		return errs.New(errs.KindBrokerRejection, code, "%s失败，终端无返回: %s", op, describe(code, msg)).WithContext(errCtx)
	}
	if !res.Succeeded() {
		return errs.New(errs.KindBrokerRejection, int(res.Retcode), "%s失败: %s", op, res.Comment).WithContext(errCtx)
	}
	return nil
}
