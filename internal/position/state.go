// Package position 提供持仓、挂单与账户的只读查询。
//
// 列表类查询在终端不可用时返回空列表并附带错误，调用方的轮询可以照常继续。
package position

import (
	"context"

	"go.uber.org/zap"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/terminal"
)

type connector interface {
	EnsureConnected(ctx context.Context) error
}

type accountClient interface {
	AccountInfo(ctx context.Context) (*terminal.AccountInfo, error)
	Positions(ctx context.Context, filter terminal.Filter) ([]terminal.Position, error)
	Orders(ctx context.Context, filter terminal.Filter) ([]terminal.Order, error)
}

// Manager 查询终端中的持仓与账户状态，不做任何缓存。
type Manager struct {
	conn   connector
	client accountClient
	logger *zap.Logger
}

// NewManager 创建查询管理器。
func NewManager(conn connector, client accountClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conn:   conn,
		client: client,
		logger: logger,
	}
}

// OpenPositions 返回全部持仓。出错时返回空列表与错误。
func (m *Manager) OpenPositions(ctx context.Context) (out []Position, err error) {
	out = []Position{}
	defer m.guard("open_positions", &err)

	if err := m.conn.EnsureConnected(ctx); err != nil {
		return out, err
	}
	raw, err := m.client.Positions(ctx, terminal.Filter{})
	if err != nil {
		m.logger.Warn("获取持仓失败", zap.Error(err))
		return out, queryFailure(err, "获取持仓失败")
	}
	for _, p := range raw {
		out = append(out, fromTerminalPosition(p))
	}
	return out, nil
}

// PendingOrders 返回全部挂单。出错时返回空列表与错误。
func (m *Manager) PendingOrders(ctx context.Context) (out []PendingOrder, err error) {
	out = []PendingOrder{}
	defer m.guard("pending_orders", &err)

	if err := m.conn.EnsureConnected(ctx); err != nil {
		return out, err
	}
	raw, err := m.client.Orders(ctx, terminal.Filter{})
	if err != nil {
		m.logger.Warn("获取挂单失败", zap.Error(err))
		return out, queryFailure(err, "获取挂单失败")
	}
	for _, o := range raw {
		out = append(out, fromTerminalOrder(o))
	}
	return out, nil
}

// AccountSummary 返回账户资金概况。
func (m *Manager) AccountSummary(ctx context.Context) (summary *AccountSummary, err error) {
	defer m.guard("account_summary", &err)

	info, err := m.account(ctx)
	if err != nil {
		return nil, err
	}
	summary = &AccountSummary{
		Balance:    info.Balance,
		Equity:     info.Equity,
		Margin:     info.Margin,
		FreeMargin: info.MarginFree,
		Currency:   info.Currency,
	}
	if info.MarginLevel > 0 {
		level := info.MarginLevel
		summary.MarginLevel = &level
	}
	return summary, nil
}

// AccountStatus 返回健康检查使用的账户信息。
func (m *Manager) AccountStatus(ctx context.Context) (status *AccountStatus, err error) {
	defer m.guard("account_status", &err)

	info, err := m.account(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		Login:        info.Login,
		Server:       info.Server,
		Balance:      info.Balance,
		Equity:       info.Equity,
		Margin:       info.Margin,
		FreeMargin:   info.MarginFree,
		TradeAllowed: info.TradeAllowed,
		TradeExpert:  info.TradeExpert,
		Leverage:     info.Leverage,
		Currency:     info.Currency,
		Company:      info.Company,
	}, nil
}

func (m *Manager) account(ctx context.Context) (*terminal.AccountInfo, error) {
	if err := m.conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	info, err := m.client.AccountInfo(ctx)
	if err != nil {
		return nil, queryFailure(err, "获取账户信息失败")
	}
	if info == nil {
		return nil, errs.New(errs.KindConnection, errs.CodeConnection, "终端未返回账户信息，可能未登录")
	}
	return info, nil
}

func (m *Manager) guard(op string, err *error) {
	if r := recover(); r != nil {
		m.logger.Error("查询发生未预期错误", zap.String("operation", op), zap.Any("panic", r), zap.Stack("stack"))
		*err = errs.New(errs.KindInternal, errs.CodeInternal, "%s 查询时发生内部错误", op)
	}
}

func queryFailure(err error, msg string) error {
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	code, _ := terminal.LastError(err)
	if code == 0 {
		code = errs.CodeConnection
	}
	return errs.Wrap(errs.KindConnection, code, err, "%s", msg)
}
