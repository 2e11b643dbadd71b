// Package market 负责报价查询，并把观察到的每个报价送入订单流累加器。
package market

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/orderflow"
	"mt5-connector/internal/symbol"
	"mt5-connector/internal/terminal"
)

// 列表接口最多返回的品种数量。
const maxListed = 100

// 常用品种，用于在品种很多时给出提示。
var commonSymbols = []string{"XAUUSD", "EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "USDCHF", "NZDUSD", "US30", "SPX500", "BTCUSD"}

type connector interface {
	EnsureConnected(ctx context.Context) error
}

type symbolResolver interface {
	Resolve(ctx context.Context, requested string) (symbol.Resolution, error)
}

type quoteClient interface {
	SymbolInfoTick(ctx context.Context, name string) (*terminal.Tick, error)
	Symbols(ctx context.Context) ([]string, error)
}

// Quote 为一次报价查询的结果。
type Quote struct {
	Symbol         string  `json:"symbol"`
	ResolvedSymbol string  `json:"resolved_symbol"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	Mid            float64 `json:"mid"`
	Spread         float64 `json:"spread"`
	Volume         float64 `json:"volume"`
	Time           string  `json:"time"`
}

// SymbolList 为品种列表查询的结果。
type SymbolList struct {
	Total  int      `json:"total_symbols"`
	Common []string `json:"common_symbols"`
	All    []string `json:"all_symbols"`
}

// Service 组合连接、品种解析与订单流累加器。
type Service struct {
	conn     connector
	client   quoteClient
	resolver symbolResolver
	acc      *orderflow.Accumulator
	now      func() time.Time
	logger   *zap.Logger
}

// NewService 创建行情服务。
func NewService(conn connector, client quoteClient, resolver symbolResolver, acc *orderflow.Accumulator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		conn:     conn,
		client:   client,
		resolver: resolver,
		acc:      acc,
		now:      time.Now,
		logger:   logger,
	}
}

// Quote 解析品种并返回最新报价，同时按本地到达时间记入累加器。
func (s *Service) Quote(ctx context.Context, requested string) (Quote, error) {
	if err := s.conn.EnsureConnected(ctx); err != nil {
		return Quote{}, err
	}
	res, err := s.resolver.Resolve(ctx, requested)
	if err != nil {
		return Quote{}, err
	}

	tick, err := s.client.SymbolInfoTick(ctx, res.Symbol)
	if err != nil {
		code, _ := terminal.LastError(err)
		if code == 0 {
			code = errs.CodeMarketData
		}
		return Quote{}, errs.Wrap(errs.KindConnection, code, err, "获取 %s 报价失败", res.Symbol).
			WithContext(errs.Context{Symbol: res.Symbol})
	}
	if tick == nil {
		return Quote{}, errs.New(errs.KindConnection, errs.CodeMarketData, "终端未返回 %s 的报价", res.Symbol).
			WithContext(errs.Context{Symbol: res.Symbol})
	}

	arrived := s.now()
	if s.acc != nil {
		s.acc.AddTick(res.Symbol, tick.Bid, tick.Ask, tick.Volume, arrived)
	}

	stamp := tick.Time
	if stamp.IsZero() {
		stamp = arrived
	}
	return Quote{
		Symbol:         strings.ToUpper(strings.TrimSpace(requested)),
		ResolvedSymbol: res.Symbol,
		Bid:            tick.Bid,
		Ask:            tick.Ask,
		Last:           tick.Last,
		Mid:            mid(*tick),
		Spread:         spread(*tick),
		Volume:         tick.Volume,
		Time:           stamp.UTC().Format(time.RFC3339),
	}, nil
}

// OrderFlow 先拉取一次最新报价，再计算默认窗口内的订单流。
// 数据不足时返回中性结果；报价失败时返回中性结果与错误。
func (s *Service) OrderFlow(ctx context.Context, requested string) (orderflow.Metrics, error) {
	q, err := s.Quote(ctx, requested)
	if err != nil {
		key := strings.ToUpper(strings.TrimSpace(requested))
		// 已解析成功但取报价失败时，错误上下文里是券商品种名
		if e := errs.As(err); e != nil && e.Kind == errs.KindConnection && e.Context != nil && e.Context.Symbol != "" {
			key = e.Context.Symbol
		}
		s.logger.Warn("订单流查询未能获取报价", zap.String("symbol", requested), zap.Error(err))
		return orderflow.Neutral(key, s.now()), err
	}
	if s.acc == nil {
		return orderflow.Neutral(q.ResolvedSymbol, s.now()), nil
	}

	metrics, ok := s.acc.Compute(q.ResolvedSymbol, 0)
	if !ok {
		s.logger.Debug("订单流数据不足，返回中性值", zap.String("symbol", q.ResolvedSymbol), zap.Int("ticks", s.acc.Len(q.ResolvedSymbol)))
		return orderflow.Neutral(q.ResolvedSymbol, s.now()), nil
	}
	return metrics, nil
}

// Symbols 返回终端中的品种名。
func (s *Service) Symbols(ctx context.Context) (SymbolList, error) {
	list := SymbolList{Common: []string{}, All: []string{}}
	if err := s.conn.EnsureConnected(ctx); err != nil {
		return list, err
	}
	names, err := s.client.Symbols(ctx)
	if err != nil {
		code, _ := terminal.LastError(err)
		if code == 0 {
			code = errs.CodeConnection
		}
		return list, errs.Wrap(errs.KindConnection, code, err, "获取品种列表失败")
	}

	list.Total = len(names)
	for _, name := range names {
		if len(list.Common) >= 20 {
			break
		}
		for _, c := range commonSymbols {
			if strings.Contains(name, c) {
				list.Common = append(list.Common, name)
				break
			}
		}
	}
	if len(names) > maxListed {
		names = names[:maxListed]
	}
	list.All = append(list.All, names...)
	return list, nil
}

func mid(t terminal.Tick) float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return decimal.NewFromFloat(t.Bid).Add(decimal.NewFromFloat(t.Ask)).Div(decimal.NewFromInt(2)).InexactFloat64()
	}
	return t.Last
}

func spread(t terminal.Tick) float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return decimal.NewFromFloat(t.Ask).Sub(decimal.NewFromFloat(t.Bid)).InexactFloat64()
}
