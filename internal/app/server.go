package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mt5-connector/internal/config"
	"mt5-connector/internal/errs"
	"mt5-connector/internal/execution"
	"mt5-connector/internal/market"
	"mt5-connector/internal/metrics"
	"mt5-connector/internal/monitor"
	"mt5-connector/internal/orderflow"
	"mt5-connector/internal/position"
)

type healthChecker interface {
	IsConnected(ctx context.Context) bool
}

type positionQueries interface {
	OpenPositions(ctx context.Context) ([]position.Position, error)
	PendingOrders(ctx context.Context) ([]position.PendingOrder, error)
	AccountSummary(ctx context.Context) (*position.AccountSummary, error)
	AccountStatus(ctx context.Context) (*position.AccountStatus, error)
}

type marketQueries interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
	OrderFlow(ctx context.Context, symbol string) (orderflow.Metrics, error)
	Symbols(ctx context.Context) (market.SymbolList, error)
}

type eventSink interface {
	Emit(ev monitor.Event) error
	ListEvents(eventType monitor.EventType, limit int) []monitor.Record
}

type serverDeps struct {
	conn      healthChecker
	trader    execution.Trader
	positions positionQueries
	market    marketQueries
	events    eventSink
	magic     int64
	metrics   bool
}

// Server 提供连接器的 HTTP 接口。
type Server struct {
	cfg    config.HTTPConfig
	deps   serverDeps
	logger *zap.Logger
}

func newServer(cfg config.HTTPConfig, deps serverDeps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Handler 返回注册了全部路由的 mux。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/account-summary", s.handleAccountSummary)
	mux.HandleFunc("GET /api/v1/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/v1/price/{symbol}", s.handlePrice)
	mux.HandleFunc("GET /api/v1/order-flow/{symbol}", s.handleOrderFlow)
	mux.HandleFunc("GET /api/v1/open-positions", s.handleOpenPositions)
	mux.HandleFunc("GET /api/v1/pending-orders", s.handlePendingOrders)
	mux.HandleFunc("POST /api/v1/trades/open", s.handleOpen)
	mux.HandleFunc("POST /api/v1/trades/modify", s.handleModify)
	mux.HandleFunc("POST /api/v1/trades/close", s.handleClose)
	mux.HandleFunc("POST /api/v1/trades/partial-close", s.handlePartialClose)
	mux.HandleFunc("POST /api/v1/trades/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	if s.deps.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Run 启动监听，ctx 结束后在 ShutdownTimeout 内优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("HTTP 接口已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: HTTP 服务异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		return fmt.Errorf("app: 关闭 HTTP 服务失败: %w", err)
	}
	s.logger.Info("HTTP 接口已关闭")
	return nil
}

type healthResponse struct {
	Status        string                  `json:"status"`
	MT5Connection bool                    `json:"mt5_connection"`
	AccountInfo   *position.AccountStatus `json:"account_info"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	resp.MT5Connection = s.deps.conn.IsConnected(r.Context())
	if resp.MT5Connection {
		status, err := s.deps.positions.AccountStatus(r.Context())
		if err != nil {
			s.logger.Warn("健康检查获取账户信息失败", zap.Error(err))
		} else {
			resp.AccountInfo = status
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type accountSummaryResponse struct {
	Success bool `json:"success"`
	*position.AccountSummary
	Error string `json:"error,omitempty"`
}

func (s *Server) handleAccountSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.positions.AccountSummary(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, accountSummaryResponse{Error: errs.As(err).Message})
		return
	}
	s.writeJSON(w, http.StatusOK, accountSummaryResponse{Success: true, AccountSummary: summary})
}

type symbolsResponse struct {
	Success bool `json:"success"`
	market.SymbolList
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.market.Symbols(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, symbolsResponse{SymbolList: list, Error: errs.As(err).Message})
		return
	}
	s.writeJSON(w, http.StatusOK, symbolsResponse{Success: true, SymbolList: list})
}

type priceResponse struct {
	Success bool `json:"success"`
	market.Quote
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.deps.market.Quote(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeError(w, "price", err)
		return
	}
	s.writeJSON(w, http.StatusOK, priceResponse{Success: true, Quote: quote})
}

type orderFlowResponse struct {
	orderflow.Metrics
	Error string `json:"error,omitempty"`
}

func (s *Server) handleOrderFlow(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.market.OrderFlow(r.Context(), r.PathValue("symbol"))
	resp := orderFlowResponse{Metrics: m}
	if err != nil {
		resp.Error = errs.As(err).Message
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type positionsResponse struct {
	Success   bool                `json:"success"`
	Positions []position.Position `json:"positions"`
	Error     string              `json:"error,omitempty"`
}

func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.positions.OpenPositions(r.Context())
	resp := positionsResponse{Success: err == nil, Positions: list}
	if err != nil {
		resp.Error = errs.As(err).Message
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type pendingOrdersResponse struct {
	Success bool                    `json:"success"`
	Orders  []position.PendingOrder `json:"orders"`
	Error   string                  `json:"error,omitempty"`
}

func (s *Server) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.positions.PendingOrders(r.Context())
	resp := pendingOrdersResponse{Success: err == nil, Orders: list}
	if err != nil {
		resp.Error = errs.As(err).Message
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type tradeResponse struct {
	Success   bool   `json:"success"`
	Ticket    uint64 `json:"ticket"`
	MT5Ticket uint64 `json:"mt5_ticket"`
	Result    any    `json:"result"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "open", err)
		return
	}
	in := req.intent()
	s.logger.Info("收到开仓请求",
		zap.String("symbol", in.Symbol),
		zap.String("direction", string(in.Side)),
		zap.String("order_kind", string(in.Kind)),
		zap.Float64("volume", in.Volume),
		zap.String("strategy", in.Strategy),
	)

	result, err := s.deps.trader.Open(r.Context(), in)
	if err != nil {
		s.writeError(w, "open", err)
		return
	}

	s.emit(monitor.OrderSent(result, s.deps.magic))
	if result.Kind == execution.KindMarket {
		s.emit(monitor.PositionOpened(result, s.deps.magic))
	}
	s.writeJSON(w, http.StatusOK, tradeResponse{Success: true, Ticket: result.Ticket, MT5Ticket: result.Ticket, Result: result})
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	var req modifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "modify", err)
		return
	}
	ticket, err := req.ticket()
	if err != nil {
		s.writeError(w, "modify", err)
		return
	}
	mod := execution.ModifyRequest{
		Ticket:     ticket,
		StopLoss:   firstOf(req.StopLossPrice, req.StopLoss),
		TakeProfit: firstOf(req.TakeProfitPrice, req.TakeProfit),
	}

	result, err := s.deps.trader.Modify(r.Context(), mod)
	if err != nil {
		s.writeError(w, "modify", err)
		return
	}
	s.emit(monitor.Modified(mod, result))
	s.writeJSON(w, http.StatusOK, tradeResponse{Success: true, Ticket: ticket, MT5Ticket: ticket, Result: result})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "close", err)
		return
	}
	ticket, err := req.ticket()
	if err != nil {
		s.writeError(w, "close", err)
		return
	}
	if req.Reason != "" {
		s.logger.Info("收到平仓请求", zap.Uint64("ticket", ticket), zap.String("reason", req.Reason))
	}

	result, err := s.deps.trader.Close(r.Context(), ticket)
	if err != nil {
		s.writeError(w, "close", err)
		return
	}
	s.emit(monitor.Closed(result))
	s.writeJSON(w, http.StatusOK, tradeResponse{Success: true, Ticket: ticket, MT5Ticket: ticket, Result: result})
}

func (s *Server) handlePartialClose(w http.ResponseWriter, r *http.Request) {
	var req partialCloseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "partial_close", err)
		return
	}
	ticket, err := req.ticket()
	if err != nil {
		s.writeError(w, "partial_close", err)
		return
	}

	result, err := s.deps.trader.PartialClose(r.Context(), ticket, req.VolumePercent)
	if err != nil {
		s.writeError(w, "partial_close", err)
		return
	}
	s.emit(monitor.PartialClosed(result))
	s.writeJSON(w, http.StatusOK, tradeResponse{Success: true, Ticket: ticket, MT5Ticket: ticket, Result: result})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "cancel", err)
		return
	}
	ticket, err := req.ticket()
	if err != nil {
		s.writeError(w, "cancel", err)
		return
	}

	result, err := s.deps.trader.Cancel(r.Context(), ticket)
	if err != nil {
		s.writeError(w, "cancel", err)
		return
	}
	s.writeJSON(w, http.StatusOK, tradeResponse{Success: true, Ticket: ticket, MT5Ticket: ticket, Result: result})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = v
		}
	}
	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}
	s.writeJSON(w, http.StatusOK, s.deps.events.ListEvents(eventType, limit))
}

func (s *Server) emit(ev monitor.Event) {
	if err := s.deps.events.Emit(ev); err != nil {
		s.logger.Warn("订单事件未能入队", zap.String("event_type", string(ev.Type)), zap.Uint64("ticket", ev.Ticket), zap.Error(err))
	}
}

type errorResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Kind    errs.Kind      `json:"error_kind"`
	Code    int            `json:"error_code"`
	Context *errs.Context  `json:"context,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	e := errs.As(err)
	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", zap.String("operation", op), zap.String("kind", string(e.Kind)), zap.Int("code", e.Code), zap.Error(err))
	} else {
		s.logger.Info("请求被拒绝", zap.String("operation", op), zap.String("kind", string(e.Kind)), zap.Int("code", e.Code), zap.String("message", e.Message))
	}
	s.writeJSON(w, status, errorResponse{
		Error:   e.Message,
		Kind:    e.Kind,
		Code:    e.Code,
		Context: e.Context,
		Details: e.Details,
	})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation, errs.KindSymbolNotFound, errs.KindBrokerRejection:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}
