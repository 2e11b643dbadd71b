package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mt5-connector/internal/config"
	"mt5-connector/internal/connection"
	"mt5-connector/internal/execution"
	"mt5-connector/internal/market"
	"mt5-connector/internal/monitor"
	"mt5-connector/internal/orderflow"
	"mt5-connector/internal/position"
	"mt5-connector/internal/symbol"
	"mt5-connector/internal/terminal"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	term   terminal.Terminal
}

// New 创建 App 实例，按配置选择真实终端网关或模拟终端。
func New(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	var term terminal.Terminal
	switch cfg.Terminal.Mode {
	case config.TerminalModePaper:
		term = terminal.NewPaper(logger, terminal.DefaultPaperInstruments()...)
	default:
		term = terminal.NewBridge(cfg.Terminal, logger)
	}
	return &App{cfg: cfg, logger: logger, term: term}
}

// Run 启动 HTTP 接口与事件推送，直到 ctx 结束；退出前关闭终端会话。
func (a *App) Run(ctx context.Context) (err error) {
	a.logger.Info("连接器已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("terminal_mode", a.cfg.Terminal.Mode),
		zap.Int("port", a.cfg.HTTP.Port),
	)

	conn := connection.NewManager(a.term, a.cfg.Terminal, a.logger)
	if initErr := conn.Initialize(ctx); initErr != nil {
		a.logger.Warn("启动时连接终端失败，将在首个请求时重试", zap.Error(initErr))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, conn.Shutdown(shutdownCtx))
	}()

	resolver := symbol.NewResolver(a.term, a.logger)
	acc := orderflow.NewAccumulator(a.cfg.OrderFlow, a.logger)
	emitter := monitor.NewEmitter(a.cfg.Webhook, a.logger)

	srv := newServer(a.cfg.HTTP, serverDeps{
		conn: conn,
		trader: execution.NewExecutor(conn, a.term, resolver, execution.Options{
			Magic:           a.cfg.Execution.Magic,
			Deviation:       a.cfg.Execution.Deviation,
			CommentPrefix:   a.cfg.Execution.CommentPrefix,
			RequireStopLoss: a.cfg.Execution.RequireStopLoss,
		}, a.logger),
		positions: position.NewManager(conn, a.term, a.logger),
		market:    market.NewService(conn, a.term, resolver, acc, a.logger),
		events:    emitter,
		magic:     a.cfg.Execution.Magic,
		metrics:   a.cfg.Metrics.Enabled,
	}, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return emitter.Run(gctx) })

	if waitErr := g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", waitErr)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
