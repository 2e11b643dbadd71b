// Package connection 管理与交易终端之间唯一的会话。
package connection

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"mt5-connector/internal/config"
	"mt5-connector/internal/errs"
	"mt5-connector/internal/metrics"
	"mt5-connector/internal/terminal"
)

// State 表示会话状态。
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "uninitialized"
	}
}

// Manager 持有终端会话并负责初始化、登录、探活与重连。
//
// 并发请求各自调用 EnsureConnected，不做跨请求串行化：两个请求可能同时发现断线并各自重连，
// 终端的重复初始化是幂等的。mu 只保护状态字段。
type Manager struct {
	term   terminal.Terminal
	cfg    config.TerminalConfig
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// NewManager 创建会话管理器，此时不连接终端。
func NewManager(term terminal.Terminal, cfg config.TerminalConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		term:   term,
		cfg:    cfg,
		logger: logger,
	}
}

// Terminal 返回底层终端。
func (m *Manager) Terminal() terminal.Terminal {
	return m.term
}

// State 返回当前记录的状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.TerminalConnected.Set(boolGauge(s == StateConnected))
}

// EnsureConnected 在每次交易操作前调用。已连接时只做一次账户探活；
// 探活失败或返回空值则视为断线并完整重建会话。
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.State() == StateConnected {
		info, err := m.term.AccountInfo(ctx)
		if err == nil && info != nil {
			return nil
		}
		m.logger.Warn("终端探活失败，准备重新初始化", zap.Error(err))
		m.setState(StateDisconnected)
	}
	return m.Initialize(ctx)
}

// IsConnected 判断会话是否可用，会触发一次探活。
func (m *Manager) IsConnected(ctx context.Context) bool {
	if m.State() != StateConnected {
		return false
	}
	info, err := m.term.AccountInfo(ctx)
	return err == nil && info != nil
}

// Initialize 关闭旧句柄后重新打开终端，配置了凭证时登录。
func (m *Manager) Initialize(ctx context.Context) error {
	if prev := m.State(); prev != StateUninitialized {
		if err := m.term.Shutdown(ctx); err != nil {
			m.logger.Debug("关闭旧终端句柄失败", zap.Error(err))
		}
		m.setState(StateUninitialized)
		metrics.TerminalReconnects.Inc()
	}

	path := m.terminalPath()
	if err := m.term.Initialize(ctx, path); err != nil {
		code, msg := terminal.LastError(err)
		if msg == "" {
			msg = err.Error()
		}
		m.logger.Error("终端初始化失败",
			zap.String("path", path),
			zap.Int("code", code),
			zap.Error(err),
		)
		return errs.Wrap(errs.KindConnection, errs.CodeConnection, err,
			"终端初始化失败: %s%s", msg, initHint(code))
	}
	m.setState(StateInitialized)

	if m.cfg.HasCredentials() {
		if err := m.term.Login(ctx, m.cfg.Login, m.cfg.Password, m.cfg.Server); err != nil {
			code, _ := terminal.LastError(err)
			m.logger.Error("终端登录失败",
				zap.Int64("login", m.cfg.Login),
				zap.String("server", m.cfg.Server),
				zap.Int("code", code),
				zap.Error(err),
			)
			if shutdownErr := m.term.Shutdown(ctx); shutdownErr != nil {
				m.logger.Debug("登录失败后关闭终端失败", zap.Error(shutdownErr))
			}
			m.setState(StateUninitialized)
			return errs.Wrap(errs.KindConnection, errs.CodeConnection, err,
				"终端登录失败: login=%d server=%s", m.cfg.Login, m.cfg.Server)
		}
		m.logger.Info("终端登录成功",
			zap.Int64("login", m.cfg.Login),
			zap.String("server", m.cfg.Server),
		)
	}

	m.setState(StateConnected)
	m.logger.Info("终端会话已建立", zap.String("path", path))
	return nil
}

// Shutdown 释放终端句柄。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.State() == StateUninitialized {
		return nil
	}
	m.setState(StateUninitialized)
	if err := m.term.Shutdown(ctx); err != nil {
		return fmt.Errorf("connection: 关闭终端失败: %w", err)
	}
	m.logger.Info("终端会话已关闭")
	return nil
}

// terminalPath 配置的路径存在时使用，否则交给终端自动探测。
func (m *Manager) terminalPath() string {
	if m.cfg.Path == "" {
		return ""
	}
	if _, err := os.Stat(m.cfg.Path); err != nil {
		m.logger.Warn("配置的终端路径不存在，改为自动探测", zap.String("path", m.cfg.Path))
		return ""
	}
	return m.cfg.Path
}

func initHint(code int) string {
	switch code {
	case terminal.CodeInvalidPath:
		return "（终端路径无效或未找到终端，请检查 terminal.path 或确认终端已安装）"
	case terminal.CodeNotAuthorized:
		return "（终端未授权，请在终端中登录账户并允许算法交易）"
	case terminal.CodeNotInstalled:
		return "（未检测到终端安装）"
	default:
		return ""
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
