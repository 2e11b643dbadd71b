package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mt5-connector/internal/config"
)

// Bridge 通过 websocket JSON-RPC 与运行在终端主机上的网关通信，
// 网关把每个方法原样转发给终端原生接口。
//
//	请求: {"id":1,"method":"symbol_info","params":{"name":"EURUSD"}}
//	响应: {"id":1,"result":{...}} | {"id":1,"result":null} | {"id":1,"error":{"code":-10003,"message":"..."}}
//
// 时间字段使用 RFC3339 UTC。
type Bridge struct {
	cfg    config.TerminalConfig
	logger *zap.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	sess *rpcSession

	nextID atomic.Uint64
}

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewBridge 创建网关客户端，首次调用时才建立连接。
func NewBridge(cfg config.TerminalConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
}

var _ Terminal = (*Bridge)(nil)

func (b *Bridge) Initialize(ctx context.Context, path string) error {
	return b.call(ctx, "initialize", map[string]any{"path": path}, nil)
}

func (b *Bridge) Login(ctx context.Context, login int64, password, server string) error {
	return b.call(ctx, "login", map[string]any{
		"login":    login,
		"password": password,
		"server":   server,
	}, nil)
}

// Shutdown 通知网关释放终端句柄并关闭 websocket 连接。
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return nil
	}

	err := b.call(ctx, "shutdown", nil, nil)

	b.mu.Lock()
	if b.sess == sess {
		b.sess = nil
	}
	b.mu.Unlock()
	sess.close(ErrClosed)
	return err
}

func (b *Bridge) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var out *AccountInfo
	err := b.query(ctx, "account_info", nil, &out)
	return out, err
}

func (b *Bridge) SymbolInfo(ctx context.Context, name string) (*SymbolInfo, error) {
	var out *SymbolInfo
	err := b.query(ctx, "symbol_info", map[string]any{"name": name}, &out)
	return out, err
}

func (b *Bridge) SymbolInfoTick(ctx context.Context, name string) (*Tick, error) {
	var out *Tick
	err := b.query(ctx, "symbol_info_tick", map[string]any{"name": name}, &out)
	return out, err
}

func (b *Bridge) SymbolSelect(ctx context.Context, name string, enable bool) (bool, error) {
	var ok bool
	err := b.call(ctx, "symbol_select", map[string]any{"name": name, "enable": enable}, &ok)
	return ok, err
}

func (b *Bridge) Symbols(ctx context.Context) ([]string, error) {
	var names []string
	err := b.query(ctx, "symbols_get", nil, &names)
	return names, err
}

func (b *Bridge) Positions(ctx context.Context, filter Filter) ([]Position, error) {
	var out []Position
	err := b.query(ctx, "positions_get", filter, &out)
	return out, err
}

func (b *Bridge) Orders(ctx context.Context, filter Filter) ([]Order, error) {
	var out []Order
	err := b.query(ctx, "orders_get", filter, &out)
	return out, err
}

// OrderSend 不做传输层重试，避免重复下单。
func (b *Bridge) OrderSend(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	var out *TradeResult
	err := b.call(ctx, "order_send", req, &out)
	return out, err
}

// query 用于只读调用，传输失败时按配置重试。
func (b *Bridge) query(ctx context.Context, method string, params, out any) error {
	return b.callWithRetry(ctx, method, func() error {
		return b.call(ctx, method, params, out)
	})
}

func (b *Bridge) call(ctx context.Context, method string, params, out any) error {
	sess, err := b.session(ctx)
	if err != nil {
		return err
	}

	id := b.nextID.Add(1)
	ch := make(chan rpcResponse, 1)
	if !sess.register(id, ch) {
		return fmt.Errorf("terminal: 调用 %s 失败: %w", method, ErrNotConnected)
	}
	defer sess.unregister(id)

	if err := sess.write(rpcRequest{ID: id, Method: method, Params: params}, b.cfg.CallTimeout); err != nil {
		b.discard(sess, err)
		return fmt.Errorf("terminal: 发送 %s 失败: %w", method, err)
	}

	timer := time.NewTimer(b.cfg.CallTimeout)
	defer timer.Stop()

	var resp rpcResponse
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("terminal: 调用 %s 超时: %w", method, context.DeadlineExceeded)
	case resp = <-ch:
	case <-sess.done:
		select {
		case resp = <-ch:
		default:
			return fmt.Errorf("terminal: 调用 %s 时连接断开: %w", method, errors.Join(ErrNotConnected, sess.err))
		}
	}

	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("terminal: 解析 %s 结果失败: %w", method, err)
	}
	return nil
}

func (b *Bridge) session(ctx context.Context) (*rpcSession, error) {
	b.mu.Lock()
	if b.sess != nil {
		sess := b.sess
		b.mu.Unlock()
		return sess, nil
	}
	b.mu.Unlock()

	var conn *websocket.Conn
	err := b.callWithRetry(ctx, "dial", func() error {
		dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
		defer cancel()
		c, _, err := b.dialer.DialContext(dialCtx, b.cfg.BridgeURL, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("terminal: 连接网关 %s 失败: %w", b.cfg.BridgeURL, err)
	}

	b.mu.Lock()
	if b.sess != nil {
		// 并发拨号时保留先建立的连接
		existing := b.sess
		b.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	sess := newRPCSession(conn)
	b.sess = sess
	b.mu.Unlock()

	go b.readLoop(sess)
	b.logger.Info("已连接终端网关", zap.String("url", b.cfg.BridgeURL))
	return sess, nil
}

func (b *Bridge) readLoop(sess *rpcSession) {
	for {
		var resp rpcResponse
		if err := sess.conn.ReadJSON(&resp); err != nil {
			b.discard(sess, err)
			return
		}
		sess.deliver(resp)
	}
}

func (b *Bridge) discard(sess *rpcSession, err error) {
	b.mu.Lock()
	if b.sess == sess {
		b.sess = nil
	}
	b.mu.Unlock()
	if sess.close(err) && !errors.Is(err, ErrClosed) {
		b.logger.Warn("终端网关连接已断开", zap.Error(err))
	}
}

func (b *Bridge) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := b.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := b.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := b.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				b.logger.Info("终端调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			return err
		}

		wait := min(delay, maxDelay)
		b.logger.Warn("终端调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = min(delay*2, maxDelay)
	}
}

// rpcSession 为一条 websocket 连接及其在途请求。
type rpcSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan rpcResponse
	done    chan struct{}
	err     error
}

func newRPCSession(conn *websocket.Conn) *rpcSession {
	return &rpcSession{
		conn:    conn,
		pending: make(map[uint64]chan rpcResponse),
		done:    make(chan struct{}),
	}
}

func (s *rpcSession) register(id uint64, ch chan rpcResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.pending[id] = ch
	return true
}

func (s *rpcSession) unregister(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *rpcSession) deliver(resp rpcResponse) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *rpcSession) write(req rpcRequest, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(req)
}

// close 只生效一次，返回本次是否真正关闭。
func (s *rpcSession) close(err error) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if err == nil {
		err = ErrClosed
	}
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
	return true
}
