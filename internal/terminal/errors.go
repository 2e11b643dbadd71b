package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected 表示与终端网关之间没有可用连接。
	ErrNotConnected = errors.New("terminal: 未连接")
	// ErrClosed 表示会话已被关闭。
	ErrClosed = errors.New("terminal: 会话已关闭")
)

// 终端 last_error 中与初始化相关的错误码。
const (
	CodeOK               = 1
	CodeNotInstalled     = -10001
	CodeNotAuthorized    = -10002
	CodeInvalidPath      = -10003
	CodeInternalFail     = -10000
	CodeAutoTradeRefused = -8
)

// Error 对应终端 last_error() 的结果。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("terminal: %s (code=%d)", e.Message, e.Code)
}

// LastError 从错误链中取出终端错误码，没有则返回 0。
func LastError(err error) (int, string) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, te.Message
	}
	return 0, ""
}

// IsRetryable 判断底层调用失败是否值得重试（仅针对传输层）。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *Error
	if errors.As(err, &te) {
		return false
	}
	if websocket.IsUnexpectedCloseError(err) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code != websocket.CloseNormalClosure
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
