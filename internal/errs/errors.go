// Package errs 定义连接器对外暴露的失败分类。
//
// 所有公开操作的错误最终都会落到某个 Kind 上，HTTP 层据此选择状态码，
// 调用方据此判断是否值得重试。
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 表示失败类别。
type Kind string

const (
	KindConnection      Kind = "connection"
	KindSymbolNotFound  Kind = "symbol_not_found"
	KindValidation      Kind = "validation"
	KindBrokerRejection Kind = "broker_rejection"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// 本地错误码，与券商 retcode 区分开（均为负数）。
const (
	CodeConnection     = -10001
	CodeInvalidSymbol  = -10002
	CodeMarketData     = -10003
	CodeInvalidRequest = -10004
	CodeNotFound       = -10005
	CodeInvalidVolume  = -10006
	CodeInvalidKind    = -10007
	CodeNoResult       = -10009
	CodeInternal       = -10011
)

// ClientSide 表示调用方需要修改输入才能成功，原样重试没有意义。
func (k Kind) ClientSide() bool {
	switch k {
	case KindSymbolNotFound, KindValidation, KindNotFound, KindBrokerRejection:
		return true
	default:
		return false
	}
}

// Transient 表示稍后原样重试可能成功。
func (k Kind) Transient() bool {
	return k == KindConnection
}

// Context 回显触发失败的交易请求。
type Context struct {
	Symbol    string  `json:"symbol,omitempty"`
	Direction string  `json:"direction,omitempty"`
	OrderKind string  `json:"order_kind,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Ticket    uint64  `json:"ticket,omitempty"`
}

// Error 是带分类的失败。
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Context *Context
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code=%d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按 Kind 比较，便于 errors.Is(err, errs.Validation) 之类的判断。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == 0 && t.Message == ""
}

// WithContext 附加请求上下文并返回自身。
func (e *Error) WithContext(ctx Context) *Error {
	e.Context = &ctx
	return e
}

// WithDetail 附加诊断字段并返回自身。
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// 仅用于 errors.Is 比较的哨兵值。
var (
	Connection      = &Error{Kind: KindConnection}
	SymbolNotFound  = &Error{Kind: KindSymbolNotFound}
	Validation      = &Error{Kind: KindValidation}
	BrokerRejection = &Error{Kind: KindBrokerRejection}
	NotFound        = &Error{Kind: KindNotFound}
	Internal        = &Error{Kind: KindInternal}
)

// New 创建分类错误。
func New(kind Kind, code int, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 将底层错误归入指定类别。
func Wrap(kind Kind, code int, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf 创建校验失败。
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, CodeInvalidRequest, format, args...)
}

// NotFoundf 创建资源不存在错误。
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

// As 提取 *Error；非分类错误统一视为 internal。
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, CodeInternal, err, "未预期的错误")
}

// KindOf 返回错误类别，nil 返回空串。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}
