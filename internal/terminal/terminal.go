// Package terminal 描述连接器对交易终端原生接口的全部依赖。
//
// 约定：查询类方法在终端返回空值时返回 (nil, nil)；终端调用本身失败时返回 *Error，
// 其中携带终端 last_error 的错误码与描述。
package terminal

import "context"

// Terminal 是终端原生接口的抽象，同一进程只持有一个会话。
type Terminal interface {
	Initialize(ctx context.Context, path string) error
	Login(ctx context.Context, login int64, password, server string) error
	Shutdown(ctx context.Context) error

	AccountInfo(ctx context.Context) (*AccountInfo, error)
	SymbolInfo(ctx context.Context, name string) (*SymbolInfo, error)
	SymbolInfoTick(ctx context.Context, name string) (*Tick, error)
	SymbolSelect(ctx context.Context, name string, enable bool) (bool, error)
	Symbols(ctx context.Context) ([]string, error)

	Positions(ctx context.Context, filter Filter) ([]Position, error)
	Orders(ctx context.Context, filter Filter) ([]Order, error)
	OrderSend(ctx context.Context, req TradeRequest) (*TradeResult, error)
}
