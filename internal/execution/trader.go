package execution

import "context"

// Trader 抽象交易操作，HTTP 层依赖该接口，便于替换为测试桩。
type Trader interface {
	Open(ctx context.Context, in Intent) (OpenResult, error)
	Modify(ctx context.Context, req ModifyRequest) (ModifyResult, error)
	Close(ctx context.Context, ticket uint64) (CloseResult, error)
	PartialClose(ctx context.Context, ticket uint64, percent float64) (PartialCloseResult, error)
	Cancel(ctx context.Context, ticket uint64) (CancelResult, error)
}

var _ Trader = (*Executor)(nil)
