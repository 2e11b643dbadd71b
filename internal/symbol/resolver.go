// Package symbol 把调用方的品种代码映射为券商实际可交易的品种名。
package symbol

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/terminal"
)

// 不同券商对同一品种的命名差异。
var aliases = map[string][]string{
	"XAUUSD": {"GOLD", "XAUUSD", "XAU/USD"},
	"XAGUSD": {"SILVER", "XAGUSD", "XAG/USD"},
	"BTCUSD": {"BTCUSD", "BTC/USD"},
	"US30":   {"US30", "US30Cash", "DOW", "DJI"},
	"SPX500": {"SPX500", "SP500", "US500"},
	"NAS100": {"NAS100", "NASDAQ", "US100"},
}

var suffixes = []string{".0", ".1", ".conv", ".raw", ".pro"}

const maxSuggestions = 5

// Resolution 为一次解析的结果，不跨请求缓存。
type Resolution struct {
	Requested string
	Symbol    string
	Valid     bool
	Message   string
}

// Resolver 逐个尝试候选名，遇到未显示的品种会尝试加入市场报价窗口。
type Resolver struct {
	term   terminal.Terminal
	logger *zap.Logger
}

// NewResolver 创建解析器。
func NewResolver(term terminal.Terminal, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{term: term, logger: logger}
}

// Candidates 返回按优先级排列、去重后的候选名。
func Candidates(requested string) []string {
	upper := strings.ToUpper(strings.TrimSpace(requested))
	out := []string{upper}
	for _, alias := range aliases[upper] {
		if !slices.Contains(out, alias) {
			out = append(out, alias)
		}
	}
	for _, suffix := range suffixes {
		if name := upper + suffix; !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Resolve 找到第一个存在且可见（或可被启用）的候选名。
// 失败时返回 symbol_not_found，消息中附带相近品种；终端调用失败返回 connection。
func (r *Resolver) Resolve(ctx context.Context, requested string) (Resolution, error) {
	res := Resolution{Requested: requested}
	if strings.TrimSpace(requested) == "" {
		res.Message = "品种不能为空"
		return res, errs.Validationf("%s", res.Message)
	}

	for _, candidate := range Candidates(requested) {
		info, err := r.term.SymbolInfo(ctx, candidate)
		if err != nil {
			res.Message = fmt.Sprintf("查询品种 %s 失败: %v", candidate, err)
			return res, errs.Wrap(errs.KindConnection, errs.CodeConnection, err, "查询品种 %s 失败", candidate)
		}
		if info == nil {
			continue
		}

		if !info.Visible {
			ok, err := r.term.SymbolSelect(ctx, candidate, true)
			if err != nil || !ok {
				r.logger.Warn("品种存在但无法加入报价窗口，尝试下一个候选",
					zap.String("requested", requested),
					zap.String("candidate", candidate),
					zap.Error(err),
				)
				continue
			}
		}

		if candidate != strings.ToUpper(requested) {
			r.logger.Info("品种已映射为券商名称",
				zap.String("requested", requested),
				zap.String("symbol", candidate),
			)
		}
		res.Symbol = candidate
		res.Valid = true
		return res, nil
	}

	res.Message = r.notFoundMessage(ctx, requested)
	return res, errs.New(errs.KindSymbolNotFound, errs.CodeInvalidSymbol, "%s", res.Message).
		WithContext(errs.Context{Symbol: requested})
}

func (r *Resolver) notFoundMessage(ctx context.Context, requested string) string {
	account, err := r.term.AccountInfo(ctx)
	if err != nil || account == nil {
		return fmt.Sprintf("品种 %s 不可用：终端账户未登录", requested)
	}

	names, err := r.term.Symbols(ctx)
	if err == nil {
		if similar := Similar(requested, names, maxSuggestions); len(similar) > 0 {
			return fmt.Sprintf("品种 %s 不存在。相近的可用品种: %s", requested, strings.Join(similar, ", "))
		}
	}
	return fmt.Sprintf("品种 %s 不存在或未启用，请在终端的市场报价窗口中启用该品种", requested)
}

// Similar 返回包含 requested 的品种名，前缀匹配优先，最多 limit 个。
func Similar(requested string, names []string, limit int) []string {
	needle := strings.ToUpper(strings.TrimSpace(requested))
	if needle == "" {
		return nil
	}
	var prefixed, contained []string
	for _, name := range names {
		upper := strings.ToUpper(name)
		switch {
		case strings.HasPrefix(upper, needle):
			prefixed = append(prefixed, name)
		case strings.Contains(upper, needle):
			contained = append(contained, name)
		}
	}
	out := append(prefixed, contained...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
