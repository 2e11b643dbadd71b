package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/metrics"
	"mt5-connector/internal/terminal"
)

// submitState 为一次提交所处的阶段。
type submitState int

const (
	stateSubmitting submitState = iota
	stateRetryNextFilling
	stateRetryWithoutStops
	stateDone
	stateFailed
)

func (s submitState) String() string {
	switch s {
	case stateSubmitting:
		return "submitting"
	case stateRetryNextFilling:
		return "retry_next_filling"
	case stateRetryWithoutStops:
		return "retry_without_stops"
	case stateDone:
		return "done"
	default:
		return "failed"
	}
}

type submission struct {
	request      terminal.TradeRequest
	result       *terminal.TradeResult
	stopsCleared bool
}

// submitRun 保存状态机在多次发送之间的上下文。
type submitRun struct {
	sub      submission
	plan     *fillingPlan
	pending  bool
	ctx      errs.Context
	original string
	lastMsg  string
	lastCode int
	err      error
}

// submit 按成交方式计划发送请求，直到成功或无可重试的路径：
//
//	submitting -> done
//	submitting -> retry_next_filling -> submitting   (invalid fill，仅即时成交单)
//	submitting -> retry_without_stops -> submitting  (invalid stops，仅一次)
//	submitting -> failed
func (e *Executor) submit(ctx context.Context, req terminal.TradeRequest, plan *fillingPlan, errCtx errs.Context) (submission, error) {
	run := &submitRun{
		sub:     submission{request: req},
		plan:    plan,
		pending: req.Action == terminal.ActionPending,
		ctx:     errCtx,
	}

	state := stateRetryNextFilling
	for {
		switch state {
		case stateRetryNextFilling:
			wasExtended := plan.Extended()
			mode, ok := plan.Next()
			if !ok {
				run.err = run.exhausted()
				state = stateFailed
				continue
			}
			if !wasExtended && plan.Extended() {
				e.logger.Warn("声明的成交方式均被拒绝，尝试其余方式",
					zap.String("symbol", req.Symbol),
					zap.Strings("attempted", plan.Attempted()),
				)
			}
			run.sub.request.TypeFilling = mode
			state = stateSubmitting

		case stateRetryWithoutStops:
			e.logger.Warn("券商拒绝止损止盈，去掉后重发一次",
				zap.String("symbol", req.Symbol),
				zap.Float64("sl", run.sub.request.SL),
				zap.Float64("tp", run.sub.request.TP),
			)
			run.sub.request.SL = 0
			run.sub.request.TP = 0
			run.sub.stopsCleared = true
			state = stateSubmitting

		case stateSubmitting:
			result, err := e.term.OrderSend(ctx, run.sub.request)
			state = e.transition(run, result, err)
			e.logger.Debug("订单状态", zap.Stringer("state", state), zap.String("filling", run.sub.request.TypeFilling.String()))

		case stateDone:
			return run.sub, nil

		case stateFailed:
			e.logger.Error("订单提交失败",
				zap.String("symbol", req.Symbol),
				zap.Strings("attempted", plan.Attempted()),
				zap.Error(run.err),
			)
			return run.sub, run.err
		}
	}
}

// transition 根据一次发送的返回决定下一个状态。
func (e *Executor) transition(run *submitRun, result *terminal.TradeResult, err error) submitState {
	mode := run.sub.request.TypeFilling

	if err != nil {
		var te *terminal.Error
		if !errors.As(err, &te) {
			// 传输层失败时订单可能已到达券商，不能自动重发
			run.err = errs.Wrap(errs.KindConnection, errs.CodeConnection, err, "发送订单失败").WithContext(run.ctx)
			return stateFailed
		}
	}

	if result == nil {
		code, msg := terminal.LastError(err)
		if run.sub.stopsCleared {
			run.err = run.reject(errs.CodeNoResult, fmt.Sprintf("去掉止损止盈重发后终端无返回 (%s)；首次失败: %s", describe(code, msg), run.original))
			return stateFailed
		}
		run.lastCode, run.lastMsg = code, fmt.Sprintf("终端无返回: %s (filling=%s)", describe(code, msg), mode)
		if run.pending {
			if run.lastCode == 0 {
				run.lastCode = errs.CodeNoResult
			}
			run.err = run.reject(run.lastCode, run.lastMsg)
			return stateFailed
		}
		e.logger.Warn("终端未返回结果，尝试下一种成交方式", zap.String("filling", mode.String()), zap.Int("code", code))
		return stateRetryNextFilling
	}

	metrics.BrokerRetcodes.WithLabelValues(retcodeLabel(result.Retcode)).Inc()
	run.sub.result = result
	run.lastCode, run.lastMsg = int(result.Retcode), result.Comment

	if result.Succeeded() {
		return stateDone
	}

	if run.sub.stopsCleared {
		run.err = run.reject(int(result.Retcode), fmt.Sprintf("去掉止损止盈重发仍失败: %s (code=%d)；首次失败: %s", result.Comment, result.Retcode, run.original))
		return stateFailed
	}

	switch result.Retcode {
	case terminal.RetcodeInvalidStops:
		if run.sub.request.SL == 0 && run.sub.request.TP == 0 {
			run.err = run.reject(int(result.Retcode), fmt.Sprintf("止损止盈无效: %s", result.Comment))
			return stateFailed
		}
		run.original = fmt.Sprintf("%s (code=%d)", result.Comment, result.Retcode)
		return stateRetryWithoutStops

	case terminal.RetcodeInvalidFill:
		if run.pending {
			run.err = run.reject(int(result.Retcode), fmt.Sprintf("挂单成交方式被拒绝: %s", result.Comment))
			return stateFailed
		}
		metrics.FillingFallbacks.Inc()
		e.logger.Warn("成交方式不被支持，尝试下一种", zap.String("filling", mode.String()), zap.String("comment", result.Comment))
		return stateRetryNextFilling

	case terminal.RetcodeInvalidVolume:
		run.err = run.reject(int(result.Retcode), fmt.Sprintf("券商拒绝手数: %s", result.Comment)).
			WithDetail("volume", run.sub.request.Volume)
		return stateFailed

	case terminal.RetcodeServerAutoTradeDisabled, terminal.RetcodeClientAutoTradeDisabled:
		run.err = run.reject(int(result.Retcode), fmt.Sprintf(
			"自动交易已被禁用 (%s)：请在终端中开启 Algo Trading 并在 选项 > EA交易 中允许算法交易", result.Comment))
		return stateFailed

	default:
		run.err = run.reject(int(result.Retcode), fmt.Sprintf("券商拒绝订单: %s", result.Comment))
		return stateFailed
	}
}

func (run *submitRun) reject(code int, msg string) *errs.Error {
	return errs.New(errs.KindBrokerRejection, code, "%s", msg).
		WithContext(run.ctx).
		WithDetail("attempted_filling_modes", run.plan.Attempted())
}

func (run *submitRun) exhausted() *errs.Error {
	last := run.lastMsg
	if last == "" {
		last = "无"
	}
	code := run.lastCode
	if code == 0 {
		code = int(terminal.RetcodeInvalidFill)
	}
	return run.reject(code, fmt.Sprintf("没有可用的成交方式，已尝试 %s，最后错误: %s",
		strings.Join(run.plan.Attempted(), ", "), last))
}

func describe(code int, msg string) string {
	if msg == "" {
		msg = "未知错误"
	}
	return fmt.Sprintf("%s (code=%d)", msg, code)
}
