// Package monitor 把订单生命周期事件异步推送到交易引擎的 webhook，
// 并在内存中保留最近的事件及其投递状态。
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mt5-connector/internal/config"
	"mt5-connector/internal/metrics"
)

// ErrQueueFull 表示推送队列已满，事件被丢弃。
var ErrQueueFull = errors.New("monitor: 推送队列已满")

const (
	defaultSource      = "mt5-connector"
	defaultTimeout     = 5 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	defaultQueueSize   = 256
	defaultWorkers     = 2
	maxListLimit       = 1000
)

type queued struct {
	event  Event
	record *Record
}

// Emitter 负责事件推送。Emit 不阻塞调用方，投递由 Run 启动的 worker 完成。
type Emitter struct {
	cfg    config.WebhookConfig
	client *http.Client
	queue  chan queued
	logger *zap.Logger

	mu      sync.Mutex
	journal []*Record

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEmitter 创建推送器，零值配置项使用默认值。URL 为空时只记录日志不推送。
func NewEmitter(cfg config.WebhookConfig, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if cfg.Enabled() {
		logger.Info("订单事件推送已启用", zap.String("url", cfg.URL))
	} else {
		logger.Warn("未配置 webhook 地址，订单事件不会推送")
	}

	return &Emitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan queued, cfg.QueueSize),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

// Enabled 表示是否会真正推送。
func (e *Emitter) Enabled() bool {
	return e.cfg.Enabled()
}

// Emit 补齐信封字段后入队。队列满时丢弃并返回 ErrQueueFull。
func (e *Emitter) Emit(ev Event) error {
	ev.Source = e.cfg.Source
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	rec := &Record{Event: ev, Status: DeliveryQueued}
	if !e.Enabled() {
		rec.Status = DeliveryDisabled
		e.remember(rec)
		return nil
	}
	e.remember(rec)

	select {
	case e.queue <- queued{event: ev, record: rec}:
		return nil
	default:
		e.update(rec, DeliveryDropped, 0, ErrQueueFull)
		metrics.WebhookDeliveries.WithLabelValues(string(ev.Type), string(DeliveryDropped)).Inc()
		e.logger.Warn("推送队列已满，事件被丢弃", zap.String("event_type", string(ev.Type)), zap.Uint64("ticket", ev.Ticket))
		return ErrQueueFull
	}
}

// Run 启动投递 worker，直到 ctx 结束。
func (e *Emitter) Run(ctx context.Context) error {
	if !e.Enabled() {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.work(gctx)
			return nil
		})
	}
	err := g.Wait()

	if pending := len(e.queue); pending > 0 {
		e.logger.Warn("退出时仍有未投递的事件", zap.Int("pending", pending))
	}
	return err
}

func (e *Emitter) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.queue:
			e.deliver(ctx, item)
		}
	}
}

// deliver 最多尝试 MaxAttempts 次，两次尝试之间按 BaseBackoff*2^(n-1) 等待。
// 只有 200 视为成功。
func (e *Emitter) deliver(ctx context.Context, item queued) {
	ev := item.event
	body, err := json.Marshal(ev)
	if err != nil {
		e.update(item.record, DeliveryFailed, 0, err)
		e.logger.Error("序列化事件失败", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		lastErr = e.post(ctx, body)
		if lastErr == nil {
			e.update(item.record, DeliveryDelivered, attempt, nil)
			metrics.WebhookDeliveries.WithLabelValues(string(ev.Type), string(DeliveryDelivered)).Inc()
			e.logger.Debug("事件推送成功", zap.String("event_type", string(ev.Type)), zap.String("event_id", ev.ID))
			return
		}

		e.logger.Warn("事件推送失败",
			zap.String("event_type", string(ev.Type)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.cfg.MaxAttempts),
			zap.Error(lastErr),
		)
		// 等待序列为 1s、2s、4s…，最后一次失败后不再等待，默认 3 次只会等 1s 和 2s
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, e.cfg.BaseBackoff<<(attempt-1)); err != nil {
			lastErr = err
			e.update(item.record, DeliveryFailed, attempt, lastErr)
			metrics.WebhookDeliveries.WithLabelValues(string(ev.Type), string(DeliveryFailed)).Inc()
			return
		}
		e.update(item.record, DeliveryQueued, attempt, lastErr)
	}

	e.update(item.record, DeliveryFailed, e.cfg.MaxAttempts, lastErr)
	metrics.WebhookDeliveries.WithLabelValues(string(ev.Type), string(DeliveryFailed)).Inc()
	e.logger.Error("事件多次推送失败，已放弃",
		zap.String("event_type", string(ev.Type)),
		zap.String("event_id", ev.ID),
		zap.Int("attempts", e.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
}

func (e *Emitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("monitor: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("monitor: 请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("monitor: webhook 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (e *Emitter) remember(rec *Record) {
	if e.cfg.JournalSize <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal = append(e.journal, rec)
	if over := len(e.journal) - e.cfg.JournalSize; over > 0 {
		e.journal = append(e.journal[:0:0], e.journal[over:]...)
	}
}

func (e *Emitter) update(rec *Record, status Delivery, attempts int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.Status = status
	if attempts > 0 {
		rec.Attempts = attempts
	}
	rec.Error = ""
	if err != nil {
		rec.Error = err.Error()
	}
}

// ListEvents 按类型检索最近事件，最新的在前。
func (e *Emitter) ListEvents(eventType EventType, limit int) []Record {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, min(limit, len(e.journal)))
	for i := len(e.journal) - 1; i >= 0 && len(out) < limit; i-- {
		rec := e.journal[i]
		if eventType != "" && rec.Event.Type != eventType {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
