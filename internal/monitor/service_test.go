package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-connector/internal/config"
	"mt5-connector/internal/execution"
	"mt5-connector/internal/terminal"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestEmitter(url string) (*Emitter, *sleepRecorder) {
	e := NewEmitter(config.WebhookConfig{URL: url, Workers: 1, JournalSize: 10}, nil)
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec
}

func runEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitStatus(t *testing.T, e *Emitter, want Delivery) Record {
	t.Helper()
	var got Record
	require.Eventually(t, func() bool {
		list := e.ListEvents("", 1)
		if len(list) == 0 {
			return false
		}
		got = list[0]
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestEmitter_DeliversEnvelope(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			received.Store(body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEmitter(srv.URL)
	runEmitter(t, e)

	sl := 1.095
	require.NoError(t, e.Emit(OrderSent(execution.OpenResult{
		Ticket: 7, Symbol: "EURUSD", Side: terminal.SideBuy, Kind: execution.KindMarket, Volume: 0.1, Price: 1.1002, StopLoss: &sl,
	}, 123456)))

	rec := waitStatus(t, e, DeliveryDelivered)
	assert.Equal(t, 1, rec.Attempts)

	body, ok := received.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "mt5-connector", body["source"])
	assert.Equal(t, "order_sent", body["event_type"])
	assert.Equal(t, "buy", body["direction"])
	assert.Equal(t, 1.095, body["sl_price"])
	assert.NotEmpty(t, body["event_id"])
	assert.NotEmpty(t, body["timestamp"])
	_, hasTP := body["tp_price"]
	assert.False(t, hasTP)
}

func TestEmitter_RetriesWithBackoffThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, sleeps := newTestEmitter(srv.URL)
	runEmitter(t, e)

	require.NoError(t, e.Emit(Closed(execution.CloseResult{Ticket: 9, Symbol: "GOLD", Side: terminal.SideSell, Volume: 1, Price: 2350})))

	rec := waitStatus(t, e, DeliveryFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.Error, "500")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.recorded())
}

func TestEmitter_BackoffDoublesPerAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewEmitter(config.WebhookConfig{URL: srv.URL, Workers: 1, JournalSize: 10, MaxAttempts: 4, BaseBackoff: time.Second}, nil)
	sleeps := &sleepRecorder{}
	e.sleep = sleeps.sleep
	runEmitter(t, e)

	require.NoError(t, e.Emit(Closed(execution.CloseResult{Ticket: 10, Symbol: "GOLD", Side: terminal.SideBuy, Volume: 1, Price: 2350})))

	waitStatus(t, e, DeliveryFailed)
	assert.Equal(t, int32(4), calls.Load())
	// 1s、2s、4s 分别在第 1、2、3 次失败之后，第 4 次失败后直接放弃
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.recorded())
}

func TestEmitter_Non200IsFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, sleeps := newTestEmitter(srv.URL)
	runEmitter(t, e)

	require.NoError(t, e.Emit(Event{Type: EventPositionClosed, Ticket: 1}))
	rec := waitStatus(t, e, DeliveryDelivered)
	assert.Equal(t, 2, rec.Attempts)
	assert.Len(t, sleeps.recorded(), 1)
}

func TestEmitter_QueueFull(t *testing.T) {
	e := NewEmitter(config.WebhookConfig{URL: "http://127.0.0.1:1/hook", QueueSize: 1, JournalSize: 10}, nil)

	require.NoError(t, e.Emit(Event{Type: EventOrderSent, Ticket: 1}))
	err := e.Emit(Event{Type: EventOrderSent, Ticket: 2})
	assert.True(t, errors.Is(err, ErrQueueFull))

	list := e.ListEvents(EventOrderSent, 0)
	require.Len(t, list, 2)
	assert.Equal(t, DeliveryDropped, list[0].Status)
	assert.Equal(t, DeliveryQueued, list[1].Status)
}

func TestEmitter_DisabledOnlyJournals(t *testing.T) {
	e := NewEmitter(config.WebhookConfig{JournalSize: 2}, nil)
	assert.False(t, e.Enabled())

	for i := range 3 {
		require.NoError(t, e.Emit(Event{Type: EventPartialClose, Ticket: uint64(i + 1)}))
	}
	list := e.ListEvents("", 10)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(3), list[0].Event.Ticket)
	assert.Equal(t, DeliveryDisabled, list[0].Status)
	assert.Empty(t, e.ListEvents(EventOrderSent, 10))
}

func TestModifiedEventType(t *testing.T) {
	v := 1.1
	res := execution.ModifyResult{Ticket: 3, Symbol: "EURUSD", Side: terminal.SideBuy, StopLoss: &v, TakeProfit: &v}

	assert.Equal(t, EventSLModified, Modified(execution.ModifyRequest{StopLoss: &v}, res).Type)
	assert.Equal(t, EventTPModified, Modified(execution.ModifyRequest{TakeProfit: &v}, res).Type)
	assert.Equal(t, EventPositionModified, Modified(execution.ModifyRequest{StopLoss: &v, TakeProfit: &v}, res).Type)
}

func TestPartialClosedRedirect(t *testing.T) {
	ev := PartialClosed(execution.PartialCloseResult{Ticket: 4, Symbol: "EURUSD", Side: terminal.SideBuy, Percent: 50, VolumeClosed: 0.1, RemainingVolume: 0.1, Price: 1.1})
	assert.Equal(t, EventPartialClose, ev.Type)
	assert.Equal(t, 0.1, ev.RemainingVolume)
	assert.Equal(t, "Partial close 50%", ev.Comment)

	ev = PartialClosed(execution.PartialCloseResult{Ticket: 4, Symbol: "EURUSD", Side: terminal.SideBuy, Percent: 90, VolumeClosed: 0.01, Price: 1.1, Redirected: true})
	assert.Equal(t, EventPositionClosed, ev.Type)
	assert.Equal(t, 0.01, ev.Volume)
}
