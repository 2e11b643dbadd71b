package market

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-connector/internal/config"
	"mt5-connector/internal/errs"
	"mt5-connector/internal/orderflow"
	"mt5-connector/internal/symbol"
	"mt5-connector/internal/terminal"
	"mt5-connector/internal/terminal/terminaltest"
)

type stubConn struct{ err error }

func (s stubConn) EnsureConnected(context.Context) error { return s.err }

func newTestService(t *testing.T, fake *terminaltest.Fake, conn connector) (*Service, *orderflow.Accumulator) {
	t.Helper()
	acc := orderflow.NewAccumulator(config.OrderFlowConfig{}, nil)
	return NewService(conn, fake, symbol.NewResolver(fake, nil), acc, nil), acc
}

func goldFake() *terminaltest.Fake {
	fake := terminaltest.New()
	fake.AddSymbol(
		terminal.SymbolInfo{Name: "GOLD", Visible: true, Point: 0.01, Digits: 2, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01},
		terminal.Tick{Bid: 2350.10, Ask: 2350.40, Last: 2350.20},
	)
	return fake
}

func TestQuote_ResolvesAndFeedsAccumulator(t *testing.T) {
	fake := goldFake()
	svc, acc := newTestService(t, fake, stubConn{})

	q, err := svc.Quote(context.Background(), "xauusd")
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", q.Symbol)
	assert.Equal(t, "GOLD", q.ResolvedSymbol)
	assert.Equal(t, 2350.25, q.Mid)
	assert.InDelta(t, 0.30, q.Spread, 1e-9)
	assert.NotEmpty(t, q.Time)

	assert.Equal(t, 1, acc.Len("GOLD"))
	assert.Equal(t, 0, acc.Len("XAUUSD"))
}

func TestQuote_MidFallsBackToLast(t *testing.T) {
	fake := goldFake()
	fake.TickTable["GOLD"] = &terminal.Tick{Bid: 0, Ask: 2350.40, Last: 2350.20}
	svc, _ := newTestService(t, fake, stubConn{})

	q, err := svc.Quote(context.Background(), "GOLD")
	require.NoError(t, err)
	assert.Equal(t, 2350.20, q.Mid)
	assert.Zero(t, q.Spread)
}

func TestQuote_Failures(t *testing.T) {
	fake := goldFake()
	down := errs.New(errs.KindConnection, errs.CodeConnection, "down")

	svc, _ := newTestService(t, fake, stubConn{err: down})
	_, err := svc.Quote(context.Background(), "GOLD")
	assert.Equal(t, errs.KindConnection, errs.KindOf(err))
	assert.Zero(t, fake.CallCount("SymbolInfo"))

	svc, _ = newTestService(t, fake, stubConn{})
	_, err = svc.Quote(context.Background(), "NOPE")
	assert.Equal(t, errs.KindSymbolNotFound, errs.KindOf(err))

	delete(fake.TickTable, "GOLD")
	_, err = svc.Quote(context.Background(), "GOLD")
	require.Error(t, err)
	assert.Equal(t, errs.CodeMarketData, errs.As(err).Code)
}

func TestOrderFlow_NeutralUntilEnoughTicks(t *testing.T) {
	fake := goldFake()
	svc, _ := newTestService(t, fake, stubConn{})

	m, err := svc.OrderFlow(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "GOLD", m.Symbol)
	assert.Equal(t, orderflow.SignNeutral, m.DeltaSign)
	assert.Equal(t, 50.0, m.ImbalanceBuyPct)
	assert.NotNil(t, m.LargeOrders)
}

func TestOrderFlow_RisingQuotes(t *testing.T) {
	fake := goldFake()
	svc, _ := newTestService(t, fake, stubConn{})

	for i := range 4 {
		bid := 2350.0 + float64(i)
		fake.TickTable["GOLD"] = &terminal.Tick{Bid: bid, Ask: bid + 0.3}
		_, err := svc.Quote(context.Background(), "GOLD")
		require.NoError(t, err)
	}
	fake.TickTable["GOLD"] = &terminal.Tick{Bid: 2360, Ask: 2360.3}

	m, err := svc.OrderFlow(context.Background(), "GOLD")
	require.NoError(t, err)
	assert.Equal(t, 5, m.TickCount)
	assert.Equal(t, orderflow.SignBuying, m.DeltaSign)
	assert.Equal(t, 4.0, m.AskVolume)
	assert.Equal(t, 100.0, m.ImbalanceBuyPct)
}

func TestOrderFlow_QuoteFailureReturnsNeutralAndError(t *testing.T) {
	fake := goldFake()
	svc, _ := newTestService(t, fake, stubConn{})

	m, err := svc.OrderFlow(context.Background(), "silver")
	require.Error(t, err)
	assert.Equal(t, errs.KindSymbolNotFound, errs.KindOf(err))
	assert.Equal(t, orderflow.SignNeutral, m.DeltaSign)
	assert.Equal(t, "SILVER", m.Symbol)
}

func TestSymbols(t *testing.T) {
	fake := goldFake()
	for i := range 120 {
		fake.AllSymbols = append(fake.AllSymbols, fmt.Sprintf("SYM%03d", i))
	}
	fake.AllSymbols = append(fake.AllSymbols, "EURUSD.pro")
	svc, _ := newTestService(t, fake, stubConn{})

	list, err := svc.Symbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 122, list.Total)
	assert.Len(t, list.All, 100)
	assert.Equal(t, []string{"EURUSD.pro"}, list.Common)
}
