package execution

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"mt5-connector/internal/errs"
	"mt5-connector/internal/symbol"
	"mt5-connector/internal/terminal"
	"mt5-connector/internal/terminal/terminaltest"
)

type mockConnector struct {
	calls []string
	err   error
}

func (m *mockConnector) EnsureConnected(context.Context) error {
	m.calls = append(m.calls, "EnsureConnected")
	return m.err
}

func addEURUSD(f *terminaltest.Fake, filling terminal.FillingMode, step float64) {
	f.AddSymbol(terminal.SymbolInfo{
		Name:        "EURUSD",
		Visible:     true,
		Point:       0.00001,
		Digits:      5,
		StopsLevel:  10,
		VolumeMin:   0.01,
		VolumeMax:   50,
		VolumeStep:  step,
		FillingMode: uint32(filling),
	}, terminal.Tick{Bid: 1.10000, Ask: 1.10020})
}

func newTestExecutor(f *terminaltest.Fake) (*Executor, *mockConnector) {
	conn := &mockConnector{}
	exec := NewExecutor(conn, f, symbol.NewResolver(f, nil), Options{Magic: 123456, Deviation: 20, CommentPrefix: "te"}, nil)
	return exec, conn
}

func ptr(v float64) *float64 { return &v }

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func requireKind(t *testing.T, err error, kind errs.Kind) *errs.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	e := errs.As(err)
	if e.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, e.Kind, err)
	}
	return e
}

func fillings(reqs []terminal.TradeRequest) []terminal.FillingMode {
	out := make([]terminal.FillingMode, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.TypeFilling)
	}
	return out
}

func TestOpen_NakedMarketBuy(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK|terminal.FillingIOC, 0.01)
	exec, conn := newTestExecutor(fake)

	res, err := exec.Open(context.Background(), Intent{Symbol: "eurusd", Side: terminal.SideBuy, Kind: KindMarket, Volume: 0.10, Strategy: "trend"})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if len(conn.calls) != 1 {
		t.Fatalf("expected one EnsureConnected call, got %v", conn.calls)
	}
	if res.StopLoss != nil || res.TakeProfit != nil {
		t.Fatalf("expected naked order, got sl=%v tp=%v", res.StopLoss, res.TakeProfit)
	}
	if res.Symbol != "EURUSD" || !almost(res.Volume, 0.10) || !almost(res.Price, 1.10020) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Side != terminal.SideBuy || res.Kind != KindMarket || res.StopsCleared {
		t.Fatalf("unexpected result flags: %+v", res)
	}

	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected single OrderSend, got %d", len(reqs))
	}
	req := reqs[0]
	if req.SL != 0 || req.TP != 0 {
		t.Errorf("expected zero stops, got sl=%v tp=%v", req.SL, req.TP)
	}
	if req.Action != terminal.ActionDeal || req.Type != terminal.OrderTypeBuy {
		t.Errorf("unexpected action/type: %d/%d", req.Action, req.Type)
	}
	if req.TypeFilling != terminal.FillingIOC {
		t.Errorf("expected IOC to be tried first, got %s", req.TypeFilling)
	}
	if req.Comment != "te-trend" || req.Magic != 123456 || req.Deviation != 20 {
		t.Errorf("unexpected request metadata: %+v", req)
	}
}

func TestOpen_BuyLimitAboveAskRejectedBeforeSubmit(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Kind: KindLimit, Volume: 0.1, EntryPrice: 1.1010})
	e := requireKind(t, err, errs.KindValidation)
	if !strings.Contains(e.Message, "buy limit") {
		t.Errorf("expected directional message, got %q", e.Message)
	}
	if e.Context == nil || e.Context.OrderKind != "limit" {
		t.Errorf("expected request context on error, got %+v", e.Context)
	}
	if n := fake.CallCount("OrderSend"); n != 0 {
		t.Fatalf("expected no OrderSend, got %d", n)
	}
}

func TestOpen_PendingDirectionRules(t *testing.T) {
	cases := []struct {
		side  terminal.Side
		kind  OrderKind
		price float64
		ok    bool
	}{
		{terminal.SideBuy, KindLimit, 1.0990, true},
		{terminal.SideBuy, KindStop, 1.1010, true},
		{terminal.SideBuy, KindStop, 1.1000, false},
		{terminal.SideSell, KindLimit, 1.1010, true},
		{terminal.SideSell, KindLimit, 1.0990, false},
		{terminal.SideSell, KindStop, 1.0990, true},
		{terminal.SideSell, KindStop, 1.1001, false},
	}

	for _, tc := range cases {
		fake := terminaltest.New()
		addEURUSD(fake, terminal.FillingFOK, 0.01)
		exec, _ := newTestExecutor(fake)

		res, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: tc.side, Kind: tc.kind, Volume: 0.1, EntryPrice: tc.price})
		if !tc.ok {
			requireKind(t, err, errs.KindValidation)
			continue
		}
		if err != nil {
			t.Fatalf("%s %s @%v: unexpected error %v", tc.side, tc.kind, tc.price, err)
		}
		req := fake.Requests()[0]
		if req.Action != terminal.ActionPending || req.TypeFilling != terminal.FillingReturn {
			t.Errorf("%s %s: expected pending with RETURN, got action=%d filling=%s", tc.side, tc.kind, req.Action, req.TypeFilling)
		}
		if req.Type != orderType(tc.side, tc.kind) || !almost(res.Price, tc.price) {
			t.Errorf("%s %s: unexpected type/price %d/%v", tc.side, tc.kind, req.Type, res.Price)
		}
	}
}

func TestOpen_InvalidStopsRetriedWithoutStops(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK|terminal.FillingIOC, 0.01)
	fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidStops, "Invalid stops"), terminaltest.Done(777, 1.10021))
	exec, _ := newTestExecutor(fake)

	res, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Kind: KindMarket, Volume: 0.1, StopLoss: ptr(1.0990), TakeProfit: ptr(1.1050)})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if !res.StopsCleared {
		t.Fatalf("expected retry_without_stops flag")
	}
	if res.StopLoss != nil || res.TakeProfit != nil {
		t.Fatalf("expected stops absent after retry, got %v/%v", res.StopLoss, res.TakeProfit)
	}
	if res.Ticket != 777 || !almost(res.Price, 1.10021) {
		t.Fatalf("unexpected result: %+v", res)
	}

	reqs := fake.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected two submissions, got %d", len(reqs))
	}
	if !almost(reqs[0].SL, 1.0990) || !almost(reqs[0].TP, 1.1050) {
		t.Errorf("first submission should carry stops: %+v", reqs[0])
	}
	if reqs[1].SL != 0 || reqs[1].TP != 0 {
		t.Errorf("retry should clear stops: %+v", reqs[1])
	}
	if reqs[0].TypeFilling != reqs[1].TypeFilling {
		t.Errorf("retry should keep filling mode: %s vs %s", reqs[0].TypeFilling, reqs[1].TypeFilling)
	}
}

func TestOpen_InvalidStopsRetryFailureReportsOriginal(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingIOC, 0.01)
	fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidStops, "Invalid stops"), terminaltest.Reject(terminal.RetcodeMarketClosed, "Market closed"))
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1, StopLoss: ptr(1.0990)})
	e := requireKind(t, err, errs.KindBrokerRejection)
	if e.Code != int(terminal.RetcodeMarketClosed) {
		t.Errorf("expected retry retcode, got %d", e.Code)
	}
	if !strings.Contains(e.Message, "Invalid stops") || !strings.Contains(e.Message, "Market closed") {
		t.Errorf("expected both failures in message, got %q", e.Message)
	}
	if n := fake.CallCount("OrderSend"); n != 2 {
		t.Fatalf("expected exactly one retry, got %d sends", n)
	}
}

func TestOpen_NakedInvalidStopsNotRetried(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingIOC, 0.01)
	fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidStops, "Invalid stops"))
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideSell, Volume: 0.1})
	requireKind(t, err, errs.KindBrokerRejection)
	if n := fake.CallCount("OrderSend"); n != 1 {
		t.Fatalf("expected no retry for naked order, got %d sends", n)
	}
}

func TestOpen_FillingFallbackExtendsBeyondAdvertised(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	fake.QueueSend(
		terminaltest.Reject(terminal.RetcodeInvalidFill, "Unsupported filling mode"),
		terminaltest.Reject(terminal.RetcodeInvalidFill, "Unsupported filling mode"),
		terminaltest.Done(900, 1.1002),
	)
	exec, _ := newTestExecutor(fake)

	res, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	want := []terminal.FillingMode{terminal.FillingFOK, terminal.FillingReturn, terminal.FillingIOC}
	if got := fillings(fake.Requests()); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected filling sequence: %v", got)
	}
	if res.FillingMode != "IOC" || !reflect.DeepEqual(res.AttemptedModes, []string{"FOK", "RETURN", "IOC"}) {
		t.Fatalf("unexpected filling report: %s %v", res.FillingMode, res.AttemptedModes)
	}
}

func TestOpen_FillingModesExhausted(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	for i := 0; i < 3; i++ {
		fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidFill, "Unsupported filling mode"))
	}
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	e := requireKind(t, err, errs.KindBrokerRejection)
	attempted, _ := e.Details["attempted_filling_modes"].([]string)
	if !reflect.DeepEqual(attempted, []string{"FOK", "RETURN", "IOC"}) {
		t.Fatalf("expected attempted modes in details, got %v", e.Details)
	}
	if !strings.Contains(e.Message, "Unsupported filling mode") {
		t.Errorf("expected last diagnostic in message, got %q", e.Message)
	}
	if n := fake.CallCount("OrderSend"); n != 3 {
		t.Fatalf("expected 3 sends, got %d", n)
	}
}

func TestOpen_UnrecognizedBitmaskTriesAllModes(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, 0, 0.01)
	fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidFill, "Unsupported filling mode"))
	exec, _ := newTestExecutor(fake)

	if _, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1}); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	want := []terminal.FillingMode{terminal.FillingReturn, terminal.FillingIOC}
	if got := fillings(fake.Requests()); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected filling sequence: %v", got)
	}
}

func TestOpen_TerminalRejectionsNotRetried(t *testing.T) {
	cases := []struct {
		name    string
		retcode uint32
		hint    string
	}{
		{"invalid volume", terminal.RetcodeInvalidVolume, "手数"},
		{"client autotrading", terminal.RetcodeClientAutoTradeDisabled, "Algo Trading"},
		{"server autotrading", terminal.RetcodeServerAutoTradeDisabled, "Algo Trading"},
		{"market closed", terminal.RetcodeMarketClosed, "Market closed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := terminaltest.New()
			addEURUSD(fake, terminal.FillingFOK|terminal.FillingIOC, 0.01)
			fake.QueueSend(terminaltest.Reject(tc.retcode, "Market closed"))
			exec, _ := newTestExecutor(fake)

			_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1, StopLoss: ptr(1.09)})
			e := requireKind(t, err, errs.KindBrokerRejection)
			if e.Code != int(tc.retcode) {
				t.Errorf("expected code %d, got %d", tc.retcode, e.Code)
			}
			if !strings.Contains(e.Message, tc.hint) {
				t.Errorf("expected %q in message, got %q", tc.hint, e.Message)
			}
			if n := fake.CallCount("OrderSend"); n != 1 {
				t.Fatalf("expected a single send, got %d", n)
			}
		})
	}
}

func TestOpen_NilResultAdvancesFillingMode(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK|terminal.FillingIOC, 0.01)
	fake.QueueSend(terminaltest.SendOutcome{Err: &terminal.Error{Code: -2, Message: "Invalid params"}}, terminaltest.Done(1, 1.1002))
	exec, _ := newTestExecutor(fake)

	if _, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1}); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	want := []terminal.FillingMode{terminal.FillingIOC, terminal.FillingFOK}
	if got := fillings(fake.Requests()); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected filling sequence: %v", got)
	}
}

func TestOpen_TransportErrorNotResent(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK|terminal.FillingIOC, 0.01)
	fake.QueueSend(terminaltest.SendOutcome{Err: errors.New("broken pipe")})
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	requireKind(t, err, errs.KindConnection)
	if n := fake.CallCount("OrderSend"); n != 1 {
		t.Fatalf("expected a single send, got %d", n)
	}
}

func TestOpen_AdjustsStopsBeforeSubmit(t *testing.T) {
	fake := terminaltest.New()
	fake.AddSymbol(terminal.SymbolInfo{Name: "EURUSD", Visible: true, Point: 0.00001, Digits: 5, StopsLevel: 50, VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, FillingMode: uint32(terminal.FillingIOC)},
		terminal.Tick{Bid: 1.10000, Ask: 1.10020})
	exec, _ := newTestExecutor(fake)

	res, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1, StopLoss: ptr(1.1000), TakeProfit: ptr(1.0900)})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	req := fake.Requests()[0]
	if !almost(req.SL, 1.0997) {
		t.Errorf("expected stop loss pushed to min distance, got %v", req.SL)
	}
	if req.TP != 0 || res.TakeProfit != nil {
		t.Errorf("expected wrong-side take profit dropped, got %v", req.TP)
	}
	if len(res.Adjustments) != 2 {
		t.Errorf("expected two adjustments, got %+v", res.Adjustments)
	}
}

func TestOpen_ValidationBeforeTerminal(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, conn := newTestExecutor(fake)

	intents := []Intent{
		{Symbol: "", Side: terminal.SideBuy, Volume: 0.1},
		{Symbol: "EURUSD", Side: "long", Volume: 0.1},
		{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0},
		{Symbol: "EURUSD", Side: terminal.SideBuy, Kind: KindLimit, Volume: 0.1},
		{Symbol: "EURUSD", Side: terminal.SideBuy, Kind: "iceberg", Volume: 0.1},
	}
	for _, in := range intents {
		_, err := exec.Open(context.Background(), in)
		requireKind(t, err, errs.KindValidation)
	}
	if len(conn.calls) != 0 || len(fake.Calls()) != 0 {
		t.Fatalf("validation failures must not touch the terminal: %v %v", conn.calls, fake.Calls())
	}
}

func TestOpen_VolumeRejectedWithoutSubmit(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.001})
	e := requireKind(t, err, errs.KindValidation)
	if e.Code != errs.CodeInvalidVolume {
		t.Errorf("expected volume error code, got %d", e.Code)
	}
	if fake.CallCount("OrderSend") != 0 {
		t.Fatalf("expected no submission")
	}
}

func TestOpen_RequireStopLoss(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec := NewExecutor(&mockConnector{}, fake, symbol.NewResolver(fake, nil), Options{RequireStopLoss: true}, nil)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	requireKind(t, err, errs.KindValidation)

	if _, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1, StopLoss: ptr(1.09)}); err != nil {
		t.Fatalf("Open with stop loss returned error: %v", err)
	}
}

func TestOpen_ConnectionAndSymbolFailuresAreDistinct(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, conn := newTestExecutor(fake)

	conn.err = errs.New(errs.KindConnection, errs.CodeConnection, "终端未授权")
	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	if e := requireKind(t, err, errs.KindConnection); !e.Kind.Transient() {
		t.Errorf("connection failure should be transient")
	}

	conn.err = nil
	_, err = exec.Open(context.Background(), Intent{Symbol: "NOPE", Side: terminal.SideBuy, Volume: 0.1})
	if e := requireKind(t, err, errs.KindSymbolNotFound); !e.Kind.ClientSide() {
		t.Errorf("symbol failure should be client side")
	}
}

func TestOpen_MissingTickFailsWholeAttempt(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	delete(fake.TickTable, "EURUSD")
	exec, _ := newTestExecutor(fake)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	e := requireKind(t, err, errs.KindConnection)
	if e.Code != errs.CodeMarketData {
		t.Errorf("expected market data code, got %d", e.Code)
	}
	if fake.CallCount("OrderSend") != 0 {
		t.Fatalf("expected no submission")
	}
}

type panickyTerminal struct {
	*terminaltest.Fake
}

func (p panickyTerminal) SymbolInfoTick(context.Context, string) (*terminal.Tick, error) {
	panic("tick decoder exploded")
}

func TestOpen_PanicBecomesInternalError(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	term := panickyTerminal{fake}
	exec := NewExecutor(&mockConnector{}, term, symbol.NewResolver(term, nil), Options{}, nil)

	_, err := exec.Open(context.Background(), Intent{Symbol: "EURUSD", Side: terminal.SideBuy, Volume: 0.1})
	e := requireKind(t, err, errs.KindInternal)
	if strings.Contains(e.Error(), "exploded") {
		t.Errorf("panic value must not leak to caller: %v", e)
	}
}

func openBuyPosition(f *terminaltest.Fake, volume float64) {
	f.OpenPositions = []terminal.Position{{
		Ticket:    501,
		Symbol:    "EURUSD",
		Type:      terminal.OrderTypeBuy,
		Volume:    volume,
		PriceOpen: 1.10000,
		SL:        1.09000,
		TP:        1.12000,
	}}
}

func TestPartialClose_RedirectsToFullClose(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingIOC, 0.1)
	openBuyPosition(fake, 0.10)
	exec, _ := newTestExecutor(fake)

	res, err := exec.PartialClose(context.Background(), 501, 60)
	if err != nil {
		t.Fatalf("PartialClose returned error: %v", err)
	}
	if !res.Redirected || !almost(res.VolumeClosed, 0.10) || res.RemainingVolume != 0 {
		t.Fatalf("expected redirect to full close, got %+v", res)
	}
	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected a single close submission, got %d", len(reqs))
	}
	if !almost(reqs[0].Volume, 0.10) || reqs[0].Position != 501 || reqs[0].Type != terminal.OrderTypeSell {
		t.Fatalf("expected full opposing close, got %+v", reqs[0])
	}
}

func TestPartialClose_ClosesFraction(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingIOC, 0.01)
	openBuyPosition(fake, 0.10)
	exec, _ := newTestExecutor(fake)

	res, err := exec.PartialClose(context.Background(), 501, 50)
	if err != nil {
		t.Fatalf("PartialClose returned error: %v", err)
	}
	if res.Redirected || !almost(res.VolumeClosed, 0.05) || !almost(res.RemainingVolume, 0.05) {
		t.Fatalf("unexpected partial close: %+v", res)
	}
	req := fake.Requests()[0]
	if req.Type != terminal.OrderTypeSell || !almost(req.Price, 1.10000) || req.Position != 501 {
		t.Fatalf("unexpected close request: %+v", req)
	}
}

func TestPartialClose_RejectsPercentBeforeConnecting(t *testing.T) {
	fake := terminaltest.New()
	exec, conn := newTestExecutor(fake)

	for _, pct := range []float64{0, -5, 100, 150} {
		_, err := exec.PartialClose(context.Background(), 501, pct)
		requireKind(t, err, errs.KindValidation)
	}
	if len(conn.calls) != 0 {
		t.Fatalf("expected no connection attempts, got %v", conn.calls)
	}
}

func TestClose_NotFoundAndFillingFallback(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, _ := newTestExecutor(fake)

	_, err := exec.Close(context.Background(), 501)
	requireKind(t, err, errs.KindNotFound)

	openBuyPosition(fake, 0.30)
	fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidFill, "Unsupported filling mode"), terminaltest.Done(501, 1.09998))
	res, err := exec.Close(context.Background(), 501)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if res.FillingMode != "RETURN" || !almost(res.Price, 1.09998) || !almost(res.Volume, 0.30) {
		t.Fatalf("unexpected close result: %+v", res)
	}
}

func TestModify_KeepsOmittedFieldAndAdjusts(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	openBuyPosition(fake, 0.10)
	exec, _ := newTestExecutor(fake)

	res, err := exec.Modify(context.Background(), ModifyRequest{Ticket: 501, TakeProfit: ptr(1.10005)})
	if err != nil {
		t.Fatalf("Modify returned error: %v", err)
	}
	req := fake.Requests()[0]
	if req.Action != terminal.ActionSLTP || req.Position != 501 {
		t.Fatalf("expected SLTP modification, got %+v", req)
	}
	if !almost(req.SL, 1.09000) {
		t.Errorf("omitted stop loss should keep current value, got %v", req.SL)
	}
	if !almost(req.TP, 1.10010) || res.TakeProfit == nil || !almost(*res.TakeProfit, 1.10010) {
		t.Errorf("take profit should be pushed to min distance from entry, got %v", req.TP)
	}
}

func TestModify_Errors(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, _ := newTestExecutor(fake)

	_, err := exec.Modify(context.Background(), ModifyRequest{Ticket: 501})
	requireKind(t, err, errs.KindValidation)

	_, err = exec.Modify(context.Background(), ModifyRequest{Ticket: 501, StopLoss: ptr(1.09)})
	requireKind(t, err, errs.KindNotFound)

	openBuyPosition(fake, 0.10)
	fake.QueueSend(terminaltest.Reject(terminal.RetcodeInvalidStops, "Invalid stops"))
	_, err = exec.Modify(context.Background(), ModifyRequest{Ticket: 501, StopLoss: ptr(1.095)})
	e := requireKind(t, err, errs.KindBrokerRejection)
	if e.Code != int(terminal.RetcodeInvalidStops) {
		t.Errorf("expected broker retcode, got %d", e.Code)
	}
}

func TestCancel(t *testing.T) {
	fake := terminaltest.New()
	addEURUSD(fake, terminal.FillingFOK, 0.01)
	exec, _ := newTestExecutor(fake)

	_, err := exec.Cancel(context.Background(), 601)
	requireKind(t, err, errs.KindNotFound)

	fake.PendingOrders = []terminal.Order{{Ticket: 601, Symbol: "EURUSD", Type: terminal.OrderTypeSellStop, VolumeCurrent: 0.2, PriceOpen: 1.09}}
	res, err := exec.Cancel(context.Background(), 601)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if res.Kind != KindStop || res.Symbol != "EURUSD" {
		t.Fatalf("unexpected cancel result: %+v", res)
	}
	req := fake.Requests()[0]
	if req.Action != terminal.ActionRemove || req.Order != 601 {
		t.Fatalf("expected remove request, got %+v", req)
	}
}

func TestComment_TruncatedToTerminalLimit(t *testing.T) {
	exec := NewExecutor(&mockConnector{}, terminaltest.New(), nil, Options{CommentPrefix: "te"}, nil)
	got := exec.comment(strings.Repeat("x", 40))
	if len(got) != maxCommentLen || !strings.HasPrefix(got, "te-x") {
		t.Fatalf("unexpected comment %q", got)
	}
	if exec.comment("") != "te" {
		t.Fatalf("expected bare prefix for empty strategy")
	}
}

func TestComment_TruncatesOnRuneBoundary(t *testing.T) {
	exec := NewExecutor(&mockConnector{}, terminaltest.New(), nil, Options{CommentPrefix: "te"}, nil)
	// 每个汉字 3 字节，第 31 字节落在第十个字中间
	got := exec.comment(strings.Repeat("趋势", 5))
	if !utf8.ValidString(got) {
		t.Fatalf("comment is not valid utf-8: %q", got)
	}
	if want := "te-" + strings.Repeat("趋势", 4) + "趋"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
