package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"perp-core/internal/risk"
	"perp-core/internal/signal"
	"perp-core/pkg/cache"
	"perp-core/pkg/db"
	"perp-core/pkg/exchanges/common"
)

type fakeGateway struct {
	filters   common.SymbolFilters
	submit    func(common.OrderRequest) (common.OrderResult, error)
	cancelAck common.OrderResult
	submitted []common.OrderRequest
	cancelled []string
}

func (f *fakeGateway) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.submitted = append(f.submitted, req)
	if f.submit != nil {
		return f.submit(req)
	}
	return common.OrderResult{OrderID: "ord-1", Status: common.StatusNew}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _, orderID string) (common.OrderResult, error) {
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelAck, nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeGateway) SetMarginType(context.Context, string, string) error { return nil }

func (f *fakeGateway) MarkPrice(context.Context, string) (float64, error) { return 100, nil }
func (f *fakeGateway) OpenPositions(context.Context) ([]common.RemotePosition, error) {
	return nil, nil
}
func (f *fakeGateway) SymbolFilters(context.Context, string) (common.SymbolFilters, error) {
	return f.filters, nil
}

// fakeStore backs both the executor's persistence and the gate's ledger.
type fakeStore struct {
	signalStatus map[string]string
	opened       []db.Position
	trades       []db.Trade
	closed       []string
	closeReasons []string
	manual       []string
	riskEvents   []db.RiskEvent
	openTotal    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{signalStatus: map[string]string{}}
}

func (f *fakeStore) UpdateSignalStatus(_ context.Context, id, status, reason string) error {
	f.signalStatus[id] = status + ":" + reason
	return nil
}

func (f *fakeStore) OpenPositionTx(_ context.Context, pos db.Position, trade db.Trade) error {
	f.opened = append(f.opened, pos)
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeStore) ClosePositionTx(_ context.Context, positionID string, _, _, _ float64, reason string) error {
	f.closed = append(f.closed, positionID)
	f.closeReasons = append(f.closeReasons, reason)
	return nil
}

func (f *fakeStore) SetManualIntervention(_ context.Context, id string) error {
	f.manual = append(f.manual, id)
	return nil
}

func (f *fakeStore) CreateRiskEvent(_ context.Context, ev db.RiskEvent) error {
	f.riskEvents = append(f.riskEvents, ev)
	return nil
}

func (f *fakeStore) SumRealizedPnLSince(context.Context, time.Time) (float64, error) { return 0, nil }
func (f *fakeStore) SumUnrealizedPnL(context.Context) (float64, error)               { return 0, nil }
func (f *fakeStore) CountActivePositions(_ context.Context, symbol, _ string) (int, error) {
	if symbol == "" {
		return f.openTotal, nil
	}
	return 0, nil
}

func btcFilters() common.SymbolFilters {
	return common.SymbolFilters{
		Symbol:      "BTCUSDT",
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 5,
	}
}

func testSignal() signal.Signal {
	return signal.Signal{
		ID:          "sig-1",
		Symbol:      "BTCUSDT",
		Direction:   signal.Long,
		EntryPrice:  100,
		StopPrice:   98,
		TP1Price:    103,
		TP2Price:    106,
		Leverage:    5,
		MarginUSD:   50,
		StrategyTag: "BoxRange",
		CreatedAt:   time.Now().UTC(),
	}
}

func newTestExecutor(gw *fakeGateway, store *fakeStore) (*Executor, *PendingStore) {
	counters := risk.NewCounters(cache.NewMemory(), time.Hour, time.Hour, nil)
	gate := risk.NewGate(risk.Limits{}, counters, store, nil, nil)
	pending := NewPendingStore(cache.NewMemory(), time.Hour)
	exec := New(Config{
		MakerOffsetPct:   0.0005,
		ProtectAttempts:  3,
		WidenStepPct:     0.003,
		ExecutionEnabled: true,
	}, gw, gate, pending, store, nil, nil)
	return exec, pending
}

func TestExecutePlacesMakerEntry(t *testing.T) {
	gw := &fakeGateway{filters: btcFilters()}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	if err := exec.Execute(context.Background(), testSignal()); err != nil {
		t.Fatal(err)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("submitted %d orders, want 1", len(gw.submitted))
	}
	req := gw.submitted[0]
	if req.Type != common.OrderTypeLimit || req.Side != common.SideBuy {
		t.Fatalf("entry = %s %s, want LIMIT BUY", req.Type, req.Side)
	}
	// 100 * (1 - 0.0005) on a 0.01 tick.
	if math.Abs(req.Price-99.95) > 1e-9 {
		t.Fatalf("limit price = %v, want 99.95", req.Price)
	}
	// 50 USD * 5x / 100 floored to 0.001.
	if math.Abs(req.Qty-2.5) > 1e-9 {
		t.Fatalf("qty = %v, want 2.5", req.Qty)
	}

	po, claimed, err := pending.Claim(context.Background(), "ord-1")
	if err != nil || !claimed {
		t.Fatalf("pending order not stored: claimed=%v err=%v", claimed, err)
	}
	if po.Signal.ID != "sig-1" {
		t.Fatalf("pending carries signal %s", po.Signal.ID)
	}
}

func TestExecuteDisabledLogsOnly(t *testing.T) {
	gw := &fakeGateway{filters: btcFilters()}
	store := newFakeStore()
	exec, _ := newTestExecutor(gw, store)
	exec.cfg.ExecutionEnabled = false

	if err := exec.Execute(context.Background(), testSignal()); err != nil {
		t.Fatal(err)
	}
	if len(gw.submitted) != 0 {
		t.Fatal("disabled executor must not touch the exchange")
	}
	if got := store.signalStatus["sig-1"]; got != "REJECTED:EXECUTION_DISABLED" {
		t.Fatalf("signal status = %s", got)
	}
}

func TestExecuteGateRejection(t *testing.T) {
	gw := &fakeGateway{filters: btcFilters()}
	store := newFakeStore()
	store.openTotal = 2
	counters := risk.NewCounters(cache.NewMemory(), time.Hour, time.Hour, nil)
	gate := risk.NewGate(risk.Limits{MaxOpenPositions: 2}, counters, store, nil, nil)
	pending := NewPendingStore(cache.NewMemory(), time.Hour)
	exec := New(Config{ExecutionEnabled: true}, gw, gate, pending, store, nil, nil)

	if err := exec.Execute(context.Background(), testSignal()); err != nil {
		t.Fatal(err)
	}
	if len(gw.submitted) != 0 {
		t.Fatal("rejected signal must not place orders")
	}
	if got := store.signalStatus["sig-1"]; !strings.HasPrefix(got, "REJECTED:") {
		t.Fatalf("signal status = %s", got)
	}
}

func TestExecuteBelowMinNotional(t *testing.T) {
	gw := &fakeGateway{filters: common.SymbolFilters{
		TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 1000,
	}}
	store := newFakeStore()
	exec, _ := newTestExecutor(gw, store)

	if err := exec.Execute(context.Background(), testSignal()); err != nil {
		t.Fatal(err)
	}
	if len(gw.submitted) != 0 {
		t.Fatal("undersized order must not reach the exchange")
	}
	if got := store.signalStatus["sig-1"]; got != "REJECTED:BELOW_MIN_NOTIONAL" {
		t.Fatalf("signal status = %s", got)
	}
}

func TestHandleFillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}

	if err := exec.HandleFill(ctx, "ord-9", 101, 2.5); err != nil {
		t.Fatal(err)
	}
	if len(store.opened) != 1 {
		t.Fatalf("opened %d positions, want 1", len(store.opened))
	}

	// A replayed fill event finds no claim and does nothing.
	if err := exec.HandleFill(ctx, "ord-9", 101, 2.5); err != nil {
		t.Fatal(err)
	}
	if len(store.opened) != 1 {
		t.Fatalf("duplicate fill opened a second position")
	}
}

func TestFillRecomputesBracketFromActualFill(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	// Signal said entry 100 / stop 98 (2%); fill at 101 keeps the 2%.
	if err := exec.HandleFill(ctx, "ord-9", 101, 2.5); err != nil {
		t.Fatal(err)
	}

	pos := store.opened[0]
	if math.Abs(pos.StopPrice-98.98) > 1e-9 {
		t.Fatalf("stop = %v, want 98.98", pos.StopPrice)
	}
	if math.Abs(pos.TP1Price-104.03) > 1e-9 {
		t.Fatalf("tp1 = %v, want 104.03", pos.TP1Price)
	}
	if math.Abs(pos.TP2Price-107.06) > 1e-9 {
		t.Fatalf("tp2 = %v, want 107.06", pos.TP2Price)
	}
	if pos.EntryPrice != 101 {
		t.Fatalf("entry = %v, want 101", pos.EntryPrice)
	}
}

func TestRecomputeLevelsShort(t *testing.T) {
	sig := signal.Signal{
		Direction:  signal.Short,
		EntryPrice: 200,
		StopPrice:  204,
		TP1Price:   194,
		TP2Price:   188,
	}
	lv := RecomputeLevels(sig, 198)
	if math.Abs(lv.Stop-201.96) > 1e-9 {
		t.Fatalf("stop = %v, want 201.96", lv.Stop)
	}
	if math.Abs(lv.TP1-192.03) > 1e-9 {
		t.Fatalf("tp1 = %v, want 192.03", lv.TP1)
	}
}

func TestProtectionWidensStopOnRetry(t *testing.T) {
	ctx := context.Background()
	var stopPrices []float64
	failures := 2
	gw := &fakeGateway{filters: btcFilters()}
	gw.submit = func(req common.OrderRequest) (common.OrderResult, error) {
		if req.Type == common.OrderTypeStopMarket {
			stopPrices = append(stopPrices, req.StopPrice)
			if failures > 0 {
				failures--
				return common.OrderResult{}, errors.New("would trigger immediately")
			}
		}
		return common.OrderResult{OrderID: "ord-" + string(req.Type), Status: common.StatusNew}, nil
	}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	if err := exec.HandleFill(ctx, "ord-9", 100, 2.5); err != nil {
		t.Fatal(err)
	}

	if len(stopPrices) != 3 {
		t.Fatalf("stop attempts = %d, want 3", len(stopPrices))
	}
	// Each retry moves the stop strictly further from entry.
	for i := 1; i < len(stopPrices); i++ {
		if stopPrices[i] >= stopPrices[i-1] {
			t.Fatalf("stop attempt %d (%v) not wider than %v", i, stopPrices[i], stopPrices[i-1])
		}
	}
	if len(store.opened) != 1 {
		t.Fatal("position should open once the stop lands")
	}
	if store.opened[0].StopPrice != stopPrices[2] {
		t.Fatalf("persisted stop %v, want final placed %v", store.opened[0].StopPrice, stopPrices[2])
	}
}

func TestProtectionExhaustedTriggersEmergencyClose(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	gw.submit = func(req common.OrderRequest) (common.OrderResult, error) {
		switch req.Type {
		case common.OrderTypeStopMarket:
			return common.OrderResult{}, errors.New("rejected")
		case common.OrderTypeMarket:
			return common.OrderResult{OrderID: "close-1", Status: common.StatusFilled, AvgFillPrice: 99.5}, nil
		}
		return common.OrderResult{OrderID: "x", Status: common.StatusNew}, nil
	}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	err := exec.HandleFill(ctx, "ord-9", 100, 2.5)
	if err == nil {
		t.Fatal("expected an error reporting the emergency close")
	}
	if len(store.closed) != 1 || store.closeReasons[0] != db.CloseReasonEmergency {
		t.Fatalf("close = %v %v, want one EMERGENCY_CLOSE", store.closed, store.closeReasons)
	}
	if len(store.riskEvents) != 1 || store.riskEvents[0].EventType != db.RiskEventEmergencyClose {
		t.Fatalf("risk events = %+v", store.riskEvents)
	}
	if len(store.manual) != 0 {
		t.Fatal("clean emergency close must not flag manual intervention")
	}
}

func TestEmergencyCloseFailureFlagsManualIntervention(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	gw.submit = func(req common.OrderRequest) (common.OrderResult, error) {
		if req.Type == common.OrderTypeLimit {
			return common.OrderResult{OrderID: "ord-9", Status: common.StatusNew}, nil
		}
		return common.OrderResult{}, errors.New("exchange down")
	}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	err := exec.HandleFill(ctx, "ord-9", 100, 2.5)
	if err == nil {
		t.Fatal("expected an error for the exposed position")
	}
	if len(store.manual) != 1 {
		t.Fatalf("manual interventions = %v, want the exposed position", store.manual)
	}
	if len(store.riskEvents) != 1 || store.riskEvents[0].EventType != db.RiskEventManualIntervention {
		t.Fatalf("risk events = %+v", store.riskEvents)
	}
	if len(store.closed) != 0 {
		t.Fatal("position must stay open in the ledger when the close failed")
	}
}

func TestCancelStaleRemovesPendingAndCancels(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	if err := exec.CancelStale(ctx, "ord-9"); err != nil {
		t.Fatal(err)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "ord-9" {
		t.Fatalf("cancelled = %v", gw.cancelled)
	}
	// The claim is gone, so a late fill is ignored.
	if err := exec.HandleFill(ctx, "ord-9", 100, 2.5); err != nil {
		t.Fatal(err)
	}
	if len(store.opened) != 0 {
		t.Fatal("fill after cancel must not open a position")
	}
}

func TestCancelStalePartialFillOpensProtectedPosition(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	// The entry partially executed before the cancel landed.
	gw.cancelAck = common.OrderResult{
		OrderID:      "ord-9",
		Status:       common.StatusCanceled,
		ExecutedQty:  0.8,
		AvgFillPrice: 99.95,
	}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	if err := exec.CancelStale(ctx, "ord-9"); err != nil {
		t.Fatal(err)
	}

	if len(store.opened) != 1 {
		t.Fatalf("opened %d positions, want the partial fill bracketed", len(store.opened))
	}
	pos := store.opened[0]
	if math.Abs(pos.Size-0.8) > 1e-9 {
		t.Fatalf("position size = %v, want the executed 0.8", pos.Size)
	}
	if pos.SLOrderID == "" || pos.TP2OrderID == "" {
		t.Fatalf("partial fill left unprotected: %+v", pos)
	}
	if got := store.signalStatus["sig-1"]; strings.HasPrefix(got, "REJECTED:") {
		t.Fatalf("signal marked %s despite executed quantity", got)
	}
}

func TestCancelStalePartialFillUsesCancelAckPrice(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{filters: btcFilters()}
	gw.cancelAck = common.OrderResult{
		OrderID:      "ord-9",
		Status:       common.StatusCanceled,
		ExecutedQty:  1.0,
		AvgFillPrice: 99.5,
	}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	if err := exec.CancelStale(ctx, "ord-9"); err != nil {
		t.Fatal(err)
	}
	if len(store.opened) != 1 {
		t.Fatalf("opened %d positions, want 1", len(store.opened))
	}
	if store.opened[0].EntryPrice != 99.5 {
		t.Fatalf("entry = %v, want the cancel ack's average 99.5", store.opened[0].EntryPrice)
	}
}

func TestTakeProfitWidensTargetOnRetry(t *testing.T) {
	ctx := context.Background()
	var tp1Prices []float64
	failures := 2
	gw := &fakeGateway{filters: btcFilters()}
	gw.submit = func(req common.OrderRequest) (common.OrderResult, error) {
		if req.Type == common.OrderTypeTakeProfit && strings.HasPrefix(req.ClientID, "tp1-") {
			tp1Prices = append(tp1Prices, req.StopPrice)
			if failures > 0 {
				failures--
				return common.OrderResult{}, errors.New("would trigger immediately")
			}
		}
		return common.OrderResult{OrderID: "ord-" + req.ClientID, Status: common.StatusNew}, nil
	}
	store := newFakeStore()
	exec, pending := newTestExecutor(gw, store)

	po := PendingOrder{OrderID: "ord-9", Signal: testSignal(), Qty: 2.5, LimitPrice: 99.95}
	if err := pending.Put(ctx, po); err != nil {
		t.Fatal(err)
	}
	if err := exec.HandleFill(ctx, "ord-9", 100, 2.5); err != nil {
		t.Fatal(err)
	}

	if len(tp1Prices) != 3 {
		t.Fatalf("tp1 attempts = %d, want 3", len(tp1Prices))
	}
	// Signal TP1 is 103 on a 0.01 tick; each retry steps 0.3% higher.
	want := []float64{103, 103.31, 103.62}
	for i := range want {
		if math.Abs(tp1Prices[i]-want[i]) > 1e-9 {
			t.Fatalf("tp1 attempt %d = %v, want %v", i, tp1Prices[i], want[i])
		}
	}
	for i := 1; i < len(tp1Prices); i++ {
		if tp1Prices[i] <= tp1Prices[i-1] {
			t.Fatalf("tp1 attempt %d (%v) not further from entry than %v", i, tp1Prices[i], tp1Prices[i-1])
		}
	}
	if len(store.opened) != 1 {
		t.Fatal("position should still open with the widened target")
	}
}
