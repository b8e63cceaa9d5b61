package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func seedPosition(id, signalID string) (Position, Trade) {
	pos := Position{
		ID:            id,
		SignalID:      signalID,
		Symbol:        "BTCUSDT",
		Direction:     "LONG",
		StrategyTag:   "breakout",
		EntryPrice:    100.5,
		Size:          5,
		RemainingSize: 5,
		Leverage:      10,
		MarginUSD:     50,
		StopPrice:     98.49,
		TP1Price:      102.51,
		TP2Price:      104.52,
		SLOrderID:     "sl-" + id,
		TP1OrderID:    "tp1-" + id,
		TP2OrderID:    "tp2-" + id,
		Status:        PositionActive,
	}
	trade := Trade{
		ID:         id + "-t",
		PositionID: id,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		MarginUSD:  pos.MarginUSD,
		Status:     TradeOpen,
	}
	return pos, trade
}

func TestSignalLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.CreateSignal(ctx, Signal{
		ID: "s1", Symbol: "BTCUSDT", Direction: "LONG", EntryPrice: 100,
		Leverage: 10, MarginUSD: 50, StrategyTag: "breakout", Status: SignalQueued,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.UpdateSignalStatus(ctx, "s1", SignalRejected, "DAILY_LOSS_LIMIT"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := d.UpdateSignalStatus(ctx, "missing", SignalExpired, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing = %v, want ErrNotFound", err)
	}
}

func TestOpenPositionTxFlipsSignal(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.CreateSignal(ctx, Signal{
		ID: "s1", Symbol: "BTCUSDT", Direction: "LONG", EntryPrice: 100,
		Leverage: 10, MarginUSD: 50, StrategyTag: "breakout", Status: SignalQueued,
	}); err != nil {
		t.Fatalf("create signal: %v", err)
	}

	pos, trade := seedPosition("p1", "s1")
	if err := d.OpenPositionTx(ctx, pos, trade); err != nil {
		t.Fatalf("open tx: %v", err)
	}

	active, err := d.ListActivePositions(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %v/%v, want 1", active, err)
	}
	got := active[0]
	if got.RemainingSize != 5 || got.SLOrderID != "sl-p1" || got.Status != PositionActive {
		t.Fatalf("position = %+v", got)
	}

	byOrder, err := d.GetPositionByProtectiveOrder(ctx, "tp1-p1")
	if err != nil || byOrder.ID != "p1" {
		t.Fatalf("by order = %v/%v", byOrder.ID, err)
	}
	if _, err := d.GetPositionByProtectiveOrder(ctx, "stranger"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown order = %v, want ErrNotFound", err)
	}
}

func TestClosePositionTxIsSingleShot(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	pos, trade := seedPosition("p1", "")
	if err := d.OpenPositionTx(ctx, pos, trade); err != nil {
		t.Fatalf("open tx: %v", err)
	}

	if err := d.ClosePositionTx(ctx, "p1", 104.52, 20.1, 40.2, CloseReasonTP2); err != nil {
		t.Fatalf("close tx: %v", err)
	}
	// The second closer must learn it lost.
	if err := d.ClosePositionTx(ctx, "p1", 104.52, 20.1, 40.2, CloseReasonTP2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second close = %v, want ErrNotFound", err)
	}

	active, err := d.ListActivePositions(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("active after close = %v/%v, want none", active, err)
	}
	trades, err := d.ListRecentTrades(ctx, 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades = %v/%v, want 1", trades, err)
	}
	tr := trades[0]
	if tr.Status != TradeClosed || tr.CloseReason != CloseReasonTP2 || tr.PnL != 20.1 {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestRiskAccountingReads(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	p1, t1 := seedPosition("p1", "")
	p2, t2 := seedPosition("p2", "")
	p2.Symbol, t2.Symbol = "ETHUSDT", "ETHUSDT"
	p2.Direction, t2.Direction = "SHORT", "SHORT"
	if err := d.OpenPositionTx(ctx, p1, t1); err != nil {
		t.Fatalf("open p1: %v", err)
	}
	if err := d.OpenPositionTx(ctx, p2, t2); err != nil {
		t.Fatalf("open p2: %v", err)
	}

	if err := d.UpdatePositionTick(ctx, "p1", -7.5, 2, -7.5); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := d.ClosePositionTx(ctx, "p2", 99, -12.5, -25, CloseReasonStopLoss); err != nil {
		t.Fatalf("close p2: %v", err)
	}

	unreal, err := d.SumUnrealizedPnL(ctx)
	if err != nil || unreal != -7.5 {
		t.Fatalf("unrealized = %.2f/%v, want -7.5", unreal, err)
	}
	realized, err := d.SumRealizedPnLSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || realized != -12.5 {
		t.Fatalf("realized = %.2f/%v, want -12.5", realized, err)
	}
	if realized, _ = d.SumRealizedPnLSince(ctx, time.Now().UTC().Add(time.Hour)); realized != 0 {
		t.Fatalf("future cutoff realized = %.2f, want 0", realized)
	}

	n, err := d.CountActivePositions(ctx, "", "")
	if err != nil || n != 1 {
		t.Fatalf("count all = %d/%v, want 1", n, err)
	}
	if n, _ = d.CountActivePositions(ctx, "BTCUSDT", "LONG"); n != 1 {
		t.Fatalf("count filtered = %d, want 1", n)
	}
	if n, _ = d.CountActivePositions(ctx, "ETHUSDT", ""); n != 0 {
		t.Fatalf("count closed symbol = %d, want 0", n)
	}
}

func TestManualInterventionKeepsPositionActive(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	pos, trade := seedPosition("p1", "")
	if err := d.OpenPositionTx(ctx, pos, trade); err != nil {
		t.Fatalf("open tx: %v", err)
	}
	if err := d.SetManualIntervention(ctx, "p1"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	got, err := d.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ManualIntervention || got.Status != PositionActive {
		t.Fatalf("position = manual %v status %s, want flagged and ACTIVE", got.ManualIntervention, got.Status)
	}
}
