// Package stream consumes the exchange user-data stream and routes
// order fills to the executor (entries) and the monitor (protective
// exits). The stream is the single source of fill truth; REST polling
// is only a reconciliation fallback.
package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	keepAliveEvery   = 30 * time.Minute
	reconnectBackoff = 5 * time.Second
	readTimeout      = 3 * time.Minute
)

// Client is the REST surface the stream needs from the exchange.
type Client interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	StreamHost() string
}

// EntryFills completes pending entry orders.
type EntryFills interface {
	HandleFill(ctx context.Context, orderID string, fillPrice, fillQty float64) error
}

// ProtectiveFills reacts to stop and take-profit executions.
type ProtectiveFills interface {
	HandleProtectiveFill(ctx context.Context, orderID string, fillPrice, fillQty float64) error
}

// UserStream maintains the websocket session and dispatches events.
type UserStream struct {
	client     Client
	entries    EntryFills
	protective ProtectiveFills
	logger     *zap.Logger
}

func NewUserStream(client Client, entries EntryFills, protective ProtectiveFills, logger *zap.Logger) *UserStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserStream{client: client, entries: entries, protective: protective, logger: logger}
}

// Run connects and reconnects until ctx is cancelled. Every reconnect
// provisions a fresh listen key.
func (s *UserStream) Run(ctx context.Context) {
	for {
		if err := s.session(ctx); err != nil {
			s.logger.Warn("user stream session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("user stream stopped")
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "wss", Host: s.client.StreamHost(), Path: "/ws/" + listenKey}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.logger.Info("user stream connected", zap.String("host", s.client.StreamHost()))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.keepAlive(sessionCtx, listenKey)
	go func() {
		// Unblock the reader when the parent context ends.
		<-sessionCtx.Done()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleMessage(ctx, msg)
	}
}

func (s *UserStream) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				s.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// orderTradeUpdate mirrors the exchange's ORDER_TRADE_UPDATE payload.
type orderTradeUpdate struct {
	Data struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		Status        string `json:"X"`
		ExecutionType string `json:"x"`
		OrderID       int64  `json:"i"`
		ClientOrderID string `json:"c"`
		AvgPrice      string `json:"ap"`
		LastPrice     string `json:"L"`
		LastQty       string `json:"l"`
		CumQty        string `json:"z"`
		CumQuote      string `json:"Z"`
	} `json:"o"`
}

func (s *UserStream) handleMessage(ctx context.Context, msg []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		s.logger.Warn("unparseable stream message", zap.Error(err))
		return
	}
	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderUpdate(ctx, msg)
	case "listenKeyExpired":
		s.logger.Warn("listen key expired mid-session")
	}
}

func (s *UserStream) handleOrderUpdate(ctx context.Context, msg []byte) {
	var upd orderTradeUpdate
	if err := json.Unmarshal(msg, &upd); err != nil {
		s.logger.Warn("unparseable order update", zap.Error(err))
		return
	}
	d := upd.Data

	// Only fully filled orders change position state; partial entry
	// fills finish later, and triggered bracket orders fill in one
	// execution.
	if strings.ToUpper(d.ExecutionType) != "TRADE" || strings.ToUpper(d.Status) != "FILLED" {
		return
	}

	orderID := strconv.FormatInt(d.OrderID, 10)
	fillQty := parseFloat(d.CumQty)
	fillPrice := parseFloat(d.AvgPrice)
	if fillPrice == 0 {
		fillPrice = parseFloat(d.LastPrice)
	}
	if fillPrice == 0 && fillQty > 0 {
		if quote := parseFloat(d.CumQuote); quote > 0 {
			fillPrice = quote / fillQty
		}
	}

	s.logger.Debug("order filled",
		zap.String("symbol", d.Symbol),
		zap.String("order_id", orderID),
		zap.String("type", d.OrderType),
		zap.Float64("price", fillPrice),
		zap.Float64("qty", fillQty))

	// Route by claim: the entry handler only acts on orders it is
	// waiting for, the protective handler only on orders it owns.
	// Both ignore strangers, so trying each in turn is safe.
	if err := s.entries.HandleFill(ctx, orderID, fillPrice, fillQty); err != nil {
		s.logger.Error("entry fill handling failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
	if err := s.protective.HandleProtectiveFill(ctx, orderID, fillPrice, fillQty); err != nil {
		s.logger.Error("protective fill handling failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
