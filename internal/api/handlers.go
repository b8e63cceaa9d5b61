package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/signal"
	"perp-core/pkg/db"
)

// executeRequest is the signal intake payload.
type executeRequest struct {
	Symbol      string            `json:"symbol"`
	Direction   string            `json:"direction"`
	EntryPrice  float64           `json:"entry_price"`
	StopPrice   float64           `json:"stop_price"`
	TP1Price    float64           `json:"tp1_price"`
	TP2Price    float64           `json:"tp2_price"`
	Leverage    int               `json:"leverage"`
	MarginUSD   float64           `json:"margin_usd"`
	Confidence  float64           `json:"confidence"`
	StrategyTag string            `json:"strategy_tag"`
	Metadata    map[string]string `json:"metadata"`
}

// execute accepts a signal and queues it for staggered dispatch. The
// call returns once the signal is queued; execution is asynchronous.
func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	sig := signal.Signal{
		ID:          uuid.NewString(),
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Direction:   signal.Direction(strings.ToUpper(req.Direction)),
		EntryPrice:  req.EntryPrice,
		StopPrice:   req.StopPrice,
		TP1Price:    req.TP1Price,
		TP2Price:    req.TP2Price,
		Leverage:    req.Leverage,
		MarginUSD:   req.MarginUSD,
		Confidence:  req.Confidence,
		StrategyTag: req.StrategyTag,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := sig.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_SIGNAL",
			"error": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	admitted, err := s.queue.Admit(ctx, sig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "QUEUE_ERROR",
			"error": err.Error(),
		})
		return
	}

	record := toSignalRecord(sig)
	if !admitted {
		record.Status = db.SignalRejected
		record.RejectReason = "DUPLICATE_SYMBOL"
		if err := s.store.CreateSignal(ctx, record); err != nil {
			s.logger.Error("failed to persist duplicate signal", zap.Error(err))
		}
		c.JSON(http.StatusConflict, gin.H{
			"code":  "DUPLICATE_SYMBOL",
			"error": "symbol already has a queued signal",
		})
		return
	}

	record.Status = db.SignalQueued
	if err := s.store.CreateSignal(ctx, record); err != nil {
		s.logger.Error("failed to persist signal", zap.Error(err))
	}
	if s.bus != nil {
		s.bus.Publish(events.EventSignalAdmitted, map[string]any{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
		})
	}

	c.JSON(http.StatusAccepted, gin.H{
		"signal_id": sig.ID,
		"status":    db.SignalQueued,
	})
}

func (s *Server) queueStatus(c *gin.Context) {
	size, err := s.queue.Size(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": size})
}

func (s *Server) listPositions(c *gin.Context) {
	positions, err := s.store.ListActivePositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getPosition(c *gin.Context) {
	pos, err := s.store.GetPosition(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "position not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) listTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	trades, err := s.store.ListRecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// riskStatus reports the gate's live inputs next to its limits.
func (s *Server) riskStatus(c *gin.Context) {
	ctx := c.Request.Context()

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	realized, err := s.store.SumRealizedPnLSince(ctx, midnight)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	unrealized, err := s.store.SumUnrealizedPnL(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	open, err := s.store.CountActivePositions(ctx, "", "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	streak, err := s.counters.ConsecutiveLosses(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	lastLoss, err := s.counters.LastLossAt(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	resp := gin.H{
		"daily_realized_pnl": realized,
		"unrealized_pnl":     unrealized,
		"daily_equity_pnl":   realized + unrealized,
		"open_positions":     open,
		"consecutive_losses": streak,
		"limits": gin.H{
			"max_daily_loss_usd":     s.limits.MaxDailyLossUSD,
			"max_consecutive_losses": s.limits.MaxConsecutiveLosses,
			"loss_cooldown":          s.limits.LossCooldown.String(),
			"max_open_positions":     s.limits.MaxOpenPositions,
			"max_same_direction":     s.limits.MaxSameDirection,
		},
	}
	if !lastLoss.IsZero() {
		resp["last_loss_at"] = lastLoss.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// cooldownStatus reports whether a symbol is sitting out after a close.
func (s *Server) cooldownStatus(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	cooling, err := s.counters.SymbolOnCooldown(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "cooling_down": cooling})
}

// clearCooldown lifts a symbol's post-close sit-out early.
func (s *Server) clearCooldown(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.counters.ClearSymbolCooldown(c.Request.Context(), symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	s.logger.Info("symbol cooldown cleared by operator", zap.String("symbol", symbol))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "cooldown": "cleared"})
}

func toSignalRecord(sig signal.Signal) db.Signal {
	meta := ""
	if len(sig.Metadata) > 0 {
		if raw, err := json.Marshal(sig.Metadata); err == nil {
			meta = string(raw)
		}
	}
	return db.Signal{
		ID:          sig.ID,
		Symbol:      sig.Symbol,
		Direction:   string(sig.Direction),
		EntryPrice:  sig.EntryPrice,
		StopPrice:   sig.StopPrice,
		TP1Price:    sig.TP1Price,
		TP2Price:    sig.TP2Price,
		Leverage:    sig.Leverage,
		MarginUSD:   sig.MarginUSD,
		Confidence:  sig.Confidence,
		StrategyTag: sig.StrategyTag,
		Metadata:    meta,
		CreatedAt:   sig.CreatedAt,
	}
}
