// Package api exposes the HTTP control surface: signal intake for the
// strategy layer and read endpoints for operators.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"perp-core/internal/events"
	"perp-core/internal/queue"
	"perp-core/internal/risk"
	"perp-core/pkg/db"
)

// Store is the persistence slice the handlers read and write.
type Store interface {
	CreateSignal(ctx context.Context, s db.Signal) error
	ListActivePositions(ctx context.Context) ([]db.Position, error)
	GetPosition(ctx context.Context, id string) (db.Position, error)
	ListRecentTrades(ctx context.Context, limit int) ([]db.Trade, error)
	SumRealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	SumUnrealizedPnL(ctx context.Context) (float64, error)
	CountActivePositions(ctx context.Context, symbol, direction string) (int, error)
}

// Config holds the server's static settings.
type Config struct {
	JWTSecret   string
	OperatorKey string
	TokenExpiry time.Duration
}

// Server wires the HTTP endpoints.
type Server struct {
	router   *gin.Engine
	store    Store
	queue    *queue.Queue
	counters *risk.Counters
	limits   risk.Limits
	bus      *events.Bus
	metrics  http.Handler
	logger   *zap.Logger

	jwtSecret   string
	operatorKey string
	tokenExpiry time.Duration
}

func NewServer(cfg Config, store Store, q *queue.Queue, counters *risk.Counters,
	limits risk.Limits, bus *events.Bus, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = 72 * time.Hour
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware())

	s := &Server{
		router:      r,
		store:       store,
		queue:       q,
		counters:    counters,
		limits:      limits,
		bus:         bus,
		metrics:     metrics,
		logger:      logger,
		jwtSecret:   cfg.JWTSecret,
		operatorKey: cfg.OperatorKey,
		tokenExpiry: cfg.TokenExpiry,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.POST("/execute", s.execute)
			protected.GET("/queue", s.queueStatus)
			protected.GET("/positions", s.listPositions)
			protected.GET("/positions/:id", s.getPosition)
			protected.GET("/trades", s.listTrades)
			protected.GET("/risk/status", s.riskStatus)
			protected.GET("/cooldown/:symbol", s.cooldownStatus)
			protected.DELETE("/cooldown/:symbol", s.clearCooldown)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for tests and for the http.Server in main.
func (s *Server) Handler() http.Handler {
	return s.router
}
