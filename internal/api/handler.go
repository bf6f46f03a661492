// Package api exposes the trading engine over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/engine"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
)

const defaultRequestTimeout = 30 * time.Second

// Config configures the HTTP server.
type Config struct {
	AuthEnabled    bool
	JWTSecret      string
	APIKey         string
	TokenTTL       time.Duration
	RateLimit      float64 // requests per second per client IP; <= 0 disables
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	Log     *zap.Logger
	cfg     Config
	limiter *ipLimiter
	http    *http.Server
}

// NewServer builds the router. Protected routes require a bearer token when
// cfg.AuthEnabled is set.
func NewServer(eng engine.Service, bus *events.Bus, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	r := gin.New()
	s := &Server{
		Router: r,
		Engine: eng,
		Bus:    bus,
		Log:    log.With(zap.String("component", "api")),
		cfg:    cfg,
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Log))
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, int(cfg.RateLimit*2)+1)
		r.Use(RateLimitMiddleware(s.limiter, s.Log))
	}
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.Router.Group("/api")
	{
		api.GET("/health", s.health)
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		if s.cfg.AuthEnabled {
			protected.Use(AuthMiddleware(s.cfg.JWTSecret))
		}
		{
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/alerts", s.getAlerts)
			protected.GET("/ws", s.websocket)
			protected.GET("/strategies", s.getStrategies)
			protected.GET("/stats/overall", s.getOverallStats)

			ops := protected.Group("/operations")
			ops.POST("", s.createOperation)
			ops.GET("", s.listOperations)
			ops.GET("/:id", s.getOperation)
			ops.DELETE("/:id", s.stopOperation)
			ops.POST("/:id/pause", s.pauseOperation)
			ops.POST("/:id/resume", s.resumeOperation)
			ops.GET("/:id/positions", s.getPositions)
			ops.POST("/:id/positions/:pid/close", s.closePosition)
			ops.GET("/:id/transactions", s.getTransactions)
			ops.GET("/:id/trades", s.getTrades)
			ops.GET("/:id/orders", s.getOrders)
			ops.POST("/:id/orders/:oid/cancel", s.cancelOrder)
			ops.GET("/:id/bars", s.getBars)
			ops.GET("/:id/journal", s.getJournal)
			ops.GET("/:id/stats", s.getStats)
		}
	}
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Log.Info("http server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
