package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/engine"
	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

type listOperationsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=active paused closed error"`
}

type listOrdersQuery struct {
	listQuery
	Status string `form:"status" binding:"omitempty,oneof=PENDING PARTIALLY_FILLED FILLED CANCELLED REJECTED"`
}

type listBarsQuery struct {
	listQuery
	BarSize string `form:"bar_size"`
}

type positionsQuery struct {
	Open bool `form:"open"`
}

type alertsQuery struct {
	Limit    int    `form:"limit"`
	Severity string `form:"severity" binding:"omitempty,oneof=info warning critical"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine and order errors to HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOperationNotFound):
		respondError(c, http.StatusNotFound, "OPERATION_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrPositionNotFound):
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, engine.ErrOperationNotActive),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, engine.ErrOperationClosed),
		errors.Is(err, db.ErrOrderFinal):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, order.ErrRejected):
		respondError(c, http.StatusUnprocessableEntity, "ORDER_REJECTED", err.Error())
	default:
		s.Log.Error("engine call failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// --- System ---

func (s *Server) health(c *gin.Context) {
	h := s.Engine.Health(c.Request.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Metrics())
}

func (s *Server) getAlerts(c *gin.Context) {
	var q alertsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	c.JSON(http.StatusOK, gin.H{"alerts": s.Engine.Alerts(q.Limit, monitor.Severity(q.Severity))})
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.Engine.Strategies()})
}

func (s *Server) getOverallStats(c *gin.Context) {
	st, err := s.Engine.OverallStats(c.Request.Context())
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// --- Operations ---

func (s *Server) createOperation(c *gin.Context) {
	var req engine.CreateOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	op, err := s.Engine.StartOperation(c.Request.Context(), req)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, op)
}

func (s *Server) listOperations(c *gin.Context) {
	var q listOperationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	ops, err := s.Engine.ListOperations(c.Request.Context(), q.Status)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if ops == nil {
		ops = []db.TradingOperation{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) getOperation(c *gin.Context) {
	op, err := s.Engine.GetOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) stopOperation(c *gin.Context) {
	s.command(c, s.Engine.StopOperation, db.OperationClosed)
}

func (s *Server) pauseOperation(c *gin.Context) {
	s.command(c, s.Engine.PauseOperation, db.OperationPaused)
}

func (s *Server) resumeOperation(c *gin.Context) {
	s.command(c, s.Engine.ResumeOperation, db.OperationActive)
}

func (s *Server) command(c *gin.Context, fn func(ctx context.Context, id string) error, status string) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

func (s *Server) getPositions(c *gin.Context) {
	var q positionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	positions, err := s.Engine.Positions(c.Request.Context(), c.Param("id"), q.Open)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) closePosition(c *gin.Context) {
	o, err := s.Engine.ClosePosition(c.Request.Context(), c.Param("id"), c.Param("pid"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, o)
}

func (s *Server) getTransactions(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	txs, err := s.Engine.Transactions(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if txs == nil {
		txs = []db.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (s *Server) getTrades(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	trades, err := s.Engine.Trades(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	orders, err := s.Engine.Orders(c.Request.Context(), c.Param("id"), q.Status, q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if orders == nil {
		orders = []db.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.Engine.CancelOrder(c.Request.Context(), c.Param("id"), c.Param("oid"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getBars(c *gin.Context) {
	var q listBarsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	bars, err := s.Engine.Bars(c.Request.Context(), c.Param("id"), q.BarSize, q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if bars == nil {
		bars = []db.Bar{}
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars})
}

func (s *Server) getJournal(c *gin.Context) {
	q, ok := bindList(c)
	if !ok {
		return
	}
	entries, err := s.Engine.Journal(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if entries == nil {
		entries = []db.JournalEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) getStats(c *gin.Context) {
	st, err := s.Engine.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func bindList(c *gin.Context) (listQuery, bool) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return q, false
	}
	q.normalize()
	return q, true
}
