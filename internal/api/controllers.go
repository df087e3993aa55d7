package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-engine/internal/engine"
	"strategy-engine/internal/reconciliation"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

type addStrategyRequest struct {
	ID                string  `json:"id"`
	Asset             string  `json:"asset" binding:"required"`
	Timeframe         string  `json:"timeframe" binding:"required"`
	Direction         string  `json:"direction"`
	Length            int     `json:"indicator_length"`
	TradeSizeQuote    float64 `json:"trade_size_quote"`
	Leverage          int     `json:"leverage"`
	StopLossEnabled   bool    `json:"stop_loss_enabled"`
	StopLossMode      string  `json:"stop_loss_mode"`
	StopLossOffsetPct float64 `json:"stop_loss_offset_pct"`
}

func (r addStrategyRequest) spec() engine.Spec {
	return engine.Spec{ID: r.ID, Params: strategy.Params{
		Asset:             r.Asset,
		Timeframe:         r.Timeframe,
		Direction:         strategy.Direction(r.Direction),
		Length:            r.Length,
		TradeSizeQuote:    r.TradeSizeQuote,
		Leverage:          r.Leverage,
		StopLossEnabled:   r.StopLossEnabled,
		StopLossMode:      strategy.StopLossMode(r.StopLossMode),
		StopLossOffsetPct: r.StopLossOffsetPct,
	}}
}

type listTradesQuery struct {
	StrategyID string `form:"strategy_id"`
	Limit      int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type tradeResponse struct {
	ID         string    `json:"id"`
	StrategyID string    `json:"strategy_id"`
	Asset      string    `json:"asset"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

type eventResponse struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type findingResponse struct {
	Kind       string `json:"kind"`
	StrategyID string `json:"strategy_id,omitempty"`
	Asset      string `json:"asset"`
	Detail     string `json:"detail"`
}

type reportResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	Findings  []findingResponse `json:"findings"`
	Notified  int               `json:"notified"`
	Skipped   []string          `json:"skipped,omitempty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps the engine taxonomy onto HTTP.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrExchangeUnavailable):
		status = http.StatusServiceUnavailable
	default:
		s.Log.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	respondError(c, status, engine.Code(err), err.Error())
}

func (s *Server) handle(c *gin.Context, status int, req engine.Request) {
	resp, err := s.Engine.Handle(c.Request.Context(), req)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.Log.Info("admin request",
		zap.String("user", CurrentUserID(c)),
		zap.String("request", requestName(req)),
		zap.String("strategy", resp.ID),
	)
	c.JSON(status, resp)
}

func requestName(req engine.Request) string {
	switch req.(type) {
	case engine.AddRequest:
		return "add"
	case engine.RemoveRequest:
		return "remove"
	case engine.AdjustLengthRequest:
		return "adjust_length"
	case engine.AdjustSizeRequest:
		return "adjust_size"
	case engine.AdjustLeverageRequest:
		return "adjust_leverage"
	case engine.ResumeRequest:
		return "resume"
	}
	return "list"
}

func (s *Server) listStrategies(c *gin.Context) {
	resp, err := s.Engine.Handle(c.Request.Context(), engine.ListRequest{})
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if resp.Strategies == nil {
		resp.Strategies = []strategy.Summary{}
	}
	c.JSON(http.StatusOK, resp.Strategies)
}

func (s *Server) getStrategy(c *gin.Context) {
	sum, err := s.Engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) addStrategy(c *gin.Context) {
	var req addStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_parameter", "asset and timeframe are required")
		return
	}
	s.handle(c, http.StatusCreated, engine.AddRequest{Spec: req.spec()})
}

func (s *Server) removeStrategy(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_parameter", "force must be a boolean")
		return
	}
	s.handle(c, http.StatusOK, engine.RemoveRequest{ID: c.Param("id"), Force: force})
}

func (s *Server) adjustLength(c *gin.Context) {
	var req struct {
		Length int `json:"length" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_parameter", "length is required")
		return
	}
	s.handle(c, http.StatusOK, engine.AdjustLengthRequest{ID: c.Param("id"), Length: req.Length})
}

func (s *Server) adjustSize(c *gin.Context) {
	var req struct {
		SizeUSDT float64 `json:"size_usdt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_parameter", "size_usdt is required")
		return
	}
	s.handle(c, http.StatusOK, engine.AdjustSizeRequest{ID: c.Param("id"), SizeUSDT: req.SizeUSDT})
}

func (s *Server) adjustLeverage(c *gin.Context) {
	var req struct {
		Leverage int `json:"leverage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_parameter", "leverage is required")
		return
	}
	s.handle(c, http.StatusOK, engine.AdjustLeverageRequest{ID: c.Param("id"), Leverage: req.Leverage})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	s.handle(c, http.StatusOK, engine.ResumeRequest{ID: c.Param("id")})
}

func (s *Server) strategyEvents(c *gin.Context) {
	evs, err := s.Engine.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventResponse{From: e.FromState, To: e.ToState, Reason: e.Reason, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) reconcile(c *gin.Context) {
	report, err := s.Engine.Reconcile(c.Request.Context())
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReportResponse(report))
}

func toReportResponse(r reconciliation.Report) reportResponse {
	out := reportResponse{
		Timestamp: r.Timestamp,
		Findings:  make([]findingResponse, 0, len(r.Findings)),
		Notified:  r.Notified,
		Skipped:   r.Skipped,
	}
	for _, f := range r.Findings {
		out.Findings = append(out.Findings, findingResponse{
			Kind:       string(f.Kind),
			StrategyID: f.StrategyID,
			Asset:      f.Asset,
			Detail:     f.Detail,
		})
	}
	return out
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_parameter", "invalid query parameters")
		return
	}
	q.normalize()
	trades, err := s.Engine.Trades(c.Request.Context(), q.StrategyID, q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTradeResponses(trades))
}

func toTradeResponses(trades []db.Trade) []tradeResponse {
	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeResponse{
			ID:         t.ID,
			StrategyID: t.StrategyID,
			Asset:      t.Asset,
			Side:       t.Side,
			Qty:        t.Qty,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			PnL:        t.PnL,
			Reason:     t.Reason,
			OpenedAt:   t.OpenedAt,
			ClosedAt:   t.ClosedAt,
		})
	}
	return out
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()))
}
