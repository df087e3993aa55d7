package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"strategy-engine/internal/engine"
	"strategy-engine/internal/events"
	"strategy-engine/internal/monitor"
)

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Log     *zap.Logger
	Auth    AuthConfig
}

// Options configures NewServer.
type Options struct {
	Engine   engine.Service
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
	Auth     AuthConfig
	// Timeout bounds each request; admin calls that trade may take a while.
	Timeout time.Duration
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	log := opts.Log.With(zap.String("component", "api"))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, opts.Metrics))
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50)))
	r.Use(TimeoutMiddleware(opts.Timeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Engine:  opts.Engine,
		Bus:     opts.Bus,
		Metrics: opts.Metrics,
		Log:     log,
		Auth:    opts.Auth,
	}
	s.routes(opts.Gatherer)
	return s
}

func (s *Server) routes(g prometheus.Gatherer) {
	s.Router.GET("/health", s.health)
	if g != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}
	s.Router.GET("/ws", AuthMiddleware(s.Auth.JWTSecret), s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/system/status", s.getSystemStatus)

			protected.GET("/strategies", s.listStrategies)
			protected.POST("/strategies", s.addStrategy)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.DELETE("/strategies/:id", s.removeStrategy)
			protected.PUT("/strategies/:id/length", s.adjustLength)
			protected.PUT("/strategies/:id/size", s.adjustSize)
			protected.PUT("/strategies/:id/leverage", s.adjustLeverage)
			protected.POST("/strategies/:id/resume", s.resumeStrategy)
			protected.GET("/strategies/:id/events", s.strategyEvents)

			protected.POST("/reconcile", s.reconcile)
			protected.GET("/trades", s.listTrades)
		}
	}
}

// health reports 503 until startup reconciliation finished.
func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status(c.Request.Context())
	if !st.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "strategies": st.Strategies})
}

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
