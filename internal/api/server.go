// Package api exposes the execution core over HTTP: fill confirmation input,
// order and risk snapshots, manual emergency control, metrics, and an event
// stream.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/breaker"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/reconcile"
	"execution-core/internal/registry"
	"execution-core/internal/risk"
)

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	Registry   *registry.Registry
	Risk       *risk.Limiter
	Breaker    *breaker.Breaker
	Engine     *engine.Engine
	Reconciler *reconcile.Service
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed on the status endpoint.
type SystemMeta struct {
	SimulationMode bool   `json:"simulation_mode"`
	Timezone       string `json:"timezone"`
	Version        string `json:"version"`
}

// NewServer builds the router with the standard middleware stack.
func NewServer(bus *events.Bus, reg *registry.Registry, riskLim *risk.Limiter, brk *breaker.Breaker, eng *engine.Engine, rec *reconcile.Service, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        bus,
		Registry:   reg,
		Risk:       riskLim,
		Breaker:    brk,
		Engine:     eng,
		Reconciler: rec,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/orders/pending", s.getPendingOrders)
		api.GET("/orders/filled", s.getFilledOrders)
		api.GET("/risk/status", s.getRiskStatus)
		api.POST("/fills", s.postFill)

		protected := api.Group("", s.AuthRequired())
		{
			protected.POST("/orders", s.postOrders)
			protected.POST("/risk/emergency", s.postEmergency)
			protected.DELETE("/risk/emergency", s.deleteEmergency)
			protected.POST("/reconcile/poll", s.postReconcilePoll)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
