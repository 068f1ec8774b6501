// Package gateway is the HTTP surface over the orchestrator: task
// submission and tracking, lesson access, progress recording, and the
// integration status view. Handlers translate between HTTP and the
// error kinds; all domain decisions live below.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/orchestrator"
)

// ServerConfig carries the listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	AllowOrigins   []string
	RateLimitRPS   float64
	RateLimitBurst int
	Debug          bool
}

// DefaultServerConfig returns sane listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		AllowOrigins:   []string{"*"},
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// Server is the HTTP gateway.
type Server struct {
	orch       *orchestrator.Orchestrator
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     logging.Logger
	startTime  time.Time
}

// NewServer builds the gateway over an orchestrator.
func NewServer(orch *orchestrator.Orchestrator, cfg ServerConfig, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		orch:   orch,
		engine: engine,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	engine.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	if cfg.RateLimitRPS > 0 {
		engine.Use(rateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: task streams stay open for the task lifetime.
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleSubmitTask)
		tasks.GET("/stats", s.handleTaskStats)
		tasks.GET("/:id", s.handleGetTask)
		tasks.GET("/:id/events", s.handleTaskEvents)
		tasks.GET("/:id/result", s.handleTaskResult)
		tasks.GET("/:id/stream", s.handleTaskStream)
		tasks.POST("/:id/cancel", s.handleCancelTask)
	}

	lessons := api.Group("/lessons")
	{
		lessons.POST("", s.handleCreateLesson)
		lessons.GET("", s.handleGetLesson)
	}

	prog := api.Group("/progress")
	{
		prog.POST("/quiz", s.handleRecordQuiz)
		prog.POST("/lesson-complete", s.handleLessonComplete)
		prog.GET("/:user_id", s.handleGetProgress)
		prog.POST("/:user_id/interventions", s.handleInterventionScan)
	}

	api.GET("/integration/status", s.handleIntegrationStatus)
}

// Handler exposes the router for in-process tests and the harness.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("gateway listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d in %v",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
