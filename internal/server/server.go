// Package server is the HTTP surface: submission intake, leaderboard and
// queue queries, team registration, admin contest control and the
// WebSocket upgrade endpoint.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/auth"
	"github.com/codearena/codearena/internal/config"
	"github.com/codearena/codearena/internal/contest"
	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/judge"
	"github.com/codearena/codearena/internal/leaderboard"
	"github.com/codearena/codearena/internal/observability/metrics"
	"github.com/codearena/codearena/internal/queue"
	"github.com/codearena/codearena/internal/ws"
)

const claimsKey = "auth_claims"

// Server wires the pipeline services behind a gin router.
type Server struct {
	config      *config.Config
	store       database.Store
	judges      *judge.Service
	queue       *queue.Queue
	pool        *queue.Pool
	leaderboard *leaderboard.Controller
	scheduler   *contest.Scheduler
	tokens      *auth.Manager
	gateway     *ws.Gateway
	collector   *metrics.Collector
	logger      *logrus.Logger

	router *gin.Engine
	http   *http.Server
}

// Deps collects the services the server exposes.
type Deps struct {
	Store       database.Store
	Judge       *judge.Service
	Queue       *queue.Queue
	Pool        *queue.Pool
	Leaderboard *leaderboard.Controller
	Scheduler   *contest.Scheduler
	Tokens      *auth.Manager
	Gateway     *ws.Gateway
	Collector   *metrics.Collector
}

// New creates the server and registers all routes.
func New(cfg *config.Config, deps Deps, logger *logrus.Logger) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	s := &Server{
		config:      cfg,
		store:       deps.Store,
		judges:      deps.Judge,
		queue:       deps.Queue,
		pool:        deps.Pool,
		leaderboard: deps.Leaderboard,
		scheduler:   deps.Scheduler,
		tokens:      deps.Tokens,
		gateway:     deps.Gateway,
		collector:   deps.Collector,
		logger:      logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.cors())
	if s.config.Server.RequestLogging {
		router.Use(s.requestLog())
	}

	router.GET("/health", s.handleHealth)
	if s.collector != nil {
		router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	}
	if s.gateway != nil {
		router.GET("/ws", s.gateway.Handle)
	}

	api := router.Group("/api")
	{
		api.POST("/teams/register", s.handleRegisterTeam)
		api.GET("/contests/:id/leaderboard", s.handleLeaderboard)
		api.GET("/queue/status", s.handleQueueStatus)

		team := api.Group("", s.requireRole(auth.RoleTeam))
		{
			team.POST("/submissions", s.handleSubmit)
			team.GET("/submissions/:id", s.handleGetSubmission)
			team.DELETE("/submissions/:id", s.handleCancelSubmission)
		}

		admin := api.Group("/admin", s.requireRole(auth.RoleAdmin))
		{
			admin.POST("/submissions/:id/rejudge", s.handleRejudge)
			admin.POST("/contests/:id/start", s.handleContestAction(s.scheduler.ManualStart))
			admin.POST("/contests/:id/freeze", s.handleContestAction(s.scheduler.ManualFreeze))
			admin.POST("/contests/:id/unfreeze", s.handleContestAction(s.scheduler.ManualUnfreeze))
			admin.POST("/contests/:id/end", s.handleContestAction(s.scheduler.ManualEnd))
			admin.POST("/queue/pause", s.handleQueueToggle(s.queue.Pause))
			admin.POST("/queue/resume", s.handleQueueToggle(s.queue.Resume))
			admin.POST("/queue/clean", s.handleQueueToggle(s.queue.Clean))
		}
	}
	return router
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) cors() gin.HandlerFunc {
	origins := s.config.Server.CORSOrigins
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
					c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					break
				}
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("Request handled")
	}
}

// requireRole authenticates the bearer token and checks its role.
func (s *Server) requireRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
