// Package server exposes the core services over HTTP: JSON endpoints for
// elements, tasks, dependencies, workflows, worktrees and sessions, plus an
// SSE stream per agent session.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elemental-sh/elemental/internal/common/config"
	"github.com/elemental-sh/elemental/internal/common/logger"
	elementsvc "github.com/elemental-sh/elemental/internal/element/service"
	"github.com/elemental-sh/elemental/internal/repository"
	"github.com/elemental-sh/elemental/internal/session"
	"github.com/elemental-sh/elemental/internal/workflow"
	"github.com/elemental-sh/elemental/internal/worktree"
)

// Services bundles the core handles the HTTP layer adapts. Initialization
// order is the caller's concern (store, element API, cache, then the rest).
type Services struct {
	Elements  *elementsvc.Service
	Workflows *workflow.Service
	Sessions  *session.Manager
	Worktrees *worktree.Manager
	Repo      *repository.Repository
}

// Server is the HTTP front of the daemon.
type Server struct {
	router *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

// New builds the router and wires all handlers.
func New(cfg config.ServerConfig, svcs Services, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "http-server"))

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		router: router,
		log:    log,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
	}
	s.registerRoutes(svcs)
	return s
}

func (s *Server) registerRoutes(svcs Services) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")

	elements := newElementHandlers(svcs.Elements, s.log)
	elements.register(api)

	tasks := newTaskHandlers(svcs.Elements, svcs.Workflows, svcs.Sessions, svcs.Worktrees, s.log)
	tasks.register(api)

	workflows := newWorkflowHandlers(svcs.Workflows, svcs.Elements, s.log)
	workflows.register(api)

	sessions := newSessionHandlers(svcs.Sessions, svcs.Repo, s.log)
	sessions.register(api)

	worktrees := newWorktreeHandlers(svcs.Worktrees, s.log)
	worktrees.register(api)
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()))
		}
	}
}
