package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/guard"
	"github.com/triallabs/trial-guard/internal/handler"
	"github.com/triallabs/trial-guard/internal/healthcheck"
	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/middleware"
	"github.com/triallabs/trial-guard/internal/repository"
	"github.com/triallabs/trial-guard/internal/service"
	"github.com/triallabs/trial-guard/internal/storage"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	guard      *guard.Guard
	ledger     ledger.Ledger
	postgres   *storage.Postgres
	checker    *healthcheck.Checker
	httpServer *http.Server
}

// postgres may be nil when running the memory or redis ledger without the
// review database; the admin surface is only mounted when it is present.
func New(cfg *config.Config, g *guard.Guard, usageLedger ledger.Ledger, postgres *storage.Postgres, checker *healthcheck.Checker) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	s := &Server{
		router:   router,
		config:   cfg,
		guard:    g,
		ledger:   usageLedger,
		postgres: postgres,
		checker:  checker,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.Logger())
}

func (s *Server) setupRoutes() {
	systemHandler := handler.NewSystemHandler(s.checker)
	s.router.GET("/health", systemHandler.Health)

	trialHandler := handler.NewTrialHandler(s.guard)
	trial := s.router.Group("/api/v1/trial")
	trial.Use(middleware.TrialContext())
	{
		trial.POST("/session", trialHandler.CreateSession)
		trial.POST("/session/:id/extend", trialHandler.ExtendSession)
		trial.POST("/generate", trialHandler.Generate)
		trial.POST("/project", trialHandler.CreateProject)
	}

	if s.postgres != nil {
		adminRepo := repository.NewAdminRepository(s.postgres)
		visitorRepo := repository.NewVisitorRepository(s.postgres)
		authService := service.NewAdminAuthService(adminRepo, s.config.Admin.JWTSecret, s.config.Admin.ExpiryHours)
		adminHandler := handler.NewAdminHandler(authService, visitorRepo, s.ledger, s.guard.Policy())

		admin := s.router.Group("/api/v1/admin")
		admin.POST("/login", adminHandler.Login)

		protected := admin.Group("")
		protected.Use(middleware.RequireAdmin(authService))
		{
			protected.POST("/register", adminHandler.Register)
			protected.GET("/policy", adminHandler.Policy)
			protected.GET("/visitors/flagged", adminHandler.ListFlagged)
			protected.GET("/visitors/top", adminHandler.TopConsumers)
			protected.GET("/visitors/:origin/:fingerprint/denials", adminHandler.DenialHistory)
			protected.GET("/visitors/:origin/:fingerprint/sessions", adminHandler.SessionHistory)
			protected.POST("/visitors/:origin/:fingerprint/block", adminHandler.Block)
			protected.POST("/visitors/:origin/:fingerprint/unblock", adminHandler.Unblock)
			protected.POST("/visitors/:origin/:fingerprint/clear-flag", adminHandler.ClearFlag)
		}
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
