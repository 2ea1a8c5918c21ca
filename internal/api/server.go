package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"botdeck/internal/cache"
	"botdeck/internal/config"
	"botdeck/internal/events"
	"botdeck/internal/instance"
	"botdeck/internal/security"
	"botdeck/internal/store"
	"botdeck/internal/viewer"
)

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	store    *store.Store
	registry *instance.Registry
	pub      *events.Publisher
	cache    *cache.Client
	viewers  *viewer.Manager
	router   *gin.Engine
	limiter  *security.LimiterStore
}

func NewServer(log *slog.Logger, cfg config.Config, st *store.Store, registry *instance.Registry,
	pub *events.Publisher, cacheClient *cache.Client, viewers *viewer.Manager) *Server {
	s := &Server{
		log:      log,
		cfg:      cfg,
		store:    st,
		registry: registry,
		pub:      pub,
		cache:    cacheClient,
		viewers:  viewers,
		router:   gin.New(),
		limiter:  security.NewLimiterStore(rate.Limit(2), 60, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/accounts", s.listAccounts)
		v1.POST("/accounts", s.createAccount)
		v1.PUT("/accounts/:id", s.updateAccount)
		v1.DELETE("/accounts/:id", s.deleteAccount)

		v1.POST("/instances/:id/commands", s.dispatchCommand)
		v1.DELETE("/instances/:id/viewer", s.closeViewer)

		v1.GET("/health", s.health)
	}

	r.GET("/ws", s.attachSubscriber)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
