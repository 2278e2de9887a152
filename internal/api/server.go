// Package api is the read-only HTTP surface: the article archive, RSS/Atom
// mirrors of the watched boards, and operational stats.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "dealwatch/pkg/logx"
)

// Config for the HTTP server.
type Config struct {
	Addr  string
	Token string // optional bearer token for the non-public endpoints
}

// Service wraps the gin engine in the usual Start/Stop lifecycle.
type Service struct {
	log logx.Logger
	srv *http.Server
}

func NewService(cfg Config, h *Handler, log logx.Logger) *Service {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8370"
	}
	return &Service{
		log: log.With(logx.String("svc", "api")),
		srv: &http.Server{
			Addr:              addr,
			Handler:           newEngine(h, cfg.Token, log),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (s *Service) Start(_ context.Context) error {
	go func() {
		s.log.Info("api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func newEngine(h *Handler, token string, log logx.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	// Public surface: feeds mirror what the boards already publish.
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/feed/rss.xml", h.FeedRSS)
	r.GET("/feed/atom.xml", h.FeedAtom)
	r.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Archive and ops endpoints, token-gated when a token is configured.
	gated := r.Group("/")
	if strings.TrimSpace(token) != "" {
		gated.Use(authMiddleware(token))
	}
	gated.GET("/articles", h.ListArticles)
	gated.GET("/articles/:source/:id", h.GetArticle)
	gated.GET("/sources", h.ListSources)
	gated.GET("/stats", h.Stats)

	return r
}

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if provided == "" || provided != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
			return
		}
		c.Next()
	}
}
