package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dealwatch/internal/dispatch"
	"dealwatch/internal/storage"
	logx "dealwatch/pkg/logx"
)

// SourceInfo is the static description of one watched board, shown by
// /sources and /stats.
type SourceInfo struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	URL    string `json:"url"`
	Period string `json:"period"`
}

// Handler serves the read-only endpoints. store may be nil (persistence
// disabled); statsFn may be nil when the dispatcher isn't running.
type Handler struct {
	store   storage.Store
	statsFn func() map[string]dispatch.ChannelStats
	sources []SourceInfo
	log     logx.Logger

	startedAt time.Time
}

func NewHandler(store storage.Store, statsFn func() map[string]dispatch.ChannelStats, sources []SourceInfo, log logx.Logger) *Handler {
	return &Handler{
		store:     store,
		statsFn:   statsFn,
		sources:   sources,
		log:       log,
		startedAt: time.Now(),
	}
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "dealwatch",
		"endpoints": gin.H{
			"articles": "/articles",
			"sources":  "/sources",
			"rss":      "/feed/rss.xml",
			"atom":     "/feed/atom.xml",
			"health":   "/health",
			"stats":    "/stats",
		},
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) ListSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": h.sources})
}

func (h *Handler) Stats(c *gin.Context) {
	out := gin.H{
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"sources": len(h.sources),
	}
	if h.statsFn != nil {
		out["channels"] = h.statsFn()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListArticles(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"articles": []storage.ArchivedArticle{}})
		return
	}

	f := storage.ArticleFilter{
		Source:        c.Query("source"),
		Category:      c.Query("category"),
		Writer:        c.Query("writer"),
		TitleContains: c.Query("q"),
	}
	f.IncludeDeleted = c.Query("include_deleted") == "true"
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		f.Offset = v
	}

	articles, err := h.store.ListArticles(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupported) {
			c.JSON(http.StatusOK, gin.H{"articles": []storage.ArchivedArticle{}})
			return
		}
		h.log.Error("archive query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
		return
	}
	if articles == nil {
		articles = []storage.ArchivedArticle{}
	}
	c.JSON(http.StatusOK, gin.H{"articles": articles, "count": len(articles)})
}

func (h *Handler) GetArticle(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
		return
	}
	articles, err := h.store.ListArticles(c.Request.Context(), storage.ArticleFilter{
		Source:         c.Param("source"),
		ID:             c.Param("id"),
		IncludeDeleted: true,
		Limit:          1,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUnsupported) {
			c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
			return
		}
		h.log.Error("archive query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
		return
	}
	if len(articles) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
		return
	}
	c.JSON(http.StatusOK, articles[0])
}

// feedArticles loads the newest archive rows for the feed endpoints.
func (h *Handler) feedArticles(c *gin.Context) ([]storage.ArchivedArticle, bool) {
	if h.store == nil {
		return nil, true
	}
	articles, err := h.store.ListArticles(c.Request.Context(), storage.ArticleFilter{
		Source: c.Query("source"),
		Limit:  50,
	})
	if err != nil && !errors.Is(err, storage.ErrUnsupported) {
		h.log.Error("feed query failed", logx.Err(err))
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return articles, true
}

func (h *Handler) FeedRSS(c *gin.Context) {
	articles, ok := h.feedArticles(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/rss+xml; charset=utf-8")
	c.String(http.StatusOK, generateRSS(articles, baseURL(c)))
}

func (h *Handler) FeedAtom(c *gin.Context) {
	articles, ok := h.feedArticles(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/atom+xml; charset=utf-8")
	c.String(http.StatusOK, generateAtom(articles, baseURL(c)))
}

func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}
