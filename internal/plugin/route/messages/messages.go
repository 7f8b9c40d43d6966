package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	registrycache "github.com/chirino/ai-proxy-monitor/internal/registry/cache"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const (
	dashboardCacheKey = "dashboard-stats"
	usersCacheKey     = "users"
	maxUsers          = 1000
	recentWindow      = 30 * 24 * time.Hour
)

type messageItem struct {
	ID             string          `json:"id"`
	Username       string          `json:"username"`
	UserQuestion   string          `json:"userQuestion"`
	ParsedResponse string          `json:"parsedResponse"`
	RequestTime    json.RawMessage `json:"requestTime"`
	RequestID      string          `json:"requestId,omitempty"`
	ClientIP       string          `json:"clientIp"`
}

// DashboardStats are the counters shown on the dashboard.
type DashboardStats struct {
	TotalConversations       int64 `json:"totalConversations"`
	TotalMessages            int64 `json:"totalMessages"`
	ConversationsLast30Days  int64 `json:"conversationsLast30Days"`
	CriticalIssuesLast30Days int64 `json:"criticalIssuesLast30Days"`
	HighRiskIssuesLast30Days int64 `json:"highRiskIssuesLast30Days"`
}

// UserCount is one distinct username and how many messages it sent.
type UserCount struct {
	Username string `json:"username"`
	Count    int64  `json:"count"`
}

type handler struct {
	store docstore.DocumentStore
	cfg   *config.Config
	cache registrycache.StatsCache
	now   func() time.Time
}

// MountRoutes mounts the raw message routes under /api/messages.
// statsCache may be nil.
func MountRoutes(r *gin.Engine, store docstore.DocumentStore, cfg *config.Config, statsCache registrycache.StatsCache) {
	h := &handler{store: store, cfg: cfg, cache: statsCache, now: time.Now}

	g := r.Group("/api/messages")
	g.GET("", h.listMessages)
	g.GET("/dashboard/stats", h.dashboardStats)
	g.GET("/users", h.listUsers)
	g.GET("/:id", h.getMessage)
}

func (h *handler) listMessages(c *gin.Context) {
	size := min(max(queryInt(c, "size", 50), 1), h.cfg.MaxPageSize)
	// Capped so the offset (page-1)*size cannot overflow.
	page := min(max(queryInt(c, "page", 1), 1), math.MaxInt/size)

	query := docstore.MatchAll()
	if username := c.Query("username"); username != "" {
		query = query.WithTerm("username", username)
	}
	res, err := h.store.Search(c.Request.Context(), h.cfg.MessagesIndex, docstore.SearchRequest{
		Query: query,
		Sort:  []docstore.SortField{docstore.Desc("requestTime")},
		From:  (page - 1) * size,
		Size:  size,
	})
	if err != nil {
		handleError(c, err, "fetch messages")
		return
	}
	items := make([]messageItem, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var item messageItem
		if err := hit.Decode(&item); err != nil {
			handleError(c, fmt.Errorf("decode message %s: %w", hit.ID, err), "fetch messages")
			return
		}
		item.ID = hit.ID
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":   items,
		"total":      res.Total,
		"page":       page,
		"size":       size,
		"totalPages": (res.Total + int64(size) - 1) / int64(size),
	})
}

func (h *handler) dashboardStats(c *gin.Context) {
	stats, err := registrycache.GetOrCompute(c.Request.Context(), h.cache, dashboardCacheKey, h.cfg.CacheTTL, h.computeDashboard)
	if err != nil {
		handleError(c, err, "fetch dashboard stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// computeDashboard runs the counts concurrently. A missing index counts as empty.
func (h *handler) computeDashboard(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats
	since := model.NewISOTime(h.now().Add(-recentWindow)).String()
	recent := docstore.MatchAll().WithRange("lastMessageTime", since, "")
	const levelField = "riskAssessment.overall_risk_level"

	g, ctx := errgroup.WithContext(ctx)
	count := func(dst *int64, index string, q docstore.Query) {
		g.Go(func() error {
			n, err := h.store.Count(ctx, index, q)
			if docstore.IsIndexNotFound(err) {
				return nil
			}
			*dst = n
			return err
		})
	}
	count(&stats.TotalConversations, h.cfg.ConversationsIndex, docstore.MatchAll())
	count(&stats.TotalMessages, h.cfg.MessagesIndex, docstore.MatchAll())
	count(&stats.ConversationsLast30Days, h.cfg.ConversationsIndex, recent)
	count(&stats.CriticalIssuesLast30Days, h.cfg.ConversationsIndex, recent.WithTerm(levelField, string(model.RiskCritical)))
	count(&stats.HighRiskIssuesLast30Days, h.cfg.ConversationsIndex, recent.WithTerm(levelField, string(model.RiskHigh)))
	if err := g.Wait(); err != nil {
		return DashboardStats{}, err
	}
	return stats, nil
}

func (h *handler) listUsers(c *gin.Context) {
	users, err := registrycache.GetOrCompute(c.Request.Context(), h.cache, usersCacheKey, h.cfg.CacheTTL, func(ctx context.Context) ([]UserCount, error) {
		buckets, err := h.store.Terms(ctx, h.cfg.MessagesIndex, "username", docstore.MatchAll(), maxUsers)
		if err != nil {
			return nil, err
		}
		users := make([]UserCount, len(buckets))
		for i, b := range buckets {
			users[i] = UserCount{Username: b.Key, Count: b.Count}
		}
		return users, nil
	})
	if err != nil {
		handleError(c, err, "fetch users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *handler) getMessage(c *gin.Context) {
	id := c.Param("id")
	hit, err := h.store.Get(c.Request.Context(), h.cfg.MessagesIndex, id)
	if err != nil {
		handleError(c, err, "fetch message")
		return
	}
	var doc map[string]any
	if err := hit.Decode(&doc); err != nil {
		handleError(c, fmt.Errorf("decode message %s: %w", id, err), "fetch message")
		return
	}
	doc["id"] = hit.ID
	c.JSON(http.StatusOK, doc)
}

func handleError(c *gin.Context, err error, action string) {
	var notFound *docstore.NotFoundError

	switch {
	case docstore.IsIndexNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "Messages index not found", "message": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action, "message": err.Error()})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
