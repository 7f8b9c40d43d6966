package conversations

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/identity"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/chirino/ai-proxy-monitor/internal/service"
	"github.com/gin-gonic/gin"
)

// conversationItem is one entry of the conversation list.
type conversationItem struct {
	ConversationID   string          `json:"conversationId"`
	Username         string          `json:"username"`
	FirstQuestion    string          `json:"firstQuestion"`
	LastQuestion     string          `json:"lastQuestion"`
	FirstMessageTime model.ISOTime   `json:"firstMessageTime"`
	LastMessageTime  model.ISOTime   `json:"lastMessageTime"`
	MessageCount     int             `json:"messageCount"`
	Model            *string         `json:"model"`
	ClientIP         string          `json:"clientIp"`
	RiskAssessment   json.RawMessage `json:"riskAssessment,omitempty"`
}

// conversationMessage is one message of a conversation detail.
type conversationMessage struct {
	ID             string          `json:"id"`
	Username       string          `json:"username"`
	UserQuestion   string          `json:"userQuestion"`
	ParsedResponse string          `json:"parsedResponse"`
	RequestTime    json.RawMessage `json:"requestTime"`
	RequestID      string          `json:"requestId,omitempty"`
	ClientIP       string          `json:"clientIp"`
	ConversationID string          `json:"conversationId"`
}

type storedMessage struct {
	Username       string          `json:"username"`
	UserQuestion   string          `json:"userQuestion"`
	RawResponse    string          `json:"rawResponse"`
	ParsedResponse string          `json:"parsedResponse"`
	RequestTime    json.RawMessage `json:"requestTime"`
	RequestID      string          `json:"requestId"`
	ClientIP       string          `json:"clientIp"`
}

// MountRoutes mounts the conversation routes under /api/conversations and,
// for existing dashboards, under /api/messages/conversations.
func MountRoutes(r *gin.Engine, store docstore.DocumentStore, cfg *config.Config, risk *service.RiskUpdater) {
	for _, prefix := range []string{"/api/conversations", "/api/messages/conversations"} {
		g := r.Group(prefix)
		g.GET("", func(c *gin.Context) {
			listConversations(c, store, cfg)
		})
		g.GET("/:conversationId", func(c *gin.Context) {
			getConversation(c, store, cfg)
		})
		g.POST("/:conversationId/risk-assessment", func(c *gin.Context) {
			updateRiskAssessment(c, risk)
		})
	}
}

func listConversations(c *gin.Context, store docstore.DocumentStore, cfg *config.Config) {
	ctx := c.Request.Context()
	size := min(max(queryInt(c, "size", 50), 1), cfg.MaxPageSize)
	// Capped so the offset (page-1)*size cannot overflow.
	page := min(max(queryInt(c, "page", 1), 1), math.MaxInt/size)

	query := docstore.MatchAll()
	if username := c.Query("username"); username != "" {
		query = query.WithTerm("username", username)
	}
	if raw := c.Query("riskLevel"); raw != "" {
		level, ok := model.ParseRiskLevel(raw)
		if !ok {
			handleError(c, &docstore.ValidationError{
				Field:    "riskLevel",
				Message:  fmt.Sprintf("riskLevel must be one of %v", model.RiskLevels),
				Received: raw,
			}, "fetch conversations")
			return
		}
		query = query.WithTerm("riskAssessment.overall_risk_level", string(level))
	}

	exists, err := store.IndexExists(ctx, cfg.ConversationsIndex)
	if err != nil {
		handleError(c, err, "fetch conversations")
		return
	}
	if !exists {
		handleError(c, docstore.IndexNotFound(cfg.ConversationsIndex), "fetch conversations")
		return
	}

	res, err := store.Search(ctx, cfg.ConversationsIndex, docstore.SearchRequest{
		Query: query,
		Sort:  []docstore.SortField{docstore.Desc("lastMessageTime")},
		From:  (page - 1) * size,
		Size:  size,
	})
	if err != nil {
		handleError(c, err, "fetch conversations")
		return
	}
	items := make([]conversationItem, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var item conversationItem
		if err := hit.Decode(&item); err != nil {
			handleError(c, fmt.Errorf("decode conversation %s: %w", hit.ID, err), "fetch conversations")
			return
		}
		if item.ConversationID == "" {
			item.ConversationID = hit.ID
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": items,
		"total":         res.Total,
		"page":          page,
		"size":          size,
		"totalPages":    (res.Total + int64(size) - 1) / int64(size),
	})
}

func getConversation(c *gin.Context, store docstore.DocumentStore, cfg *config.Config) {
	ctx := c.Request.Context()
	id := c.Param("conversationId")

	// The substring query narrows the candidates; the extractor decides.
	messages := []conversationMessage{}
	err := store.Scan(ctx, cfg.MessagesIndex, docstore.ScanRequest{
		Query:    docstore.MatchAll().WithContains("rawResponse", id),
		Sort:     []docstore.SortField{docstore.Asc("requestTime")},
		PageSize: cfg.ScanPageSize,
	}, func(page []docstore.Hit) error {
		for _, hit := range page {
			var m storedMessage
			if err := hit.Decode(&m); err != nil {
				continue
			}
			if identity.ConversationID(m.RawResponse) != id {
				continue
			}
			messages = append(messages, conversationMessage{
				ID:             hit.ID,
				Username:       m.Username,
				UserQuestion:   m.UserQuestion,
				ParsedResponse: m.ParsedResponse,
				RequestTime:    m.RequestTime,
				RequestID:      m.RequestID,
				ClientIP:       m.ClientIP,
				ConversationID: id,
			})
		}
		return nil
	})
	if docstore.IsIndexNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Messages index not found", "message": err.Error()})
		return
	}
	if err != nil {
		handleError(c, err, "fetch conversation messages")
		return
	}

	resp := gin.H{
		"conversationId": id,
		"messages":       messages,
		"messageCount":   len(messages),
	}
	hit, err := store.Get(ctx, cfg.ConversationsIndex, id)
	var notFound *docstore.NotFoundError
	switch {
	case err == nil:
		resp["conversation"] = hit.Source
	case errors.As(err, &notFound):
	default:
		handleError(c, err, "fetch conversation messages")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func updateRiskAssessment(c *gin.Context, risk *service.RiskUpdater) {
	var payload any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "message": err.Error()})
		return
	}
	res, err := risk.Update(c.Request.Context(), c.Param("conversationId"), payload)
	if err != nil {
		handleError(c, err, "update risk assessment")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"conversationId": res.ConversationID,
		"riskAssessment": res.RiskAssessment,
		"updatedAt":      res.UpdatedAt,
	})
}

func handleError(c *gin.Context, err error, action string) {
	var notFound *docstore.NotFoundError
	var validation *docstore.ValidationError
	var conflict *docstore.ConflictError

	switch {
	case docstore.IsIndexNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Conversations index not found",
			"message": "Please run sync first using POST /api/sync/sync",
		})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found", "message": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Validation failed",
			"message":  validation.Message,
			"field":    validation.Field,
			"received": validation.Received,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Conflict", "message": err.Error()})
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
