package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/middleware"
)

// PresenceReader is the read side of the presence registry.
type PresenceReader interface {
	IsOnline(userID string) bool
	OnlineUsers() []string
}

// CommunityFilter narrows user ids to one community.
type CommunityFilter interface {
	ActiveInCommunity(ctx context.Context, communityID string, userIDs []string) ([]string, error)
}

// PresenceHandler serves presence queries over HTTP. Answers are always scoped
// to the caller's community.
type PresenceHandler struct {
	presence PresenceReader
	filter   CommunityFilter
	logger   *slog.Logger
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(presence PresenceReader, filter CommunityFilter, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence: presence,
		filter:   filter,
		logger:   logger.With(slog.String("component", "presence_api")),
	}
}

// ActiveUsers returns online users sharing the caller's community.
func (h *PresenceHandler) ActiveUsers(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	if !id.HasCommunity() {
		c.JSON(http.StatusOK, gin.H{"userIds": []string{}})
		return
	}

	users, err := h.filter.ActiveInCommunity(c.Request.Context(), id.Community(), h.presence.OnlineUsers())
	if err != nil {
		h.logger.Error("list active users", slog.String("userID", id.UserID), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load active users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userIds": users})
}

// UserStatus reports whether one user is online. Users outside the caller's
// community are reported offline.
func (h *PresenceHandler) UserStatus(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	target := c.Param("id")

	online := false
	if id.HasCommunity() && h.presence.IsOnline(target) {
		visible, err := h.filter.ActiveInCommunity(c.Request.Context(), id.Community(), []string{target})
		if err != nil {
			h.logger.Error("check user presence", slog.String("userID", id.UserID), slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load presence"})
			return
		}
		online = len(visible) == 1
	}
	c.JSON(http.StatusOK, gin.H{"userId": target, "online": online})
}
