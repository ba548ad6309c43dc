package middleware

import (
	"context"
	"net/http"
	"strings"

	"botfleet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// NodeIDKey is the gin context key holding the authenticated node id
const NodeIDKey = "node_id"

// NodeAuthenticator verifies a node secret
type NodeAuthenticator interface {
	Authenticate(ctx context.Context, nodeID, secret string) error
}

// BearerToken returns the bearer token of the request, or "" when there is none
func BearerToken(c *gin.Context) string {
	return strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
}

// AuthMiddleware simple token authentication middleware for the admin API
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip authentication if API key is not configured
		if apiKey == "" {
			logger.DebugCtx(c.Request.Context(), "API key not configured, skipping auth")
			c.Next()
			return
		}

		if BearerToken(c) != apiKey {
			logger.WarnCtx(c.Request.Context(), "unauthorized request, invalid API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}

// NodeAuthMiddleware authenticates an agent by the :node_id path parameter and its bearer secret
func NodeAuthMiddleware(auth NodeAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("node_id")
		if nodeID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "node_id required in URL path"})
			return
		}

		if err := auth.Authenticate(c.Request.Context(), nodeID, BearerToken(c)); err != nil {
			logger.WarnCtx(c.Request.Context(), "node %s failed authentication: %v", nodeID, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(NodeIDKey, nodeID)
		c.Next()
	}
}
