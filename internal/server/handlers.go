package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/middleware"
	"github.com/nmestad/pairlink/internal/models"
)

// tokenTTL is how long a login token stays valid.
const tokenTTL = 24 * time.Hour

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login issues the bearer token the history API requires. Demo issuance:
// any credentials are accepted and the username becomes the user id; swap in
// a real user store before exposing this beyond development.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		token, expiresAt, err := middleware.IssueToken(jwtSecret, req.Username, tokenTTL)
		if err != nil {
			logging.Errorf("hubserver: sign token for %s: %v", req.Username, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			UserID:    req.Username,
			ExpiresAt: expiresAt,
		})
	}
}

// ChatMessages serves the conversation between the authenticated user and
// the peer named by the RecevierId query (the query key is the wire
// contract). Requires the JWT middleware to have stored user_id.
func ChatMessages(store HistoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get(middleware.UserIDKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, models.HistoryResponse{IsSuccess: false, Data: []models.Message{}})
			return
		}

		peerID := c.Query("RecevierId")
		if peerID == "" {
			c.JSON(http.StatusBadRequest, models.HistoryResponse{IsSuccess: false, Data: []models.Message{}})
			return
		}

		msgs, err := store.Conversation(c.Request.Context(), userID.(string), peerID)
		if err != nil {
			logging.Errorf("hubserver: load history: %v", err)
			c.JSON(http.StatusInternalServerError, models.HistoryResponse{IsSuccess: false, Data: []models.Message{}})
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		c.JSON(http.StatusOK, models.HistoryResponse{IsSuccess: true, Data: msgs})
	}
}
