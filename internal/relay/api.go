package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pagetrail/pagetrail-go/internal/redis"
)

// LoginRequest represents the operator login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Login issues a JWT for the room-inspection API.
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// In production, validate against an operator credential store.
		userID := req.Username

		claims := JWTClaims{
			UserID: userID,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				NotBefore: jwt.NewNumericDate(time.Now()),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte(jwtSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: userID,
		})
	}
}

// GetRoom returns metadata and current presence for a room. Rooms are
// created implicitly by the first WebSocket join; this endpoint only
// observes them.
func (s *Server) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	var metadata RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &metadata); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse room data"})
		return
	}

	peerCount, _ := redisClient.SCard(ctx, "room:"+roomID+":peers").Result()
	metadata.PeerCount = int(peerCount)

	c.JSON(http.StatusOK, metadata)
}
