package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const subjectContextKey = "Subject"

// tokenSubject is the subject of tokens issued against the API key.
const tokenSubject = "operator"

// Claims represents JWT claims for API clients.
type Claims struct {
	jwt.RegisteredClaims
}

func generateToken(subject, secret string, expiresAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.Subject, nil
	}
	return "", errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes. Browsers cannot set
// headers on a websocket handshake, so a token query parameter is accepted too.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondError(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
				return
			}
			tokenStr = parts[1]
		}
		if tokenStr == "" {
			respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			return
		}

		subject, err := parseToken(tokenStr, secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}
		c.Set(subjectContextKey, subject)
		c.Next()
	}
}

// issueToken exchanges the configured API key for a bearer token.
func (s *Server) issueToken(c *gin.Context) {
	if s.cfg.APIKey == "" || s.cfg.JWTSecret == "" {
		respondError(c, http.StatusServiceUnavailable, "AUTH_NOT_CONFIGURED", "token issuance is not configured")
		return
	}
	var req struct {
		APIKey string `json:"api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.cfg.APIKey)) != 1 {
		s.Log.Warn("token request with wrong api key", zap.String("client_ip", c.ClientIP()))
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid api key")
		return
	}

	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	token, err := generateToken(tokenSubject, s.cfg.JWTSecret, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "TOKEN_ERROR", "failed to sign token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt.UTC()})
}
