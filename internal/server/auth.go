package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tsylvester/paynless-framework-sub011/internal/apperr"
)

// Context keys set by requireUser.
const (
	ctxUserID    = "user_id"
	ctxAuthToken = "auth_token"
)

var errUnauthorized = errors.New("server: missing or invalid bearer token")

// Auth verifies HS256 bearer tokens whose subject is the caller's user id.
type Auth struct {
	secret []byte
}

// NewAuth returns an Auth using secret.
func NewAuth(secret string) (*Auth, error) {
	if secret == "" {
		return nil, fmt.Errorf("server: jwt secret is required")
	}
	return &Auth{secret: []byte(secret)}, nil
}

// IssueToken signs a token for userID valid for ttl.
func (a *Auth) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the user id of a valid token.
func (a *Auth) Verify(tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errUnauthorized
	}
	return claims.Subject, nil
}

// requireUser rejects requests without a valid bearer token and stores the
// caller's id and raw token on the context.
func (a *Auth) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortWithError(c, apperr.Unauthorized(errUnauthorized.Error(), nil))
			return
		}
		userID, err := a.Verify(parts[1])
		if err != nil {
			abortWithError(c, apperr.Unauthorized(errUnauthorized.Error(), err))
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxAuthToken, parts[1])
		c.Next()
	}
}
