package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userContextKey = "UserID"
	tokenIssuer    = "broker-bridge"
	// Browsers cannot set headers on a websocket upgrade, so the event
	// stream also accepts the token as a query parameter.
	tokenQueryParam = "access_token"
)

var errNoSubject = errors.New("token has no subject")

// UserClaims carries the user id in the standard subject claim.
type UserClaims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for userID. Sessions are minted by
// the account service; this is exported for it and for tests.
func IssueToken(userID, secret string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := UserClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type tokenVerifier struct {
	key    []byte
	parser *jwt.Parser
}

func newTokenVerifier(secret string) *tokenVerifier {
	return &tokenVerifier{
		key: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

func (v *tokenVerifier) userID(raw string) (string, error) {
	var claims UserClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

// bearer extracts the token from the Authorization header, falling back to
// the query parameter on websocket upgrades. code is set when extraction
// fails.
func bearer(c *gin.Context) (token, code string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			if t := c.Query(tokenQueryParam); t != "" {
				return t, ""
			}
		}
		return "", "MISSING_TOKEN"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", "INVALID_AUTH_HEADER"
	}
	return strings.TrimSpace(token), ""
}

var authMessages = map[string]string{
	"MISSING_TOKEN":       "missing Authorization header",
	"INVALID_AUTH_HEADER": "invalid Authorization header",
	"INVALID_TOKEN":       "invalid or expired token",
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	v := newTokenVerifier(secret)
	return func(c *gin.Context) {
		token, code := bearer(c)
		if code == "" {
			userID, err := v.userID(token)
			if err == nil {
				c.Set(userContextKey, userID)
				c.Next()
				return
			}
			code = "INVALID_TOKEN"
		}
		respondError(c, http.StatusUnauthorized, code, authMessages[code])
		c.Abort()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userContextKey)
}
