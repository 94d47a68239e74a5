package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printhook/internal/config"
)

const (
	apiKeyHeader = "X-API-Key"
	claimsKey    = "claims"
	subjectKey   = "subject"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidAPIKey      = errors.New("invalid api key")
)

// AuthMiddleware verifies callers. Tokens are issued elsewhere; this side
// only checks HS256 bearer tokens or an API key against its bcrypt hash.
type AuthMiddleware struct {
	enabled    bool
	secret     []byte
	issuer     string
	apiKeyHash []byte
	logger     *zap.Logger
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		enabled:    cfg.Enabled,
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		apiKeyHash: []byte(cfg.APIKeyHash),
		logger:     logger.Named("auth"),
	}
}

func (a *AuthMiddleware) validateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	if len(a.secret) == 0 {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*jwt.RegisteredClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (a *AuthMiddleware) validateAPIKey(key string) error {
	if len(a.apiKeyHash) == 0 {
		return ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(a.apiKeyHash, []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// authenticate returns the caller's subject.
func (a *AuthMiddleware) authenticate(c *gin.Context) (string, error) {
	if token := bearerToken(c); token != "" {
		claims, err := a.validateToken(token)
		if err != nil {
			return "", err
		}
		c.Set(claimsKey, claims)
		return claims.Subject, nil
	}

	if key := c.GetHeader(apiKeyHeader); key != "" {
		if err := a.validateAPIKey(key); err != nil {
			return "", err
		}
		return "api-key", nil
	}

	return "", ErrMissingCredentials
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Next()
			return
		}

		subject, err := a.authenticate(c)
		if err != nil {
			a.logger.Debug("request rejected",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			message := "Invalid or expired credentials"
			if errors.Is(err, ErrMissingCredentials) {
				message = "Authentication required"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": message})
			return
		}

		c.Set(subjectKey, subject)
		c.Next()
	}
}

// HashAPIKey produces the value stored in auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
