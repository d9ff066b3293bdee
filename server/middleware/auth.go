package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RoleAdmin = "admin"

var errAuthDisabled = errors.New("no admin secret configured")

type Claims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// AuthMiddleware guards the admin endpoints with HS256-signed bearer tokens.
// Without a secret every protected request is refused.
type AuthMiddleware struct {
	secretKey []byte
	logger    *zap.Logger
}

func NewAuthMiddleware(secretKey string, logger *zap.Logger) *AuthMiddleware {
	if secretKey == "" {
		logger.Warn("No admin secret provided, admin endpoints will refuse all requests")
	}

	return &AuthMiddleware{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (a *AuthMiddleware) Enabled() bool {
	return len(a.secretKey) > 0
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin endpoints are disabled"})
			c.Abort()
			return
		}

		token := a.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			a.logger.Warn("Invalid token", zap.Error(err), zap.String("client_ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (a *AuthMiddleware) RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role := c.GetString("role"); role != requiredRole {
			a.logger.Warn("Role rejected",
				zap.String("subject", c.GetString("subject")),
				zap.String("role", role),
				zap.String("required", requiredRole))
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GenerateToken issues a token for subject valid for duration.
func (a *AuthMiddleware) GenerateToken(subject, role string, duration time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errAuthDisabled
	}

	now := time.Now()
	claims := Claims{
		Subject:   subject,
		Role:      role,
		ExpiresAt: now.Add(duration),
		IssuedAt:  now,
	}

	header := map[string]string{
		"typ": "JWT",
		"alg": "HS256",
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	headerEncoded := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadEncoded := base64.RawURLEncoding.EncodeToString(claimsJSON)

	message := headerEncoded + "." + payloadEncoded
	return message + "." + base64.RawURLEncoding.EncodeToString(a.sign(message)), nil
}

func (a *AuthMiddleware) extractToken(c *gin.Context) string {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// validateToken checks the header algorithm and the signature before it
// trusts anything in the payload.
func (a *AuthMiddleware) validateToken(token string) (*Claims, error) {
	headerPart, rest, ok := strings.Cut(token, ".")
	if !ok {
		return nil, errors.New("token has no payload")
	}
	payloadPart, signaturePart, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(signaturePart, ".") {
		return nil, errors.New("token has no signature")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(headerPart, &header); err != nil {
		return nil, fmt.Errorf("token header: %w", err)
	}
	if header.Alg != "HS256" {
		return nil, fmt.Errorf("unsupported signing algorithm %q", header.Alg)
	}

	signature, err := base64.RawURLEncoding.DecodeString(signaturePart)
	if err != nil {
		return nil, fmt.Errorf("token signature: %w", err)
	}
	if !hmac.Equal(signature, a.sign(headerPart+"."+payloadPart)) {
		return nil, errors.New("signature mismatch")
	}

	var claims Claims
	if err := decodeSegment(payloadPart, &claims); err != nil {
		return nil, fmt.Errorf("token claims: %w", err)
	}
	if !time.Now().Before(claims.ExpiresAt) {
		return nil, fmt.Errorf("token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}
	return &claims, nil
}

func decodeSegment(segment string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (a *AuthMiddleware) sign(message string) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
