package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	roleAdmin      = "admin"
	localsSubject  = "admin_subject"
	adminTokenSkew = 30 * time.Second
)

// AdminClaims — claims админского токена.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueAdminToken выпускает HS256-токен с ролью admin.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	now := time.Now()
	claims := AdminClaims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AdminRequired пропускает только запросы с валидным Bearer-токеном роли admin.
func AdminRequired(secret string) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(adminTokenSkew),
	)

	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			return newAPIError(fiber.StatusUnauthorized, reasonUnauthorized, errors.New("admin access is not configured"))
		}

		header := c.Get(fiber.HeaderAuthorization)
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenStr) == "" {
			return newAPIError(fiber.StatusUnauthorized, reasonUnauthorized, errors.New("missing bearer token"))
		}

		var claims AdminClaims
		if _, err := parser.ParseWithClaims(strings.TrimSpace(tokenStr), &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}); err != nil {
			return newAPIError(fiber.StatusUnauthorized, reasonUnauthorized, fmt.Errorf("invalid token: %w", err))
		}
		if claims.Role != roleAdmin {
			return newAPIError(fiber.StatusForbidden, reasonForbidden, errors.New("admin role required"))
		}

		c.Locals(localsSubject, claims.Subject)
		return c.Next()
	}
}
