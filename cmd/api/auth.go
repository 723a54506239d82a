package main

import (
	"strings"

	"github.com/PaulBabatuyi/anonymous-messages/internal/auth"
	"github.com/gofiber/fiber/v2"
)

const (
	sessionCookie = "session"
	claimsKey     = "claims"
)

// requireSession rejects requests without a valid session token. The token
// comes from a bearer Authorization header or the session cookie.
func requireSession(j *auth.JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Cookies(sessionCookie)
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(apiResponse{Message: "not authenticated"})
		}

		claims, err := j.VerifyToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(apiResponse{Message: "not authenticated"})
		}

		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// claimsFrom returns the claims stored by requireSession.
func claimsFrom(c *fiber.Ctx) (*auth.Claims, bool) {
	claims, ok := c.Locals(claimsKey).(*auth.Claims)
	return claims, ok
}
