package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/opsdash/splitmanager/internal/auth"
	"github.com/opsdash/splitmanager/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

func NewAuthMiddleware(authenticator *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Authenticate validates the bearer token from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		token, ok := auth.BearerToken(authHeader)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}
		return m.authenticate(c, token)
	}
}

// AuthenticateQuery accepts the token from ?token= for websocket upgrades, where
// browsers cannot set headers. The Authorization header is still honoured.
func (m *AuthMiddleware) AuthenticateQuery() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token, ok := auth.BearerToken(c.Get("Authorization")); ok {
			return m.authenticate(c, token)
		}
		token := c.Query("token")
		if token == "" {
			return response.Unauthorized(c, "Missing token")
		}
		return m.authenticate(c, token)
	}
}

func (m *AuthMiddleware) authenticate(c *fiber.Ctx, token string) error {
	identity, err := m.authenticator.Authenticate(token)
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			return response.Unauthorized(c, "Authentication not configured")
		}
		return response.Unauthorized(c, "Invalid or expired token")
	}

	c.Locals("userId", identity.UserID)
	c.Locals("email", identity.Email)
	c.Locals("name", identity.Name)
	return c.Next()
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
