package middleware

import (
	"os"
	"strings"

	"github.com/classline/messaging-backend/internal/httpx"
	"github.com/classline/messaging-backend/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by the portal's access token. The identity service mints
// these; messaging only verifies them.
type Claims struct {
	ProfileID uint   `json:"profile_id"`
	SchoolID  uint   `json:"school_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

func AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		var tokenString string
		if authHeader != "" {
			// Extract token from "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return httpx.Unauthorized(c, "invalid_authorization", "Invalid authorization format")
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Cookies("cl_access")
		}

		if tokenString == "" {
			return httpx.Unauthorized(c, "missing_access_token", "Missing access token")
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(os.Getenv("JWT_SECRET")), nil
		})

		if err != nil || !token.Valid {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid or expired token")
		}

		claims, ok := token.Claims.(*Claims)
		if !ok {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid token")
		}
		if !models.Role(claims.Role).Valid() {
			return httpx.Unauthorized(c, "invalid_role", "Unknown role")
		}

		c.Locals("profileID", claims.ProfileID)
		c.Locals("schoolID", claims.SchoolID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}
