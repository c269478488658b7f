package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// JWTProtected validates HS256 bearer tokens and binds the reviewer identity
// as user_id, user_role and user_roles locals. Websocket handshakes may pass
// the token as the access_token query parameter instead of a header.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }

	return func(c *fiber.Ctx) error {
		tokenString, err := bearerToken(c)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		userID := extractUserIDFromClaims(claims)
		if userID == nil || *userID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "token subject missing")
		}
		c.Locals("user_id", *userID)

		if roles := extractRolesFromClaims(claims); len(roles) > 0 {
			c.Locals("user_role", roles[0])
			c.Locals("user_roles", roles)
		}

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" {
		if websocket.IsWebSocketUpgrade(c) {
			if token := strings.TrimSpace(c.Query("access_token")); token != "" {
				return token, nil
			}
		}
		return "", fmt.Errorf("authorization header missing")
	}

	const bearer = "bearer "
	if len(authorization) <= len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
		return "", fmt.Errorf("invalid authorization header")
	}

	token := strings.TrimSpace(authorization[len(bearer):])
	if token == "" {
		return "", fmt.Errorf("invalid token")
	}
	return token, nil
}

func extractUserIDFromClaims(claims jwt.MapClaims) *uint {
	for _, key := range []string{"sub", "user_id", "id"} {
		if value, ok := claims[key]; ok {
			if normalized, err := normalizeUserID(value); err == nil {
				return &normalized
			}
		}
	}
	return nil
}

func normalizeUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	default:
		return 0, fmt.Errorf("unsupported subject type %T", value)
	}
}

// extractRolesFromClaims reads "role" or "roles" as a string or a list.
func extractRolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	add := func(raw string) {
		if role := strings.ToLower(strings.TrimSpace(raw)); role != "" {
			roles = append(roles, role)
		}
	}

	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			add(v)
		case []interface{}:
			for _, item := range v {
				if str, ok := item.(string); ok {
					add(str)
				}
			}
		}
	}
	return roles
}
