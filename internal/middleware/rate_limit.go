package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// RateLimit throttles an endpoint per authenticated user, falling back to the
// client IP. It guards batch starts, which fan out paid oracle calls.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			subject := c.IP()
			switch id := c.Locals("user_id").(type) {
			case uint:
				if id != 0 {
					subject = fmt.Sprintf("user-%d", id)
				}
			case string:
				if id != "" {
					subject = "user-" + id
				}
			}
			return identifier + ":" + subject
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests, retry later")
		},
	})
}
