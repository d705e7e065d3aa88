package utils

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// JSON responds with the payload as-is. Ceremony options are returned at the
// top level of the body, not wrapped in an envelope, because browsers feed
// them straight into navigator.credentials.
func JSON(c *fiber.Ctx, status int, payload interface{}) error {
	return c.Status(status).JSON(payload)
}

func OK(c *fiber.Ctx, message, username string) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":       true,
		"message":  message,
		"username": username,
	})
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func ErrorWithDetails(c *fiber.Ctx, status int, message, details string) error {
	return c.Status(status).JSON(fiber.Map{"error": message, "details": details})
}

// RateLimited sets the Retry-After header to mirror the retry_after body
// field. retryAfter <= 0 means a permanent block with no retry hint.
func RateLimited(c *fiber.Ctx, message string, retryAfter int) error {
	body := fiber.Map{"error": message}
	if retryAfter > 0 {
		body["retry_after"] = retryAfter
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	}
	return c.Status(fiber.StatusTooManyRequests).JSON(body)
}
