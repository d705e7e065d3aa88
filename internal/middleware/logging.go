package middleware

import (
	"time"

	"github.com/realmforge/backend/pkg/logger"
	"github.com/gofiber/fiber/v2"
)

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := logger.GenerateRequestID()
		c.Locals("requestID", requestID)

		err := c.Next()

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()

		details := map[string]interface{}{
			"method":      c.Method(),
			"path":        c.Path(),
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"user_agent":  c.Get("User-Agent"),
			"ip":          ClientIP(c),
			"request_id":  requestID,
		}

		playerID := logger.GetPlayerIDFromContext(c)
		if playerID != nil {
			if statusCode >= 500 {
				logger.ErrorWithPlayer(*playerID, "http_request", err, details)
			} else {
				logger.InfoWithPlayer(*playerID, "http_request", details)
			}
		} else {
			if statusCode >= 500 {
				logger.Error("http_request", err, details)
			} else {
				logger.Info("http_request", details)
			}
		}

		return err
	}
}

// SecurityLogger surfaces denials in the server log independent of the
// security-event table, so throttle and auth rejections are visible even when
// the event queue is dropping.
func SecurityLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		statusCode := c.Response().StatusCode()
		details := map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"ip":     ClientIP(c),
		}

		switch statusCode {
		case fiber.StatusUnauthorized:
			logger.Warn("auth_denied", details)
		case fiber.StatusForbidden:
			logger.Warn("access_denied", details)
		case fiber.StatusTooManyRequests:
			details["retry_after"] = c.GetRespHeader(fiber.HeaderRetryAfter)
			logger.Warn("rate_limited", details)
		}

		return err
	}
}
