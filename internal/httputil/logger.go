package httputil

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
)

// healthPath is exempt from request logging when logHealth is false, so load-balancer probes do not flood the logs.
const healthPath = "/api/v1/health"

// RequestLogger returns Fiber middleware that logs every request through the provided zerolog logger. Register it
// after the requestid middleware so the request ID is available in Locals.
func RequestLogger(logger zerolog.Logger, logHealth bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		if !logHealth && c.Path() == healthPath {
			return err
		}

		status := c.Response().StatusCode()
		event := levelForStatus(logger, status)

		if rid := requestid.FromContext(c); rid != "" {
			event.Str("request_id", rid)
		}

		event.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.IP()).
			Msg("Request")

		return err
	}
}

// levelForStatus selects the log level for an HTTP status code: Error for 5xx, Warn for 4xx, and Info for
// everything else.
func levelForStatus(logger zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	default:
		return logger.Info()
	}
}
