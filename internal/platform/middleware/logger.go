package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger logs one line per request. The route pattern is logged instead of
// the raw path, and the client address only through clientID, so neither
// ids nor addresses of patients end up in the log.
func Logger(logger zerolog.Logger, clientID func(ip string) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}

			rid, _ := c.Get("request_id").(string)
			status := c.Response().Status
			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", route).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start))
			if clientID != nil {
				evt = evt.Str("client", clientID(c.RealIP()))
			}
			evt.Msg("request")

			return nil
		}
	}
}
