package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// quietPrefixes are polled by infrastructure and log at debug on success.
var quietPrefixes = []string{"/health", "/metrics"}

// Logger writes one line per request. Client errors log at warn and server
// errors at error. Hook and feedback calls carry the CDS service id.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			requestEvent(logger, c, err).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

func requestEvent(logger zerolog.Logger, c echo.Context, err error) *zerolog.Event {
	req := c.Request()
	status := c.Response().Status
	if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
		status = he.Code
	}

	var evt *zerolog.Event
	switch {
	case status >= 500:
		evt = logger.Error().Err(err)
	case status >= 400:
		evt = logger.Warn()
	case skipped(req.URL.Path, quietPrefixes):
		evt = logger.Debug()
	default:
		evt = logger.Info()
	}

	rid, _ := c.Get("request_id").(string)
	evt = evt.
		Str("request_id", rid).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", status).
		Int64("bytes_out", c.Response().Size).
		Str("remote_ip", c.RealIP())
	if id := c.Param("id"); id != "" && strings.HasPrefix(req.URL.Path, "/cds-services/") {
		evt = evt.Str("service", id)
	}
	return evt
}
