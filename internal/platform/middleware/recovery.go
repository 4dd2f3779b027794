package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/fhir"
)

const panicStackSize = 8 << 10

// Recovery turns a handler panic into a 500 OperationOutcome. The log line
// names the CDS service that was running, if any. http.ErrAbortHandler is
// re-raised so net/http can drop the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				err = recovered(c, logger, r)
			}()
			return next(c)
		}
	}
}

func recovered(c echo.Context, logger zerolog.Logger, r interface{}) error {
	stack := make([]byte, panicStackSize)
	stack = stack[:runtime.Stack(stack, false)]

	rid, _ := c.Get("request_id").(string)
	evt := logger.Error().
		Str("request_id", rid).
		Str("method", c.Request().Method).
		Str("route", c.Path())
	if id := c.Param("id"); id != "" {
		evt = evt.Str("service", id)
	}
	evt.Str("panic", fmt.Sprint(r)).Bytes("stack", stack).Msg("handler panic")

	const msg = "unexpected failure while processing the request"
	if c.Response().Committed {
		return echo.NewHTTPError(http.StatusInternalServerError, msg)
	}
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(msg))
}
