package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/crd/internal/platform/fhir"
)

// TimeoutConfig bounds request handling.
type TimeoutConfig struct {
	Timeout time.Duration
	// SkipPrefixes run without a deadline.
	SkipPrefixes []string
}

// RequestTimeout gives each request a context deadline. If the handler has
// not returned when it passes, the EHR gets a 504 OperationOutcome and the
// handler keeps running against a cancelled context.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipped(c.Request().URL.Path, cfg.SkipPrefixes) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					// client went away
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, timeoutOutcome(c, cfg.Timeout))
			}
		}
	}
}

func timeoutOutcome(c echo.Context, d time.Duration) *fhir.OperationOutcome {
	what := "request"
	if id := c.Param("id"); id != "" && strings.HasPrefix(c.Request().URL.Path, "/cds-services/") {
		what = "CDS service " + id
	}
	return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTimeout,
		fmt.Sprintf("%s did not complete within %s", what, d))
}

func skipped(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
