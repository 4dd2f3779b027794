package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

var hardeningHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders sets hardening headers on every response. Hook responses
// carry patient and coverage data and are never cached. The discovery
// listing may be cached for discoveryMaxAge; zero disables that.
func SecurityHeaders(discoveryMaxAge time.Duration) echo.MiddlewareFunc {
	discoveryCache := "no-store"
	if discoveryMaxAge > 0 {
		discoveryCache = fmt.Sprintf("public, max-age=%d", int(discoveryMaxAge.Seconds()))
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range hardeningHeaders {
				h.Set(kv[0], kv[1])
			}
			if isDiscovery(c.Request()) {
				h.Set("Cache-Control", discoveryCache)
			} else {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}

func isDiscovery(r *http.Request) bool {
	return r.Method == http.MethodGet && (r.URL.Path == "/cds-services" || r.URL.Path == "/cds-services/")
}
