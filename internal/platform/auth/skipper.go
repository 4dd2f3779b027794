package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication on every method.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper reports whether a request may skip CDS client authentication:
// infrastructure endpoints and the GET discovery listing.
func AuthSkipper(c echo.Context) bool {
	path := c.Request().URL.Path
	if publicPaths[path] {
		return true
	}
	return c.Request().Method == http.MethodGet && (path == "/cds-services" || path == "/cds-services/")
}
