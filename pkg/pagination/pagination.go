// Package pagination reads _count and _offset for PlanDefinition searches.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/crd/internal/platform/fhir"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one page of a search.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset. A missing _count uses
// DefaultLimit and a larger one is clamped to MaxLimit. Values that are not
// integers, a _count below 1 or a negative _offset are invalid requests.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if raw := c.QueryParam("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Params{}, fhir.NewInvalidRequestError("_count must be a positive integer, got %q", raw)
		}
		p.Limit = min(n, MaxLimit)
	}
	if raw := c.QueryParam("_offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, fhir.NewInvalidRequestError("_offset must be a non-negative integer, got %q", raw)
		}
		p.Offset = n
	}
	return p, nil
}

// Bundle describes this page for a searchset Bundle's links.
func (p Params) Bundle(baseURL, query string, total int) fhir.SearchBundleParams {
	return fhir.SearchBundleParams{
		BaseURL:  baseURL,
		QueryStr: query,
		Count:    p.Limit,
		Offset:   p.Offset,
		Total:    total,
	}
}
