package fhir

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestJSONSerializer_RoundTrip(t *testing.T) {
	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	e.POST("/echo", func(c echo.Context) error {
		var r Resource
		if err := c.Bind(&r); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, r)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"resourceType":"Patient","id":"p1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"p1"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestJSONSerializer_SyntaxError(t *testing.T) {
	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	e.POST("/echo", func(c echo.Context) error {
		var r Resource
		return c.Bind(&r)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"resourceType":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
