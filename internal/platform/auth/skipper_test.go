package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		method string
		path   string
		skip   bool
	}{
		{http.MethodGet, "/health", true},
		{http.MethodGet, "/health/db", true},
		{http.MethodGet, "/metrics", true},
		{http.MethodGet, "/cds-services", true},
		{http.MethodGet, "/cds-services/", true},
		{http.MethodPost, "/cds-services", false},
		{http.MethodPost, "/cds-services/order-sign-crd", false},
		{http.MethodPost, "/cds-services/order-select-crd/feedback", false},
		{http.MethodGet, "/fhir/PlanDefinition", false},
		{http.MethodGet, "/health/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			if got := AuthSkipper(c); got != tt.skip {
				t.Errorf("AuthSkipper(%s %s) = %v, want %v", tt.method, tt.path, got, tt.skip)
			}
		})
	}
}
