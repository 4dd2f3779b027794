package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/config"
	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/telemetry"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                "test",
		LogLevel:           "debug",
		Store:              config.StoreMemory,
		DTRLaunchURL:       "http://localhost:3005/launch",
		EmptyPayerPolicy:   "match-none",
		DefinitionPageSize: 50,
		RequestTimeout:     5 * time.Second,
		RemoteReadTimeout:  time.Second,
		EngineTimeout:      time.Second,
		CORSOrigins:        []string{"*"},
		MetricsEnabled:     true,
	}
}

func testTelemetry(t *testing.T) *telemetry.TelemetryProvider {
	t.Helper()
	tel, err := telemetry.NewTelemetryProvider(context.Background(), telemetry.TelemetryConfig{
		MetricsEnabled: telemetry.BoolPtr(true),
		TracingEnabled: telemetry.BoolPtr(false),
	})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	return tel
}

func mustServer(t *testing.T, cfg *config.Config, logger zerolog.Logger, repo plandefinition.Repository, pool *pgxpool.Pool, tel *telemetry.TelemetryProvider) *echo.Echo {
	t.Helper()
	e, err := newServer(cfg, logger, repo, pool, tel)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func TestNewServer_Discovery(t *testing.T) {
	e := mustServer(t, testConfig(), zerolog.Nop(), plandefinition.NewMemoryRepo(), nil, testTelemetry(t))

	req := httptest.NewRequest(http.MethodGet, "/cds-services", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Services []struct {
			ID   string `json:"id"`
			Hook string `json:"hook"`
		} `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	hooks := map[string]string{}
	for _, s := range body.Services {
		hooks[s.ID] = s.Hook
	}
	if hooks["order-sign-crd"] != "order-sign" || hooks["order-select-crd"] != "order-select" {
		t.Errorf("unexpected services: %v", hooks)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestNewServer_HealthAndMetrics(t *testing.T) {
	e := mustServer(t, testConfig(), zerolog.Nop(), plandefinition.NewMemoryRepo(), nil, testTelemetry(t))

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestNewServer_AuthRequiredForHooks(t *testing.T) {
	cfg := testConfig()
	cfg.CDSAuthEnabled = true
	cfg.CDSTrustedIssuers = []string{"https://ehr.example.org"}
	cfg.CDSSigningKey = "dev-key"
	e := mustServer(t, cfg, zerolog.Nop(), plandefinition.NewMemoryRepo(), nil, testTelemetry(t))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cds-services", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("discovery: expected 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/cds-services/order-sign-crd", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("hook without token: expected 401, got %d", rec.Code)
	}
}

func TestNewServer_PlanDefinitionRoundTrip(t *testing.T) {
	repo := plandefinition.NewMemoryRepo()
	e := mustServer(t, testConfig(), zerolog.Nop(), repo, nil, testTelemetry(t))

	body := `{
		"resourceType": "PlanDefinition",
		"id": "pd-1",
		"url": "http://example.org/PlanDefinition/pd-1",
		"status": "active",
		"useContext": [{
			"code": {"system": "http://terminology.hl7.org/CodeSystem/usage-context-type", "code": "focus"},
			"valueCodeableConcept": {"coding": [{"system": "http://loinc.org", "code": "24338-6"}]}
		}],
		"action": [{"trigger": [{"type": "named-event", "name": "order-sign"}]}]
	}`
	req := httptest.NewRequest(http.MethodPut, "/fhir/PlanDefinition/pd-1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("put: expected 200/201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/PlanDefinition/pd-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
}

func TestSeed_LoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	pd := `{
		"resourceType": "PlanDefinition",
		"id": "seed-1",
		"status": "active",
		"useContext": [{
			"code": {"system": "http://terminology.hl7.org/CodeSystem/usage-context-type", "code": "focus"},
			"valueCodeableConcept": {"coding": [{"system": "http://loinc.org", "code": "24338-6"}]}
		}],
		"action": [{"trigger": [{"type": "named-event", "name": "order-sign"}]}]
	}`
	if err := os.WriteFile(filepath.Join(dir, "seed-1.json"), []byte(pd), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	repo := plandefinition.NewMemoryRepo()
	res, err := seed(context.Background(), repo, []string{dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(res.Loaded) != 1 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := repo.GetByID(context.Background(), "seed-1"); err != nil {
		t.Errorf("seeded definition not stored: %v", err)
	}
}

func TestMigrationFS(t *testing.T) {
	if _, err := migrationFS("").Open("001_plan_definition.sql"); err != nil {
		t.Errorf("embedded migrations missing: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "002_x.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := migrationFS(dir).Open("002_x.sql"); err != nil {
		t.Errorf("dir migrations missing: %v", err)
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "warn"
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", got)
	}
	cfg.LogLevel = "bogus"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", got)
	}
}

const cpapOrderSign = `{
  "hook": "order-sign",
  "hookInstance": "d1577c69-dfbe-44ad-ba6d-3e05e953b2ea",
  "context": {
    "userId": "Practitioner/pr-1",
    "patientId": "pat-1",
    "draftOrders": {
      "resourceType": "Bundle",
      "type": "collection",
      "entry": [{"resource": {
        "resourceType": "DeviceRequest",
        "id": "dr-1",
        "status": "draft",
        "intent": "order",
        "subject": {"reference": "Patient/pat-1"},
        "codeCodeableConcept": {"coding": [{"system": "https://bluebutton.cms.gov/resources/codesystem/hcpcs", "code": "E0601"}]}
      }}]
    }
  },
  "prefetch": {
    "patient": {"resourceType": "Patient", "id": "pat-1", "birthDate": "1961-04-12"},
    "coverage": {
      "resourceType": "Bundle",
      "type": "searchset",
      "entry": [
        {"resource": {"resourceType": "Coverage", "id": "cov-1", "status": "active", "payor": [{"reference": "Organization/org-1"}]}},
        {"resource": {"resourceType": "Organization", "id": "org-1", "identifier": [{"system": "http://hl7.org/fhir/sid/us-npi", "value": "1234567893"}]}}
      ]
    }
  }
}`

func TestNewServer_OrderSignWithSeeds(t *testing.T) {
	for _, shape := range []string{config.ResultShapeCarePlan, config.ResultShapeParameters} {
		t.Run(shape, func(t *testing.T) {
			repo := plandefinition.NewMemoryRepo()
			if _, err := seed(context.Background(), repo, []string{"../../seeds"}, zerolog.Nop()); err != nil {
				t.Fatalf("seed: %v", err)
			}
			cfg := testConfig()
			cfg.EngineResultShape = shape
			e := mustServer(t, cfg, zerolog.Nop(), repo, nil, testTelemetry(t))

			req := httptest.NewRequest(http.MethodPost, "/cds-services/order-sign-crd", strings.NewReader(cpapOrderSign))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var resp struct {
				Cards []struct {
					Summary string        `json:"summary"`
					Links   []interface{} `json:"links"`
				} `json:"cards"`
				SystemActions []struct {
					Type     string                 `json:"type"`
					Resource map[string]interface{} `json:"resource"`
				} `json:"systemActions"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Cards) != 1 || resp.Cards[0].Summary != "CPAP requires prior authorization" {
				t.Fatalf("unexpected cards: %s", rec.Body.String())
			}
			if len(resp.Cards[0].Links) == 0 {
				t.Error("expected DTR links for documentation")
			}
			if len(resp.SystemActions) != 1 || resp.SystemActions[0].Type != "update" {
				t.Fatalf("unexpected system actions: %s", rec.Body.String())
			}
			if id := resp.SystemActions[0].Resource["id"]; id != "dr-1" {
				t.Errorf("expected the device request to be updated, got %v", id)
			}
		})
	}
}
