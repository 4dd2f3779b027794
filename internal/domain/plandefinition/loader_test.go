package plandefinition

import (
	"context"
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/fhir"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestLoader_LoadFS(t *testing.T) {
	svc := newTestService()
	bundle := fhir.Resource{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}(samplePlanDefinition("in-bundle", "order-sign", "http://cpt", "E0424", "http://payer", "P1"))},
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Library", "id": "lib"}},
		},
	}
	broken := samplePlanDefinition("broken", "order-sign", "http://cpt", "1", "http://payer", "P1")
	delete(broken, "useContext")

	fsys := fstest.MapFS{
		"rules/home-oxygen.json":   {Data: mustJSON(t, samplePlanDefinition("home-oxygen", "order-sign", "http://cpt", "94660", "http://payer", "P1"))},
		"rules/bundle.json":        {Data: mustJSON(t, bundle)},
		"rules/broken.json":        {Data: mustJSON(t, broken)},
		"libraries/library.json":   {Data: []byte(`{"resourceType":"Library","id":"cql"}`)},
		"libraries/HomeOxygen.cql": {Data: []byte("library HomeOxygen")},
		"rules/not-json.json":      {Data: []byte("{")},
	}

	l := NewLoader(svc, zerolog.Nop())
	res, err := l.LoadFS(context.Background(), fsys)
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	if len(res.Loaded) != 2 {
		t.Errorf("expected 2 loaded, got %v", res.Loaded)
	}
	if len(res.Skipped) != 2 {
		t.Errorf("expected library file and bundle library entry skipped, got %v", res.Skipped)
	}
	if len(res.Failed) != 2 {
		t.Errorf("expected broken and unparseable files to fail, got %v", res.Failed)
	}
	if res.Passes != 2 {
		t.Errorf("expected a second pass that makes no progress, got %d passes", res.Passes)
	}
	if _, err := svc.Get(context.Background(), "home-oxygen"); err != nil {
		t.Errorf("expected home-oxygen stored: %v", err)
	}
	if _, err := svc.Get(context.Background(), "in-bundle"); err != nil {
		t.Errorf("expected bundle entry stored: %v", err)
	}
}

func TestLoader_EmptyFS(t *testing.T) {
	l := NewLoader(newTestService(), zerolog.Nop())
	res, err := l.LoadFS(context.Background(), fstest.MapFS{})
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	if res.Passes != 0 || len(res.Loaded) != 0 {
		t.Errorf("expected no work, got %+v", res)
	}
}

func TestLoader_RepositorySeeds(t *testing.T) {
	svc := newTestService()
	res, err := NewLoader(svc, zerolog.Nop()).LoadDirs(context.Background(), "../../../seeds")
	if err != nil {
		t.Fatalf("LoadDirs: %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("seed files failed: %v", res.Failed)
	}
	if len(res.Loaded) != 3 || len(res.Skipped) != 1 {
		t.Fatalf("expected 3 loaded and the questionnaire skipped, got %+v", res)
	}
	pd, err := svc.Get(context.Background(), "cpap")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(pd.Contexts) != 3 || !pd.TriggeredBy("order-sign") || pd.TriggeredBy("order-select") {
		t.Errorf("unexpected cpap definition: contexts=%v triggers=%v", pd.Contexts, pd.Triggers)
	}
}
