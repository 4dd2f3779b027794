package crd

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/fhir"
)

const (
	loincSystem = "http://loinc.org"
	payerSystem = "urn:oid:2.16.840.1.113883.6.300"
	payerValue  = "PAYER1"
)

var errNotFound error = &fhir.StatusError{StatusCode: 404, Err: errors.New("not found")}

// fakeReader serves reads from a map keyed by path and searches from a map
// keyed by resource type.
type fakeReader struct {
	mu       sync.Mutex
	reads    map[string]fhir.Resource
	searches map[string]fhir.Resource
	err      error
	calls    []string
}

func newFakeReader() *fakeReader {
	return &fakeReader{reads: map[string]fhir.Resource{}, searches: map[string]fhir.Resource{}}
}

func (f *fakeReader) Read(_ context.Context, _ fhir.Server, path string) (fhir.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read "+path)
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.reads[path]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeReader) Search(_ context.Context, _ fhir.Server, resourceType string, params url.Values) (fhir.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "search "+resourceType+"?"+params.Encode())
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.searches[resourceType]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func patient(id string) fhir.Resource {
	return fhir.Resource{"resourceType": "Patient", "id": id}
}

func coverage(id string, payors ...string) fhir.Resource {
	refs := make([]interface{}, 0, len(payors))
	for _, p := range payors {
		refs = append(refs, map[string]interface{}{"reference": p})
	}
	return fhir.Resource{"resourceType": "Coverage", "id": id, "status": "active", "payor": refs}
}

func payerOrg(id, system, value string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Organization",
		"id":           id,
		"identifier":   []interface{}{map[string]interface{}{"system": system, "value": value}},
	}
}

func serviceRequest(id, system, code string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "ServiceRequest",
		"id":           id,
		"status":       "draft",
		"intent":       "order",
		"subject":      map[string]interface{}{"reference": "Patient/pat-1"},
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": system, "code": code}},
		},
	}
}

func bundleOf(resources ...fhir.Resource) fhir.Resource {
	entries := make([]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{"resource": map[string]interface{}(r)})
	}
	return fhir.Resource{"resourceType": "Bundle", "type": "collection", "entry": entries}
}

func coverageInfoExtension(covered string, docNeeded string, questionnaires ...string) map[string]interface{} {
	subs := []interface{}{
		map[string]interface{}{"url": "covered", "valueCode": covered},
	}
	if docNeeded != "" {
		subs = append(subs, map[string]interface{}{"url": "doc-needed", "valueCode": docNeeded})
	}
	for _, q := range questionnaires {
		subs = append(subs, map[string]interface{}{"url": "questionnaire", "valueCanonical": q})
	}
	return map[string]interface{}{"url": CoverageInformationURL, "extension": subs}
}

// ruleResource builds a PlanDefinition whose single action fires for
// service requests and carries a static coverage-information extension.
func ruleResource(id, hook, focusSystem, focusCode string, ext map[string]interface{}) fhir.Resource {
	action := map[string]interface{}{
		"title":       "Coverage requirements for " + focusCode,
		"description": "Prior documentation is required",
		"trigger":     []interface{}{map[string]interface{}{"type": "named-event", "name": hook}},
		"condition": []interface{}{map[string]interface{}{
			"kind": "applicability",
			"expression": map[string]interface{}{
				"language":   "text/cel",
				"expression": "'service_request' in params && subject.id != ''",
			},
		}},
	}
	if ext != nil {
		action["extension"] = []interface{}{ext}
	}
	return fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           id,
		"url":          "http://payer.example.org/fhir/PlanDefinition/" + id,
		"title":        "Rule " + id,
		"publisher":    "Example Payer",
		"status":       "active",
		"useContext": []interface{}{
			map[string]interface{}{
				"code": map[string]interface{}{"code": "focus"},
				"valueCodeableConcept": map[string]interface{}{
					"coding": []interface{}{map[string]interface{}{"system": focusSystem, "code": focusCode}},
				},
			},
			map[string]interface{}{
				"code": map[string]interface{}{"code": "program"},
				"valueCodeableConcept": map[string]interface{}{
					"coding": []interface{}{map[string]interface{}{"system": payerSystem, "code": payerValue}},
				},
			},
		},
		"action": []interface{}{action},
	}
}

func mustDefinition(t *testing.T, r fhir.Resource) *plandefinition.PlanDefinition {
	t.Helper()
	pd, err := plandefinition.FromResource(r)
	if err != nil {
		t.Fatalf("FromResource: %v", err)
	}
	return pd
}

func seededStore(t *testing.T, resources ...fhir.Resource) plandefinition.Repository {
	t.Helper()
	repo := plandefinition.NewMemoryRepo()
	for _, r := range resources {
		if err := repo.Upsert(context.Background(), mustDefinition(t, r)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	return repo
}

// signRequest is an order-sign request with patient, coverage and payer
// organization all prefetched.
func signRequest(orders ...fhir.Resource) *fhir.CDSHookRequest {
	return &fhir.CDSHookRequest{
		Hook:         HookOrderSign,
		HookInstance: "hook-1",
		Context: map[string]interface{}{
			"userId":      "Practitioner/pr-1",
			"patientId":   "pat-1",
			"draftOrders": map[string]interface{}(bundleOf(orders...)),
		},
		Prefetch: map[string]interface{}{
			"patient":  map[string]interface{}(patient("pat-1")),
			"coverage": map[string]interface{}(bundleOf(coverage("cov-1", "Organization/org-1"), payerOrg("org-1", payerSystem, payerValue))),
		},
	}
}
