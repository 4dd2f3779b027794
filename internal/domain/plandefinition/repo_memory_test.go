package plandefinition

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/crd/internal/platform/fhir"
)

func seedRepo(t *testing.T, repo Repository, resources ...fhir.Resource) {
	t.Helper()
	for _, r := range resources {
		pd, err := FromResource(r)
		if err != nil {
			t.Fatalf("FromResource: %v", err)
		}
		if err := repo.Upsert(context.Background(), pd); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
}

func focus(system, code string) fhir.ContextValue {
	return fhir.ContextValue{Type: "focus", System: system, Code: code}
}

func program(system, value string) fhir.ContextValue {
	return fhir.ContextValue{Type: "program", System: system, Code: value}
}

func TestMemoryRepo_UpsertGetDelete(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	seedRepo(t, repo, samplePlanDefinition("pd-1", "order-sign", "http://cpt", "94660", "http://payer", "P1"))

	got, err := repo.GetByID(ctx, "pd-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
	created := got.CreatedAt

	seedRepo(t, repo, samplePlanDefinition("pd-1", "order-select", "http://cpt", "94660", "http://payer", "P1"))
	got, _ = repo.GetByID(ctx, "pd-1")
	if !got.CreatedAt.Equal(created) {
		t.Error("update must keep CreatedAt")
	}
	if !got.TriggeredBy("order-select") {
		t.Error("expected updated trigger")
	}

	if err := repo.Delete(ctx, "pd-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "pd-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, "pd-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryRepo_SearchConjunction(t *testing.T) {
	repo := NewMemoryRepo()
	seedRepo(t, repo,
		samplePlanDefinition("a", "order-sign", "http://cpt", "94660", "http://payer", "P1"),
		samplePlanDefinition("b", "order-sign", "http://cpt", "94660", "http://payer", "P2"),
		samplePlanDefinition("c", "order-sign", "http://cpt", "E0424", "http://payer", "P1"),
	)
	q := fhir.ContextQuery{Clauses: []fhir.ContextClause{
		{focus("http://cpt", "94660")},
		{program("http://payer", "P1"), program("http://payer", "P3")},
	}}
	items, total, err := repo.Search(context.Background(), q, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("expected only a, got %d items (total %d)", len(items), total)
	}
}

func TestMemoryRepo_SearchEmptyPayerPolicy(t *testing.T) {
	repo := NewMemoryRepo()
	seedRepo(t, repo,
		samplePlanDefinition("a", "order-sign", "http://cpt", "94660", "http://payer", "P1"),
		samplePlanDefinition("b", "order-sign", "http://cpt", "94660", "http://payer", "P2"),
	)
	clauses := []fhir.ContextClause{{focus("http://cpt", "94660")}, {}}

	matchNone := fhir.ContextQuery{Clauses: clauses, EmptyClause: fhir.EmptyClauseMatchNone}
	items, total, err := repo.Search(context.Background(), matchNone, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Errorf("match-none: expected no results, got %d", total)
	}

	matchAny := fhir.ContextQuery{Clauses: clauses, EmptyClause: fhir.EmptyClauseMatchAny}
	items, total, err = repo.Search(context.Background(), matchAny, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("match-any: expected 2 results, got %d", total)
	}
}

func TestMemoryRepo_SearchPagingKeepsStoreOrder(t *testing.T) {
	repo := NewMemoryRepo()
	for _, id := range []string{"c", "a", "b"} {
		seedRepo(t, repo, samplePlanDefinition(id, "order-sign", "http://cpt", "94660", "http://payer", "P1"))
	}
	q := fhir.ContextQuery{Clauses: []fhir.ContextClause{{focus("http://cpt", "94660")}}}

	var ids []string
	for offset := 0; ; offset += 2 {
		items, total, err := repo.Search(context.Background(), q, 2, offset)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if total != 3 {
			t.Fatalf("expected total 3, got %d", total)
		}
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		if offset+2 >= total {
			break
		}
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Errorf("expected insertion order [c a b], got %v", ids)
	}
}
