package crd

import (
	"context"
	"fmt"

	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/fhir"
)

// DefinitionStore is the part of the PlanDefinition repository the matcher
// needs.
type DefinitionStore interface {
	Search(ctx context.Context, q fhir.ContextQuery, limit, offset int) ([]*plandefinition.PlanDefinition, int, error)
}

// DefaultPageSize is used when a Matcher has no page size.
const DefaultPageSize = 50

// Matcher finds the PlanDefinitions that apply to one clinical code under
// one coverage.
type Matcher struct {
	Store            DefinitionStore
	PageSize         int
	EmptyPayerPolicy fhir.EmptyClausePolicy
}

// Query builds the context query: the focus clause holds the code, the
// program clause holds every payer identifier, and both must match.
func (m *Matcher) Query(code ClinicalCode, payers []PayerIdentifier) fhir.ContextQuery {
	code = code.Normalize()
	focus := fhir.ContextClause{{Type: ContextTypeFocus, System: code.System, Code: code.Code}}
	program := make(fhir.ContextClause, 0, len(payers))
	for _, p := range payers {
		program = append(program, fhir.ContextValue{
			Type:   ContextTypeProgram,
			System: fhir.NormalizeSystem(p.System),
			Code:   p.Value,
		})
	}
	policy := m.EmptyPayerPolicy
	if policy == "" {
		policy = fhir.EmptyClauseMatchNone
	}
	return fhir.ContextQuery{
		Clauses:     []fhir.ContextClause{focus, program},
		EmptyClause: policy,
	}
}

// FindApplicableDefinitions drains every page of matches in store order and
// keeps the definitions triggered by hook.
func (m *Matcher) FindApplicableDefinitions(ctx context.Context, code ClinicalCode, payers []PayerIdentifier, hook string) ([]*plandefinition.PlanDefinition, error) {
	q := m.Query(code, payers)
	if q.MatchesNothing() {
		return nil, nil
	}
	size := m.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	var out []*plandefinition.PlanDefinition
	for offset := 0; ; offset += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, total, err := m.Store.Search(ctx, q, size, offset)
		if err != nil {
			return nil, fmt.Errorf("search plan definitions for %s: %w", code, err)
		}
		for _, pd := range page {
			if pd.TriggeredBy(hook) {
				out = append(out, pd)
			}
		}
		if len(page) < size || offset+len(page) >= total {
			break
		}
	}
	return out, nil
}
