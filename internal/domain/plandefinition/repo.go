package plandefinition

import (
	"context"
	"errors"

	"github.com/ehr/crd/internal/platform/fhir"
)

// ErrNotFound is returned when no definition has the requested id.
var ErrNotFound = errors.New("plan definition not found")

// Repository stores PlanDefinitions. Search returns matches in store order
// (first insertion first) so paging is stable.
type Repository interface {
	Upsert(ctx context.Context, pd *PlanDefinition) error
	GetByID(ctx context.Context, id string) (*PlanDefinition, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, q fhir.ContextQuery, limit, offset int) ([]*PlanDefinition, int, error)
}
