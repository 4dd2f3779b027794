package plandefinition

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ehr/crd/internal/platform/fhir"
)

// SearchParamContextTypeValue is the composite search parameter over useContext.
const SearchParamContextTypeValue = "context-type-value"

type Service struct {
	repo     Repository
	validate *validator.Validate
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, validate: validator.New()}
}

// Put stores resource under id. It reports whether the definition was created.
func (s *Service) Put(ctx context.Context, id string, resource fhir.Resource) (*PlanDefinition, bool, error) {
	if resource == nil {
		return nil, false, fhir.NewInvalidRequestError("request body must be a PlanDefinition")
	}
	if rid := resource.ID(); rid != "" && rid != id {
		return nil, false, fhir.NewInvalidRequestError("resource id %q does not match URL id %q", rid, id)
	}
	resource = resource.Clone()
	resource["id"] = id

	pd, err := FromResource(resource)
	if err != nil {
		return nil, false, fhir.NewInvalidRequestError("%s", err.Error())
	}
	if err := s.validate.Struct(pd); err != nil {
		return nil, false, fhir.NewInvalidRequestError("invalid PlanDefinition %s: %s", id, describe(err))
	}

	created := false
	if _, err := s.repo.GetByID(ctx, id); errors.Is(err, ErrNotFound) {
		created = true
	} else if err != nil {
		return nil, false, err
	}
	if err := s.repo.Upsert(ctx, pd); err != nil {
		return nil, false, err
	}
	return pd, created, nil
}

func (s *Service) Get(ctx context.Context, id string) (*PlanDefinition, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Search evaluates repeated context-type-value parameters as a conjunction.
// No parameter lists every definition.
func (s *Service) Search(ctx context.Context, values []string, limit, offset int) ([]*PlanDefinition, int, error) {
	q := fhir.ContextQuery{EmptyClause: fhir.EmptyClauseMatchNone}
	for _, v := range values {
		clause, err := fhir.ParseContextTypeValue(v)
		if err != nil {
			return nil, 0, fhir.NewInvalidRequestError("%s", err.Error())
		}
		q.Clauses = append(q.Clauses, clause)
	}
	return s.repo.Search(ctx, q, limit, offset)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "min":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
