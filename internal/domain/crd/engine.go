package crd

import (
	"context"
	"fmt"

	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/fhir"
)

// ResultShape selects how an engine returns the applied definition.
type ResultShape int

const (
	// ShapeCarePlan is a CarePlan whose activity references a contained
	// RequestGroup.
	ShapeCarePlan ResultShape = iota
	// ShapeParameters is a Parameters resource whose "return" parameter is
	// a Bundle holding the RequestGroup.
	ShapeParameters
)

// ApplyRequest is one $apply invocation.
type ApplyRequest struct {
	Definition *plandefinition.PlanDefinition
	SubjectID  string
	Subject    fhir.Resource
	// Data is the collection Bundle snapshot of the hook context.
	Data *fhir.Bundle
	// Parameters is a Parameters resource naming the triggering order.
	Parameters    fhir.Resource
	UseServerData bool
	Shape         ResultShape
}

// Engine applies a PlanDefinition.
type Engine interface {
	Apply(ctx context.Context, req ApplyRequest) (fhir.Resource, error)
}

// LocalEngine runs definitions in process with the CEL PlanDefinition
// engine.
type LocalEngine struct {
	engine *fhir.PlanDefinitionEngine
}

func NewLocalEngine() (*LocalEngine, error) {
	e, err := fhir.NewPlanDefinitionEngine()
	if err != nil {
		return nil, err
	}
	return &LocalEngine{engine: e}, nil
}

func (l *LocalEngine) Apply(ctx context.Context, req ApplyRequest) (fhir.Resource, error) {
	if req.Definition == nil {
		return nil, fmt.Errorf("apply: no definition")
	}
	plan, err := fhir.ParsePlanDefinition(req.Definition.Resource)
	if err != nil {
		return nil, err
	}
	subject := req.Subject
	if subject == nil && req.SubjectID != "" {
		subject = fhir.Resource{"resourceType": "Patient", "id": req.SubjectID}
	}
	in := fhir.ApplyInput{
		Subject:    subject,
		Parameters: parameterResources(req.Parameters),
	}
	if req.Data != nil {
		in.Data = req.Data.Resources()
	}
	res, err := l.engine.Apply(ctx, plan, in)
	if err != nil {
		return nil, fmt.Errorf("apply PlanDefinition %s: %w", req.Definition.ID, err)
	}
	if req.Shape == ShapeParameters {
		return res.AsParameters(), nil
	}
	return res.CarePlan, nil
}

// NewParameters builds a Parameters resource with one resource parameter
// per entry, in key order.
func NewParameters(named map[string]fhir.Resource) fhir.Resource {
	keys := make(map[string]interface{}, len(named))
	for k := range named {
		keys[k] = nil
	}
	params := make([]interface{}, 0, len(named))
	for _, name := range fhir.SortedKeys(keys) {
		params = append(params, map[string]interface{}{
			"name":     name,
			"resource": map[string]interface{}(named[name]),
		})
	}
	return fhir.Resource{"resourceType": "Parameters", "parameter": params}
}

func parameterResources(params fhir.Resource) map[string]fhir.Resource {
	out := map[string]fhir.Resource{}
	if params == nil {
		return out
	}
	for _, p := range params.Objects("parameter") {
		name, _ := p["name"].(string)
		if r, ok := fhir.AsResource(p["resource"]); ok && name != "" {
			out[name] = r
		}
	}
	return out
}
