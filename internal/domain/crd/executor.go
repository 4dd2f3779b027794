package crd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/fhir"
)

// PartialResponse is what one definition contributes to a hook response.
type PartialResponse struct {
	Cards         []fhir.CDSCard
	SystemActions []fhir.CDSAction
}

// Executor runs one definition against one triggering order.
type Executor struct {
	Engine    Engine
	Assembler *Assembler
	// Timeout bounds each engine call. Zero means no bound beyond the
	// request context.
	Timeout time.Duration
	Shape   ResultShape
	NewID   func() string
}

// Execute applies def with the order as its primary input and assembles
// the result. A result without a RequestGroup yields ErrNoRequestGroup.
func (x *Executor) Execute(ctx context.Context, def *plandefinition.PlanDefinition, rc *ResolvedContext, order Order) (*PartialResponse, error) {
	req := ApplyRequest{
		Definition:    def,
		Subject:       rc.Patient,
		Data:          Snapshot(x.newID(), rc, order),
		Parameters:    NewParameters(order.Parameters()),
		UseServerData: true,
		Shape:         x.Shape,
	}
	if rc.Patient != nil {
		req.SubjectID = rc.Patient.ID()
	}

	applyCtx := ctx
	if x.Timeout > 0 {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(ctx, x.Timeout)
		defer cancel()
	}
	result, err := x.Engine.Apply(applyCtx, req)
	if err != nil {
		return nil, fmt.Errorf("engine apply %s: %w", def.ID, err)
	}

	rg := ExtractRequestGroup(result)
	if rg == nil {
		return nil, ErrNoRequestGroup
	}
	return x.Assembler.Assemble(def, rg, rc, order), nil
}

func (x *Executor) newID() string {
	if x.NewID == nil {
		return ""
	}
	return x.NewID()
}

// Snapshot bundles the resolved context for the engine. Resources are
// deduplicated by "Type/id" with the first occurrence kept; resources
// without an id are always kept.
func Snapshot(id string, rc *ResolvedContext, order Order) *fhir.Bundle {
	var all []fhir.Resource
	add := func(rs ...fhir.Resource) {
		for _, r := range rs {
			if r != nil {
				all = append(all, r)
			}
		}
	}
	add(rc.Patient, rc.Coverage, rc.Encounter)
	add(rc.Practitioners...)
	add(rc.PractitionerRoles...)
	add(rc.Organizations...)
	add(rc.Appointments...)
	for _, o := range rc.Orders {
		add(o.Resource)
	}
	add(rc.Task, order.Resource)

	seen := make(map[string]bool, len(all))
	unique := make([]fhir.Resource, 0, len(all))
	for _, r := range all {
		if key := r.Ref(); key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		unique = append(unique, r)
	}
	return fhir.NewCollectionBundle(id, unique)
}

// ExtractRequestGroup finds the RequestGroup in an engine result of either
// shape. It returns nil when there is none.
func ExtractRequestGroup(result fhir.Resource) fhir.Resource {
	if result == nil {
		return nil
	}
	switch result.Type() {
	case "RequestGroup":
		return result
	case "CarePlan":
		for _, activity := range result.Objects("activity") {
			ref := fhir.ReferenceString(activity["reference"])
			if !fhir.IsContainedReference(ref) {
				continue
			}
			id := strings.TrimPrefix(ref, "#")
			for _, c := range result.Contained() {
				if c.Type() == "RequestGroup" && c.ID() == id {
					return c
				}
			}
		}
	case "Parameters":
		for _, p := range result.Objects("parameter") {
			if name, _ := p["name"].(string); name != "return" {
				continue
			}
			res, ok := fhir.AsResource(p["resource"])
			if !ok {
				continue
			}
			switch res.Type() {
			case "RequestGroup":
				return res
			case "Bundle":
				if rgs := fhir.EntryResources(res, "RequestGroup"); len(rgs) > 0 {
					return rgs[0]
				}
			}
		}
	}
	return nil
}
