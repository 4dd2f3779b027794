package plandefinition

import (
	"fmt"
	"time"

	fhirmodels "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/ehr/crd/internal/platform/fhir"
)

// TriggerTypeNamedEvent is the trigger type used for CDS hook names.
const TriggerTypeNamedEvent = "named-event"

// PlanDefinition is a stored rule definition. Resource holds the full FHIR
// JSON; the remaining fields are indexed projections of it.
type PlanDefinition struct {
	ID        string `validate:"required,max=64"`
	URL       string `validate:"omitempty,uri"`
	Version   string
	Name      string
	Title     string
	Publisher string
	Status    string              `validate:"required,oneof=draft active retired unknown"`
	Contexts  []fhir.ContextValue `validate:"required,min=1"`
	Triggers  []Trigger
	Resource  fhir.Resource `validate:"required"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trigger is a trigger declared on a top-level action.
type Trigger struct {
	Type string
	Name string
}

// FromResource projects a PlanDefinition resource into its stored form.
func FromResource(r fhir.Resource) (*PlanDefinition, error) {
	if r.Type() != "PlanDefinition" {
		return nil, fmt.Errorf("expected resourceType PlanDefinition, got %q", r.Type())
	}
	var typed fhirmodels.PlanDefinition
	if err := r.Decode(&typed); err != nil {
		return nil, fmt.Errorf("decode PlanDefinition: %w", err)
	}

	pd := &PlanDefinition{
		ID:        r.ID(),
		URL:       deref(typed.Url),
		Version:   deref(typed.Version),
		Name:      deref(typed.Name),
		Title:     deref(typed.Title),
		Publisher: deref(typed.Publisher),
		Status:    r.String("status"),
		Resource:  r,
	}
	for _, uc := range typed.UseContext {
		typeCode := deref(uc.Code.Code)
		if typeCode == "" || uc.ValueCodeableConcept == nil {
			continue
		}
		for _, coding := range uc.ValueCodeableConcept.Coding {
			code := deref(coding.Code)
			if code == "" {
				continue
			}
			pd.Contexts = append(pd.Contexts, fhir.ContextValue{
				Type:   typeCode,
				System: fhir.NormalizeSystem(deref(coding.System)),
				Code:   code,
			})
		}
	}
	// Enum zero values in the typed model are real codes, so trigger types
	// are read from the raw JSON.
	for _, action := range r.Objects("action") {
		for _, trig := range fhir.ObjectList(action["trigger"]) {
			typ, _ := trig["type"].(string)
			name, _ := trig["name"].(string)
			pd.Triggers = append(pd.Triggers, Trigger{Type: typ, Name: name})
		}
	}
	return pd, nil
}

// TriggeredBy reports whether a top-level action declares a named-event
// trigger for hook.
func (p *PlanDefinition) TriggeredBy(hook string) bool {
	for _, t := range p.Triggers {
		if t.Type == TriggerTypeNamedEvent && t.Name == hook {
			return true
		}
	}
	return false
}

// ToFHIR returns the stored resource with server-maintained meta.
func (p *PlanDefinition) ToFHIR() fhir.Resource {
	out := p.Resource.Clone()
	out["id"] = p.ID
	if !p.UpdatedAt.IsZero() {
		meta, _ := out["meta"].(map[string]interface{})
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["lastUpdated"] = p.UpdatedAt.UTC().Format(time.RFC3339)
		out["meta"] = meta
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
