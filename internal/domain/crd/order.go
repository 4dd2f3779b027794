package crd

import (
	"context"

	fhirmodels "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/ehr/crd/internal/platform/fhir"
)

// OrderKind is one of the order-like resource types a draftOrders bundle may
// carry. Each kind knows how to read its clinical codes and which engine
// parameter, if any, carries it.
type OrderKind struct {
	ResourceType string
	// ParameterName names the engine parameter holding the order. Empty
	// means the order is passed only in the data snapshot.
	ParameterName string
	codes         func(ctx context.Context, order fhir.Resource, codes codeSource) []ClinicalCode
}

// codeSource resolves references an order needs to reach its codes.
type codeSource interface {
	Resolve(ctx context.Context, reference, expectedType string, parent fhir.Resource) fhir.Resource
}

var orderKinds = map[string]OrderKind{
	"Appointment":          {ResourceType: "Appointment"},
	"CommunicationRequest": {ResourceType: "CommunicationRequest"},
	"DeviceRequest": {
		ResourceType:  "DeviceRequest",
		ParameterName: "device_request",
		codes: func(_ context.Context, order fhir.Resource, _ codeSource) []ClinicalCode {
			return codingsOf(order.Object("codeCodeableConcept"))
		},
	},
	"Encounter": {ResourceType: "Encounter"},
	"MedicationRequest": {
		ResourceType:  "MedicationRequest",
		ParameterName: "medication_request",
		codes: func(ctx context.Context, order fhir.Resource, src codeSource) []ClinicalCode {
			if cc := order.Object("medicationCodeableConcept"); cc != nil {
				return codingsOf(cc)
			}
			ref := fhir.ReferenceString(order["medicationReference"])
			if ref == "" || src == nil {
				return nil
			}
			med := src.Resolve(ctx, ref, "Medication", order)
			if med == nil {
				return nil
			}
			return codingsOf(med.Object("code"))
		},
	},
	"NutritionOrder": {ResourceType: "NutritionOrder"},
	"ServiceRequest": {
		ResourceType:  "ServiceRequest",
		ParameterName: "service_request",
		codes: func(_ context.Context, order fhir.Resource, _ codeSource) []ClinicalCode {
			return codingsOf(order.Object("code"))
		},
	},
}

// LookupOrderKind returns the kind for a resource type.
func LookupOrderKind(resourceType string) (OrderKind, bool) {
	k, ok := orderKinds[resourceType]
	return k, ok
}

// Order is a triggering order resource tagged with its kind.
type Order struct {
	Kind     OrderKind
	Resource fhir.Resource
}

// NewOrder wraps r when its type is an order kind.
func NewOrder(r fhir.Resource) (Order, bool) {
	k, ok := LookupOrderKind(r.Type())
	if !ok {
		return Order{}, false
	}
	return Order{Kind: k, Resource: r}, true
}

// Ref returns the order's "Type/id", or "" without an id.
func (o Order) Ref() string { return o.Resource.Ref() }

// Codes returns the order's clinical codes with normalized systems. Kinds
// without a code element yield none.
func (o Order) Codes(ctx context.Context, src codeSource) []ClinicalCode {
	if o.Kind.codes == nil {
		return nil
	}
	raw := o.Kind.codes(ctx, o.Resource, src)
	out := make([]ClinicalCode, 0, len(raw))
	for _, c := range raw {
		out = append(out, c.Normalize())
	}
	return out
}

// Parameters builds the engine parameters addressing this order directly.
func (o Order) Parameters() map[string]fhir.Resource {
	params := map[string]fhir.Resource{}
	if o.Kind.ParameterName != "" {
		params[o.Kind.ParameterName] = o.Resource
	}
	return params
}

func codingsOf(cc map[string]interface{}) []ClinicalCode {
	if cc == nil {
		return nil
	}
	var typed fhirmodels.CodeableConcept
	if err := fhir.Resource(cc).Decode(&typed); err != nil {
		return nil
	}
	var out []ClinicalCode
	for _, coding := range typed.Coding {
		if coding.Code == nil || *coding.Code == "" {
			continue
		}
		c := ClinicalCode{Code: *coding.Code}
		if coding.System != nil {
			c.System = *coding.System
		}
		out = append(out, c)
	}
	return out
}
