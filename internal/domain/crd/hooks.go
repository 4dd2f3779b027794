package crd

import "github.com/ehr/crd/internal/platform/fhir"

// Hook names and service ids.
const (
	HookOrderSign   = "order-sign"
	HookOrderSelect = "order-select"

	ServiceOrderSign   = "order-sign-crd"
	ServiceOrderSelect = "order-select-crd"
)

// HookPolicy is what differs between hooks: the context a request must
// carry and the orders that trigger rules.
type HookPolicy interface {
	Hook() string
	Validate(rc *ResolvedContext, req *fhir.CDSHookRequest) error
	SelectTriggeringResources(rc *ResolvedContext, req *fhir.CDSHookRequest) []Order
}

// OrderSignPolicy evaluates every draft order.
type OrderSignPolicy struct{}

func (OrderSignPolicy) Hook() string { return HookOrderSign }

func (OrderSignPolicy) Validate(rc *ResolvedContext, _ *fhir.CDSHookRequest) error {
	return validateCommon(rc)
}

func (OrderSignPolicy) SelectTriggeringResources(rc *ResolvedContext, _ *fhir.CDSHookRequest) []Order {
	return rc.Orders
}

// OrderSelectPolicy evaluates only the draft orders named in
// context.selections.
type OrderSelectPolicy struct{}

func (OrderSelectPolicy) Hook() string { return HookOrderSelect }

func (OrderSelectPolicy) Validate(rc *ResolvedContext, _ *fhir.CDSHookRequest) error {
	if err := validateCommon(rc); err != nil {
		return err
	}
	if len(rc.Selections) == 0 {
		return fhir.NewInvalidRequestError("selections context is required")
	}
	return nil
}

func (OrderSelectPolicy) SelectTriggeringResources(rc *ResolvedContext, _ *fhir.CDSHookRequest) []Order {
	var out []Order
	for _, o := range rc.Orders {
		ref := o.Ref()
		if ref == "" {
			continue
		}
		for _, sel := range rc.Selections {
			if fhir.RelativeReference(sel) == ref {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

func validateCommon(rc *ResolvedContext) error {
	if rc.Patient == nil {
		return fhir.NewInvalidRequestError("Patient is required")
	}
	if rc.Coverage == nil {
		return fhir.NewInvalidRequestError("Coverage is required - CRD clients must provide the primary coverage")
	}
	if len(rc.Orders) == 0 {
		return fhir.NewInvalidRequestError("draftOrders context is required")
	}
	return nil
}

// HookService pairs a discovery descriptor with its policy.
type HookService struct {
	Descriptor fhir.CDSService
	Policy     HookPolicy
}

// Services returns the CRD services in discovery order.
func Services() []HookService {
	return []HookService{
		{
			Descriptor: fhir.CDSService{
				ID:          ServiceOrderSign,
				Hook:        HookOrderSign,
				Title:       "CRD Order Sign Hook",
				Description: "CRD order-sign hook for coverage requirements discovery",
				Prefetch: map[string]string{
					prefetchUser:     "{{context.userId}}",
					prefetchPatient:  "Patient/{{context.patientId}}",
					prefetchCoverage: "Coverage?patient={{context.patientId}}&status=active",
				},
			},
			Policy: OrderSignPolicy{},
		},
		{
			Descriptor: fhir.CDSService{
				ID:          ServiceOrderSelect,
				Hook:        HookOrderSelect,
				Title:       "CRD Order Select Hook",
				Description: "CRD order-select hook for early coverage requirements discovery",
				Prefetch: map[string]string{
					prefetchUser:     "{{context.userId}}",
					prefetchPatient:  "Patient/{{context.patientId}}",
					prefetchCoverage: "Coverage?patient={{context.patientId}}",
				},
			},
			Policy: OrderSelectPolicy{},
		},
	}
}
