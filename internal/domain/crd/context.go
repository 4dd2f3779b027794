package crd

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/fhir"
)

// Prefetch and context keys read by the extractor.
const (
	prefetchPatient   = "patient"
	prefetchCoverage  = "coverage"
	prefetchEncounter = "encounter"
	prefetchUser      = "user"
	prefetchPerformer = "performer"

	contextPatientID    = "patientId"
	contextEncounterID  = "encounterId"
	contextUserID       = "userId"
	contextDraftOrders  = "draftOrders"
	contextSelections   = "selections"
	contextAppointments = "appointments"
	contextTask         = "task"
)

// Extractor builds the ResolvedContext of a hook request.
type Extractor struct {
	resolver *Resolver
	logger   zerolog.Logger
}

func NewExtractor(resolver *Resolver, logger zerolog.Logger) *Extractor {
	return &Extractor{resolver: resolver, logger: logger}
}

// Extract never fails: every slot is best effort and may stay empty.
func (e *Extractor) Extract(ctx context.Context, req *fhir.CDSHookRequest) *ResolvedContext {
	rc := &ResolvedContext{}

	rc.Patient = prefetchOfType(req, prefetchPatient, "Patient")
	if rc.Patient == nil {
		if id := req.ContextString(contextPatientID); id != "" {
			rc.Patient = e.resolver.Resolve(ctx, "Patient/"+id, "Patient", nil)
		}
	}

	e.extractCoverage(ctx, req, rc)

	rc.Encounter = prefetchOfType(req, prefetchEncounter, "Encounter")
	if rc.Encounter == nil {
		if id := req.ContextString(contextEncounterID); id != "" {
			rc.Encounter = e.resolver.ReadRemote(ctx, id, "Encounter")
		}
	}

	e.extractUser(ctx, req, rc)

	if performer, ok := fhir.AsResource(req.Prefetch[prefetchPerformer]); ok {
		switch performer.Type() {
		case "Practitioner":
			rc.Practitioners = append(rc.Practitioners, performer)
		case "Organization":
			rc.Organizations = append(rc.Organizations, performer)
		}
	}

	if draft, ok := fhir.AsResource(req.Context[contextDraftOrders]); ok {
		for _, r := range fhir.EntryResources(draft) {
			if order, ok := NewOrder(r); ok {
				rc.Orders = append(rc.Orders, order)
			}
		}
	}

	if appts, ok := fhir.AsResource(req.Context[contextAppointments]); ok {
		rc.Appointments = fhir.EntryResources(appts, "Appointment")
	}

	if task, ok := fhir.AsResource(req.Context[contextTask]); ok && task.Type() == "Task" {
		rc.Task = task
	}

	if list, ok := req.Context[contextSelections].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				rc.Selections = append(rc.Selections, s)
			}
		}
	}
	return rc
}

// extractCoverage honours only the primary coverage: the first Coverage in
// the coverage prefetch bundle.
func (e *Extractor) extractCoverage(ctx context.Context, req *fhir.CDSHookRequest, rc *ResolvedContext) {
	bundle, ok := fhir.AsResource(req.Prefetch[prefetchCoverage])
	if !ok || bundle.Type() != "Bundle" {
		return
	}
	coverages := fhir.EntryResources(bundle, "Coverage")
	if len(coverages) == 0 {
		return
	}
	if len(coverages) > 1 {
		e.logger.Warn().Int("count", len(coverages)).
			Msg("received multiple Coverage resources in prefetch, CRD clients should send only the primary coverage; using the first")
	}
	rc.Coverage = coverages[0]
	if rc.Coverage.ID() == "" {
		e.logger.Warn().Msg("Coverage has no id, coverage-information will not reference it")
	}
	for _, payor := range rc.Coverage.Objects("payor") {
		ref := fhir.ReferenceString(payor)
		if org := e.resolver.Resolve(ctx, ref, "Organization", rc.Coverage); org != nil {
			rc.Payors = append(rc.Payors, org)
			rc.Organizations = append(rc.Organizations, org)
		}
	}
}

func (e *Extractor) extractUser(ctx context.Context, req *fhir.CDSHookRequest, rc *ResolvedContext) {
	if user, ok := fhir.AsResource(req.Prefetch[prefetchUser]); ok {
		switch user.Type() {
		case "Practitioner":
			rc.Practitioners = append(rc.Practitioners, user)
			return
		case "PractitionerRole":
			rc.PractitionerRoles = append(rc.PractitionerRoles, user)
			return
		}
	}
	userID := req.ContextString(contextUserID)
	if userID == "" {
		return
	}
	types := []string{"Practitioner", "PractitionerRole"}
	if rt, _, ok := fhir.ParseReference(userID); ok {
		types = []string{rt}
	}
	for _, rt := range types {
		user := e.resolver.ReadRemote(ctx, userID, rt)
		if user == nil {
			continue
		}
		switch rt {
		case "Practitioner":
			rc.Practitioners = append(rc.Practitioners, user)
		case "PractitionerRole":
			rc.PractitionerRoles = append(rc.PractitionerRoles, user)
		}
		return
	}
}

func prefetchOfType(req *fhir.CDSHookRequest, key, resourceType string) fhir.Resource {
	r, ok := fhir.AsResource(req.Prefetch[key])
	if !ok || r.Type() != resourceType {
		return nil
	}
	return r
}
