// Package crd implements Coverage Requirements Discovery for CDS Hooks: it
// assembles the hook context, finds the payer rules that apply to each
// order, runs them and turns the results into cards and system actions.
package crd

import (
	"errors"

	"github.com/ehr/crd/internal/platform/fhir"
)

const (
	CoverageInformationURL = "http://hl7.org/fhir/us/davinci-crd/StructureDefinition/ext-coverage-information"

	PlanDefinitionTopicSystem = "http://hl7.org/fhir/us/davinci-crd/CodeSystem/plan-definition-topics"
	PlanDefinitionTopicCode   = "crd"

	AssociatedResourceExtension = "davinci-crd.associated-resource"
	DefaultSourceLabel          = "Da Vinci CRD"

	ContextTypeFocus   = "focus"
	ContextTypeProgram = "program"
)

// Coverage-information sub-extension urls.
const (
	subCoverage      = "coverage"
	subCovered       = "covered"
	subPANeeded      = "pa-needed"
	subDocNeeded     = "doc-needed"
	subDocPurpose    = "doc-purpose"
	subInfoNeeded    = "info-needed"
	subQuestionnaire = "questionnaire"
	subDate          = "date"
	subAssertionID   = "coverage-assertion-id"
	subSatisfiedPAID = "satisfied-pa-id"
	subExpiryDate    = "expiry-date"
	subBillingCode   = "billingCode"
	subReason        = "reason"
	subDetail        = "detail"
	subDependency    = "dependency"
	subContact       = "contact"
)

const (
	CoveredCovered     = "covered"
	CoveredNotCovered  = "not-covered"
	CoveredConditional = "conditional"
)

// ErrNoRequestGroup is returned when an engine result carries no RequestGroup.
var ErrNoRequestGroup = errors.New("No RequestGroup found in PlanDefinition execution result")

// ClinicalCode is a coded value taken from a triggering order.
type ClinicalCode struct {
	System string
	Code   string
}

// Normalize rewrites an https code system to http.
func (c ClinicalCode) Normalize() ClinicalCode {
	return ClinicalCode{System: fhir.NormalizeSystem(c.System), Code: c.Code}
}

func (c ClinicalCode) String() string {
	return c.System + "|" + c.Code
}

// PayerIdentifier identifies the payer organization behind a coverage.
type PayerIdentifier struct {
	System string
	Value  string
}

// Usable reports whether both parts are present.
func (p PayerIdentifier) Usable() bool {
	return p.System != "" && p.Value != ""
}

// ResolvedContext is the typed view of everything a hook request refers to.
// Absent singletons are nil; lists may be empty.
type ResolvedContext struct {
	Patient           fhir.Resource
	Coverage          fhir.Resource
	Encounter         fhir.Resource
	Task              fhir.Resource
	Practitioners     []fhir.Resource
	PractitionerRoles []fhir.Resource
	Organizations     []fhir.Resource
	// Payors are the organizations resolved from Coverage.payor, in
	// reference order. They are also listed in Organizations.
	Payors       []fhir.Resource
	Appointments []fhir.Resource
	Orders       []Order
	Selections   []string
}

// PayerIdentifiers returns the identifiers of the organizations resolved as
// payors on the coverage.
func (rc *ResolvedContext) PayerIdentifiers() []PayerIdentifier {
	if rc.Coverage == nil {
		return nil
	}
	var out []PayerIdentifier
	for _, org := range rc.Payors {
		if org.Type() != "Organization" {
			continue
		}
		for _, ident := range org.Objects("identifier") {
			system, _ := ident["system"].(string)
			value, _ := ident["value"].(string)
			id := PayerIdentifier{System: system, Value: value}
			if id.Usable() {
				out = append(out, id)
			}
		}
	}
	return out
}

// CoverageDecision is the coverage-information a rule attached to its first
// action.
type CoverageDecision struct {
	Coverage          string
	Covered           string
	PANeeded          string
	DocNeeded         []string
	DocPurpose        []string
	InfoNeeded        []string
	QuestionnaireURLs []string
	Date              string
	AssertionID       string
	SatisfiedPAID     string
	ExpiryDate        string
	// Base is the extension as the rule emitted it, including sub-extensions
	// not projected above.
	Base fhir.Extension
}
