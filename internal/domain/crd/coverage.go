package crd

import (
	"time"

	fhirmodels "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/ehr/crd/internal/platform/fhir"
)

// DateLayout is the FHIR date format used for the coverage-information date.
const DateLayout = "2006-01-02"

// DecisionFromRequestGroup reads the coverage decision of the first
// top-level action. Later actions never contribute. It returns nil when
// the RequestGroup has no actions.
func DecisionFromRequestGroup(rg fhir.Resource, coverage fhir.Resource, now time.Time, assertionID string) *CoverageDecision {
	actions := rg.Objects("action")
	if len(actions) == 0 {
		return nil
	}
	d := &CoverageDecision{
		AssertionID: assertionID,
		Date:        now.Format(DateLayout),
	}
	// A Coverage without an id cannot be referenced.
	if coverage != nil && coverage.ID() != "" {
		d.Coverage = fhir.FormatReference("Coverage", coverage.ID())
	}

	base := fhir.FindExtension(actions[0], CoverageInformationURL)
	if base == nil {
		return d
	}
	d.Base = base
	d.Covered = firstSub(base, subCovered)
	d.PANeeded = firstSub(base, subPANeeded)
	d.DocNeeded = fhir.SubExtensionStrings(base, subDocNeeded)
	d.DocPurpose = fhir.SubExtensionStrings(base, subDocPurpose)
	d.InfoNeeded = fhir.SubExtensionStrings(base, subInfoNeeded)
	d.SatisfiedPAID = firstSub(base, subSatisfiedPAID)
	d.ExpiryDate = firstSub(base, subExpiryDate)
	for _, sub := range fhir.FindExtensions(base, subQuestionnaire) {
		if v, ok := sub["valueCanonical"].(string); ok && v != "" {
			d.QuestionnaireURLs = append(d.QuestionnaireURLs, v)
		}
	}
	return d
}

// CoverageDetail is one detail sub-extension: a coded fact about the
// coverage such as an allowed quantity or period.
type CoverageDetail struct {
	Category      string
	Code          *fhirmodels.CodeableConcept
	ValueKey      string
	Value         interface{}
	Qualification string
}

// BillingCodes returns the billingCode sub-extensions.
func (d *CoverageDecision) BillingCodes() []fhirmodels.Coding {
	return decodeSubs[fhirmodels.Coding](d.Base, subBillingCode, "valueCoding")
}

// Reasons returns the reason sub-extensions.
func (d *CoverageDecision) Reasons() []fhirmodels.CodeableConcept {
	return decodeSubs[fhirmodels.CodeableConcept](d.Base, subReason, "valueCodeableConcept")
}

// Contacts returns the payer contacts for questions about the decision.
func (d *CoverageDecision) Contacts() []fhirmodels.ContactPoint {
	return decodeSubs[fhirmodels.ContactPoint](d.Base, subContact, "valueContactPoint")
}

// Dependencies returns the references of orders the decision depends on.
func (d *CoverageDecision) Dependencies() []string {
	return fhir.SubExtensionStrings(d.Base, subDependency)
}

// Details returns the detail sub-extensions. A category given as a
// CodeableConcept yields its first code.
func (d *CoverageDecision) Details() []CoverageDetail {
	var out []CoverageDetail
	for _, ext := range fhir.FindExtensions(d.Base, subDetail) {
		det := CoverageDetail{Qualification: firstSub(ext, "qualification")}
		if cat := fhir.FindExtension(ext, "category"); cat != nil {
			det.Category = fhir.ExtensionString(cat)
			if det.Category == "" {
				if cc := decodeValue[fhirmodels.CodeableConcept](cat, "valueCodeableConcept"); cc != nil && len(cc.Coding) > 0 && cc.Coding[0].Code != nil {
					det.Category = *cc.Coding[0].Code
				}
			}
		}
		if code := fhir.FindExtension(ext, "code"); code != nil {
			det.Code = decodeValue[fhirmodels.CodeableConcept](code, "valueCodeableConcept")
		}
		if v := fhir.FindExtension(ext, "value"); v != nil {
			det.ValueKey, det.Value = fhir.ExtensionValue(v)
		}
		out = append(out, det)
	}
	return out
}

func decodeSubs[T any](base fhir.Extension, url, valueKey string) []T {
	var out []T
	for _, sub := range fhir.FindExtensions(base, url) {
		if v := decodeValue[T](sub, valueKey); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func decodeValue[T any](ext fhir.Extension, valueKey string) *T {
	raw, ok := ext[valueKey].(map[string]interface{})
	if !ok {
		return nil
	}
	var v T
	if err := fhir.Resource(raw).Decode(&v); err != nil {
		return nil
	}
	return &v
}

// NeedsDocumentation reports whether DTR links apply.
func (d *CoverageDecision) NeedsDocumentation() bool {
	return len(d.DocNeeded) > 0 && len(d.QuestionnaireURLs) > 0
}

// CoverageExtension merges the decision into a new coverage-information
// extension. The rule's base extension is never modified: coverage, date
// and coverage-assertion-id replace an existing sub-extension or are
// appended; covered is replaced when the decision has one and defaults to
// "covered" when neither has it. Merging the same decision twice yields
// the same extension.
func (d *CoverageDecision) CoverageExtension() fhir.Extension {
	ext := fhir.Extension{"url": CoverageInformationURL}
	if d.Base != nil {
		ext = fhir.DeepCopy(d.Base).(map[string]interface{})
		ext["url"] = CoverageInformationURL
	}
	if d.Coverage != "" {
		ext = fhir.SetSubExtension(ext, subCoverage, "valueReference", map[string]interface{}{"reference": d.Coverage})
	}
	switch {
	case d.Covered != "":
		ext = fhir.SetSubExtension(ext, subCovered, "valueCode", d.Covered)
	case fhir.FindExtension(ext, subCovered) == nil:
		ext = fhir.SetSubExtension(ext, subCovered, "valueCode", CoveredCovered)
	}
	if d.Date != "" {
		ext = fhir.SetSubExtension(ext, subDate, "valueDate", d.Date)
	}
	ext = fhir.SetSubExtension(ext, subAssertionID, "valueString", d.AssertionID)
	return ext
}

// SystemAction builds the update action annotating a copy of the order.
func (d *CoverageDecision) SystemAction(order Order) fhir.CDSAction {
	updated := fhir.AppendExtension(order.Resource, d.CoverageExtension())
	return fhir.CDSAction{
		Type:        "update",
		Description: "Add coverage information to " + order.Resource.Type(),
		Resource:    updated,
	}
}

func firstSub(ext fhir.Extension, url string) string {
	if sub := fhir.FindExtension(ext, url); sub != nil {
		return fhir.ExtensionString(sub)
	}
	return ""
}
