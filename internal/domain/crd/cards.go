package crd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/fhir"
)

// Card indicators.
const (
	IndicatorInfo    = "info"
	IndicatorWarning = "warning"
)

// Assembler turns a RequestGroup into cards, a coverage system action and
// DTR launch links.
type Assembler struct {
	DTRLaunchURL string
	Now          func() time.Time
	NewID        func() string
	Logger       zerolog.Logger
}

// Assemble builds the partial response for one definition result.
func (a *Assembler) Assemble(def *plandefinition.PlanDefinition, rg fhir.Resource, rc *ResolvedContext, order Order) *PartialResponse {
	out := &PartialResponse{Cards: a.Cards(def, rg, order)}

	decision := DecisionFromRequestGroup(rg, rc.Coverage, a.Now(), "CRD-"+a.NewID())
	if decision == nil || rc.Coverage == nil {
		return out
	}
	a.Logger.Debug().Str("definition", def.ID).Str("covered", decision.Covered).
		Str("assertion_id", decision.AssertionID).Int("billing_codes", len(decision.BillingCodes())).
		Strs("dependencies", decision.Dependencies()).Msg("coverage information found")
	out.SystemActions = append(out.SystemActions, decision.SystemAction(order))
	if decision.NeedsDocumentation() && len(out.Cards) > 0 {
		out.Cards[0].Links = a.DTRLinks(decision, order, rc.Coverage)
	}
	return out
}

// Cards builds one card per top-level action.
func (a *Assembler) Cards(def *plandefinition.PlanDefinition, rg fhir.Resource, order Order) []fhir.CDSCard {
	label := def.Publisher
	if label == "" {
		label = DefaultSourceLabel
	}
	var cards []fhir.CDSCard
	for _, action := range rg.Objects("action") {
		summary, _ := action["title"].(string)
		detail, _ := action["description"].(string)
		card := fhir.CDSCard{
			UUID:      a.NewID(),
			Summary:   summary,
			Detail:    detail,
			Indicator: IndicatorInfo,
			Source: fhir.CDSSource{
				Label: label,
				URL:   def.URL,
				Topic: &fhir.CDSCoding{System: PlanDefinitionTopicSystem, Code: PlanDefinitionTopicCode},
			},
		}
		if ext := fhir.FindExtension(action, CoverageInformationURL); ext != nil && firstSub(ext, subCovered) == CoveredNotCovered {
			card.Indicator = IndicatorWarning
		}
		if ref := order.Ref(); ref != "" {
			card.Extension = map[string]interface{}{AssociatedResourceExtension: []string{ref}}
		}
		cards = append(cards, card)
	}
	return cards
}

// DTRLinks builds one SMART launch link per questionnaire.
func (a *Assembler) DTRLinks(d *CoverageDecision, order Order, coverage fhir.Resource) []fhir.CDSLink {
	links := make([]fhir.CDSLink, 0, len(d.QuestionnaireURLs))
	for _, q := range d.QuestionnaireURLs {
		label := "Complete Documentation (DTR)"
		if i := strings.LastIndex(q, "/"); i >= 0 {
			label = "Complete " + q[i+1:] + " (DTR)"
		}
		links = append(links, fhir.CDSLink{
			Label: label,
			URL:   a.DTRLaunchURL,
			Type:  "smart",
			AppContext: fmt.Sprintf("questionnaire=%s&order=%s/%s&coverage=%s/%s&coverage-assertion-id=%s",
				url.QueryEscape(q),
				order.Resource.Type(), order.Resource.ID(),
				coverage.Type(), coverage.ID(),
				d.AssertionID),
		})
	}
	return links
}
