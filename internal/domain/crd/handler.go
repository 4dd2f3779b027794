package crd

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/fhir"
)

// Register exposes the CRD services on a CDS Hooks handler.
func Register(h *fhir.CDSHooksHandler, svc *Service, logger zerolog.Logger) {
	for _, hs := range Services() {
		hs := hs
		h.RegisterService(hs.Descriptor, func(ctx context.Context, req fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
			return svc.Process(ctx, hs, &req)
		})
		h.RegisterFeedbackHandler(hs.Descriptor.ID, feedbackLogger(logger))
	}
}

// feedbackLogger records card outcomes. Feedback is not persisted.
func feedbackLogger(logger zerolog.Logger) fhir.FeedbackHandler {
	return func(ctx context.Context, serviceID string, fb fhir.CDSFeedbackRequest) error {
		log := clientLogger(ctx, logger.With())
		for _, f := range fb.Feedback {
			ev := log.Info().Str("service", serviceID).Str("card", f.Card).Str("outcome", f.Outcome).
				Str("outcome_timestamp", f.OutcomeTimestamp)
			for _, r := range f.OverrideReasons {
				ev = ev.Str("override_reason", r.Code)
			}
			ev.Msg("card feedback")
		}
		return nil
	}
}
