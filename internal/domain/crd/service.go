package crd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/crd/internal/domain/plandefinition"
	"github.com/ehr/crd/internal/platform/auth"
	"github.com/ehr/crd/internal/platform/fhir"
)

// Service runs the CRD pipeline for one hook request at a time. It holds no
// per-request state and is safe for concurrent use.
type Service struct {
	cfg      Config
	deps     Deps
	matcher  *Matcher
	executor *Executor
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("crd")
	}
	logger := deps.Logger.With().Str("component", "crd").Logger()
	return &Service{
		cfg:  cfg,
		deps: deps,
		matcher: &Matcher{
			Store:            deps.Store,
			PageSize:         cfg.PageSize,
			EmptyPayerPolicy: cfg.EmptyPayerPolicy,
		},
		executor: &Executor{
			Engine: deps.Engine,
			Assembler: &Assembler{
				DTRLaunchURL: cfg.DTRLaunchURL,
				Now:          deps.Now,
				NewID:        deps.NewID,
				Logger:       logger,
			},
			Timeout: cfg.EngineTimeout,
			Shape:   cfg.ResultShape,
			NewID:   deps.NewID,
		},
		tracer: tracer,
		logger: logger,
	}
}

// Process answers one hook request: it resolves the context, validates it
// with the hook's policy and runs every applicable definition for every
// code of every triggering order.
//
// A failing (order, code, definition) iteration is logged and skipped; the
// remaining iterations still contribute. An engine result without a
// RequestGroup rejects the whole request.
func (s *Service) Process(ctx context.Context, hs HookService, req *fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
	start := time.Now()
	serviceID := hs.Descriptor.ID
	ctx, span := s.tracer.Start(ctx, "crd.process", trace.WithAttributes(
		attribute.String("cds.service", serviceID),
		attribute.String("cds.hook_instance", req.HookInstance),
	))
	defer span.End()

	log := clientLogger(ctx, s.logger.With().Str("service", serviceID).Str("hook_instance", req.HookInstance))

	resp, err := s.process(ctx, hs, req, log)
	outcome := "ok"
	switch {
	case err == nil:
	case fhir.IsInvalidRequest(err):
		outcome = "rejected"
		span.SetStatus(codes.Error, err.Error())
	default:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.deps.Metrics.ObserveHook(serviceID, outcome, time.Since(start))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("crd.cards", len(resp.Cards)), attribute.Int("crd.system_actions", len(resp.SystemActions)))
	s.deps.Metrics.AddCards(len(resp.Cards), len(resp.SystemActions))
	return resp, nil
}

func (s *Service) process(ctx context.Context, hs HookService, req *fhir.CDSHookRequest, log zerolog.Logger) (*fhir.CDSHookResponse, error) {
	// Prefetch and resolution share one breaker per request.
	var reader fhir.Reader
	if s.deps.Reader != nil {
		reader = newGuardedReader(s.deps.Reader, s.cfg.BreakerFailures, req.HookInstance, log)
	}
	if s.cfg.AutoPrefetch {
		p := &Prefetcher{Reader: reader, Logger: log, Metrics: s.deps.Metrics}
		req = p.Fill(ctx, hs.Descriptor, req)
	}
	resolver := NewResolver(req, log, s.deps.Metrics, DefaultStrategies(reader, log)...)
	rc := NewExtractor(resolver, log).Extract(ctx, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := hs.Policy.Validate(rc, req); err != nil {
		return nil, err
	}

	payers := rc.PayerIdentifiers()
	if len(payers) == 0 {
		log.Warn().Msg("no payor identifiers found in Coverage payors")
	}

	orders := hs.Policy.SelectTriggeringResources(rc, req)
	log.Info().Int("orders", len(orders)).Int("payers", len(payers)).Msg("selected triggering resources")

	resp := fhir.NewCDSHookResponse()
	var failures []error
	for _, order := range orders {
		orderCodes := order.Codes(ctx, resolver)
		log.Debug().Str("order", order.Ref()).Int("codes", len(orderCodes)).Msg("order codes")

		for _, code := range orderCodes {
			defs, err := s.matcher.FindApplicableDefinitions(ctx, code, payers, hs.Policy.Hook())
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				log.Error().Err(err).Str("order", order.Ref()).Str("code", code.String()).Msg("definition search failed")
				s.deps.Metrics.IterationFailure("match")
				failures = append(failures, err)
				continue
			}
			s.deps.Metrics.AddDefinitions(len(defs))
			log.Info().Str("code", code.String()).Int("definitions", len(defs)).Msg("found applicable definitions")

			for _, def := range defs {
				part, err := s.execute(ctx, def, rc, order)
				if err != nil {
					if errors.Is(err, ErrNoRequestGroup) {
						return nil, fhir.NewInvalidRequestError("%s", ErrNoRequestGroup.Error())
					}
					if ctxErr := ctx.Err(); ctxErr != nil {
						return nil, ctxErr
					}
					log.Error().Err(err).Str("definition", def.ID).Str("order", order.Ref()).Msg("definition execution failed")
					s.deps.Metrics.EngineFailure()
					s.deps.Metrics.IterationFailure("execute")
					failures = append(failures, err)
					continue
				}
				resp.Cards = append(resp.Cards, part.Cards...)
				resp.SystemActions = append(resp.SystemActions, part.SystemActions...)
			}
		}
	}

	if err := errors.Join(failures...); err != nil {
		log.Warn().Err(err).Int("failures", len(failures)).Msg("some rule iterations failed")
	}
	return resp, nil
}

func (s *Service) execute(ctx context.Context, def *plandefinition.PlanDefinition, rc *ResolvedContext, order Order) (*PartialResponse, error) {
	ctx, span := s.tracer.Start(ctx, "crd.execute", trace.WithAttributes(
		attribute.String("crd.definition", def.ID),
		attribute.String("crd.order", order.Ref()),
	))
	defer span.End()
	part, err := s.executor.Execute(ctx, def, rc, order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("definition %s: %w", def.ID, err)
	}
	return part, nil
}

// clientLogger adds the authenticated CDS client, when there is one.
func clientLogger(ctx context.Context, lc zerolog.Context) zerolog.Logger {
	if iss := auth.ClientIssuerFromContext(ctx); iss != "" {
		lc = lc.Str("client_iss", iss).Str("client_sub", auth.ClientSubjectFromContext(ctx))
	}
	return lc.Logger()
}
