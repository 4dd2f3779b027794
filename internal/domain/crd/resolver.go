package crd

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/circuitbreaker"
	"github.com/ehr/crd/internal/platform/fhir"
	"github.com/ehr/crd/internal/platform/telemetry"
)

// Lookup is one reference to resolve.
type Lookup struct {
	Reference    string
	ExpectedType string
	Parent       fhir.Resource
	Request      *fhir.CDSHookRequest
}

// Strategy is one source of resources. TryResolve reports false when the
// strategy has no match; it never fails.
type Strategy interface {
	Name() string
	TryResolve(ctx context.Context, l Lookup) (fhir.Resource, bool)
}

// Resolver resolves references for one hook request by trying its
// strategies in order.
type Resolver struct {
	strategies []Strategy
	req        *fhir.CDSHookRequest
	logger     zerolog.Logger
	metrics    *telemetry.PipelineMetrics
}

// NewResolver binds strategies to a request.
func NewResolver(req *fhir.CDSHookRequest, logger zerolog.Logger, metrics *telemetry.PipelineMetrics, strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies, req: req, logger: logger, metrics: metrics}
}

// DefaultStrategies is contained, then prefetch, then remote.
func DefaultStrategies(reader fhir.Reader, logger zerolog.Logger) []Strategy {
	return []Strategy{ContainedStrategy{}, PrefetchStrategy{}, &RemoteStrategy{Reader: reader, Logger: logger}}
}

// Resolve returns the first match or nil. A miss is logged, not returned as
// an error.
func (r *Resolver) Resolve(ctx context.Context, reference, expectedType string, parent fhir.Resource) fhir.Resource {
	if reference == "" {
		return nil
	}
	l := Lookup{Reference: reference, ExpectedType: expectedType, Parent: parent, Request: r.req}
	for _, s := range r.strategies {
		if ctx.Err() != nil {
			return nil
		}
		if res, ok := s.TryResolve(ctx, l); ok {
			r.metrics.Resolved(s.Name())
			return res
		}
	}
	r.metrics.Resolved("none")
	r.logger.Warn().Str("type", expectedType).Str("reference", reference).Msg("could not resolve reference")
	return nil
}

// ReadRemote reads expectedType/id from the request's server, bypassing
// contained and prefetch lookup.
func (r *Resolver) ReadRemote(ctx context.Context, id, expectedType string) fhir.Resource {
	for _, s := range r.strategies {
		if remote, ok := s.(*RemoteStrategy); ok {
			res, _ := remote.TryResolve(ctx, Lookup{Reference: id, ExpectedType: expectedType, Request: r.req})
			if res != nil {
				r.metrics.Resolved(remote.Name())
			}
			return res
		}
	}
	return nil
}

// matchesReference reports whether reference names r: "Type/id" exactly or
// as a suffix.
func matchesReference(r fhir.Resource, reference string) bool {
	return fhir.ReferenceMatches(reference, r.Ref())
}

// ---------------------------------------------------------------------------
// Contained
// ---------------------------------------------------------------------------

// ContainedStrategy resolves "#id" against the parent's contained resources.
type ContainedStrategy struct{}

func (ContainedStrategy) Name() string { return "contained" }

func (ContainedStrategy) TryResolve(_ context.Context, l Lookup) (fhir.Resource, bool) {
	if !fhir.IsContainedReference(l.Reference) || l.Parent == nil {
		return nil, false
	}
	id := strings.TrimPrefix(l.Reference, "#")
	for _, c := range l.Parent.Contained() {
		if c.Type() == l.ExpectedType && c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Prefetch
// ---------------------------------------------------------------------------

// PrefetchStrategy scans prefetch values, directly or inside bundles. Keys
// are visited in sorted order.
type PrefetchStrategy struct{}

func (PrefetchStrategy) Name() string { return "prefetch" }

func (PrefetchStrategy) TryResolve(_ context.Context, l Lookup) (fhir.Resource, bool) {
	if l.Request == nil || len(l.Request.Prefetch) == 0 {
		return nil, false
	}
	for _, key := range fhir.SortedKeys(l.Request.Prefetch) {
		res, ok := fhir.AsResource(l.Request.Prefetch[key])
		if !ok {
			continue
		}
		if res.Type() == l.ExpectedType && matchesReference(res, l.Reference) {
			return res, true
		}
		if res.Type() != "Bundle" {
			continue
		}
		for _, entry := range fhir.Entries(res) {
			if entry.Resource.Type() != l.ExpectedType {
				continue
			}
			if matchesReference(entry.Resource, l.Reference) || (entry.FullURL != "" && entry.FullURL == l.Reference) {
				return entry.Resource, true
			}
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Remote
// ---------------------------------------------------------------------------

// RemoteStrategy reads the resource from the request's fhirServer. Any
// failure counts as not found.
type RemoteStrategy struct {
	Reader fhir.Reader
	Logger zerolog.Logger
}

func (s *RemoteStrategy) Name() string { return "remote" }

func (s *RemoteStrategy) TryResolve(ctx context.Context, l Lookup) (fhir.Resource, bool) {
	if s.Reader == nil || l.Request == nil || l.Request.FHIRServer == "" || fhir.IsContainedReference(l.Reference) {
		return nil, false
	}
	id := referenceID(l.Reference)
	if id == "" {
		return nil, false
	}
	path := l.ExpectedType + "/" + id
	res, err := s.Reader.Read(ctx, fhir.Server{BaseURL: l.Request.FHIRServer, AccessToken: l.Request.AccessToken()}, path)
	if err != nil {
		s.Logger.Debug().Err(err).Str("path", path).Msg("could not resolve from server")
		return nil, false
	}
	if res.Type() != l.ExpectedType {
		s.Logger.Debug().Str("path", path).Str("got", res.Type()).Msg("server returned unexpected resource type")
		return nil, false
	}
	return res, true
}

// referenceID returns the id part of a reference: the last path segment
// with any version suffix removed.
func referenceID(ref string) string {
	if _, id, ok := fhir.ParseReference(ref); ok {
		return id
	}
	ref = strings.TrimSuffix(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// ---------------------------------------------------------------------------
// Request-scoped breaker
// ---------------------------------------------------------------------------

// guardedReader stops calling an unreachable server after consecutive
// transport failures or 5xx answers within one request.
type guardedReader struct {
	next fhir.Reader
	cb   *circuitbreaker.CircuitBreaker
}

func newGuardedReader(next fhir.Reader, failures uint32, hookInstance string, logger zerolog.Logger) *guardedReader {
	cfg := circuitbreaker.DefaultConfig("fhir-server:" + hookInstance)
	if failures > 0 {
		cfg.FailureThreshold = failures
	}
	// 4xx answers (a missing encounter, a Practitioner id that is really a
	// PractitionerRole) show the server is up.
	cfg.Excluded = fhir.IsClientError
	return &guardedReader{next: next, cb: circuitbreaker.New(cfg, logger)}
}

func (g *guardedReader) Read(ctx context.Context, server fhir.Server, path string) (fhir.Resource, error) {
	v, err := g.cb.Execute(ctx, func() (interface{}, error) {
		return g.next.Read(ctx, server, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(fhir.Resource), nil
}

func (g *guardedReader) Search(ctx context.Context, server fhir.Server, resourceType string, params url.Values) (fhir.Resource, error) {
	v, err := g.cb.Execute(ctx, func() (interface{}, error) {
		return g.next.Search(ctx, server, resourceType, params)
	})
	if err != nil {
		return nil, err
	}
	return v.(fhir.Resource), nil
}
