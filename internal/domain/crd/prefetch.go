package crd

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/crd/internal/platform/fhir"
	"github.com/ehr/crd/internal/platform/telemetry"
)

var contextToken = regexp.MustCompile(`\{\{\s*context\.([A-Za-z0-9_]+)\s*\}\}`)

// Prefetcher fetches prefetch keys the client did not send from the
// request's fhirServer.
type Prefetcher struct {
	Reader  fhir.Reader
	Logger  zerolog.Logger
	Metrics *telemetry.PipelineMetrics
}

// Fill returns a copy of req whose prefetch map holds every key of the
// service's templates that could be fetched. Keys already present are kept
// as sent. Failures are logged and the key is left out.
func (p *Prefetcher) Fill(ctx context.Context, svc fhir.CDSService, req *fhir.CDSHookRequest) *fhir.CDSHookRequest {
	if p.Reader == nil || req.FHIRServer == "" || len(svc.Prefetch) == 0 {
		return req
	}
	out := *req
	out.Prefetch = make(map[string]interface{}, len(svc.Prefetch))
	for k, v := range req.Prefetch {
		out.Prefetch[k] = v
	}

	keys := make([]string, 0, len(svc.Prefetch))
	for k := range svc.Prefetch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	server := fhir.Server{BaseURL: req.FHIRServer, AccessToken: req.AccessToken()}
	for _, key := range keys {
		if v, ok := out.Prefetch[key]; ok && v != nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		query, ok := RenderPrefetchTemplate(svc.Prefetch[key], req)
		if !ok {
			p.Logger.Debug().Str("key", key).Msg("prefetch template has unresolved context tokens, skipping")
			p.Metrics.Prefetch("skipped")
			continue
		}
		p.Logger.Info().Str("key", key).Str("query", query).Msg("prefetch request")
		res, err := p.fetch(ctx, server, query)
		if err != nil {
			p.Logger.Info().Err(err).Str("key", key).Msg("prefetch failed")
			p.Metrics.Prefetch("failed")
			continue
		}
		p.Logger.Info().Str("key", key).Str("resource", res.Type()+"/"+res.ID()).Msg("prefetch response")
		p.Metrics.Prefetch("fetched")
		out.Prefetch[key] = res
	}
	return &out
}

func (p *Prefetcher) fetch(ctx context.Context, server fhir.Server, query string) (fhir.Resource, error) {
	path, rawQuery, isSearch := strings.Cut(query, "?")
	if !isSearch {
		return p.Reader.Read(ctx, server, path)
	}
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	return p.Reader.Search(ctx, server, path, params)
}

// RenderPrefetchTemplate substitutes {{context.X}} tokens. It reports false
// when a token names a context value the request does not carry.
func RenderPrefetchTemplate(template string, req *fhir.CDSHookRequest) (string, bool) {
	ok := true
	rendered := contextToken.ReplaceAllStringFunc(template, func(tok string) string {
		name := contextToken.FindStringSubmatch(tok)[1]
		v := req.ContextString(name)
		if v == "" {
			ok = false
		}
		return v
	})
	return rendered, ok
}
