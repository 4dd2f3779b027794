package crd

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/crd/internal/platform/fhir"
	"github.com/ehr/crd/internal/platform/telemetry"
)

// Config is the static configuration of the pipeline.
type Config struct {
	DTRLaunchURL     string
	EmptyPayerPolicy fhir.EmptyClausePolicy
	PageSize         int
	EngineTimeout    time.Duration
	// BreakerFailures is the number of consecutive remote read failures
	// after which a request stops calling its fhirServer.
	BreakerFailures uint32
	AutoPrefetch    bool
	ResultShape     ResultShape
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		DTRLaunchURL:     "http://localhost:3005/launch",
		EmptyPayerPolicy: fhir.EmptyClauseMatchNone,
		PageSize:         DefaultPageSize,
		EngineTimeout:    10 * time.Second,
		BreakerFailures:  3,
		AutoPrefetch:     true,
	}
}

// Deps are the collaborators shared by every request. Now and NewID may be
// nil, in which case wall-clock time and random uuids are used.
type Deps struct {
	Store   DefinitionStore
	Engine  Engine
	Reader  fhir.Reader
	Metrics *telemetry.PipelineMetrics
	Logger  zerolog.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
	NewID   func() string
}
