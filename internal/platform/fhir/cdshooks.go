package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// CDS Hooks 2.0 types
// ---------------------------------------------------------------------------

// CDSService describes a single CDS service returned in discovery.
type CDSService struct {
	Hook              string            `json:"hook"`
	Title             string            `json:"title,omitempty"`
	Description       string            `json:"description"`
	ID                string            `json:"id"`
	Prefetch          map[string]string `json:"prefetch,omitempty"`
	UsageRequirements string            `json:"usageRequirements,omitempty"`
}

// CDSHookRequest is the payload POSTed to invoke a hook.
type CDSHookRequest struct {
	Hook         string                 `json:"hook" validate:"required"`
	HookInstance string                 `json:"hookInstance" validate:"required"`
	FHIRServer   string                 `json:"fhirServer,omitempty" validate:"omitempty,url"`
	FHIRAuth     *CDSFHIRAuth           `json:"fhirAuthorization,omitempty"`
	Context      map[string]interface{} `json:"context" validate:"required"`
	Prefetch     map[string]interface{} `json:"prefetch,omitempty"`
}

// AccessToken returns the bearer token the EHR granted for fhirServer, or "".
func (r *CDSHookRequest) AccessToken() string {
	if r.FHIRAuth == nil {
		return ""
	}
	return r.FHIRAuth.AccessToken
}

// ContextString reads a string-valued context field.
func (r *CDSHookRequest) ContextString(key string) string {
	s, _ := r.Context[key].(string)
	return s
}

// CDSFHIRAuth carries FHIR authorization details from the EHR.
type CDSFHIRAuth struct {
	AccessToken string `json:"access_token" validate:"required"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Subject     string `json:"subject"`
}

// CDSCard is a single card in the hook response.
type CDSCard struct {
	UUID              string                 `json:"uuid,omitempty"`
	Summary           string                 `json:"summary"`
	Detail            string                 `json:"detail,omitempty"`
	Indicator         string                 `json:"indicator"`
	Source            CDSSource              `json:"source"`
	Suggestions       []CDSSuggestion        `json:"suggestions,omitempty"`
	Links             []CDSLink              `json:"links,omitempty"`
	OverrideReasons   []CDSCoding            `json:"overrideReasons,omitempty"`
	SelectionBehavior string                 `json:"selectionBehavior,omitempty"`
	Extension         map[string]interface{} `json:"extension,omitempty"`
}

// CDSSource identifies the source of a card.
type CDSSource struct {
	Label string     `json:"label"`
	URL   string     `json:"url,omitempty"`
	Icon  string     `json:"icon,omitempty"`
	Topic *CDSCoding `json:"topic,omitempty"`
}

// CDSSuggestion is a suggested action within a card.
type CDSSuggestion struct {
	Label         string      `json:"label"`
	UUID          string      `json:"uuid,omitempty"`
	IsRecommended bool        `json:"isRecommended,omitempty"`
	Actions       []CDSAction `json:"actions,omitempty"`
}

// CDSAction is an individual action within a suggestion.
type CDSAction struct {
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Resource    interface{} `json:"resource,omitempty"`
}

// CDSLink is an external link within a card.
type CDSLink struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	AppContext string `json:"appContext,omitempty"`
}

// CDSCoding is a code/system/display triple used in CDS Hooks.
type CDSCoding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// CDSHookResponse is returned from hook invocation.
// Both lists are always serialized, empty rather than null.
type CDSHookResponse struct {
	Cards         []CDSCard   `json:"cards"`
	SystemActions []CDSAction `json:"systemActions"`
}

// NewCDSHookResponse returns a response with empty, non-nil lists.
func NewCDSHookResponse() *CDSHookResponse {
	return &CDSHookResponse{Cards: []CDSCard{}, SystemActions: []CDSAction{}}
}

func (r *CDSHookResponse) normalize() {
	if r.Cards == nil {
		r.Cards = []CDSCard{}
	}
	if r.SystemActions == nil {
		r.SystemActions = []CDSAction{}
	}
}

// CDSFeedbackRequest is the feedback body defined by CDS Hooks 2.0.
type CDSFeedbackRequest struct {
	Feedback []CDSFeedback `json:"feedback" validate:"required,min=1,dive"`
}

// CDSFeedback records what the user did with a card.
type CDSFeedback struct {
	Card             string      `json:"card" validate:"required"`
	Outcome          string      `json:"outcome" validate:"required,oneof=accepted overridden"`
	OverrideReasons  []CDSCoding `json:"overrideReasons,omitempty"`
	OutcomeTimestamp string      `json:"outcomeTimestamp" validate:"required"`
}

// ---------------------------------------------------------------------------
// Handler function types
// ---------------------------------------------------------------------------

// ServiceHandler processes a CDS hook request and returns cards.
type ServiceHandler func(ctx context.Context, req CDSHookRequest) (*CDSHookResponse, error)

// FeedbackHandler processes feedback for a service.
type FeedbackHandler func(ctx context.Context, serviceID string, fb CDSFeedbackRequest) error

// ---------------------------------------------------------------------------
// CDSHooksHandler
// ---------------------------------------------------------------------------

// CDSHooksHandler implements the HL7 CDS Hooks 2.0 REST API.
type CDSHooksHandler struct {
	services         map[string]CDSService
	handlers         map[string]ServiceHandler
	feedbackHandlers map[string]FeedbackHandler
	order            []string
	validate         *validator.Validate
	logger           zerolog.Logger
}

// NewCDSHooksHandler creates a new CDSHooksHandler.
func NewCDSHooksHandler(logger zerolog.Logger) *CDSHooksHandler {
	return &CDSHooksHandler{
		services:         make(map[string]CDSService),
		handlers:         make(map[string]ServiceHandler),
		feedbackHandlers: make(map[string]FeedbackHandler),
		validate:         validator.New(),
		logger:           logger.With().Str("component", "cds-hooks").Logger(),
	}
}

// RegisterService registers a CDS service and its handler.
func (h *CDSHooksHandler) RegisterService(svc CDSService, handler ServiceHandler) {
	if _, exists := h.services[svc.ID]; !exists {
		h.order = append(h.order, svc.ID)
	}
	h.services[svc.ID] = svc
	h.handlers[svc.ID] = handler
}

// RegisterFeedbackHandler registers an optional feedback handler for a service.
func (h *CDSHooksHandler) RegisterFeedbackHandler(serviceID string, handler FeedbackHandler) {
	h.feedbackHandlers[serviceID] = handler
}

// RegisterRoutes registers CDS Hooks routes on the root Echo instance.
func (h *CDSHooksHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/cds-services", h.Discovery)
	e.POST("/cds-services/:id", h.HandleHook)
	e.POST("/cds-services/:id/feedback", h.HandleFeedback)
}

// Discovery handles GET /cds-services and returns all registered services.
func (h *CDSHooksHandler) Discovery(c echo.Context) error {
	services := make([]CDSService, 0, len(h.order))
	for _, id := range h.order {
		if svc, ok := h.services[id]; ok {
			services = append(services, svc)
		}
	}
	return c.JSON(http.StatusOK, map[string][]CDSService{
		"services": services,
	})
}

// HandleHook handles POST /cds-services/:id and invokes a CDS hook.
func (h *CDSHooksHandler) HandleHook(c echo.Context) error {
	serviceID := c.Param("id")

	svc, ok := h.services[serviceID]
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("CDS Service", serviceID))
	}

	var req CDSHookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(fmt.Sprintf("invalid request body: %v", err)))
	}

	if req.Hook != svc.Hook {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(
			fmt.Sprintf("hook mismatch: request hook %q does not match service hook %q", req.Hook, svc.Hook),
		))
	}

	if err := h.validate.Struct(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(describeValidation(err)))
	}

	handler, ok := h.handlers[serviceID]
	if !ok {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome("no handler registered for service"))
	}

	h.logger.Info().
		Str("service", serviceID).
		Str("hook_instance", req.HookInstance).
		Str("fhir_server", req.FHIRServer).
		Msg("hook invoked")

	resp, err := handler(c.Request().Context(), req)
	if err != nil {
		var invalid *InvalidRequestError
		switch {
		case errors.As(err, &invalid):
			h.logger.Warn().Str("service", serviceID).Str("hook_instance", req.HookInstance).Msg(invalid.Message)
			return c.JSON(http.StatusBadRequest, ErrorOutcome(invalid.Message))
		case errors.Is(err, context.DeadlineExceeded):
			return c.JSON(http.StatusGatewayTimeout, TimeoutOutcome())
		default:
			h.logger.Error().Err(err).Str("service", serviceID).Str("hook_instance", req.HookInstance).Msg("hook processing failed")
			return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
		}
	}
	if resp == nil {
		resp = NewCDSHookResponse()
	}
	resp.normalize()

	return c.JSON(http.StatusOK, resp)
}

// describeValidation renders the first failed field of a validator error.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return fmt.Sprintf("%s is required", lowerFirst(fe.Field()))
		}
		return fmt.Sprintf("%s is invalid (%s)", lowerFirst(fe.Field()), fe.Tag())
	}
	return err.Error()
}

func lowerFirst(s string) string {
	switch s {
	case "HookInstance":
		return "hookInstance"
	case "FHIRServer":
		return "fhirServer"
	case "AccessToken":
		return "fhirAuthorization.access_token"
	}
	if s == "" {
		return s
	}
	return string(s[0]+('a'-'A')) + s[1:]
}

// HandleFeedback handles POST /cds-services/:id/feedback and records card feedback.
func (h *CDSHooksHandler) HandleFeedback(c echo.Context) error {
	serviceID := c.Param("id")

	if _, ok := h.services[serviceID]; !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("CDS Service", serviceID))
	}

	var fb CDSFeedbackRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&fb); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(fmt.Sprintf("invalid feedback body: %v", err)))
	}
	if err := h.validate.Struct(&fb); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome(describeValidation(err)))
	}

	handler, ok := h.feedbackHandlers[serviceID]
	if !ok {
		// no handler: accept as a no-op
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}

	if err := handler(c.Request().Context(), serviceID, fb); err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
