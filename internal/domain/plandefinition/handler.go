package plandefinition

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/crd/internal/platform/fhir"
	"github.com/ehr/crd/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/PlanDefinition", h.SearchPlanDefinitionsFHIR)
	fhirGroup.GET("/PlanDefinition/:id", h.GetPlanDefinitionFHIR)
	fhirGroup.PUT("/PlanDefinition/:id", h.PutPlanDefinitionFHIR)
	fhirGroup.DELETE("/PlanDefinition/:id", h.DeletePlanDefinitionFHIR)
}

func (h *Handler) SearchPlanDefinitionsFHIR(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	values := c.QueryParams()[SearchParamContextTypeValue]
	items, total, err := h.svc.Search(c.Request().Context(), values, pg.Limit, pg.Offset)
	if err != nil {
		if fhir.IsInvalidRequest(err) {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]fhir.Resource, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	query := url.Values{}
	for _, v := range values {
		query.Add(SearchParamContextTypeValue, v)
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundleWithLinks(resources, pg.Bundle("/fhir/PlanDefinition", query.Encode(), total)))
}

func (h *Handler) GetPlanDefinitionFHIR(c echo.Context) error {
	pd, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("PlanDefinition", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("Last-Modified", pd.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, pd.ToFHIR())
}

func (h *Handler) PutPlanDefinitionFHIR(c echo.Context) error {
	var resource fhir.Resource
	if err := c.Bind(&resource); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid JSON body: "+err.Error()))
	}
	pd, created, err := h.svc.Put(c.Request().Context(), c.Param("id"), resource)
	if err != nil {
		if fhir.IsInvalidRequest(err) {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	if created {
		c.Response().Header().Set("Location", "/fhir/PlanDefinition/"+pd.ID)
		return c.JSON(http.StatusCreated, pd.ToFHIR())
	}
	return c.JSON(http.StatusOK, pd.ToFHIR())
}

func (h *Handler) DeletePlanDefinitionFHIR(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("PlanDefinition", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}
