package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/renewcast/coherent-go/internal/database"
	"github.com/renewcast/coherent-go/internal/middleware"
	"github.com/renewcast/coherent-go/internal/models"
	"github.com/renewcast/coherent-go/internal/reconcile"
	"github.com/renewcast/coherent-go/internal/services"
)

// ReconcileHandler serves the reconciliation endpoints.
type ReconcileHandler struct {
	service *services.ReconciliationService
	repo    *database.ForecastRepository
}

// NewReconcileHandler wires the handler. repo may be nil when the service
// runs without persistence.
func NewReconcileHandler(service *services.ReconciliationService, repo *database.ForecastRepository) *ReconcileHandler {
	return &ReconcileHandler{service: service, repo: repo}
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Reconcile handles POST /api/v1/reconcile.
func (h *ReconcileHandler) Reconcile(c *gin.Context) {
	var req models.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.Base) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "base forecast matrix is required"})
		return
	}

	middleware.AddSpanAttribute(c, "reconcile.series", len(req.Base))

	resp, err := h.service.Reconcile(c.Request.Context(), &req)
	if err != nil {
		status, kind := classifyError(err)
		middleware.RecordError(c, err, kind)
		c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CreateHierarchy handles POST /api/v1/hierarchies.
func (h *ReconcileHandler) CreateHierarchy(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "hierarchy storage is not configured"})
		return
	}

	var spec models.HierarchySpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	// Validate before persisting; a stored hierarchy must always build.
	if _, err := services.BuildHierarchy(&spec); err != nil {
		status, kind := classifyError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}

	if _, err := h.repo.SaveHierarchy(c.Request.Context(), &spec); err != nil {
		middleware.RecordError(c, err, "hierarchy save failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, spec)
}

// ListHierarchies handles GET /api/v1/hierarchies.
func (h *ReconcileHandler) ListHierarchies(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "hierarchy storage is not configured"})
		return
	}
	specs, err := h.repo.ListHierarchies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": specs, "total": len(specs)})
}

// GetHierarchy handles GET /api/v1/hierarchies/:id.
func (h *ReconcileHandler) GetHierarchy(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "hierarchy storage is not configured"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid hierarchy id"})
		return
	}
	spec, err := h.repo.GetHierarchy(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "hierarchy not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, spec)
}

// GetRun handles GET /api/v1/runs/:id.
func (h *ReconcileHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid run id"})
		return
	}
	run, err := h.service.GetRun(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// classifyError maps the reconciliation error taxonomy onto HTTP statuses.
func classifyError(err error) (int, string) {
	var invalid *reconcile.InvalidHierarchyError
	var mismatch *reconcile.DimensionMismatchError
	var singular *reconcile.SingularCovarianceError
	var infeasible *reconcile.InfeasibleConstraintsError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_hierarchy"
	case errors.As(err, &mismatch):
		return http.StatusBadRequest, "dimension_mismatch"
	case errors.As(err, &infeasible):
		return http.StatusUnprocessableEntity, "infeasible_constraints"
	case errors.As(err, &singular):
		return http.StatusUnprocessableEntity, "singular_covariance"
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusBadRequest, ""
	}
}
