package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/campusmart/marketplace/pkg/httputil"
	"github.com/campusmart/marketplace/services/review/internal/domain"
)

// RatingService serves subject aggregates.
type RatingService interface {
	GetAggregate(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, error)
	GetAggregates(ctx context.Context, subjectType string, ids []string) ([]domain.SubjectAggregate, error)
	InitSubject(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, bool, error)
}

// Recomputer rebuilds a subject's aggregate on demand.
type Recomputer interface {
	Recompute(ctx context.Context, subjectType, subjectID string) (*domain.SubjectAggregate, error)
}

// RatingHandler handles HTTP requests for subject rating endpoints.
type RatingHandler struct {
	ratings    RatingService
	recomputer Recomputer
	logger     *slog.Logger
}

// NewRatingHandler creates a new rating HTTP handler.
func NewRatingHandler(ratings RatingService, recomputer Recomputer, logger *slog.Logger) *RatingHandler {
	return &RatingHandler{ratings: ratings, recomputer: recomputer, logger: logger}
}

// GetAggregate handles GET /api/v1/subjects/{subjectType}/{subjectId}/rating
func (h *RatingHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := h.ratings.GetAggregate(r.Context(), chi.URLParam(r, "subjectType"), chi.URLParam(r, "subjectId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, agg)
}

// GetAggregates handles GET /api/v1/subjects/{subjectType}/ratings?ids=a,b
func (h *RatingHandler) GetAggregates(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if strings.TrimSpace(raw) == "" {
		writeBadParam(w, "ids query parameter is required")
		return
	}

	aggs, err := h.ratings.GetAggregates(r.Context(), chi.URLParam(r, "subjectType"), strings.Split(raw, ","))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, aggs)
}

// InitSubject handles POST /api/v1/subjects/{subjectType}/{subjectId}
func (h *RatingHandler) InitSubject(w http.ResponseWriter, r *http.Request) {
	agg, created, err := h.ratings.InitSubject(r.Context(), chi.URLParam(r, "subjectType"), chi.URLParam(r, "subjectId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteData(w, status, agg)
}

// Recompute handles POST /api/v1/admin/subjects/{subjectType}/{subjectId}/recompute
func (h *RatingHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	agg, err := h.recomputer.Recompute(r.Context(), chi.URLParam(r, "subjectType"), chi.URLParam(r, "subjectId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, agg)
}
