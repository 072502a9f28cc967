package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/campusmart/marketplace/pkg/httputil"
	"github.com/campusmart/marketplace/pkg/middleware"
	"github.com/campusmart/marketplace/pkg/pagination"
	"github.com/campusmart/marketplace/pkg/validator"
	"github.com/campusmart/marketplace/services/review/internal/domain"
	"github.com/campusmart/marketplace/services/review/internal/repository"
	"github.com/campusmart/marketplace/services/review/internal/service"
)

// ReviewService is the review use-case surface the handler needs.
type ReviewService interface {
	Create(ctx context.Context, input *service.CreateReviewInput) (*domain.Review, error)
	Update(ctx context.Context, reviewID, actorID string, patch domain.ReviewPatch) (*domain.Review, error)
	Delete(ctx context.Context, reviewID string, actor service.Actor) error
	Get(ctx context.Context, reviewID string) (*domain.Review, error)
	ListBySubject(ctx context.Context, subjectType, subjectID string, filter repository.ReviewFilter) (*pagination.Result[domain.Review], error)
	ListByAuthor(ctx context.Context, authorID string, page, perPage int) (*pagination.Result[domain.Review], error)
}

// HelpfulService records helpful votes.
type HelpfulService interface {
	MarkHelpful(ctx context.Context, reviewID, voterID string) (int, error)
}

// ReviewHandler handles HTTP requests for review endpoints.
type ReviewHandler struct {
	reviews ReviewService
	helpful HelpfulService
	logger  *slog.Logger
}

// NewReviewHandler creates a new review HTTP handler.
func NewReviewHandler(reviews ReviewService, helpful HelpfulService, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{reviews: reviews, helpful: helpful, logger: logger}
}

// --- Request DTOs ---

// CreateReviewRequest is the JSON request body for creating a review.
type CreateReviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Title   string `json:"title" validate:"max=100"`
	Content string `json:"content" validate:"max=2000"`
}

// UpdateReviewRequest is the JSON request body for editing a review. Omitted
// fields stay unchanged.
type UpdateReviewRequest struct {
	Rating  *int    `json:"rating" validate:"omitempty,min=1,max=5"`
	Title   *string `json:"title" validate:"omitempty,max=100"`
	Content *string `json:"content" validate:"omitempty,max=2000"`
}

// HelpfulResponse is returned after a helpful vote.
type HelpfulResponse struct {
	ReviewID     string `json:"review_id"`
	HelpfulCount int    `json:"helpful_count"`
}

// --- Handlers ---

// ListBySubject handles GET /api/v1/subjects/{subjectType}/{subjectId}/reviews
func (h *ReviewHandler) ListBySubject(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r, domain.ReviewSorts()...)
	filter := repository.ReviewFilter{
		Sort:    domain.ReviewSort(params.Sort),
		Page:    params.Page,
		PerPage: params.PerPage,
	}
	if v := r.URL.Query().Get("rating"); v != "" {
		rating, err := strconv.Atoi(v)
		if err != nil {
			writeBadParam(w, "rating must be an integer between 1 and 5")
			return
		}
		filter.Rating = &rating
	}

	result, err := h.reviews.ListBySubject(r.Context(), chi.URLParam(r, "subjectType"), chi.URLParam(r, "subjectId"), filter)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// Create handles POST /api/v1/subjects/{subjectType}/{subjectId}/reviews
func (h *ReviewHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateReviewRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	review, err := h.reviews.Create(r.Context(), &service.CreateReviewInput{
		SubjectType: chi.URLParam(r, "subjectType"),
		SubjectID:   chi.URLParam(r, "subjectId"),
		AuthorID:    middleware.UserIDFromContext(r.Context()),
		Rating:      req.Rating,
		Title:       req.Title,
		Content:     req.Content,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusCreated, review)
}

// Get handles GET /api/v1/reviews/{reviewId}
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "reviewId"))
	if !ok {
		return
	}

	review, err := h.reviews.Get(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, review)
}

// Update handles PATCH /api/v1/reviews/{reviewId}
func (h *ReviewHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "reviewId"))
	if !ok {
		return
	}

	var req UpdateReviewRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	patch := domain.ReviewPatch{Rating: req.Rating, Title: req.Title, Content: req.Content}
	review, err := h.reviews.Update(r.Context(), id.String(), middleware.UserIDFromContext(r.Context()), patch)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, review)
}

// Delete handles DELETE /api/v1/reviews/{reviewId}
func (h *ReviewHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "reviewId"))
	if !ok {
		return
	}

	identity, _ := middleware.IdentityFromContext(r.Context())
	actor := service.Actor{ID: identity.UserID, Role: identity.Role}
	if err := h.reviews.Delete(r.Context(), id.String(), actor); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkHelpful handles POST /api/v1/reviews/{reviewId}/helpful
func (h *ReviewHandler) MarkHelpful(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "reviewId"))
	if !ok {
		return
	}

	count, err := h.helpful.MarkHelpful(r.Context(), id.String(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, HelpfulResponse{ReviewID: id.String(), HelpfulCount: count})
}

// ListMine handles GET /api/v1/users/me/reviews
func (h *ReviewHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	result, err := h.reviews.ListByAuthor(r.Context(), middleware.UserIDFromContext(r.Context()), params.Page, params.PerPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func writeBadParam(w http.ResponseWriter, msg string) {
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
		Error: &httputil.ErrorResponse{Code: "INVALID_PARAMETER", Message: msg},
	})
}
