package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/platform/httpx"
)

// Handler exposes the decision endpoint.
type Handler struct {
	logger    *slog.Logger
	evaluator *Evaluator
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, evaluator *Evaluator) *Handler {
	return &Handler{logger: logger, evaluator: evaluator, validator: validator.New()}
}

// MountRoutes registers authorization routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.authorize)
}

type authorizeRequest struct {
	UserID       string `json:"user_id" validate:"required,uuid"`
	Action       string `json:"action" validate:"required,max=128"`
	ResourceID   string `json:"resource_id" validate:"required,max=128"`
	ResourceType string `json:"resource_type" validate:"required,max=64"`
}

type authorizeResponse struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason"`
	Source            string `json:"source,omitempty"`
	RoleID            string `json:"role_id,omitempty"`
	TTLSeconds        int64  `json:"ttl_seconds"`
	CacheHit          bool   `json:"cache_hit"`
	Degraded          bool   `json:"degraded,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id must be a UUID")
		return
	}

	dec := h.evaluator.Evaluate(r.Context(), Request{
		UserID:       userID,
		Action:       req.Action,
		ResourceID:   req.ResourceID,
		ResourceType: req.ResourceType,
	})

	resp := authorizeResponse{
		Allowed:    dec.Allowed,
		Reason:     string(dec.Reason),
		Source:     string(dec.Source),
		TTLSeconds: int64(dec.TTL / time.Second),
		CacheHit:   dec.CacheHit,
		Degraded:   dec.Degraded,
	}
	if dec.RoleID != nil {
		resp.RoleID = dec.RoleID.String()
	}
	if dec.Reason == ReasonRateLimited {
		resp.RetryAfterSeconds = int64(dec.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	// Denials are well-formed outcomes, not transport errors.
	httpx.JSON(w, http.StatusOK, resp)
}
