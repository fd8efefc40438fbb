package override

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/platform/httpx"
	"github.com/kincircle/kincircle/internal/shared"
)

// Handler manages emergency override endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers override routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/emergency/override", h.activate)
	r.Post("/emergency/override/{id}/deactivate", h.deactivate)
}

type activateRequest struct {
	AffectedUser    string   `json:"affected_user" validate:"required,uuid"`
	Reason          string   `json:"reason" validate:"required,oneof=medical_emergency safety_concern caregiver_absent system_recovery"`
	DurationMinutes int      `json:"duration_minutes" validate:"required,min=1,max=1440"`
	Justification   string   `json:"justification" validate:"max=1024"`
	NotifyUsers     []string `json:"notify_users" validate:"dive,uuid"`
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req activateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	affected, err := uuid.Parse(req.AffectedUser)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "affected_user must be a UUID")
		return
	}
	notify := make([]uuid.UUID, 0, len(req.NotifyUsers))
	for _, raw := range req.NotifyUsers {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "notify_users must be UUIDs")
			return
		}
		notify = append(notify, id)
	}

	ovr, err := h.service.Activate(r.Context(), ActivateInput{
		TriggeredBy:     actor.UserID,
		AffectedUser:    affected,
		Reason:          Reason(req.Reason),
		DurationMinutes: req.DurationMinutes,
		Justification:   req.Justification,
		NotifyUsers:     notify,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ovr)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	if err := h.service.Deactivate(r.Context(), id, actor.UserID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidReason):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrAlreadyDeactivated):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("override request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
