package catalog

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

// Handler manages permission catalog endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers catalog routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/permissions", h.definePermission)
	r.Post("/permission-sets", h.createSet)
	r.Post("/permission-sets/{setID}/parents", h.addParent)
	r.Get("/permission-sets/{setID}/permissions", h.expandSet)
}

type definePermissionRequest struct {
	Resource string `json:"resource" validate:"required,max=64"`
	Action   string `json:"action" validate:"required,max=128"`
	Effect   string `json:"effect" validate:"required,oneof=allow deny"`
	Scope    string `json:"scope" validate:"required,oneof=own assigned group all"`
}

func (h *Handler) definePermission(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req definePermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.DefinePermission(r.Context(), req.Resource, req.Action, Effect(req.Effect), Scope(req.Scope), actor.UserID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

type createSetRequest struct {
	Name          string   `json:"name" validate:"required,max=128"`
	ParentIDs     []string `json:"parent_ids" validate:"dive,uuid"`
	PermissionIDs []string `json:"permission_ids" validate:"dive,uuid"`
}

func (h *Handler) createSet(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createSetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	parents, err := parseIDs(req.ParentIDs)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parent_ids must be UUIDs")
		return
	}
	perms, err := parseIDs(req.PermissionIDs)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission_ids must be UUIDs")
		return
	}
	set, err := h.service.CreatePermissionSet(r.Context(), req.Name, parents, perms, actor.UserID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, set)
}

type addParentRequest struct {
	ParentID string `json:"parent_id" validate:"required,uuid"`
}

func (h *Handler) addParent(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	setID, err := uuid.Parse(chi.URLParam(r, "setID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "set id must be a UUID")
		return
	}
	var req addParentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	parentID, err := uuid.Parse(req.ParentID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parent_id must be a UUID")
		return
	}
	if err := h.service.AddParent(r.Context(), setID, parentID, actor.UserID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) expandSet(w http.ResponseWriter, r *http.Request) {
	setID, err := uuid.Parse(chi.URLParam(r, "setID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "set id must be a UUID")
		return
	}
	perms, err := h.service.ExpandPermissionSet(r.Context(), setID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrCycleDetected):
		httpx.Problem(w, http.StatusConflict, "CYCLE_DETECTED", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	default:
		h.logger.Error("catalog request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
