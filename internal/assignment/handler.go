package assignment

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/platform/httpx"
	"github.com/kincircle/kincircle/internal/shared"
)

// Handler manages role assignment and delegation endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers assignment routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/roles/assign", h.assignRole)
	r.Post("/roles/assignments/{id}/approve", h.approveAssignment)
	r.Post("/roles/assignments/{id}/revoke", h.revokeAssignment)
	r.Post("/roles/assignments/{id}/suspend", h.suspendAssignment)
	r.Post("/roles/assignments/{id}/resume", h.resumeAssignment)
	r.Post("/delegations", h.createDelegation)
	r.Post("/delegations/{id}/approve", h.approveDelegation)
	r.Post("/delegations/{id}/revoke", h.revokeDelegation)
}

type scheduleRequest struct {
	Days        []int  `json:"days" validate:"required,min=1,max=7,dive,min=0,max=6"`
	StartMinute int    `json:"start_minute" validate:"min=0,max=1439"`
	EndMinute   int    `json:"end_minute" validate:"min=0,max=1439"`
	Timezone    string `json:"timezone" validate:"required"`
}

func (r *scheduleRequest) toSchedule() *Schedule {
	if r == nil {
		return nil
	}
	days := make([]time.Weekday, 0, len(r.Days))
	for _, d := range r.Days {
		days = append(days, time.Weekday(d))
	}
	return &Schedule{Days: days, StartMinute: r.StartMinute, EndMinute: r.EndMinute, Timezone: r.Timezone}
}

type assignRoleRequest struct {
	UserID        string           `json:"user_id" validate:"required,uuid"`
	RoleType      string           `json:"role_type" validate:"required,max=64"`
	ScopeEntities []string         `json:"scope_entities" validate:"dive,required,max=128"`
	ValidFrom     time.Time        `json:"valid_from"`
	ValidUntil    *time.Time       `json:"valid_until"`
	Schedule      *scheduleRequest `json:"schedule"`
	Reason        string           `json:"reason" validate:"max=512"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req assignRoleRequest
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
	asg, err := h.service.AssignRole(r.Context(), AssignRoleInput{
		UserID:        userID,
		RoleType:      req.RoleType,
		ScopeEntities: req.ScopeEntities,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		Schedule:      req.Schedule.toSchedule(),
		GrantedBy:     actor.UserID,
		Reason:        req.Reason,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, asg)
}

type createDelegationRequest struct {
	ToUser        string           `json:"to_user" validate:"required,uuid"`
	RoleID        string           `json:"role_id" validate:"required,uuid"`
	ScopeEntities []string         `json:"scope_entities" validate:"dive,required,max=128"`
	ValidFrom     time.Time        `json:"valid_from"`
	ValidUntil    time.Time        `json:"valid_until" validate:"required"`
	Schedule      *scheduleRequest `json:"schedule"`
	Reason        string           `json:"reason" validate:"max=512"`
}

func (h *Handler) createDelegation(w http.ResponseWriter, r *http.Request) {
	actor := shared.PrincipalFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createDelegationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	toUser, err := uuid.Parse(req.ToUser)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to_user must be a UUID")
		return
	}
	roleID, err := uuid.Parse(req.RoleID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role_id must be a UUID")
		return
	}
	del, err := h.service.CreateDelegation(r.Context(), CreateDelegationInput{
		FromUser:      actor.UserID,
		ToUser:        toUser,
		RoleID:        roleID,
		ScopeEntities: req.ScopeEntities,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		Schedule:      req.Schedule.toSchedule(),
		Reason:        req.Reason,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, del)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

func (h *Handler) approveAssignment(w http.ResponseWriter, r *http.Request) {
	h.withActorAndID(w, r, func(ctx *http.Request, id, actor uuid.UUID, _ string) error {
		return h.service.ApproveAssignment(ctx.Context(), id, actor)
	})
}

func (h *Handler) revokeAssignment(w http.ResponseWriter, r *http.Request) {
	h.withActorAndID(w, r, func(ctx *http.Request, id, actor uuid.UUID, reason string) error {
		return h.service.RevokeRole(ctx.Context(), id, actor, reason)
	})
}

func (h *Handler) suspendAssignment(w http.ResponseWriter, r *http.Request) {
	h.withActorAndID(w, r, func(ctx *http.Request, id, actor uuid.UUID, reason string) error {
		return h.service.SuspendAssignment(ctx.Context(), id, actor, reason)
	})
}

func (h *Handler) resumeAssignment(w http.ResponseWriter, r *http.Request) {
	h.withActorAndID(w, r, func(ctx *http.Request, id, actor uuid.UUID, reason string) error {
		return h.service.ResumeAssignment(ctx.Context(), id, actor, reason)
	})
}

func (h *Handler) approveDelegation(w http.ResponseWriter, r *http.Request) {
	h.withActorAndID(w, r, func(ctx *http.Request, id, actor uuid.UUID, _ string) error {
		return h.service.ApproveDelegation(ctx.Context(), id, actor)
	})
}

func (h *Handler) revokeDelegation(w http.ResponseWriter, r *http.Request) {
	h.withActorAndID(w, r, func(ctx *http.Request, id, actor uuid.UUID, reason string) error {
		return h.service.RevokeDelegation(ctx.Context(), id, actor, reason)
	})
}

// withActorAndID handles the shared plumbing of the state transition
// endpoints: principal, URL id, optional reason body.
func (h *Handler) withActorAndID(w http.ResponseWriter, r *http.Request, fn func(r *http.Request, id, actor uuid.UUID, reason string) error) {
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
	var req reasonRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
	}
	if err := fn(r, id, actor.UserID, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrInvalidTimeBounds), errors.Is(err, ErrSelfDelegation), errors.Is(err, ErrOutlivesGrant):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("assignment request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
