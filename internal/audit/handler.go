package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/platform/httpx"
)

// Handler mengekspos endpoint baca untuk kedua log audit.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler membangun Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes mendaftarkan route audit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit/checks", h.listChecks)
	r.Get("/audit/changes", h.listChanges)
}

func (h *Handler) listChecks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := CheckFilters{
		Action:   q.Get("action"),
		Page:     intParam(q.Get("page")),
		PageSize: intParam(q.Get("page_size")),
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id must be a UUID")
			return
		}
		filters.UserID = &id
	}
	var ok bool
	if filters.From, filters.To, ok = timeRange(q.Get("from"), q.Get("to")); !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from and to must be RFC3339 timestamps")
		return
	}
	result, err := h.service.Checks(r.Context(), filters)
	if err != nil {
		h.logger.Error("list audit checks", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ChangeFilters{
		Entity:   q.Get("entity"),
		Severity: Severity(q.Get("severity")),
		Page:     intParam(q.Get("page")),
		PageSize: intParam(q.Get("page_size")),
	}
	if raw := q.Get("actor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor_id must be a UUID")
			return
		}
		filters.ActorID = &id
	}
	var ok bool
	if filters.From, filters.To, ok = timeRange(q.Get("from"), q.Get("to")); !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from and to must be RFC3339 timestamps")
		return
	}
	result, err := h.service.Changes(r.Context(), filters)
	if err != nil {
		h.logger.Error("list audit changes", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func intParam(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func timeRange(fromRaw, toRaw string) (from, to time.Time, ok bool) {
	var err error
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	return from, to, true
}
