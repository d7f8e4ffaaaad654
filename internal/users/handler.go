package users

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

// Handler manages identity administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers identity routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(rbac.ResourceEmployees, rbac.ActionView)).Get("/", h.list)
	r.With(h.rbac.Require(rbac.ResourceEmployees, rbac.ActionView)).Get("/{id}", h.get)
	r.With(h.rbac.Require(rbac.ResourceEmployees, rbac.ActionCreate)).Post("/", h.create)
	r.With(h.rbac.Require(rbac.ResourceEmployees, rbac.ActionEdit)).Patch("/{id}", h.update)
	r.With(h.rbac.Require(rbac.ResourceEmployees, rbac.ActionDelete)).Delete("/{id}", h.delete)
}

type createRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required"`
	RoleID   *int64 `json:"role_id" validate:"omitempty,gt=0"`
}

type updateRequest struct {
	Email    *string `json:"email" validate:"omitempty,email"`
	Name     *string `json:"name" validate:"omitempty,max=200"`
	Password *string `json:"password"`
}

type listResponse struct {
	Items      []Identity        `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Page:    queryInt(r, "page"),
		PerPage: queryInt(r, "per_page"),
	}
	items, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list identities", err)
		return
	}
	if items == nil {
		items = []Identity{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Pagination: page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	identity, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get identity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, identity)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	identity, err := h.service.Create(r.Context(), RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		RoleID:   req.RoleID,
	})
	if err != nil {
		h.fail(w, "create identity", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, identity)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	identity, err := h.service.Update(r.Context(), id, UpdateInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		h.fail(w, "update identity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, identity)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if principal, ok := shared.PrincipalFromContext(r.Context()); ok && principal.IdentityID == id {
		httpx.Problem(w, http.StatusConflict, "Conflict", "cannot delete the signed-in identity")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete identity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op+" failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
