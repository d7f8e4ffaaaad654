package roles

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
	"github.com/odyssey-erp/erp-access/internal/rbac"
)

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	registry  Registry
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, registry Registry, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, registry: registry, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ResourceRoles, rbac.ActionView))
		r.Get("/", h.listRoles)
		r.Get("/catalog", h.catalog)
		r.Get("/{id}", h.getRole)
	})
	r.With(h.rbac.Require(rbac.ResourceRoles, rbac.ActionCreate)).Post("/", h.createRole)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ResourceRoles, rbac.ActionEdit))
		r.Patch("/{id}", h.updateRole)
		r.Put("/{id}/identities/{identityID}", h.assignRole)
	})
	r.With(h.rbac.Require(rbac.ResourceRoles, rbac.ActionDelete)).Delete("/{id}", h.deleteRole)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.registry.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: roles})
}

func (h *Handler) catalog(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, NewCatalog())
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.registry.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.registry.CreateRole(r.Context(), rbac.CreateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.registry.UpdateRole(r.Context(), id, req.patch())
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var replacement *int64
	if raw := r.URL.Query().Get("replacement_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid replacement_id")
			return
		}
		replacement = &v
	}
	if err := h.registry.DeleteRole(r.Context(), id, replacement); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	identityID, err := httpx.PathInt64(r, "identityID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.registry.AssignRole(r.Context(), identityID, roleID); err != nil {
		h.fail(w, "assign role", err)
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
	if rbac.IsRegistryError(err) {
		h.logger.Info(op+" rejected", slog.Any("error", err))
	} else {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

var _ Registry = (*rbac.Service)(nil)
