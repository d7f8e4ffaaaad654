package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
	limiter   func(http.Handler) http.Handler
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbac,
		validator: validator.New(),
	}
}

// WithCredentialLimiter throttles the login and signup routes.
func (h *Handler) WithCredentialLimiter(mw func(http.Handler) http.Handler) *Handler {
	h.limiter = mw
	return h
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter)
		}
		r.Post("/login", h.handleLogin)
		r.Post("/signup", h.handleSignup)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Authenticated())
		r.Get("/me", h.handleMe)
		r.Post("/check", h.handleCheck)
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type checkRequest struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.Signup(r.Context(), SignupInput{Email: req.Email, Name: req.Name, Password: req.Password})
	if err != nil {
		h.logger.Info("signup rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, session)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrMissingToken)
		return
	}
	profile, err := h.service.Me(r.Context(), principal)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrMissingToken)
		return
	}
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Check(r.Context(), principal, req.Resource, req.Action)
	if err != nil {
		h.logger.Error("permission check failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
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
