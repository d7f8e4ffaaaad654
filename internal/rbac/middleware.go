package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
	"github.com/odyssey-erp/erp-access/internal/shared"
	"github.com/odyssey-erp/erp-access/internal/token"
)

// Decision outcomes reported to the DecisionRecorder.
const (
	OutcomeAllowed         = "allowed"
	OutcomeDenied          = "denied"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeUnavailable     = "unavailable"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (token.Claims, error)
}

// DecisionRecorder counts authorization outcomes.
type DecisionRecorder interface {
	RecordDecision(resource, action, outcome string)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Tokens    TokenVerifier
	Evaluator *Evaluator
	Logger    *slog.Logger
	Metrics   DecisionRecorder
}

// Authenticated ensures the request carries a valid bearer token and attaches
// the principal. No permission is checked.
func (m Middleware) Authenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := m.authenticate(r)
			if err != nil {
				m.reject(w, r, "", "", OutcomeUnauthenticated, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// Require ensures the principal's role grants action on resource. The role
// is read from the registry, not from the token, so matrix edits apply to
// tokens already issued. It panics when resource or action is not a known
// name, so a typo fails at route mount rather than denying every request.
func (m Middleware) Require(resource Resource, action Action) func(http.Handler) http.Handler {
	if !resource.Valid() || !action.Valid() {
		panic(fmt.Sprintf("rbac: Require(%q, %q): unknown resource or action", resource, action))
	}
	res, act := string(resource), string(action)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := m.authenticate(r)
			if err != nil {
				m.reject(w, r, res, act, OutcomeUnauthenticated, err)
				return
			}
			decision, err := m.Evaluator.Decide(r.Context(), principal.RoleID, resource, action)
			if err != nil {
				m.reject(w, r, res, act, OutcomeUnavailable, err)
				return
			}
			if !decision.Allowed {
				m.reject(w, r, res, act, OutcomeDenied, shared.ErrForbidden)
				return
			}
			m.record(res, act, OutcomeAllowed)

			principal.RoleName = decision.Role.Name
			ctx := shared.ContextWithPrincipal(r.Context(), principal)
			ctx = ContextWithRole(ctx, decision.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m Middleware) authenticate(r *http.Request) (shared.Principal, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return shared.Principal{}, shared.ErrMissingToken
	}
	if m.Tokens == nil {
		return shared.Principal{}, token.ErrInvalidToken
	}
	claims, err := m.Tokens.Verify(raw)
	if err != nil {
		return shared.Principal{}, err
	}
	return shared.Principal{
		IdentityID: claims.IdentityID,
		Email:      claims.Email,
		RoleID:     claims.RoleID,
		RoleName:   claims.RoleName,
	}, nil
}

func (m Middleware) reject(w http.ResponseWriter, r *http.Request, resource, action, outcome string, err error) {
	m.record(resource, action, outcome)
	logger := m.logger()
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("resource", resource),
		slog.String("action", action),
		slog.Any("error", err),
	}
	if outcome == OutcomeUnavailable {
		logger.Error("rbac role resolution failed", attrs...)
	} else {
		logger.Debug("rbac request rejected", attrs...)
	}
	if outcome == OutcomeUnavailable && !errors.Is(err, httpx.ErrUnavailable) {
		err = shared.Unavailable("rbac: resolve role", err)
	}
	httpx.RespondError(w, err)
}

func (m Middleware) record(resource, action, outcome string) {
	if m.Metrics != nil {
		m.Metrics.RecordDecision(resource, action, outcome)
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, raw, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

type roleContextKey struct{}

// ContextWithRole stores the resolved role snapshot.
func ContextWithRole(ctx context.Context, role *Role) context.Context {
	return context.WithValue(ctx, roleContextKey{}, role)
}

// RoleFromContext returns the role snapshot attached by Require.
func RoleFromContext(ctx context.Context) (*Role, bool) {
	role, ok := ctx.Value(roleContextKey{}).(*Role)
	return role, ok && role != nil
}
