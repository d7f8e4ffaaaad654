package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/erp-access/internal/shared"
	"github.com/odyssey-erp/erp-access/internal/token"
)

type decisionLog struct {
	mu       sync.Mutex
	outcomes []string
}

func (d *decisionLog) RecordDecision(resource, action, outcome string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, fmt.Sprintf("%s/%s:%s", resource, action, outcome))
}

func newTokenService(t *testing.T, secret string) *token.Service {
	t.Helper()
	svc, err := token.NewService(token.Config{Secret: secret, TTL: time.Hour})
	require.NoError(t, err)
	return svc
}

func bearer(t *testing.T, svc *token.Service, subject token.Subject) string {
	t.Helper()
	issued, err := svc.Issue(subject)
	require.NoError(t, err)
	return "Bearer " + issued.Token
}

func serve(handler http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/employees", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRequireStateMachine(t *testing.T) {
	tokens := newTokenService(t, "primary-secret")
	log := &decisionLog{}
	mw := Middleware{
		Tokens:    tokens,
		Evaluator: NewEvaluator(staticSource{roles: map[int64]*Role{7: managerRole()}}),
		Metrics:   log,
	}

	var seen shared.Principal
	var seenRole *Role
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.PrincipalFromContext(r.Context())
		seenRole, _ = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	edit := mw.Require(ResourceEmployees, ActionEdit)(ok)
	del := mw.Require(ResourceEmployees, ActionDelete)(ok)

	manager := bearer(t, tokens, token.Subject{IdentityID: 42, Email: "m@odyssey.test", RoleID: 7, RoleName: "stale-name"})

	rec := serve(edit, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = serve(edit, "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(edit, "Basic Zm9vOmJhcg==")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(del, manager)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "employees")

	rec = serve(edit, manager)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(42), seen.IdentityID)
	assert.Equal(t, "Manager", seen.RoleName)
	require.NotNil(t, seenRole)
	assert.Equal(t, int64(7), seenRole.ID)

	assert.Equal(t, []string{
		"employees/can_edit:unauthenticated",
		"employees/can_edit:unauthenticated",
		"employees/can_edit:unauthenticated",
		"employees/can_delete:denied",
		"employees/can_edit:allowed",
	}, log.outcomes)
}

func TestRequireRejectsForeignSecret(t *testing.T) {
	foreign := newTokenService(t, "secret-A")
	mw := Middleware{
		Tokens:    newTokenService(t, "secret-B"),
		Evaluator: NewEvaluator(staticSource{roles: map[int64]*Role{7: managerRole()}}),
	}
	handler := mw.Require(ResourceEmployees, ActionView)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := serve(handler, bearer(t, foreign, token.Subject{IdentityID: 1, RoleID: 7}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequirePanicsOnUnknownNames(t *testing.T) {
	mw := Middleware{Tokens: newTokenService(t, "primary-secret"), Evaluator: NewEvaluator(staticSource{})}

	assert.PanicsWithValue(t, `rbac: Require("employes", "can_view"): unknown resource or action`, func() {
		mw.Require(Resource("employes"), ActionView)
	})
	assert.Panics(t, func() { mw.Require(ResourceEmployees, Action("can_see")) })
	assert.Panics(t, func() { mw.Require(ResourceEmployees, Action("")) })
	assert.NotPanics(t, func() { mw.Require(ResourceEmployees, ActionApprove) })
}

func TestRequireDeniesUnassignedAndUnknownRoles(t *testing.T) {
	tokens := newTokenService(t, "primary-secret")
	mw := Middleware{Tokens: tokens, Evaluator: NewEvaluator(staticSource{roles: map[int64]*Role{}})}
	handler := mw.Require(ResourceDashboard, ActionView)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, bearer(t, tokens, token.Subject{IdentityID: 3}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(handler, bearer(t, tokens, token.Subject{IdentityID: 3, RoleID: 55, RoleName: "deleted"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireStoreOutage(t *testing.T) {
	tokens := newTokenService(t, "primary-secret")
	log := &decisionLog{}
	mw := Middleware{
		Tokens:    tokens,
		Evaluator: NewEvaluator(staticSource{err: errors.New("dial tcp: refused")}),
		Metrics:   log,
	}
	handler := mw.Require(ResourceEmployees, ActionView)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, bearer(t, tokens, token.Subject{IdentityID: 1, RoleID: 7}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "refused")
	assert.Equal(t, []string{"employees/can_view:unavailable"}, log.outcomes)
}

func TestAuthenticatedAttachesPrincipal(t *testing.T) {
	tokens := newTokenService(t, "primary-secret")
	mw := Middleware{Tokens: tokens}
	var seen shared.Principal
	handler := mw.Authenticated()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, bearer(t, tokens, token.Subject{IdentityID: 9, Email: "u@odyssey.test"}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), seen.IdentityID)
	assert.Equal(t, int64(0), seen.RoleID)

	rec = serve(handler, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer   abc.def.ghi ")
	raw, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc.def.ghi", raw)

	req.Header.Set("Authorization", "Bearer")
	_, ok = BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer ")
	_, ok = BearerToken(req)
	assert.False(t, ok)
}

// Requests racing a matrix update must observe one whole version of the role.
func TestConcurrentRequestsSeeWholeSnapshots(t *testing.T) {
	tokens := newTokenService(t, "primary-secret")
	before := Role{ID: 5, Name: "Clerk", Version: 1, Permissions: NewMatrix()}
	before.Permissions[ResourceClients] = Permissions{View: true}
	before.Permissions[ResourceSuppliers] = Permissions{View: true}
	loader := newCountingLoader(before)
	cache := NewCache(loader, time.Minute)
	mw := Middleware{Tokens: tokens, Evaluator: NewEvaluator(cache)}

	var (
		mu   sync.Mutex
		torn int
	)
	inspect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := RoleFromContext(r.Context())
		clients := role.Permissions[ResourceClients]
		suppliers := role.Permissions[ResourceSuppliers]
		if clients.Edit != suppliers.Edit {
			mu.Lock()
			torn++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
	handlers := []http.Handler{
		mw.Require(ResourceClients, ActionView)(inspect),
		mw.Require(ResourceSuppliers, ActionView)(inspect),
	}
	auth := bearer(t, tokens, token.Subject{IdentityID: 1, RoleID: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for v := int64(2); ctx.Err() == nil; v++ {
			next := before.Clone()
			next.Version = v
			grant := v%2 == 0
			next.Permissions[ResourceClients] = Permissions{View: true, Edit: grant}
			next.Permissions[ResourceSuppliers] = Permissions{View: true, Edit: grant}
			loader.set(next)
			cache.Invalidate(5)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := serve(handlers[i%2], auth)
			assert.Equal(t, http.StatusOK, rec.Code)
		}(i)
	}
	wg.Wait()
	cancel()
	writer.Wait()

	assert.Zero(t, torn)
}
