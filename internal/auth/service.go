package auth

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/shared"
	"github.com/odyssey-erp/erp-access/internal/token"
	"github.com/odyssey-erp/erp-access/internal/users"
)

// Identities is the credential store used for login and signup.
type Identities interface {
	FindByEmail(ctx context.Context, email string) (users.Identity, error)
	Get(ctx context.Context, id int64) (users.Identity, error)
	Register(ctx context.Context, in users.RegisterInput) (users.Identity, error)
}

// Issuer signs session tokens.
type Issuer interface {
	Issue(subject token.Subject) (token.Issued, error)
}

// dummyHash is compared against when the email is unknown so both failure
// paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("odyssey-erp-dummy-password"), bcrypt.DefaultCost)

// Service wraps authentication business rules.
type Service struct {
	identities Identities
	evaluator  *rbac.Evaluator
	tokens     Issuer
	logger     *slog.Logger
}

// NewService constructs a new Service.
func NewService(identities Identities, evaluator *rbac.Evaluator, tokens Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{identities: identities, evaluator: evaluator, tokens: tokens, logger: logger}
}

// Login validates email/password credentials and issues a token. Unknown
// emails, inactive identities and wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return Session{}, shared.ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)); err != nil {
		return Session{}, shared.ErrInvalidCredentials
	}
	if !identity.IsActive {
		return Session{}, shared.ErrInvalidCredentials
	}
	return s.issue(ctx, identity)
}

// Signup registers an identity without a role and signs it in. The new
// identity is denied everything until an administrator assigns a role.
func (s *Service) Signup(ctx context.Context, in SignupInput) (Session, error) {
	identity, err := s.identities.Register(ctx, users.RegisterInput{
		Email:    in.Email,
		Name:     in.Name,
		Password: in.Password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issue(ctx, identity)
}

// Me returns the principal's identity and effective role.
func (s *Service) Me(ctx context.Context, principal shared.Principal) (Profile, error) {
	identity, err := s.identities.Get(ctx, principal.IdentityID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return Profile{}, shared.ErrInvalidCredentials
		}
		return Profile{}, err
	}
	role, err := s.evaluator.Resolve(ctx, identity.RoleRef())
	if err != nil {
		return Profile{}, err
	}
	return Profile{Identity: identity, Role: roleView(role)}, nil
}

// Check answers whether the principal's role grants action on resource.
// Unknown names are denied.
func (s *Service) Check(ctx context.Context, principal shared.Principal, resource, action string) (CheckResult, error) {
	result := CheckResult{Resource: resource, Action: action}
	res, resErr := rbac.ParseResource(resource)
	act, actErr := rbac.ParseAction(action)
	if resErr != nil || actErr != nil {
		return result, nil
	}
	decision, err := s.evaluator.Decide(ctx, principal.RoleID, res, act)
	if err != nil {
		return CheckResult{}, err
	}
	result.Allowed = decision.Allowed
	return result, nil
}

func (s *Service) issue(ctx context.Context, identity users.Identity) (Session, error) {
	role, err := s.evaluator.Resolve(ctx, identity.RoleRef())
	if err != nil {
		return Session{}, err
	}
	issued, err := s.tokens.Issue(token.Subject{
		IdentityID: identity.ID,
		Email:      identity.Email,
		RoleID:     role.ID,
		RoleName:   role.Name,
	})
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("session issued", slog.Int64("identity_id", identity.ID), slog.Int64("role_id", role.ID))
	return Session{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Identity:  identity,
		Role:      roleView(role),
	}, nil
}
