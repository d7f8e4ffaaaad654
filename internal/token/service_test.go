package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/erp-access/internal/shared"
)

func newTestService(t *testing.T, secret string, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(Config{Secret: secret, TTL: 24 * time.Hour, Issuer: "odyssey-erp"})
	require.NoError(t, err)
	return svc.WithClock(func() time.Time { return now })
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService(Config{Secret: "   "})
	assert.ErrorIs(t, err, shared.ErrConfiguration)

	_, err = NewService(Config{Secret: "s3cret", TTL: -time.Minute})
	assert.ErrorIs(t, err, shared.ErrConfiguration)

	_, err = NewService(Config{Secret: "s3cret", Leeway: -time.Second})
	assert.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestVerifyToleratesClockSkewBetweenInstances(t *testing.T) {
	issuerNow := time.Date(2026, 3, 1, 9, 0, 0, 300_000_000, time.UTC)
	issued, err := newTestService(t, "shared-secret", issuerNow).Issue(Subject{IdentityID: 8, RoleID: 2, RoleName: "Manager"})
	require.NoError(t, err)

	behind := newTestService(t, "shared-secret", issuerNow.Add(-500*time.Millisecond))
	claims, err := behind.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(8), claims.IdentityID)

	_, err = behind.WithClock(func() time.Time { return issuerNow.Add(-time.Minute) }).Verify(issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	issued, err = newTestService(t, "shared-secret", issuerNow).Issue(Subject{IdentityID: 8})
	require.NoError(t, err)
	ahead := newTestService(t, "shared-secret", issued.ExpiresAt.Add(2*time.Second))
	_, err = ahead.Verify(issued.Token)
	assert.NoError(t, err)
}

func TestIssueOnUnconfiguredService(t *testing.T) {
	var svc *Service
	_, err := svc.Issue(Subject{IdentityID: 1})
	assert.ErrorIs(t, err, shared.ErrConfiguration)

	_, err = (&Service{}).Issue(Subject{IdentityID: 1})
	assert.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, "deployment-a-secret", now)

	subjects := []Subject{
		{IdentityID: 1, Email: "admin@odyssey.local", RoleID: 3, RoleName: "Administrator"},
		{IdentityID: 42, Email: "clerk@odyssey.local", RoleID: 0, RoleName: ""},
		{IdentityID: 9000, RoleID: 17, RoleName: "Manager"},
	}
	for _, subject := range subjects {
		issued, err := svc.Issue(subject)
		require.NoError(t, err)
		assert.True(t, now.Add(24*time.Hour).Equal(issued.ExpiresAt))

		claims, err := svc.Verify(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, subject.IdentityID, claims.IdentityID)
		assert.Equal(t, subject.RoleID, claims.RoleID)
		assert.Equal(t, subject.RoleName, claims.RoleName)
		assert.Equal(t, subject.Email, claims.Email)
		assert.True(t, now.Equal(claims.IssuedAt))
		assert.NotEmpty(t, claims.ID)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issued, err := newTestService(t, "secret", issuedAt).Issue(Subject{IdentityID: 5, RoleID: 2, RoleName: "Manager"})
	require.NoError(t, err)

	for _, after := range []time.Duration{24*time.Hour + DefaultLeeway + time.Second, 48 * time.Hour, 365 * 24 * time.Hour} {
		_, err := newTestService(t, "secret", issuedAt.Add(after)).Verify(issued.Token)
		assert.ErrorIs(t, err, ErrExpiredToken)
		assert.NotErrorIs(t, err, ErrInvalidToken)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now()
	issued, err := newTestService(t, "A", now).Issue(Subject{IdentityID: 5, RoleID: 2, RoleName: "Manager"})
	require.NoError(t, err)

	_, err = newTestService(t, "B", now).Verify(issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMalformed(t *testing.T) {
	svc := newTestService(t, "secret", time.Now())
	for _, raw := range []string{"", "garbage", "a.b", "a.b.c", "%%%.%%%.%%%"} {
		_, err := svc.Verify(raw)
		assert.ErrorIs(t, err, ErrMalformedToken, raw)
	}
}

func TestVerifyRejectsForeignAlgorithms(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, "secret", now)
	claims := sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "5",
		Issuer:    "odyssey-erp",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.Verify(hs512)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRequiresExpiry(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, "secret", now)
	claims := sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  "5",
		Issuer:   "odyssey-erp",
		IssuedAt: jwt.NewNumericDate(now),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsNonNumericSubject(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, "secret", now)
	claims := sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-five",
		Issuer:    "odyssey-erp",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.Verify(raw)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyTamperedPayload(t *testing.T) {
	svc := newTestService(t, "secret", time.Now())
	issued, err := svc.Issue(Subject{IdentityID: 5, RoleID: 2, RoleName: "Clerk"})
	require.NoError(t, err)

	other, err := svc.Issue(Subject{IdentityID: 6, RoleID: 1, RoleName: "Administrator"})
	require.NoError(t, err)

	parts := strings.Split(issued.Token, ".")
	otherParts := strings.Split(other.Token, ".")
	forged := parts[0] + "." + otherParts[1] + "." + parts[2]

	_, err = svc.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
