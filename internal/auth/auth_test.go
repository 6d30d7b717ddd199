package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-energy/internal/database/dbtest"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	h := dbtest.NewTestHelper(t)
	f := dbtest.BasicFixture("org1")
	f.Users[1].APIKey, f.Users[1].APISecret = "approver-key", "approver-secret"
	h.Seed(f)
	return NewService("test-secret", time.Hour, h.DB)
}

func TestGenerateToken_CarriesIdentity(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.GenerateToken(Credentials{APIKey: "approver-key", APISecret: "approver-secret"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiration, time.Minute)

	identity, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "org1-approver", OrganizationID: "org1", Role: "APPROVER"}, *identity)
	assert.True(t, identity.HasRole("MANAGER", "APPROVER"))
	assert.False(t, identity.HasRole("TRADER"))
}

func TestGenerateToken_RejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)

	for _, creds := range []Credentials{
		{APIKey: "approver-key", APISecret: "nope"},
		{APIKey: "unknown", APISecret: "approver-secret"},
		{APIKey: "approver-key"},
		{},
	} {
		_, err := svc.GenerateToken(creds)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewService("test-secret", time.Hour, nil)
	svc.tokenTTL = -time.Minute

	token, err := svc.IssueToken(Identity{UserID: "u", OrganizationID: "org1", Role: "CLIENT"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestValidateToken_RequiresOrganization(t *testing.T) {
	svc := NewService("test-secret", time.Hour, nil)

	token, err := svc.IssueToken(Identity{UserID: "u", Role: "CLIENT"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(token.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	r := gin.New()
	r.POST("/auth/token", NewGinHandlers(svc).GenerateTokenHandler())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"api_key":"approver-key","api_secret":"approver-secret"}`, http.StatusCreated},
		{"wrong secret", `{"api_key":"approver-key","api_secret":"x"}`, http.StatusUnauthorized},
		{"malformed", `{"api_key":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
