package authhandler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/apas-records-backend/api"
	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/ruteri/apas-records-backend/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) AppendAudit(ctx context.Context, username, action string, details map[string]string) error {
	args := m.Called(ctx, username, action, details)
	return args.Error(0)
}

func setupTestEnvironment(t *testing.T) (http.Handler, *session.Manager, *MockAuditor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := cryptoutils.HashPassword("i1-pw")
	require.NoError(t, err)

	identities := new(authz.MockIdentityStore)
	identities.On("LookupIdentity", mock.Anything, "i1").
		Return(&interfaces.Identity{ID: 3, Username: "i1", Credential: hash, Role: interfaces.RoleInstructor}, nil)
	identities.On("LookupIdentity", mock.Anything, mock.Anything).Return(nil, interfaces.ErrNotFound)

	guard := authz.NewGuard(identities, authz.GuardOptions{}, logger)
	sessions, err := session.NewManager(session.Config{Secret: []byte("auth-handler-test-secret")}, logger)
	require.NoError(t, err)

	auditor := new(MockAuditor)
	handler := NewHandler(guard, sessions, auditor, logger)

	r := chi.NewRouter()
	r.Use(sessions.Middleware)
	handler.RegisterRoutes(r)
	return r, sessions, auditor
}

func TestHandleLogin_Success(t *testing.T) {
	router, sessions, auditor := setupTestEnvironment(t)
	auditor.On("AppendAudit", mock.Anything, "i1", interfaces.AuditLogin, map[string]string{"success": "true"}).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"username":"i1","password":"i1-pw"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.IdentityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.IdentityResponse{Success: true, Username: "i1", Role: "instructor"}, resp)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessions.CookieName(), cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	claims, err := sessions.Parse(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "i1", claims.Subject)

	// The cookie authenticates /api/me
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"i1"`)

	auditor.AssertExpectations(t)
}

func TestHandleLogin_Failure(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		auditFor string
		status   int
	}{
		{name: "wrong password", body: `{"username":"i1","password":"nope"}`, auditFor: "i1", status: http.StatusUnauthorized},
		{name: "unknown user", body: `{"username":"ghost","password":"x"}`, auditFor: "ghost", status: http.StatusUnauthorized},
		{name: "empty body", body: ``, auditFor: "unknown", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, auditor := setupTestEnvironment(t)
			auditor.On("AppendAudit", mock.Anything, tt.auditFor, interfaces.AuditLogin, map[string]string{"success": "false"}).Return(nil)

			req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Empty(t, w.Result().Cookies())
			assert.JSONEq(t, `{"success":false,"message":"invalid credentials"}`, w.Body.String())
			auditor.AssertExpectations(t)
		})
	}
}

func TestHandleLogin_MalformedJSON(t *testing.T) {
	router, _, auditor := setupTestEnvironment(t)

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"username":`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	auditor.AssertNotCalled(t, "AppendAudit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleLogout(t *testing.T) {
	router, sessions, auditor := setupTestEnvironment(t)
	auditor.On("AppendAudit", mock.Anything, "i1", interfaces.AuditLogout, map[string]string(nil)).Return(nil)

	token, err := sessions.Issue("i1", "instructor")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: token})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	auditor.AssertExpectations(t)

	// The logged out token is rejected when replayed
	_, err = sessions.Parse(token)
	assert.ErrorIs(t, err, session.ErrInvalidSession)
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: token})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Logging out without a session still succeeds
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/logout", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	auditor.AssertNumberOfCalls(t, "AppendAudit", 1)
}

func TestHandleMe_Unauthenticated(t *testing.T) {
	router, _, _ := setupTestEnvironment(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: session.DefaultCookieName, Value: "forged"})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
