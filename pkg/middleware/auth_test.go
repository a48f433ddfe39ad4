package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cinema-reservation/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := utils.GetCallerIDFromContext(r.Context())
		role, _ := utils.GetRoleFromContext(r.Context())
		w.Write([]byte(id + "|" + role))
	})
}

func serve(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdentity(t *testing.T) {
	valid, err := IssueToken(testSecret, "user-1", "customer", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "user-1", "customer", -time.Minute)
	require.NoError(t, err)
	otherKey, err := IssueToken("other-secret", "user-1", "customer", time.Hour)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	noSubject, err := IssueToken(testSecret, "", "customer", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid token", header: "Bearer " + valid, status: http.StatusOK, body: "user-1|customer"},
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token " + valid, status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + otherKey, status: http.StatusUnauthorized},
		{name: "no expiry", header: "Bearer " + noExp, status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + noSubject, status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", status: http.StatusUnauthorized},
	}

	h := Identity(testSecret, zap.NewNop())(echoCaller())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAdmin(t *testing.T) {
	admin, err := IssueToken(testSecret, "ops-1", utils.RoleAdmin, time.Hour)
	require.NoError(t, err)
	customer, err := IssueToken(testSecret, "user-1", "customer", time.Hour)
	require.NoError(t, err)

	h := Identity(testSecret, zap.NewNop())(Admin(zap.NewNop())(echoCaller()))

	assert.Equal(t, http.StatusOK, serve(h, "Bearer "+admin).Code)
	assert.Equal(t, http.StatusForbidden, serve(h, "Bearer "+customer).Code)

	// Admin alone, without an identity in context.
	assert.Equal(t, http.StatusUnauthorized, serve(Admin(zap.NewNop())(echoCaller()), "").Code)
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("allow all", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://example.com")
		rec := httptest.NewRecorder()
		CORS([]string{"*"})(ok).ServeHTTP(rec, req)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://tickets.example.com")
		rec := httptest.NewRecorder()
		CORS([]string{"https://tickets.example.com"})(ok).ServeHTTP(rec, req)
		assert.Equal(t, "https://tickets.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		CORS([]string{"https://tickets.example.com"})(ok).ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/showtimes/x/reservations", nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		CORS(nil)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"status":false,"message":"Internal server error"}`, rec.Body.String())
}
