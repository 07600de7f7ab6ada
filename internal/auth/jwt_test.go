package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/markpippins/throttler/pkg/protocol"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	return New("test-secret", "admin", string(hash), time.Hour)
}

func protected(a *Auth) (http.Handler, *string) {
	var user string
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetClaims(r.Context()); c != nil {
			user = c.Username
		}
		w.WriteHeader(http.StatusOK)
	})), &user
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	h, _ := protected(newTestAuth(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/list/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestMiddlewarePublicRoutes(t *testing.T) {
	h, _ := protected(newTestAuth(t))
	for _, r := range []*http.Request{
		httptest.NewRequest("GET", "/health", nil),
		httptest.NewRequest("POST", "/api/v1/auth/token", nil),
		httptest.NewRequest("OPTIONS", "/api/v1/list/", nil),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code, "%s %s", r.Method, r.URL.Path)
	}
}

func TestMiddlewareAcceptsToken(t *testing.T) {
	a := newTestAuth(t)
	token, expires, err := a.IssueToken("admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	h, user := protected(a)

	req := httptest.NewRequest("GET", "/api/v1/list/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", *user)

	// EventSource clients pass the token as a query parameter.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/events?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	a := newTestAuth(t)
	h, _ := protected(a)

	other := New("other-secret", "", "", time.Hour)
	forged, _, err := other.IssueToken("admin")
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := a.IssueToken("admin")
	require.NoError(t, err)
	a.now = time.Now

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":  "not.a.token",
		"forged":   forged,
		"expired":  expired,
		"unsigned": unsigned,
	} {
		req := httptest.NewRequest("GET", "/api/v1/list/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestHandleLogin(t *testing.T) {
	a := newTestAuth(t)

	login := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		a.HandleLogin(rec, httptest.NewRequest("POST", "/api/v1/auth/token", bytes.NewBufferString(body)))
		return rec
	}

	rec := login(`{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)

	claims, err := a.validateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)

	assert.Equal(t, http.StatusUnauthorized, login(`{"username":"admin","password":"wrong"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, login(`{"username":"root","password":"hunter2"}`).Code)
	assert.Equal(t, http.StatusBadRequest, login(`{"username":"admin"}`).Code)
	assert.Equal(t, http.StatusBadRequest, login(`{`).Code)
}

func TestLoginDisabledWithoutAccount(t *testing.T) {
	a := New("secret", "", "", 0)
	assert.ErrorIs(t, a.ValidateCredentials("admin", "admin"), ErrInvalidCredentials)
	assert.Equal(t, 24*time.Hour, a.ttl)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	a := New("secret", "me", hash, time.Hour)
	assert.NoError(t, a.ValidateCredentials("me", "s3cret"))
	assert.Error(t, a.ValidateCredentials("me", "nope"))
}
