package authrest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

const (
	testKey           = "test-key"
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

func testClient(baseURL string) (*Client, *observability.Metrics) {
	metrics := observability.NewMetricsForTesting()
	return &Client{
		apiKey:     testKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		metrics:    metrics,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, metrics
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestClient_SignInWithPassword_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts:signInWithPassword", r.URL.Path)
		assert.Equal(t, testKey, r.URL.Query().Get("key"))

		var req passwordRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ada@example.com", req.Email)
		assert.Equal(t, "secret", req.Password)
		assert.True(t, req.ReturnSecureToken)

		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(accountResponse{
			LocalID:     "U1",
			Email:       "ada@example.com",
			DisplayName: "Ada",
			ExpiresIn:   "3600",
		}))
	}))
	defer srv.Close()

	c, metrics := testClient(srv.URL)
	acct, err := c.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	assert.Equal(t, "U1", acct.UID)
	assert.Equal(t, "Ada", acct.DisplayName)
	assert.WithinDuration(t, time.Now().Add(time.Hour), acct.ExpiresAt, time.Minute)
	assert.InDelta(t, 1.0, observability.ReadValue(metrics.AuthRequests.WithLabelValues("signInWithPassword", "success")), 0.0001)
}

func TestClient_SignInWithIdp_ClaimsFillProfile(t *testing.T) {
	exp := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)
	token := signedToken(t, jwt.MapClaims{
		"sub":     "G1",
		"email":   "g@example.com",
		"name":    "Grace",
		"picture": "https://example.com/g.png",
		"exp":     exp.Unix(),
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:signInWithIdp", r.URL.Path)

		var req idpRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		form, err := url.ParseQuery(req.PostBody)
		require.NoError(t, err)
		assert.Equal(t, "google.com", form.Get("providerId"))
		assert.Equal(t, "federated", form.Get("id_token"))

		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(accountResponse{IDToken: token}))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	acct, err := c.SignInWithIdp(context.Background(), "google.com", "federated")
	require.NoError(t, err)

	assert.Equal(t, "G1", acct.UID)
	assert.Equal(t, "g@example.com", acct.Email)
	assert.Equal(t, "Grace", acct.DisplayName)
	assert.Equal(t, "https://example.com/g.png", acct.PhotoURL)
	assert.True(t, exp.Equal(acct.ExpiresAt))
	assert.Equal(t, token, acct.IDToken)
}

func TestClient_SignUp_EmailExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:signUp", r.URL.Path)
		w.Header().Set(headerContentType, contentTypeJSON)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"EMAIL_EXISTS"}}`))
	}))
	defer srv.Close()

	c, metrics := testClient(srv.URL)
	_, err := c.SignUp(context.Background(), "ada@example.com", "secret")
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, err.Error(), "EMAIL_EXISTS")
	assert.InDelta(t, 1.0, observability.ReadValue(metrics.AuthRequests.WithLabelValues("signUp", "error")), 0.0001)
}

func TestClient_ServerErrorIsNotAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	_, err := c.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_MalformedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"localId":"U1","idToken":"not.a.jwt"}`))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	_, err := c.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testKey, 50*time.Millisecond, observability.NewMetricsForTesting(), observability.DiscardLogger())
	_, err := c.SignInWithPassword(context.Background(), "ada@example.com", "secret")
	require.Error(t, err)
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	c := NewClient("", testKey, time.Second, observability.NewMetricsForTesting(), observability.DiscardLogger())
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}
