// Package authrest implements identity.Provider against an Identity
// Toolkit compatible REST API.
package authrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/identity"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

const DefaultBaseURL = "https://identitytoolkit.googleapis.com/v1"

// Client implements identity.Provider.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an identity provider client. An empty baseURL selects
// DefaultBaseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (identity.Account, error) {
	return c.do(ctx, "signInWithPassword", passwordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	})
}

func (c *Client) SignUp(ctx context.Context, email, password string) (identity.Account, error) {
	return c.do(ctx, "signUp", passwordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	})
}

// SignInWithIdp exchanges an ID token issued by providerID, e.g. "google.com".
func (c *Client) SignInWithIdp(ctx context.Context, providerID, idToken string) (identity.Account, error) {
	postBody := url.Values{
		"id_token":   {idToken},
		"providerId": {providerID},
	}
	return c.do(ctx, "signInWithIdp", idpRequest{
		PostBody:            postBody.Encode(),
		RequestURI:          "http://localhost",
		ReturnSecureToken:   true,
		ReturnIdpCredential: true,
	})
}

func (c *Client) do(ctx context.Context, method string, payload any) (identity.Account, error) {
	start := time.Now()
	acct, err := c.doRequest(ctx, method, payload)
	c.metrics.AuthAPIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "error"
		c.logger.Warn("identity provider request failed", "method", method, "error", err)
	}
	c.metrics.AuthRequests.WithLabelValues(method, outcome).Inc()
	return acct, err
}

func (c *Client) doRequest(ctx context.Context, method string, payload any) (identity.Account, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return identity.Account{}, fmt.Errorf("encode %s request: %w", method, err)
	}

	u := fmt.Sprintf("%s/accounts:%s?%s", c.baseURL, method, url.Values{"key": {c.apiKey}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return identity.Account{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return identity.Account{}, fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity.Account{}, decodeError(resp)
	}

	var r accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return identity.Account{}, fmt.Errorf("decode response: %w", err)
	}
	return r.account()
}

// decodeError maps a provider error body to an error. Client errors are
// credential problems and wrap domain.ErrAuth.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var e errorResponse
	msg := string(raw)
	if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s", domain.ErrAuth, msg)
	}
	return fmt.Errorf("identity provider error: status %d: %s", resp.StatusCode, msg)
}

// Identity Toolkit request and response types.

type passwordRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type idpRequest struct {
	PostBody            string `json:"postBody"`
	RequestURI          string `json:"requestUri"`
	ReturnSecureToken   bool   `json:"returnSecureToken"`
	ReturnIdpCredential bool   `json:"returnIdpCredential"`
}

type accountResponse struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
	IDToken     string `json:"idToken"`
	ExpiresIn   string `json:"expiresIn"` // seconds, as a string
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// tokenClaims are the ID token claims the session uses.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// account merges the response body with the ID token claims. The token was
// issued to us over TLS by the provider; its signature is not re-verified.
func (r accountResponse) account() (identity.Account, error) {
	acct := identity.Account{
		UID:         r.LocalID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		PhotoURL:    r.PhotoURL,
		IDToken:     r.IDToken,
	}
	if secs, err := strconv.Atoi(r.ExpiresIn); err == nil {
		acct.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	}

	if r.IDToken != "" {
		var claims tokenClaims
		if _, _, err := jwt.NewParser().ParseUnverified(r.IDToken, &claims); err != nil {
			return identity.Account{}, fmt.Errorf("%w: malformed id token: %w", domain.ErrAuth, err)
		}
		if acct.UID == "" {
			acct.UID = claims.Subject
		}
		if acct.Email == "" {
			acct.Email = claims.Email
		}
		if acct.DisplayName == "" {
			acct.DisplayName = claims.Name
		}
		if acct.PhotoURL == "" {
			acct.PhotoURL = claims.Picture
		}
		if claims.ExpiresAt != nil {
			acct.ExpiresAt = claims.ExpiresAt.Time
		}
	}

	if acct.UID == "" {
		return identity.Account{}, fmt.Errorf("%w: response has no user id", domain.ErrAuth)
	}
	return acct, nil
}
