package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type providerRequest struct {
	ProviderID string `json:"providerId"`
	IDToken    string `json:"idToken"`
}

type grantRoleRequest struct {
	Role string `json:"role"`
	Code string `json:"code"`
}

type setRoleRequest struct {
	Role    string `json:"role"`
	Enabled bool   `json:"enabled"`
}

type onboardingBody struct {
	HasSeenOnboarding bool `json:"hasSeenOnboarding"`
}

type themeBody struct {
	DarkMode bool `json:"darkMode"`
}

type pushResponse struct {
	Topics []string `json:"topics"`
	Last   any      `json:"last"`
}

// --- new content ---

func (s *Server) handleNewPosts(w http.ResponseWriter, _ *http.Request) {
	posts, err := s.deps.Posts.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if posts == nil {
		posts = []domain.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleNewPostCount(w http.ResponseWriter, _ *http.Request) {
	posts, err := s.deps.Posts.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: len(posts)})
}

func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	s.deps.Seen.MarkSeen(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- bulletins and events ---

func (s *Server) handleListBulletins(w http.ResponseWriter, r *http.Request) {
	var severity domain.Severity
	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev, ok := domain.ParseSeverity(raw)
		if !ok {
			s.writeError(w, &domain.ValidationError{Fields: map[string]string{
				"severity": "must be one of urgent, eleve, normal",
			}})
			return
		}
		severity = sev
	}

	all, err := s.deps.Bulletins.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.FilterBulletins(all, s.deps.Identity.User(), severity, r.URL.Query().Get("q")))
}

func (s *Server) handleGetBulletin(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bulletins.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !b.CanView(s.deps.Identity.User()) {
		s.writeError(w, fmt.Errorf("bulletin %s: %w", b.ID, domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePublishBulletin(w http.ResponseWriter, r *http.Request) {
	var b domain.Bulletin
	if !s.decode(w, r, &b) {
		return
	}
	created, err := s.deps.Publisher.PublishBulletin(r.Context(), s.deps.Identity.User(), b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Events.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	domain.SortEvents(events)
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Events.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var e domain.Event
	if !s.decode(w, r, &e) {
		return
	}
	created, err := s.deps.Publisher.PublishEvent(r.Context(), s.deps.Identity.User(), e)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// --- identity ---

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.deps.Identity.SignInWithPassword(r.Context(), req.Email, req.Password)
	s.writeUser(w, user, err)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.deps.Identity.SignUp(r.Context(), req.Email, req.Password)
	s.writeUser(w, user, err)
}

func (s *Server) handleProviderSignIn(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.deps.Identity.SignInWithProvider(r.Context(), req.ProviderID, req.IDToken)
	s.writeUser(w, user, err)
}

func (s *Server) writeUser(w http.ResponseWriter, user *domain.AppUser, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSignOut(w http.ResponseWriter, _ *http.Request) {
	s.deps.Identity.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	user := s.deps.Identity.User()
	if user == nil {
		s.writeError(w, fmt.Errorf("%w: not signed in", domain.ErrAuth))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	var req grantRoleRequest
	if !s.decode(w, r, &req) {
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Identity.GrantRole(r.Context(), role, req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	if user := s.deps.Identity.User(); user != nil {
		s.forget(user.UID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if !s.decode(w, r, &req) {
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	uid := r.PathValue("uid")
	if err := s.deps.Identity.SetRole(r.Context(), uid, role, req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	s.forget(uid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstitutions(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Identity.InstitutionUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if users == nil {
		users = []domain.AppUser{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) forget(uid string) {
	if s.deps.UserCache != nil {
		s.deps.UserCache.Forget(uid)
	}
}

// --- preferences ---

func (s *Server) handleGetOnboarding(w http.ResponseWriter, r *http.Request) {
	seen, err := s.deps.Onboarding.HasSeenOnboarding(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, onboardingBody{HasSeenOnboarding: seen})
}

// handlePutOnboarding marks onboarding complete. The flag cannot be cleared.
func (s *Server) handlePutOnboarding(w http.ResponseWriter, r *http.Request) {
	var body onboardingBody
	if !s.decode(w, r, &body) {
		return
	}
	if !body.HasSeenOnboarding {
		s.writeError(w, &domain.ValidationError{Fields: map[string]string{
			"hasSeenOnboarding": "can only be set to true",
		}})
		return
	}
	if err := s.deps.Onboarding.SetOnboardingComplete(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetTheme(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, themeBody{DarkMode: s.deps.Theme.DarkMode()})
}

func (s *Server) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	var body themeBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.deps.Theme.SetDarkMode(r.Context(), body.DarkMode); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// --- connectivity and push ---

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Connectivity.Status())
}

func (s *Server) handleDismissBanner(w http.ResponseWriter, _ *http.Request) {
	s.deps.Connectivity.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLastPush(w http.ResponseWriter, _ *http.Request) {
	resp := pushResponse{Topics: s.deps.Push.Topics()}
	if last, ok := s.deps.Push.Last(); ok {
		resp.Last = last
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrInvalidCode):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWrite):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
