package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/storm-bulletins/internal/connectivity"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/push"
)

// PostFeed exposes the latest unseen list and any outstanding input fault.
type PostFeed interface {
	Snapshot() ([]domain.Post, error)
}

type SeenMarker interface {
	MarkSeen(id string)
}

type BulletinReader interface {
	List(ctx context.Context) ([]domain.Bulletin, error)
	Get(ctx context.Context, id string) (domain.Bulletin, error)
}

type EventReader interface {
	List(ctx context.Context) ([]domain.Event, error)
	Get(ctx context.Context, id string) (domain.Event, error)
}

type Publisher interface {
	PublishBulletin(ctx context.Context, author *domain.AppUser, b domain.Bulletin) (domain.Bulletin, error)
	PublishEvent(ctx context.Context, author *domain.AppUser, e domain.Event) (domain.Event, error)
}

// Identity is the session of the device user.
type Identity interface {
	User() *domain.AppUser
	SignInWithPassword(ctx context.Context, email, password string) (*domain.AppUser, error)
	SignUp(ctx context.Context, email, password string) (*domain.AppUser, error)
	SignInWithProvider(ctx context.Context, providerID, idToken string) (*domain.AppUser, error)
	SignOut()
	GrantRole(ctx context.Context, role domain.Role, code string) error
	SetRole(ctx context.Context, uid string, role domain.Role, enabled bool) error
	InstitutionUsers(ctx context.Context) ([]domain.AppUser, error)
}

type Onboarding interface {
	SetOnboardingComplete(ctx context.Context) error
	HasSeenOnboarding(ctx context.Context) (bool, error)
}

type Theme interface {
	DarkMode() bool
	SetDarkMode(ctx context.Context, dark bool) error
}

type Connectivity interface {
	Status() connectivity.Status
	Dismiss()
}

type PushInbox interface {
	Last() (push.Received, bool)
	Topics() []string
}

// UserCache drops cached profiles after a role change.
type UserCache interface {
	Forget(uid string)
}

// Deps are the services behind the API routes.
type Deps struct {
	Ready        sharedobs.ReadinessChecker
	Posts        PostFeed
	Seen         SeenMarker
	Bulletins    BulletinReader
	Events       EventReader
	Publisher    Publisher
	Identity     Identity
	Onboarding   Onboarding
	Theme        Theme
	Connectivity Connectivity
	Push         PushInbox
	UserCache    UserCache
}

// Server exposes the agent API together with health, readiness, and metrics
// endpoints.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /api routes.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(deps.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/posts/new", s.handleNewPosts)
	mux.HandleFunc("GET /api/posts/new/count", s.handleNewPostCount)
	mux.HandleFunc("POST /api/posts/{id}/seen", s.handleMarkSeen)

	mux.HandleFunc("GET /api/bulletins", s.handleListBulletins)
	mux.HandleFunc("GET /api/bulletins/{id}", s.handleGetBulletin)
	mux.HandleFunc("POST /api/bulletins", s.handlePublishBulletin)
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	mux.HandleFunc("POST /api/events", s.handlePublishEvent)

	mux.HandleFunc("POST /api/auth/signin", s.handleSignIn)
	mux.HandleFunc("POST /api/auth/signup", s.handleSignUp)
	mux.HandleFunc("POST /api/auth/provider", s.handleProviderSignIn)
	mux.HandleFunc("POST /api/auth/signout", s.handleSignOut)
	mux.HandleFunc("GET /api/auth/me", s.handleMe)
	mux.HandleFunc("POST /api/auth/roles", s.handleGrantRole)
	mux.HandleFunc("PUT /api/users/{uid}/roles", s.handleSetRole)
	mux.HandleFunc("GET /api/institutions", s.handleInstitutions)

	mux.HandleFunc("GET /api/preferences/onboarding", s.handleGetOnboarding)
	mux.HandleFunc("PUT /api/preferences/onboarding", s.handlePutOnboarding)
	mux.HandleFunc("GET /api/preferences/theme", s.handleGetTheme)
	mux.HandleFunc("PUT /api/preferences/theme", s.handlePutTheme)

	mux.HandleFunc("GET /api/connectivity", s.handleConnectivity)
	mux.HandleFunc("DELETE /api/connectivity/banner", s.handleDismissBanner)

	mux.HandleFunc("GET /api/push/last", s.handleLastPush)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
