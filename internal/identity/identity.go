// Package identity owns the device session: who is signed in, their live
// profile document, role claims and the push topics that follow from them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcnijman/go-emailaddress"
	"golang.org/x/crypto/bcrypt"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

const minPasswordLen = 6

// Account is what the identity provider returns for a successful sign-in.
type Account struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
	IDToken     string
	ExpiresAt   time.Time
}

// Provider authenticates credentials against the remote identity service.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (Account, error)
	SignUp(ctx context.Context, email, password string) (Account, error)
	SignInWithIdp(ctx context.Context, providerID, idToken string) (Account, error)
}

// Users is the user collection as seen by the session.
type Users interface {
	Get(ctx context.Context, uid string) (domain.AppUser, error)
	Upsert(ctx context.Context, u domain.AppUser) error
	SetRole(ctx context.Context, uid string, role domain.Role, enabled bool) error
	Watch(uid string) stream.Source[*domain.AppUser]
	Institutions(ctx context.Context) ([]domain.AppUser, error)
}

// Topics registers the device for push topics.
type Topics interface {
	Subscribe(topic string)
	Unsubscribe(topic string)
}

// RoleCodes holds the bcrypt hashes of the self-service role codes. An empty
// hash disables the claim for that role.
type RoleCodes struct {
	Admin       string
	Institution string
}

func (c RoleCodes) hash(role domain.Role) string {
	if role == domain.RoleAdmin {
		return c.Admin
	}
	return c.Institution
}

// HashCode produces the bcrypt hash stored in configuration for a role code.
func HashCode(code string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	return string(b), nil
}

// Service is the session of this device.
type Service struct {
	provider Provider
	users    Users
	topics   Topics
	codes    RoleCodes
	logger   *slog.Logger

	current *stream.Subject[*domain.AppUser]

	mu         sync.Mutex
	account    *Account
	generation int
	stopWatch  stream.Cancel
	instTopic  string
}

// New creates a signed-out session and subscribes the device to the general
// topic.
func New(provider Provider, users Users, topics Topics, codes RoleCodes, logger *slog.Logger) *Service {
	topics.Subscribe(domain.GeneralTopic)
	return &Service{
		provider: provider,
		users:    users,
		topics:   topics,
		codes:    codes,
		logger:   logger,
		current:  stream.NewSubject[*domain.AppUser](nil),
	}
}

// CurrentUser is the live profile of the signed-in user; nil when signed out.
func (s *Service) CurrentUser() stream.Source[*domain.AppUser] { return s.current }

// User returns the latest profile, or nil when signed out.
func (s *Service) User() *domain.AppUser {
	u, _ := s.current.Value()
	return u
}

func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*domain.AppUser, error) {
	email = strings.TrimSpace(email)
	if err := validateCredentials(email, password, false); err != nil {
		return nil, err
	}
	acct, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, acct)
}

// SignUp creates an account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password string) (*domain.AppUser, error) {
	email = strings.TrimSpace(email)
	if err := validateCredentials(email, password, true); err != nil {
		return nil, err
	}
	acct, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, acct)
}

// SignInWithProvider exchanges a federated ID token (e.g. "google.com").
func (s *Service) SignInWithProvider(ctx context.Context, providerID, idToken string) (*domain.AppUser, error) {
	if strings.TrimSpace(idToken) == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"idToken": "is required"}}
	}
	if providerID == "" {
		providerID = "google.com"
	}
	acct, err := s.provider.SignInWithIdp(ctx, providerID, idToken)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, acct)
}

func validateCredentials(email, password string, signUp bool) error {
	verr := &domain.ValidationError{Fields: map[string]string{}}
	if email == "" {
		verr.Fields["email"] = "is required"
	} else if _, err := emailaddress.Parse(email); err != nil {
		verr.Fields["email"] = "is not a valid address"
	}
	switch {
	case password == "":
		verr.Fields["password"] = "is required"
	case signUp && len(password) < minPasswordLen:
		verr.Fields["password"] = fmt.Sprintf("must be at least %d characters", minPasswordLen)
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// establish upserts the profile document, publishes it and starts watching it
// so role changes reach the session live.
func (s *Service) establish(ctx context.Context, acct Account) (*domain.AppUser, error) {
	profile := domain.AppUser{
		UID:         acct.UID,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		PhotoURL:    acct.PhotoURL,
	}
	if err := s.users.Upsert(ctx, profile); err != nil {
		return nil, err
	}
	user, err := s.users.Get(ctx, acct.UID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.generation++
	gen := s.generation
	s.account = &acct
	s.mu.Unlock()

	s.apply(gen, &user)

	stop := s.users.Watch(acct.UID).Subscribe(
		func(u *domain.AppUser) {
			if u == nil {
				// Document removed remotely; keep the session with no roles.
				u = &profile
			}
			s.apply(gen, u)
		},
		func(err error) {
			s.logger.Warn("user document subscription error", "uid", acct.UID, "error", err)
		},
	)
	s.mu.Lock()
	if s.generation == gen {
		s.stopWatch = stop
		stop = nil
	}
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	s.logger.Info("signed in", "uid", user.UID, "admin", user.IsAdmin, "institution", user.IsInstitution)
	return &user, nil
}

// apply publishes u for session gen and moves the institution topic with it.
func (s *Service) apply(gen int, u *domain.AppUser) {
	s.mu.Lock()
	if gen != s.generation || s.account == nil {
		s.mu.Unlock()
		return
	}
	next := ""
	if u != nil && u.IsInstitution {
		next = domain.InstitutionTopic(u.UID)
	}
	s.moveTopic(next)
	s.current.Publish(u)
	s.mu.Unlock()
}

// moveTopic swaps the institution topic. Callers hold s.mu.
func (s *Service) moveTopic(next string) {
	prev := s.instTopic
	if prev == next {
		return
	}
	s.instTopic = next
	if prev != "" {
		s.topics.Unsubscribe(prev)
	}
	if next != "" {
		s.topics.Subscribe(next)
	}
}

// SignOut ends the session. The general topic stays subscribed.
func (s *Service) SignOut() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.generation++
	s.account = nil
	s.moveTopic("")
	s.current.Publish(nil)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.logger.Info("signed out")
}

// GrantRole claims role for the signed-in user with a verification code.
func (s *Service) GrantRole(ctx context.Context, role domain.Role, code string) error {
	user := s.User()
	if user == nil {
		return fmt.Errorf("%w: not signed in", domain.ErrAuth)
	}
	hash := s.codes.hash(role)
	if hash == "" {
		return fmt.Errorf("%w: %s role cannot be claimed", domain.ErrInvalidCode, role)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return domain.ErrInvalidCode
		}
		return fmt.Errorf("%w: %w", domain.ErrInvalidCode, err)
	}
	if err := s.users.SetRole(ctx, user.UID, role, true); err != nil {
		return err
	}
	s.logger.Info("role granted", "uid", user.UID, "role", role)
	return nil
}

// SetRole sets or clears a role on another user. Administrators only.
func (s *Service) SetRole(ctx context.Context, targetUID string, role domain.Role, enabled bool) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	if err := s.users.SetRole(ctx, targetUID, role, enabled); err != nil {
		return err
	}
	s.logger.Info("role updated", "uid", targetUID, "role", role, "enabled", enabled)
	return nil
}

// InstitutionUsers lists targetable institutions. Administrators only.
func (s *Service) InstitutionUsers(ctx context.Context) ([]domain.AppUser, error) {
	if err := s.requireAdmin(); err != nil {
		return nil, err
	}
	return s.users.Institutions(ctx)
}

func (s *Service) requireAdmin() error {
	user := s.User()
	if user == nil {
		return fmt.Errorf("%w: not signed in", domain.ErrAuth)
	}
	if !user.IsAdmin {
		return fmt.Errorf("%w: administrator role required", domain.ErrForbidden)
	}
	return nil
}
