// Package preferences holds device-local user settings: the onboarding flag
// and the dark-mode theme.
package preferences

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

const (
	OnboardingKey = "hasSeenOnboarding"
	DarkModeKey   = "darkMode"
)

// KV is device-local key/value persistence.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Onboarding records whether the first-run walkthrough was completed.
type Onboarding struct {
	kv      KV
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewOnboarding(kv KV, logger *slog.Logger, metrics *observability.Metrics) *Onboarding {
	return &Onboarding{kv: kv, logger: logger, metrics: metrics}
}

// SetOnboardingComplete persists the completed flag.
func (o *Onboarding) SetOnboardingComplete(ctx context.Context) error {
	if err := o.kv.Set(ctx, OnboardingKey, "true"); err != nil {
		return storageErr(o.logger, o.metrics, OnboardingKey, "save", err)
	}
	o.logger.Info("onboarding completed")
	return nil
}

// HasSeenOnboarding reports whether the completed flag was persisted. A
// missing key is false.
func (o *Onboarding) HasSeenOnboarding(ctx context.Context) (bool, error) {
	v, ok, err := o.kv.Get(ctx, OnboardingKey)
	if err != nil {
		return false, storageErr(o.logger, o.metrics, OnboardingKey, "load", err)
	}
	return ok && v == "true", nil
}

// Theme is the live dark-mode flag.
type Theme struct {
	kv      KV
	logger  *slog.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	live *stream.Subject[bool]
}

// NewTheme loads the stored flag, falling back to systemDefault when nothing
// is stored or the load fails.
func NewTheme(ctx context.Context, kv KV, systemDefault bool, logger *slog.Logger, metrics *observability.Metrics) *Theme {
	t := &Theme{kv: kv, logger: logger, metrics: metrics}

	dark := systemDefault
	v, ok, err := kv.Get(ctx, DarkModeKey)
	switch {
	case err != nil:
		_ = storageErr(logger, metrics, DarkModeKey, "load", err)
	case ok:
		if parsed, perr := strconv.ParseBool(v); perr == nil {
			dark = parsed
		} else {
			logger.Warn("ignoring malformed theme preference", "value", v)
		}
	}
	t.live = stream.NewSubject(dark)
	return t
}

// DarkMode returns the current flag.
func (t *Theme) DarkMode() bool {
	v, _ := t.live.Value()
	return v
}

// Source emits the flag on subscribe and on every change.
func (t *Theme) Source() stream.Source[bool] { return t.live }

// SetDarkMode applies the flag and persists it. The flag stays applied when
// persisting fails.
func (t *Theme) SetDarkMode(ctx context.Context, dark bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live.Publish(dark)
	if err := t.kv.Set(ctx, DarkModeKey, strconv.FormatBool(dark)); err != nil {
		return storageErr(t.logger, t.metrics, DarkModeKey, "save", err)
	}
	return nil
}

func storageErr(logger *slog.Logger, metrics *observability.Metrics, key, op string, err error) error {
	metrics.StorageErrors.WithLabelValues(key).Inc()
	logger.Error("preference storage failed", "key", key, "op", op, "error", err)
	return fmt.Errorf("%w: %s %s: %w", domain.ErrStorage, op, key, err)
}
