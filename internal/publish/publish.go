// Package publish writes new bulletins and events and dispatches the push
// notification announcing them.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

// Notifier delivers a push notification to its topic.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// UserLookup resolves a user by UID.
type UserLookup interface {
	Get(ctx context.Context, uid string) (domain.AppUser, error)
}

type BulletinCreator interface {
	Create(ctx context.Context, b domain.Bulletin) (domain.Bulletin, error)
}

type EventCreator interface {
	Create(ctx context.Context, e domain.Event) (domain.Event, error)
}

// Publisher is the only write path for new posts.
type Publisher struct {
	bulletins BulletinCreator
	events    EventCreator
	users     UserLookup
	notifier  Notifier
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics

	wg sync.WaitGroup
}

// New creates a Publisher. A nil notifier disables notification dispatch.
func New(bulletins BulletinCreator, events EventCreator, users UserLookup, notifier Notifier, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		bulletins: bulletins,
		events:    events,
		users:     users,
		notifier:  notifier,
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// PublishBulletin validates and stores b, then announces it. Targeted
// bulletins must name an existing institution.
func (p *Publisher) PublishBulletin(ctx context.Context, author *domain.AppUser, b domain.Bulletin) (domain.Bulletin, error) {
	if err := authorize(author); err != nil {
		return domain.Bulletin{}, err
	}
	b.ID, b.CreatedAt = "", time.Time{}
	if err := domain.NormalizeBulletin(&b); err != nil {
		return domain.Bulletin{}, err
	}
	if b.Targeted() {
		if err := p.checkTarget(ctx, b.TargetInstitutionID); err != nil {
			return domain.Bulletin{}, err
		}
	}

	created, err := p.bulletins.Create(ctx, b)
	if err != nil {
		return domain.Bulletin{}, err
	}
	p.metrics.PostsPublished.WithLabelValues(string(domain.KindBulletin)).Inc()
	p.logger.Info("bulletin published",
		"id", created.ID,
		"severity", created.Severity,
		"target", created.TargetInstitutionID,
		"author", author.UID,
	)

	p.dispatch(domain.NotificationFor(domain.BulletinPost(created)))
	return created, nil
}

// PublishEvent validates and stores e, then announces it on the general topic.
func (p *Publisher) PublishEvent(ctx context.Context, author *domain.AppUser, e domain.Event) (domain.Event, error) {
	if err := authorize(author); err != nil {
		return domain.Event{}, err
	}
	e.ID, e.CreatedAt = "", time.Time{}
	if err := domain.NormalizeEvent(&e); err != nil {
		return domain.Event{}, err
	}

	created, err := p.events.Create(ctx, e)
	if err != nil {
		return domain.Event{}, err
	}
	p.metrics.PostsPublished.WithLabelValues(string(domain.KindEvent)).Inc()
	p.logger.Info("event published", "id", created.ID, "author", author.UID)

	p.dispatch(domain.NotificationFor(domain.EventPost(created)))
	return created, nil
}

func authorize(author *domain.AppUser) error {
	if author == nil {
		return fmt.Errorf("%w: sign in to publish", domain.ErrAuth)
	}
	if !author.CanPublish() {
		return fmt.Errorf("%w: publishing requires the admin or institution role", domain.ErrForbidden)
	}
	return nil
}

func (p *Publisher) checkTarget(ctx context.Context, uid string) error {
	target, err := p.users.Get(ctx, uid)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !target.IsInstitution) {
		return &domain.ValidationError{Fields: map[string]string{
			"targetInstitutionId": "must be an institution user",
		}}
	}
	if err != nil {
		return fmt.Errorf("look up target institution: %w", err)
	}
	return nil
}

// dispatch sends n in the background. The publish has already succeeded, so
// failures are logged and counted only.
func (p *Publisher) dispatch(n domain.Notification) {
	if p.notifier == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		start := time.Now()
		err := p.notifier.Notify(ctx, n)
		p.metrics.NotificationDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			err = fmt.Errorf("%w: %w", domain.ErrNotificationDispatch, err)
			p.metrics.Notifications.WithLabelValues("error").Inc()
			p.logger.Error("notification dispatch failed", "error", err, "topic", n.Topic, "post_id", n.PostID)
			return
		}
		p.metrics.Notifications.WithLabelValues("success").Inc()
		p.logger.Info("notification dispatched", "topic", n.Topic, "post_id", n.PostID)
	}()
}

// Wait blocks until in-flight dispatches finish or ctx is done.
func (p *Publisher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for notification dispatch: %w", ctx.Err())
	}
}
