package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// typed maps one collection onto a Go type. stamp copies the backend-owned
// identifier and creation time into a decoded value.
type typed[T any] struct {
	backend    Backend
	collection string
	stamp      func(*T, string, time.Time)
}

func (c typed[T]) decode(doc Document) (T, error) {
	var v T
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, &v); err != nil {
			return v, fmt.Errorf("decode %s/%s: %w", c.collection, doc.ID, err)
		}
	}
	c.stamp(&v, doc.ID, doc.CreatedAt)
	return v, nil
}

func (c typed[T]) decodeAll(docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := c.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// live decodes every snapshot of the collection. A snapshot that fails to
// decode is reported as an error and the previous list stays current.
func (c typed[T]) live() stream.Source[[]T] {
	return stream.SourceFunc[[]T](func(next func([]T), fail func(error)) stream.Cancel {
		return c.backend.Subscribe(c.collection).Subscribe(func(docs []Document) {
			items, err := c.decodeAll(docs)
			if err != nil {
				if fail != nil {
					fail(err)
				}
				return
			}
			if next != nil {
				next(items)
			}
		}, fail)
	})
}

func (c typed[T]) list(ctx context.Context) ([]T, error) {
	docs, err := c.backend.List(ctx, c.collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.collection, err)
	}
	return c.decodeAll(docs)
}

func (c typed[T]) get(ctx context.Context, id string) (T, error) {
	doc, err := c.backend.Get(ctx, c.collection, id)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("get %s/%s: %w", c.collection, id, err)
	}
	return c.decode(doc)
}

func (c typed[T]) create(ctx context.Context, v T) (T, error) {
	fields, err := toFields(v)
	if err != nil {
		return v, fmt.Errorf("%w: encode %s: %w", domain.ErrWrite, c.collection, err)
	}
	doc, err := c.backend.Create(ctx, c.collection, fields)
	if err != nil {
		return v, fmt.Errorf("%w: create %s: %w", domain.ErrWrite, c.collection, err)
	}
	c.stamp(&v, doc.ID, doc.CreatedAt)
	return v, nil
}

// toFields encodes v as a field map without the backend-owned keys.
func toFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, "id")
	delete(fields, "createdAt")
	return fields, nil
}

// BulletinRepo reads and writes the bulletins collection.
type BulletinRepo struct {
	c typed[domain.Bulletin]
}

func NewBulletinRepo(b Backend) *BulletinRepo {
	return &BulletinRepo{c: typed[domain.Bulletin]{
		backend:    b,
		collection: Bulletins,
		stamp: func(v *domain.Bulletin, id string, at time.Time) {
			v.ID, v.CreatedAt = id, at
		},
	}}
}

// Live emits every bulletin on each change to the collection.
func (r *BulletinRepo) Live() stream.Source[[]domain.Bulletin] { return r.c.live() }

func (r *BulletinRepo) List(ctx context.Context) ([]domain.Bulletin, error) {
	return r.c.list(ctx)
}

func (r *BulletinRepo) Get(ctx context.Context, id string) (domain.Bulletin, error) {
	return r.c.get(ctx, id)
}

// Create stores b and returns it with its assigned ID and creation time.
func (r *BulletinRepo) Create(ctx context.Context, b domain.Bulletin) (domain.Bulletin, error) {
	return r.c.create(ctx, b)
}

// DeleteBatch removes all ids in one atomic batch.
func (r *BulletinRepo) DeleteBatch(ctx context.Context, ids []string) (int, error) {
	n, err := r.c.backend.DeleteBatch(ctx, Bulletins, ids)
	if err != nil {
		return 0, fmt.Errorf("%w: delete bulletins: %w", domain.ErrWrite, err)
	}
	return n, nil
}

// EventRepo reads and writes the events collection.
type EventRepo struct {
	c typed[domain.Event]
}

func NewEventRepo(b Backend) *EventRepo {
	return &EventRepo{c: typed[domain.Event]{
		backend:    b,
		collection: Events,
		stamp: func(v *domain.Event, id string, at time.Time) {
			v.ID, v.CreatedAt = id, at
		},
	}}
}

func (r *EventRepo) Live() stream.Source[[]domain.Event] { return r.c.live() }

func (r *EventRepo) List(ctx context.Context) ([]domain.Event, error) {
	return r.c.list(ctx)
}

func (r *EventRepo) Get(ctx context.Context, id string) (domain.Event, error) {
	return r.c.get(ctx, id)
}

func (r *EventRepo) Create(ctx context.Context, e domain.Event) (domain.Event, error) {
	return r.c.create(ctx, e)
}

// UserRepo reads and writes user profiles keyed by UID.
type UserRepo struct {
	c typed[domain.AppUser]
}

func NewUserRepo(b Backend) *UserRepo {
	return &UserRepo{c: typed[domain.AppUser]{
		backend:    b,
		collection: Users,
		stamp: func(v *domain.AppUser, id string, _ time.Time) {
			v.UID = id
		},
	}}
}

func (r *UserRepo) Get(ctx context.Context, uid string) (domain.AppUser, error) {
	return r.c.get(ctx, uid)
}

// Upsert merges the profile fields of u into its document. Role flags of an
// existing document are left untouched; a new document starts without roles.
func (r *UserRepo) Upsert(ctx context.Context, u domain.AppUser) error {
	fields := map[string]any{
		"uid":         u.UID,
		"email":       u.Email,
		"displayName": u.DisplayName,
		"photoURL":    u.PhotoURL,
	}
	if err := r.c.backend.Put(ctx, Users, u.UID, fields, true); err != nil {
		return fmt.Errorf("%w: upsert user %s: %w", domain.ErrWrite, u.UID, err)
	}
	return nil
}

// SetRole sets or clears one role flag.
func (r *UserRepo) SetRole(ctx context.Context, uid string, role domain.Role, enabled bool) error {
	err := r.c.backend.Update(ctx, Users, uid, map[string]any{role.Field(): enabled})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("set role on %s: %w", uid, err)
		}
		return fmt.Errorf("%w: set role on %s: %w", domain.ErrWrite, uid, err)
	}
	return nil
}

// Watch emits the user's profile on every change; nil when it does not exist.
func (r *UserRepo) Watch(uid string) stream.Source[*domain.AppUser] {
	return stream.SourceFunc[*domain.AppUser](func(next func(*domain.AppUser), fail func(error)) stream.Cancel {
		return r.c.backend.Watch(Users, uid).Subscribe(func(doc *Document) {
			if doc == nil {
				if next != nil {
					next(nil)
				}
				return
			}
			u, err := r.c.decode(*doc)
			if err != nil {
				if fail != nil {
					fail(err)
				}
				return
			}
			if next != nil {
				next(&u)
			}
		}, fail)
	})
}

// Institutions lists the users holding the institution role.
func (r *UserRepo) Institutions(ctx context.Context) ([]domain.AppUser, error) {
	docs, err := r.c.backend.Query(ctx, Users, domain.RoleInstitution.Field(), true)
	if err != nil {
		return nil, fmt.Errorf("query institutions: %w", err)
	}
	return r.c.decodeAll(docs)
}
