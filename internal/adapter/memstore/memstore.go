// Package memstore is an in-process document backend. It is the default
// backend for a single-device agent and the backend used across the test
// suite.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/store"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// Store implements store.Backend in memory.
type Store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	colls    map[string]*collection
	writeErr error
}

type collection struct {
	docs map[string]store.Document
	live *stream.Subject[[]store.Document]
}

// New creates an empty store that stamps documents with clock.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{clock: clock, colls: make(map[string]*collection)}
}

// coll returns the named collection, creating it on first use. Callers hold s.mu.
func (s *Store) coll(name string) *collection {
	c, ok := s.colls[name]
	if !ok {
		c = &collection{
			docs: make(map[string]store.Document),
			live: stream.NewSubject([]store.Document{}),
		}
		s.colls[name] = c
	}
	return c
}

// snapshot returns the documents ordered by creation time, then ID.
func (c *collection) snapshot() []store.Document {
	out := make([]store.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b store.Document) int {
		if cmp := a.CreatedAt.Compare(b.CreatedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (c *collection) changed() {
	c.live.Publish(c.snapshot())
}

func (s *Store) Subscribe(name string) stream.Source[[]store.Document] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll(name).live
}

func (s *Store) Watch(name, id string) stream.Source[*store.Document] {
	return store.Pick(s.Subscribe(name), id)
}

func (s *Store) List(ctx context.Context, name string) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll(name).snapshot(), nil
}

func (s *Store) Get(ctx context.Context, name, id string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.coll(name).docs[id]
	if !ok {
		return store.Document{}, fmt.Errorf("%s/%s: %w", name, id, domain.ErrNotFound)
	}
	return d, nil
}

func (s *Store) Create(ctx context.Context, name string, fields map[string]any) (store.Document, error) {
	if err := s.writable(ctx); err != nil {
		return store.Document{}, err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return store.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	d := store.Document{ID: uuid.NewString(), Data: data, CreatedAt: s.clock.Now().UTC()}
	c.docs[d.ID] = d
	c.changed()
	return d, nil
}

func (s *Store) Put(ctx context.Context, name, id string, fields map[string]any, merge bool) error {
	if err := s.writable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	d, ok := c.docs[id]
	if !ok {
		d = store.Document{ID: id, CreatedAt: s.clock.Now().UTC()}
	}
	data, err := store.MergeFields(d.Data, fields, merge)
	if err != nil {
		return err
	}
	d.Data = data
	c.docs[id] = d
	c.changed()
	return nil
}

func (s *Store) Update(ctx context.Context, name, id string, fields map[string]any) error {
	if err := s.writable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	d, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", name, id, domain.ErrNotFound)
	}
	data, err := store.MergeFields(d.Data, fields, true)
	if err != nil {
		return err
	}
	d.Data = data
	c.docs[id] = d
	c.changed()
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, name string, ids []string) (int, error) {
	if err := s.writable(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	deleted := 0
	for _, id := range ids {
		if _, ok := c.docs[id]; ok {
			delete(c.docs, id)
			deleted++
		}
	}
	if deleted > 0 {
		c.changed()
	}
	return deleted, nil
}

func (s *Store) Query(ctx context.Context, name, field string, value any) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Document
	for _, d := range s.coll(name).snapshot() {
		if store.FieldEquals(d.Data, field, value) {
			out = append(out, d)
		}
	}
	return out, nil
}

// FailSubscription delivers err to every live subscriber of the collection.
func (s *Store) FailSubscription(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(name).live.Fail(err)
}

// FailWrites makes every subsequent write return err. Pass nil to recover.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Store) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}
