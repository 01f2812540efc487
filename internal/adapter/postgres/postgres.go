// Package postgres is a document backend on a single PostgreSQL jsonb table.
// Live collection queries are driven by LISTEN/NOTIFY: a trigger on the table
// notifies the changed collection and the backend re-reads it.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cyverse-de/dbutil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/store"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// Channel is the NOTIFY channel the change trigger publishes on.
const Channel = "documents_changed"

// Schema creates the documents table and its change trigger.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection text NOT NULL,
	id text NOT NULL,
	data jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);

CREATE OR REPLACE FUNCTION notify_documents_changed() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + Channel + `', COALESCE(NEW.collection, OLD.collection));
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS documents_changed ON documents;
CREATE TRIGGER documents_changed
	AFTER INSERT OR UPDATE OR DELETE ON documents
	FOR EACH ROW EXECUTE FUNCTION notify_documents_changed();
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// changeFeed is the part of *pq.Listener the store depends on.
type changeFeed interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// Store implements store.Backend on PostgreSQL.
type Store struct {
	db     *sql.DB
	feed   changeFeed
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*liveCollection
}

// liveCollection numbers the reads of one observed collection so a read that
// finishes after a newer one never replaces its result.
type liveCollection struct {
	subject   *stream.Subject[[]store.Document]
	started   uint64
	published uint64
}

// InitDatabase establishes a database connection, retrying until the database
// can be reached.
func InitDatabase(driverName, databaseURI string) (*sql.DB, error) {
	wrapMsg := "unable to initialize the database"

	connector, err := dbutil.NewDefaultConnector("1m")
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	db, err := connector.Connect(driverName, databaseURI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return db, nil
}

// NewListener opens the LISTEN connection used as the change feed.
func NewListener(databaseURI string, logger *slog.Logger) *pq.Listener {
	return pq.NewListener(databaseURI, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", "event", ev, "error", err)
		}
	})
}

// New creates a store. Call Migrate once before use and Run to drive live queries.
func New(db *sql.DB, feed changeFeed, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		db:     db,
		feed:   feed,
		clock:  clock,
		logger: logger,
		live:   make(map[string]*liveCollection),
	}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "unable to apply the documents schema")
	}
	return nil
}

// Run listens for change notifications until ctx is done and refreshes the
// affected collection. A nil notification follows a reconnect, after which
// every observed collection is refreshed.
func (s *Store) Run(ctx context.Context) error {
	if err := s.feed.Listen(Channel); err != nil {
		return errors.Wrapf(err, "unable to listen on %s", Channel)
	}
	s.logger.Info("postgres change feed started", "channel", Channel)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("postgres change feed stopping", "reason", ctx.Err())
			return nil
		case n, ok := <-s.feed.NotificationChannel():
			if !ok {
				return errors.New("postgres change feed closed")
			}
			if n == nil {
				for _, name := range s.observed() {
					s.refresh(ctx, name)
				}
				continue
			}
			if s.isObserved(n.Extra) {
				s.refresh(ctx, n.Extra)
			}
		}
	}
}

// Close stops the change feed.
func (s *Store) Close() error {
	return s.feed.Close()
}

func (s *Store) observed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.live))
	for name := range s.live {
		names = append(names, name)
	}
	return names
}

func (s *Store) isObserved(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[name]
	return ok
}

// refresh re-reads a collection and publishes it, or reports the failure to
// subscribers. Results of reads overtaken by a later read are dropped.
func (s *Store) refresh(ctx context.Context, name string) {
	s.mu.Lock()
	c, ok := s.live[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.started++
	seq := c.started
	s.mu.Unlock()

	docs, err := s.List(ctx, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < c.published {
		s.logger.Debug("stale collection read dropped", "collection", name)
		return
	}
	if err != nil {
		s.logger.Error("refresh collection failed", "collection", name, "error", err)
		c.subject.Fail(err)
		return
	}
	c.published = seq
	c.subject.Publish(docs)
}

// Subscribe returns the live contents of a collection. The first subscription
// to a collection triggers its initial read.
func (s *Store) Subscribe(name string) stream.Source[[]store.Document] {
	s.mu.Lock()
	c, ok := s.live[name]
	if !ok {
		c = &liveCollection{subject: stream.NewEmptySubject[[]store.Document]()}
		s.live[name] = c
	}
	s.mu.Unlock()

	if !ok {
		go s.refresh(context.Background(), name)
	}
	return c.subject
}

func (s *Store) Watch(name, id string) stream.Source[*store.Document] {
	return store.Pick(s.Subscribe(name), id)
}

func (s *Store) List(ctx context.Context, name string) ([]store.Document, error) {
	wrapMsg := fmt.Sprintf("unable to list the documents in `%s`", name)

	query, args, err := psql.
		Select("id", "data", "created_at").
		From("documents").
		Where(sq.Eq{"collection": name}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return s.queryDocuments(ctx, wrapMsg, query, args)
}

func (s *Store) Get(ctx context.Context, name, id string) (store.Document, error) {
	wrapMsg := fmt.Sprintf("unable to get the document `%s/%s`", name, id)

	query, args, err := psql.
		Select("id", "data", "created_at").
		From("documents").
		Where(sq.Eq{"collection": name, "id": id}).
		ToSql()
	if err != nil {
		return store.Document{}, errors.Wrap(err, wrapMsg)
	}

	var d store.Document
	var data []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&d.ID, &data, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, fmt.Errorf("%s/%s: %w", name, id, domain.ErrNotFound)
	}
	if err != nil {
		return store.Document{}, errors.Wrap(err, wrapMsg)
	}
	d.Data = json.RawMessage(data)
	return d, nil
}

func (s *Store) Create(ctx context.Context, name string, fields map[string]any) (store.Document, error) {
	wrapMsg := fmt.Sprintf("unable to create a document in `%s`", name)

	data, err := json.Marshal(fields)
	if err != nil {
		return store.Document{}, errors.Wrap(err, wrapMsg)
	}
	d := store.Document{ID: uuid.NewString(), Data: data, CreatedAt: s.clock.Now().UTC()}

	query, args, err := psql.
		Insert("documents").
		Columns("collection", "id", "data", "created_at").
		Values(name, d.ID, string(data), d.CreatedAt).
		ToSql()
	if err != nil {
		return store.Document{}, errors.Wrap(err, wrapMsg)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return store.Document{}, errors.Wrap(err, wrapMsg)
	}
	return d, nil
}

func (s *Store) Put(ctx context.Context, name, id string, fields map[string]any, merge bool) error {
	wrapMsg := fmt.Sprintf("unable to put the document `%s/%s`", name, id)

	data, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	onConflict := "ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data"
	if merge {
		onConflict = "ON CONFLICT (collection, id) DO UPDATE SET data = documents.data || EXCLUDED.data"
	}

	query, args, err := psql.
		Insert("documents").
		Columns("collection", "id", "data", "created_at").
		Values(name, id, string(data), s.clock.Now().UTC()).
		Suffix(onConflict).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, name, id string, fields map[string]any) error {
	wrapMsg := fmt.Sprintf("unable to update the document `%s/%s`", name, id)

	patch, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	query, args, err := psql.
		Update("documents").
		Set("data", sq.Expr("data || ?::jsonb", string(patch))).
		Where(sq.Eq{"collection": name, "id": id}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", name, id, domain.ErrNotFound)
	}
	return nil
}

// DeleteBatch removes ids inside one transaction.
func (s *Store) DeleteBatch(ctx context.Context, name string, ids []string) (int, error) {
	wrapMsg := fmt.Sprintf("unable to delete %d documents from `%s`", len(ids), name)
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := psql.
		Delete("documents").
		Where(sq.Eq{"collection": name, "id": ids}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	return int(n), nil
}

func (s *Store) Query(ctx context.Context, name, field string, value any) ([]store.Document, error) {
	wrapMsg := fmt.Sprintf("unable to query `%s` on `%s`", name, field)

	probe, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	query, args, err := psql.
		Select("id", "data", "created_at").
		From("documents").
		Where(sq.Eq{"collection": name}).
		Where(sq.Expr("data @> ?::jsonb", string(probe))).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return s.queryDocuments(ctx, wrapMsg, query, args)
}

func (s *Store) queryDocuments(ctx context.Context, wrapMsg, query string, args []any) ([]store.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var d store.Document
		var data []byte
		if err := rows.Scan(&d.ID, &data, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		d.Data = json.RawMessage(data)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	return docs, nil
}
