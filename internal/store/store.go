// Package store is the remote collection access layer: typed repositories for
// bulletins, events and user profiles on top of a schemaless document
// [Backend].
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// Collection names.
const (
	Bulletins = "bulletins"
	Events    = "events"
	Users     = "users"
)

// Document is one stored record. ID and CreatedAt are assigned by the backend
// and are not part of Data.
type Document struct {
	ID        string
	Data      json.RawMessage
	CreatedAt time.Time
}

// Backend is a document database with live collection queries.
//
// Get, Update and Watch report a missing document with domain.ErrNotFound.
// DeleteBatch is all-or-nothing and returns the number of documents removed.
type Backend interface {
	// Subscribe emits the full contents of a collection on every change.
	Subscribe(collection string) stream.Source[[]Document]
	// Watch emits one document on every change; nil when it does not exist.
	Watch(collection, id string) stream.Source[*Document]

	List(ctx context.Context, collection string) ([]Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Create(ctx context.Context, collection string, fields map[string]any) (Document, error)
	Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	DeleteBatch(ctx context.Context, collection string, ids []string) (int, error)
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)
}

// Pick derives a single-document source from a collection source.
func Pick(src stream.Source[[]Document], id string) stream.Source[*Document] {
	return stream.Map(src, func(docs []Document) *Document {
		for i := range docs {
			if docs[i].ID == id {
				d := docs[i]
				return &d
			}
		}
		return nil
	})
}

// MergeFields overlays fields onto data. With merge false the result holds
// only fields.
func MergeFields(data json.RawMessage, fields map[string]any, merge bool) (json.RawMessage, error) {
	out := make(map[string]any, len(fields))
	if merge && len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// FieldEquals reports whether data has field set to value, comparing by
// JSON encoding.
func FieldEquals(data json.RawMessage, field string, value any) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	got, ok := fields[field]
	if !ok {
		return false
	}
	want, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return canonical(got) == canonical(want)
}

func canonical(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
