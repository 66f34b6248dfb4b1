// Package store provides the document database the rest of the service is
// written against: collection/document CRUD, equality queries, atomic
// counter increments and multi-document transactions, with server-assigned
// timestamps. The SQLite implementation is the only one shipped; callers
// depend on the Store interface so tests can fail it on purpose.
package store

import (
	"context"

	"github.com/pkg/errors"
)

const (
	Pastes = "pastes"
	Views  = "pasteViews"
	Users  = "users"
)

var (
	ErrDocMissing = errors.New("document not found")
	ErrDocExists  = errors.New("document already exists")
)

// Filter is an equality predicate over a top-level document field.
type Filter struct {
	Field string
	Value any
}

// Order names a document field to sort on.
type Order struct {
	Field string
	Desc  bool
}

// Doc is a raw query result: the document id plus its JSON body.
type Doc struct {
	ID   string
	Data []byte
}

// Tx is the read-then-conditional-write surface available inside a
// Transaction callback. All operations see and produce a single atomic
// snapshot.
type Tx interface {
	Exists(collection, id string) (bool, error)
	Get(collection, id string, out any) error
	Create(collection, id string, doc any) error
	Update(collection, id string, patch map[string]any) error
	Increment(collection, id, field string, delta int64) error
}

type Store interface {
	// Create persists doc under a freshly assigned id, stamping
	// $.createdAt with the server clock, and returns the id.
	Create(ctx context.Context, collection string, doc any) (string, error)
	Get(ctx context.Context, collection, id string, out any) error
	// Update merges patch into the stored document and stamps $.updatedAt.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters []Filter, orderBy Order, limit int) ([]Doc, error)
	AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}
