// Package configstore adapts the external configuration-document store.
// Documents are opaque JSON payloads with an optimistic version counter.
package configstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("configstore: document not found")

// Document is a stored configuration document.
type Document struct {
	ID      string `json:"id"`
	Raw     []byte `json:"raw"`
	Version int64  `json:"version"`
}

// Store is the external document store. Save overwrites; the version in
// the stored copy is bumped by the implementation.
type Store interface {
	Get(ctx context.Context, id string) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}
