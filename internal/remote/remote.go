// Package remote defines the collaborator interface of the remote content
// store and an HTTP/JSON implementation of it.
package remote

import (
	"context"

	"github.com/schaermu/b2sync/internal/content"
)

// Snapshot is the lightweight view of a remote object used to plan a pull.
type Snapshot struct {
	ID       string `json:"id"`
	Revision string `json:"revision"`
}

// EntryInfo describes one remote content scope.
type EntryInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Objects is the per-kind collection of an entry. Objects returned by Create
// and Update are the server-confirmed versions, carrying the new id and
// revision. Lookups of absent objects return an error matching
// content.ErrNotFound.
type Objects interface {
	ListSnapshot(ctx context.Context) ([]Snapshot, error)
	GetBatch(ctx context.Context, ids []string) ([]content.Object, error)
	GetByHandle(ctx context.Context, handle string) (content.Object, error)
	Get(ctx context.Context, id string) (content.Object, error)
	Create(ctx context.Context, obj content.Object) (content.Object, error)
	Update(ctx context.Context, obj content.Object) (content.Object, error)
	Delete(ctx context.Context, id string) error
}

// Entry is one remote content scope.
type Entry interface {
	Name() string
	Objects(kind content.Kind) (Objects, error)
}

// Store lists and opens entries.
type Store interface {
	Entries(ctx context.Context) ([]EntryInfo, error)
	Entry(name string) Entry
}
