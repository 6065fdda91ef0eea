// Package blobstore defines the collaborator contract for the on-disk blob
// store that the location plane consults but does not implement, per
// spec §1 and §6.
package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/i5heu/locationd/pkg/model"
)

// Store is the external blob-store collaborator. locationd never implements
// Store itself; it is provided by the surrounding system so that
// Reconciliation and Proactive Copy can enumerate and move bytes.
type Store interface {
	PutStream(ctx context.Context, h model.ContentHash, r io.Reader) error
	PutFile(ctx context.Context, h model.ContentHash, path string) error
	OpenStream(ctx context.Context, h model.ContentHash) (io.ReadCloser, error)
	PlaceFile(ctx context.Context, h model.ContentHash, destPath string) error
	Pin(ctx context.Context, h model.ContentHash) error
	Delete(ctx context.Context, h model.ContentHash) error
	EnumerateLocalHashes(ctx context.Context) ([]model.ContentHash, error)
	LastAccessTime(ctx context.Context, h model.ContentHash) (time.Time, error)
	Size(ctx context.Context, h model.ContentHash) (int64, error)
}
