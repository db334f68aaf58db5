package blob

import (
	"context"
	"io"
	"iter"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/pkg/errors"
)

var (
	ErrBlobExists   = errors.New("blob already exists")
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidName  = errors.New("invalid blob name")
	ErrNoContainer  = errors.New("container does not exist")
)

// Store is a flat, name addressed blob container. Blobs are written once and
// never overwritten.
type Store interface {
	// EnsureContainer creates the container if it is absent. On an existing
	// container it releases names whose content never landed. Call it before
	// accepting uploads.
	EnsureContainer(ctx context.Context) error

	// List yields the metadata of every blob currently in the container.
	// Each range over the sequence queries the store again.
	List(ctx context.Context) iter.Seq2[models.Blob, error]

	// Put stores content under name. ErrBlobExists if the name is taken.
	Put(ctx context.Context, name string, contentType string, content io.Reader) (models.Blob, error)

	// Open returns the blob content; the caller closes it.
	Open(ctx context.Context, name string) (io.ReadCloser, models.Blob, error)

	Container() string
}
