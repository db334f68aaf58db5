package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/db/tkv"
	"github.com/pkg/errors"
)

const (
	KeyPrefixBlob      = "blob:"      // blob:<container>:<name> => models.Blob json
	KeyPrefixContainer = "container:" // container:<container> => creation time

	DefaultListPageSize = 100
	MaxNameLength       = 1024
)

func blobMetadataKey(container, name string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefixBlob, container, name)
}

type LocalConfig struct {
	Logger *slog.Logger
	KV     tkv.TKV
	// Directory holds one sub directory per container.
	Directory string
	Container string
	PageSize  int
}

// local keeps blob content on disk and blob metadata in the key-value store.
// The metadata record is the source of truth for existence: a blob is
// claimed by SetNX on its metadata key before its file is moved into place.
type local struct {
	logger    *slog.Logger
	kv        tkv.TKV
	root      string
	container string
	pageSize  int
}

var _ Store = &local{}

func NewLocal(cfg LocalConfig) (Store, error) {
	if cfg.KV == nil {
		return nil, errors.New("blob store requires a key-value store")
	}
	if cfg.Container == "" || !ValidName(cfg.Container) {
		return nil, errors.Wrapf(ErrInvalidName, "container %q", cfg.Container)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultListPageSize
	}
	return &local{
		logger:    cfg.Logger.WithGroup("blob").With("container", cfg.Container),
		kv:        cfg.KV,
		root:      cfg.Directory,
		container: cfg.Container,
		pageSize:  cfg.PageSize,
	}, nil
}

// ValidName reports whether name can be used as a flat blob name.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > MaxNameLength {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func (x *local) Container() string {
	return x.container
}

func (x *local) containerDir() string {
	return filepath.Join(x.root, x.container)
}

func (x *local) blobPath(name string) string {
	// Hash the name to avoid issues with special characters in file names
	hasher := sha256.New()
	hasher.Write([]byte(name))
	return filepath.Join(x.containerDir(), hex.EncodeToString(hasher.Sum(nil)))
}

func (x *local) EnsureContainer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := x.containerDir()
	if _, err := os.Stat(dir); err == nil {
		return x.pruneOrphans(ctx)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat container %s", x.container)
	}

	x.logger.Info("Creating container", "path", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create container %s", x.container)
	}
	err := x.kv.SetNX(KeyPrefixContainer+x.container, time.Now().UTC().Format(time.RFC3339))
	if err != nil && !tkv.IsErrKeyExists(err) {
		return errors.Wrapf(err, "record container %s", x.container)
	}
	return nil
}

// pruneOrphans releases names whose metadata was claimed but whose content
// never reached the container. Runs from EnsureContainer, before uploads
// are accepted.
func (x *local) pruneOrphans(ctx context.Context) error {
	prefix := blobMetadataKey(x.container, "")
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, err := x.kv.Iterate(prefix, after, x.pageSize)
		if err != nil {
			return errors.Wrap(err, "scan blob metadata")
		}
		for _, key := range keys {
			name := strings.TrimPrefix(key, prefix)
			if _, err := os.Stat(x.blobPath(name)); !os.IsNotExist(err) {
				continue
			}
			x.logger.Warn("Releasing blob name with no stored content", "name", name)
			if err := x.kv.Delete(key); err != nil {
				return errors.Wrapf(err, "release blob %s", name)
			}
		}
		if len(keys) < x.pageSize {
			return nil
		}
		after = keys[len(keys)-1]
	}
}

func (x *local) Put(ctx context.Context, name string, contentType string, content io.Reader) (models.Blob, error) {
	if !ValidName(name) {
		return models.Blob{}, errors.Wrapf(ErrInvalidName, "%q", name)
	}
	if _, err := os.Stat(x.containerDir()); err != nil {
		return models.Blob{}, errors.Wrap(ErrNoContainer, x.container)
	}

	metadataKey := blobMetadataKey(x.container, name)

	// Cheap early out, the authoritative check is the SetNX below.
	if _, err := x.kv.Get(metadataKey); err == nil {
		return models.Blob{}, ErrBlobExists
	} else if !tkv.IsErrKeyNotFound(err) {
		return models.Blob{}, errors.Wrap(err, "read blob metadata")
	}

	tempFile, err := os.CreateTemp(x.containerDir(), "upload-*.tmp")
	if err != nil {
		return models.Blob{}, errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tempFile.Name()) // no-op once renamed

	hasher := sha256.New()
	teeReader := io.TeeReader(&ctxReader{ctx: ctx, r: content}, hasher)

	written, err := io.Copy(tempFile, teeReader)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return models.Blob{}, errors.Wrap(err, "write blob content")
	}

	blob := models.Blob{
		Name:        name,
		Size:        written,
		Hash:        hex.EncodeToString(hasher.Sum(nil)),
		ContentType: contentType,
		UploadedAt:  time.Now().UTC(),
	}
	metadataValue, err := json.Marshal(blob)
	if err != nil {
		return models.Blob{}, errors.Wrap(err, "marshal blob metadata")
	}

	// The name is claimed before the content is moved into place so that a
	// losing writer never replaces a stored file. Until the rename below, a
	// listing may show the entry while Open reports ErrBlobNotFound. If the
	// process dies in between, pruneOrphans releases the name at startup.
	if err := x.kv.SetNX(metadataKey, string(metadataValue)); err != nil {
		if tkv.IsErrKeyExists(err) {
			return models.Blob{}, ErrBlobExists
		}
		return models.Blob{}, errors.Wrap(err, "claim blob name")
	}

	if err := os.Rename(tempFile.Name(), x.blobPath(name)); err != nil {
		x.logger.Error("Could not move blob to final destination", "name", name, "error", err)
		if delErr := x.kv.Delete(metadataKey); delErr != nil {
			x.logger.Error("Could not release blob name after failed move", "name", name, "error", delErr)
		}
		return models.Blob{}, errors.Wrap(err, "move blob into place")
	}

	x.logger.Debug("Stored blob", "name", name, "size", blob.Size, "hash", blob.Hash)
	return blob, nil
}

func (x *local) List(ctx context.Context) iter.Seq2[models.Blob, error] {
	prefix := blobMetadataKey(x.container, "")
	return func(yield func(models.Blob, error) bool) {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(models.Blob{}, err)
				return
			}
			// each page resumes after the last key seen, so blobs stored
			// between pages neither repeat nor hide an entry
			keys, err := x.kv.Iterate(prefix, after, x.pageSize)
			if err != nil {
				yield(models.Blob{}, errors.Wrap(err, "list blob metadata"))
				return
			}
			for _, key := range keys {
				blob, err := x.readMetadata(key)
				if tkv.IsErrKeyNotFound(errors.Cause(err)) {
					// released by a failed Put between Iterate and Get
					continue
				}
				if !yield(blob, err) {
					return
				}
			}
			if len(keys) < x.pageSize {
				return
			}
			after = keys[len(keys)-1]
		}
	}
}

func (x *local) Open(ctx context.Context, name string) (io.ReadCloser, models.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.Blob{}, err
	}
	if !ValidName(name) {
		return nil, models.Blob{}, ErrBlobNotFound
	}
	blob, err := x.readMetadata(blobMetadataKey(x.container, name))
	if err != nil {
		if tkv.IsErrKeyNotFound(errors.Cause(err)) {
			return nil, models.Blob{}, ErrBlobNotFound
		}
		return nil, models.Blob{}, err
	}
	file, err := os.Open(x.blobPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.Blob{}, ErrBlobNotFound
		}
		return nil, models.Blob{}, errors.Wrap(err, "open blob")
	}
	return file, blob, nil
}

func (x *local) readMetadata(key string) (models.Blob, error) {
	value, err := x.kv.Get(key)
	if err != nil {
		return models.Blob{}, errors.WithStack(err)
	}
	var blob models.Blob
	if err := json.Unmarshal([]byte(value), &blob); err != nil {
		return models.Blob{}, errors.Wrapf(err, "decode blob metadata %s", key)
	}
	return blob, nil
}

// ctxReader stops a copy once the request context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
