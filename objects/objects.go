package objects

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/InsulaLabs/edgegate/db/blob"
	"github.com/InsulaLabs/edgegate/db/models"
)

// FilesPath is the route prefix under which stored files are served.
const FilesPath = "/files/"

type Outcome int

const (
	Stored Outcome = iota
	Skipped
)

func (o Outcome) String() string {
	if o == Stored {
		return "stored"
	}
	return "skipped"
}

// Upload is one file of a batch. Open is called once, when the file's turn
// comes, and the returned reader is closed by the gateway.
type Upload struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

type UploadResult struct {
	Name    string
	Outcome Outcome
	// Reason is set when the file was skipped.
	Reason string
}

type Config struct {
	Logger *slog.Logger
	Store  blob.Store
	// PublicURL prefixes the url of every listed file. Empty yields
	// host relative urls.
	PublicURL string
	// StoreTimeout bounds each blob store call. Zero disables it.
	StoreTimeout time.Duration
}

// Gateway lists and stores files in a blob container. It keeps no state of
// its own; every call goes to the store.
type Gateway struct {
	logger    *slog.Logger
	store     blob.Store
	publicURL string
	timeout   time.Duration
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("object gateway requires a blob store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		logger:    cfg.Logger.WithGroup("objects"),
		store:     cfg.Store,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		timeout:   cfg.StoreTimeout,
	}, nil
}

// EnsureContainer creates the blob container if it is absent. Called once
// at startup.
func (g *Gateway) EnsureContainer(ctx context.Context) error {
	ctx, cancel := g.storeCtx(ctx)
	defer cancel()
	return g.store.EnsureContainer(ctx)
}

func (g *Gateway) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) FileURL(name string) string {
	return g.publicURL + FilesPath + url.PathEscape(name)
}

// ListFiles yields the current contents of the container. Nothing is read
// until the sequence is ranged over, and each range queries the store again.
// The store timeout bounds a whole range, not each page.
func (g *Gateway) ListFiles(ctx context.Context) iter.Seq2[models.FileEntry, error] {
	return func(yield func(models.FileEntry, error) bool) {
		ctx, cancel := g.storeCtx(ctx)
		defer cancel()
		for b, err := range g.store.List(ctx) {
			if err != nil {
				yield(models.FileEntry{}, err)
				return
			}
			entry := models.FileEntry{
				Name:         b.Name,
				URL:          g.FileURL(b.Name),
				Size:         b.Size,
				LastModified: b.UploadedAt,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// CollectFiles drains ListFiles into a slice.
func (g *Gateway) CollectFiles(ctx context.Context) ([]models.FileEntry, error) {
	entries := []models.FileEntry{}
	for entry, err := range g.ListFiles(ctx) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UploadFile stores content under name. A name already present in the
// container is skipped, never overwritten, and so is any file the store
// fails to take.
func (g *Gateway) UploadFile(ctx context.Context, name string, contentType string, content io.Reader) UploadResult {
	ctx, cancel := g.storeCtx(ctx)
	defer cancel()

	b, err := g.store.Put(ctx, name, contentType, content)
	switch {
	case err == nil:
		g.logger.Info("File stored", "name", name, "size", b.Size)
		return UploadResult{Name: name, Outcome: Stored}
	case errors.Is(err, blob.ErrBlobExists):
		g.logger.Info("Duplicate file skipped", "name", name)
		return UploadResult{Name: name, Outcome: Skipped, Reason: "duplicate"}
	case errors.Is(err, blob.ErrInvalidName):
		g.logger.Warn("File with invalid name skipped", "name", name)
		return UploadResult{Name: name, Outcome: Skipped, Reason: "invalid name"}
	default:
		g.logger.Error("Could not store file, skipping", "name", name, "error", err)
		return UploadResult{Name: name, Outcome: Skipped, Reason: "store error"}
	}
}

// UploadBatch uploads every file in order. A failing file never stops the
// rest of the batch.
func (g *Gateway) UploadBatch(ctx context.Context, files []Upload) []UploadResult {
	results := make([]UploadResult, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			results = append(results, UploadResult{Name: f.Name, Outcome: Skipped, Reason: "cancelled"})
			continue
		}
		results = append(results, g.uploadOne(ctx, f))
	}

	stored, skipped := Summarize(results)
	g.logger.Info("Upload batch complete", "stored", stored, "skipped", skipped)
	return results
}

func (g *Gateway) uploadOne(ctx context.Context, f Upload) UploadResult {
	rc, err := f.Open()
	if err != nil {
		g.logger.Error("Could not open uploaded file, skipping", "name", f.Name, "error", err)
		return UploadResult{Name: f.Name, Outcome: Skipped, Reason: "unreadable"}
	}
	defer rc.Close()
	return g.UploadFile(ctx, f.Name, f.ContentType, rc)
}

func Summarize(results []UploadResult) (stored int, skipped int) {
	for _, r := range results {
		if r.Outcome == Stored {
			stored++
		} else {
			skipped++
		}
	}
	return stored, skipped
}

// OpenFile returns the content of a stored file; the caller closes it.
func (g *Gateway) OpenFile(ctx context.Context, name string) (io.ReadCloser, models.Blob, error) {
	return g.store.Open(ctx, name)
}
