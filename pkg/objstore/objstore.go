package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a single-object operation names an object
// that does not exist.
var ErrNotFound = errors.New("object not found")

// Store abstracts object storage for localization, delocalization, and
// output-existence probes. Either side of a Copy or Sync may be a remote
// URL or a local filesystem path; implementations handle the directions
// they recognize.
type Store interface {
	// Copy transfers a single object. Parent directories on a local
	// destination are created.
	Copy(ctx context.Context, src, dst string) error

	// SyncDir recursively mirrors srcDir into dstDir.
	SyncDir(ctx context.Context, srcDir, dstDir string) error

	// Glob expands a pattern whose final component may carry a single
	// wildcard, returning matching object URLs.
	Glob(ctx context.Context, pattern string) ([]string, error)

	// Exists reports whether the URL names an existing object. For a
	// directory or wildcard, any matching object satisfies it.
	Exists(ctx context.Context, url string) (bool, error)

	// WriteObject writes data directly to the URL, creating or
	// overwriting it.
	WriteObject(ctx context.Context, url string, data []byte) error
}

// SplitGCS splits gs://bucket/object into its parts.
func SplitGCS(url string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// url: %q", url)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", url)
	}
	return bucket, object, nil
}

// LocalPath maps a file:// URL or plain path to a filesystem path.
// Returns false for URLs with any other scheme.
func LocalPath(url string) (string, bool) {
	if rest, ok := strings.CutPrefix(url, "file://"); ok {
		return rest, true
	}
	if strings.Contains(url, "://") {
		return "", false
	}
	return url, true
}

// Router dispatches operations to the store that owns each scheme:
// gs:// to the cloud store, file:// and plain paths to the local store.
type Router struct {
	gcs   Store
	local Store
}

// NewRouter builds a Router. Either store may be nil when the scheme is
// known not to occur (tests, local-only runs).
func NewRouter(gcs, local Store) *Router {
	return &Router{gcs: gcs, local: local}
}

func (r *Router) pick(url string) (Store, error) {
	if strings.HasPrefix(url, "gs://") {
		if r.gcs == nil {
			return nil, fmt.Errorf("no cloud storage client configured for %q", url)
		}
		return r.gcs, nil
	}
	if _, ok := LocalPath(url); ok {
		if r.local == nil {
			return nil, fmt.Errorf("no local storage configured for %q", url)
		}
		return r.local, nil
	}
	return nil, fmt.Errorf("unsupported storage scheme in %q", url)
}

// Copy routes by source unless only the destination is remote.
func (r *Router) Copy(ctx context.Context, src, dst string) error {
	store, err := r.pickTransfer(src, dst)
	if err != nil {
		return err
	}
	return store.Copy(ctx, src, dst)
}

// SyncDir routes like Copy.
func (r *Router) SyncDir(ctx context.Context, srcDir, dstDir string) error {
	store, err := r.pickTransfer(srcDir, dstDir)
	if err != nil {
		return err
	}
	return store.SyncDir(ctx, srcDir, dstDir)
}

// pickTransfer picks the store owning the remote side of a transfer; a
// fully local transfer goes to the local store.
func (r *Router) pickTransfer(a, b string) (Store, error) {
	if strings.HasPrefix(a, "gs://") || strings.HasPrefix(b, "gs://") {
		if r.gcs == nil {
			return nil, fmt.Errorf("no cloud storage client configured for %q -> %q", a, b)
		}
		return r.gcs, nil
	}
	return r.pick(a)
}

// Glob routes by the pattern's scheme.
func (r *Router) Glob(ctx context.Context, pattern string) ([]string, error) {
	store, err := r.pick(pattern)
	if err != nil {
		return nil, err
	}
	return store.Glob(ctx, pattern)
}

// Exists routes by the URL's scheme.
func (r *Router) Exists(ctx context.Context, url string) (bool, error) {
	store, err := r.pick(url)
	if err != nil {
		return false, err
	}
	return store.Exists(ctx, url)
}

// WriteObject routes by the URL's scheme.
func (r *Router) WriteObject(ctx context.Context, url string, data []byte) error {
	store, err := r.pick(url)
	if err != nil {
		return err
	}
	return store.WriteObject(ctx, url, data)
}
