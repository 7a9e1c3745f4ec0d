package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store over Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore builds a store around an authenticated storage client.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// NewGCSStoreWithClient wraps an existing client (tests inject fakes here).
func NewGCSStoreWithClient(client *storage.Client) *GCSStore {
	return &GCSStore{client: client}
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Copy transfers a single object in whichever direction the URLs imply:
// download, upload, or in-cloud copy.
func (s *GCSStore) Copy(ctx context.Context, src, dst string) error {
	srcRemote := strings.HasPrefix(src, "gs://")
	dstRemote := strings.HasPrefix(dst, "gs://")

	switch {
	case srcRemote && dstRemote:
		return s.copyObject(ctx, src, dst)
	case srcRemote:
		return s.download(ctx, src, dst)
	case dstRemote:
		return s.upload(ctx, src, dst)
	default:
		return fmt.Errorf("neither side of %q -> %q is a gs:// url", src, dst)
	}
}

func (s *GCSStore) handle(url string) (*storage.ObjectHandle, error) {
	bucket, object, err := SplitGCS(url)
	if err != nil {
		return nil, err
	}
	if object == "" {
		return nil, fmt.Errorf("missing object in %q", url)
	}
	return s.client.Bucket(bucket).Object(object), nil
}

func (s *GCSStore) download(ctx context.Context, src, dst string) error {
	obj, err := s.handle(src)
	if err != nil {
		return err
	}
	dstPath, err := localPathOf(dst)
	if err != nil {
		return err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dstPath), err)
	}
	f, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	return f.Close()
}

func (s *GCSStore) upload(ctx context.Context, src, dst string) error {
	obj, err := s.handle(dst)
	if err != nil {
		return err
	}
	srcPath, err := localPathOf(src)
	if err != nil {
		return err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload %s to %s: %w", src, dst, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", dst, err)
	}
	return nil
}

func (s *GCSStore) copyObject(ctx context.Context, src, dst string) error {
	srcObj, err := s.handle(src)
	if err != nil {
		return err
	}
	dstObj, err := s.handle(dst)
	if err != nil {
		return err
	}
	if _, err := dstObj.CopierFrom(srcObj).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// SyncDir mirrors a directory tree between the cloud and the local
// filesystem, direction inferred from the URLs.
func (s *GCSStore) SyncDir(ctx context.Context, srcDir, dstDir string) error {
	srcRemote := strings.HasPrefix(srcDir, "gs://")
	dstRemote := strings.HasPrefix(dstDir, "gs://")

	switch {
	case srcRemote && !dstRemote:
		return s.syncDown(ctx, srcDir, dstDir)
	case !srcRemote && dstRemote:
		return s.syncUp(ctx, srcDir, dstDir)
	default:
		return fmt.Errorf("sync requires one gs:// side: %q -> %q", srcDir, dstDir)
	}
}

func (s *GCSStore) syncDown(ctx context.Context, srcDir, dstDir string) error {
	bucket, prefix, err := SplitGCS(srcDir)
	if err != nil {
		return err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", srcDir, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		src := "gs://" + bucket + "/" + attrs.Name
		if err := s.download(ctx, src, filepath.Join(dstDir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
}

func (s *GCSStore) syncUp(ctx context.Context, srcDir, dstDir string) error {
	srcPath, err := localPathOf(srcDir)
	if err != nil {
		return err
	}
	dstDir = strings.TrimSuffix(dstDir, "/")

	return filepath.WalkDir(srcPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcPath, p)
		if err != nil {
			return err
		}
		return s.upload(ctx, p, dstDir+"/"+filepath.ToSlash(rel))
	})
}

// Glob lists objects matching a pattern whose final component carries a
// single wildcard.
func (s *GCSStore) Glob(ctx context.Context, pattern string) ([]string, error) {
	bucket, object, err := SplitGCS(pattern)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(object, "*") {
		ok, err := s.Exists(ctx, pattern)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []string{pattern}, nil
	}

	prefix := object[:strings.Index(object, "*")]
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var matches []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", pattern, err)
		}
		ok, err := path.Match(object, attrs.Name)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, "gs://"+bucket+"/"+attrs.Name)
		}
	}
	return matches, nil
}

// Exists probes an object; for wildcards and directories, any match
// counts.
func (s *GCSStore) Exists(ctx context.Context, url string) (bool, error) {
	bucket, object, err := SplitGCS(url)
	if err != nil {
		return false, err
	}

	if strings.Contains(object, "*") {
		matches, err := s.Glob(ctx, url)
		if err != nil {
			return false, err
		}
		return len(matches) > 0, nil
	}

	if object == "" || strings.HasSuffix(object, "/") {
		it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: object})
		_, err := it.Next()
		if err == iterator.Done {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to list %s: %w", url, err)
		}
		return true, nil
	}

	_, err = s.client.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", url, err)
	}
	return true, nil
}

// WriteObject writes data directly to an object.
func (s *GCSStore) WriteObject(ctx context.Context, url string, data []byte) error {
	obj, err := s.handle(url)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", url, err)
	}
	return w.Close()
}
