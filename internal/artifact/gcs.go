package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a bucket-backed store. When the STORAGE_EMULATOR_HOST
// environment variable is set the storage client talks to the emulator.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs artifact store requires a bucket name")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(k).NewWriter(ctx)
	w.ContentType = ContentType(k)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (g *GCS) Open(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, Object{}, err
	}
	r, err := g.client.Bucket(g.bucket).Object(k).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("failed to open GCS object %q: %w", k, err)
	}
	return r, Object{Key: k, Size: r.Attrs.Size, ModTime: r.Attrs.LastModified}, nil
}

func (g *GCS) Stat(ctx context.Context, key string) (Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	attrs, err := g.client.Bucket(g.bucket).Object(k).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("failed to stat GCS object %q: %w", k, err)
	}
	return Object{Key: k, Size: attrs.Size, ModTime: attrs.Updated}, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Object, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects prefix=%q: %w", prefix, err)
		}
		out = append(out, Object{Key: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated})
	}
	return out, nil
}

func (g *GCS) DeletePrefix(ctx context.Context, prefix string) error {
	objs, err := g.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, o := range objs {
		err := g.client.Bucket(g.bucket).Object(o.Key).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete GCS object %q: %w", o.Key, err)
		}
	}
	return nil
}
