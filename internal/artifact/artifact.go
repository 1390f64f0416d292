// Package artifact stores generated content files under keys of the form
// {userId}/{contentId}/{filename}. A local filesystem backend and a Google
// Cloud Storage backend are provided.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("artifact not found")

// Object describes a stored file.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is the binary object store used for generated content.
type Store interface {
	// Put writes r under key, replacing any existing object. The object is
	// not visible under key until it is completely written.
	Put(ctx context.Context, key string, r io.Reader) error
	// Open returns a reader for key. The caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key joins parts into an object key.
func Key(parts ...string) string {
	return path.Join(parts...)
}

// cleanKey rejects keys that are empty or escape the store root.
func cleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	if k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return k, nil
}

// ContentType guesses a MIME type from the file extension of name.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".csv":
		return "text/csv"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".txt", ".py", ".go", ".js", ".ts", ".java", ".c", ".cpp", ".rs":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
