package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type (
	// BlobStore materializes large payloads outside the broker. Cache
	// entries then hold a reference instead of the payload itself.
	BlobStore interface {
		// Write stores the reader's contents and returns a URI usable with
		// Read.
		Write(ctx context.Context, name string, r io.Reader) (string, error)
		// Read opens the blob behind a URI produced by Write.
		Read(ctx context.Context, uri string) (io.ReadCloser, error)
	}

	// LocalStore is a BlobStore over a local directory. URIs use the file://
	// scheme.
	LocalStore struct {
		dir string
	}
)

// NewLocalStore returns a BlobStore rooted at dir, creating it as needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

// Write stores the blob under a unique file name derived from name.
func (s *LocalStore) Write(_ context.Context, name string, r io.Reader) (string, error) {
	base := fmt.Sprintf("%s-%s", sanitize(name), uuid.NewString())
	path := filepath.Join(s.dir, base)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write blob %s: %w", path, err)
	}
	return "file://" + path, nil
}

// Read opens a blob written by Write.
func (s *LocalStore) Read(_ context.Context, uri string) (io.ReadCloser, error) {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return nil, fmt.Errorf("unsupported blob uri %q", uri)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", uri, err)
	}
	return f, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// blobRef is the JSON shape cached in place of an externalized payload.
type blobRef struct {
	Ref string `json:"$blob"`
}

// Ref wraps a blob URI into a cacheable JSON value.
func Ref(uri string) json.RawMessage {
	b, _ := json.Marshal(blobRef{Ref: uri})
	return b
}

// RefURI extracts the blob URI from a value produced by Ref. The second
// result is false for ordinary values.
func RefURI(value json.RawMessage) (string, bool) {
	var r blobRef
	if err := json.Unmarshal(value, &r); err != nil || r.Ref == "" {
		return "", false
	}
	return r.Ref, true
}
