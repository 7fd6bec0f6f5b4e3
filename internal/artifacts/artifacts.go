// Package artifacts stores issued certificate files and returns a URL for
// each. Only a local filesystem backend is provided; certifyd serves the
// directory under /artifacts.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrEmpty is returned when Store is called without data.
var ErrEmpty = errors.New("artifact is empty")

// Store persists a document and returns a locator for it.
type Store interface {
	Store(ctx context.Context, data []byte, nameHint string) (string, error)
}

// LocalStore writes artifacts under a directory.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates dir if needed. URLs are baseURL + "/" + file name.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the storage directory.
func (s *LocalStore) Dir() string { return s.dir }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store implements Store. The file is written to a temp file and renamed so
// readers never observe a partial artifact. An existing artifact with the
// same name is replaced.
func (s *LocalStore) Store(ctx context.Context, data []byte, nameHint string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := unsafeChars.ReplaceAllString(nameHint, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "artifact"
	}
	if filepath.Ext(name) == "" {
		name += extensionFor(data)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

func extensionFor(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if ct == "application/pdf" {
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
