package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink stores exported documents under slash separated keys.
type Sink interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Location describes where the documents end up, for logging.
	Location() string
}

// localSink writes documents below a directory.
type localSink struct {
	dir string
}

// Ensure interface compliance.
var _ Sink = (*localSink)(nil)

// NewLocalSink creates a sink that writes files below dir.
func NewLocalSink(dir string) Sink {
	return &localSink{dir: dir}
}

func (s *localSink) Put(_ context.Context, key string, data []byte) error {
	if !isSafeKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	path := filepath.Join(s.dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	// Write to a temp file first so readers never see partial documents.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("renaming %s: %w", key, err)
	}

	return nil
}

func (s *localSink) Location() string {
	return s.dir
}

// isSafeKey rejects keys that could escape the sink root.
func isSafeKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}

	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}

	return true
}
