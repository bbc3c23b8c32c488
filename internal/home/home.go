// Package home locates the worker's data directory: per-chunk SQLite
// state files live underneath it.
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const (
	// DefaultDirName is the default name for the worker's home directory.
	DefaultDirName = ".arke-ocr-worker"

	// ChunksDirName is the subdirectory holding one SQLite file per active chunk.
	ChunksDirName = "chunks"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Dir represents the worker's home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path. If path is empty, uses the
// default (~/.arke-ocr-worker).
func New(path string) (*Dir, error) {
	if path == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(h, DefaultDirName)
	}
	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ChunksDir returns the directory holding per-chunk SQLite files.
func (d *Dir) ChunksDir() string {
	return filepath.Join(d.path, ChunksDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if absent.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.ChunksDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create chunks directory: %w", err)
	}
	return nil
}

// ChunkDBPath returns the SQLite file path for a given (batch_id, chunk_id).
// Both components are sanitized so they are safe path segments.
func (d *Dir) ChunkDBPath(batchID, chunkID string) string {
	name := fmt.Sprintf("%s__%s.db", sanitize(batchID), sanitize(chunkID))
	return filepath.Join(d.ChunksDir(), name)
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return unsafeChars.ReplaceAllString(s, "_")
}
