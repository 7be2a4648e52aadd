// Package local implements the filesystem store for binary downloads.
package local

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store writes downloaded files under <baseDir>/<taskIdentity>/<localPath>.
// An existing file at the target path is left untouched.
type Store struct {
	baseDir string
}

// New creates a download store rooted at baseDir, creating it if absent.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("download base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create download directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat download directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("download path %q is not a directory", baseDir)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put writes data for the task at the normalized local path. It reports the
// resolved file path and whether a write actually happened: false means a
// file already existed and was skipped.
func (s *Store) Put(taskIdentity, localPath string, data []byte) (string, bool, error) {
	clean := path.Clean("/" + strings.ReplaceAll(localPath, "//", "/"))
	fullPath := filepath.Join(s.baseDir, taskIdentity, filepath.FromSlash(clean))

	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", false, fmt.Errorf("path %q escapes download root", localPath)
	}

	if _, err := os.Stat(fullPath); err == nil {
		return fullPath, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("stat %s: %w", fullPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", false, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", false, fmt.Errorf("write file: %w", err)
	}
	return fullPath, true, nil
}
