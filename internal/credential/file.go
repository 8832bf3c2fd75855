// ABOUTME: File-backed credential slot under the user's config directory
// ABOUTME: Writes atomically via rename so a crash never leaves a partial token

package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists the credential in a single file, by default
// $XDG_CONFIG_HOME/spendsense/token.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// DefaultTokenPath returns the token file location.
// Priority: XDG_CONFIG_HOME/spendsense/token > ~/.config/spendsense/token
func DefaultTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "spendsense", "token")
}

// NewFileStore creates a store at path. An empty path uses DefaultTokenPath.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultTokenPath()
	}
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Set(_ context.Context, raw string) error {
	if raw == "" {
		return ErrEmptyCredential
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".token-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing token: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting token permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing token file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

func (f *FileStore) Get(_ context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading token file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	return raw, raw != "", nil
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
