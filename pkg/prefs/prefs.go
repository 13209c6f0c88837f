// Package prefs stores local user preferences in a small YAML file.
package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Preferences are the persisted settings.
type Preferences struct {
	// CaptureDevice is the selected microphone id. Empty means the system
	// default.
	CaptureDevice string `yaml:"capture_device,omitempty"`

	// Agent is the last agent called.
	Agent string `yaml:"agent,omitempty"`
}

// Store reads and writes Preferences at a path.
type Store struct {
	path string
	mu   sync.Mutex
}

// DefaultPath is <user config dir>/taara/prefs.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("prefs: locate config dir: %w", err)
	}
	return filepath.Join(dir, "taara", "prefs.yaml"), nil
}

// Open returns a store for path. The file need not exist.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the file location.
func (s *Store) Path() string { return s.path }

// Load reads the preferences. A missing file yields zero Preferences.
func (s *Store) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Preferences
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("prefs: read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("prefs: parse %s: %w", s.path, err)
	}
	return p, nil
}

// Save writes the preferences atomically.
func (s *Store) Save(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("prefs: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("prefs: create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("prefs: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("prefs: write: %w", err)
	}
	return nil
}

// Update loads, applies fn and saves.
func (s *Store) Update(fn func(*Preferences)) error {
	p, err := s.Load()
	if err != nil {
		return err
	}
	fn(&p)
	return s.Save(p)
}
