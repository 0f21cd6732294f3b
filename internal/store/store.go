// Package store persists balancer settings as a small TOML document and
// reloads it when the file changes on disk. The live stream set is never
// persisted: captures cannot be resumed across process restarts.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/fairmix/fairmix/pkg/dsp/dynamics"
)

// AutoBalanceSettings controls the balancing loop.
type AutoBalanceSettings struct {
	Enabled    bool    `toml:"enabled"`
	TargetLUFS float64 `toml:"target_lufs"`
}

// Settings is the full persisted record.
type Settings struct {
	AutoBalance AutoBalanceSettings `toml:"auto_balance"`
	Limiter     dynamics.Settings   `toml:"limiter"`
}

// Default returns the settings used when no file exists yet.
func Default() Settings {
	return Settings{
		AutoBalance: AutoBalanceSettings{Enabled: false, TargetLUFS: -14.0},
		Limiter:     dynamics.DefaultSettings(),
	}
}

// Store reads and writes one settings file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a store for the given path. The file is created lazily on the
// first Save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the file. A missing file yields defaults without error.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := Default()
	if _, err := toml.DecodeFile(s.path, &settings); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

// Save writes the file atomically via a temp file and rename.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(settings); err != nil {
		tmp.Close()
		return fmt.Errorf("save settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Watch reloads the file whenever it is written externally and hands the
// parsed settings to onChange. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic saves replace the file, which
	// would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch settings: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if settings, err := s.Load(); err == nil {
				onChange(settings)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
