package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known file names under the data directory.
const (
	AccountsFile = "accounts.json"
	APIKeysFile  = "api_keys.json"
	AppLogsFile  = "app_logs.json"
	ConfigFile   = "config.json"
)

// Store serializes access to the JSON files under a data directory. Every
// write to a file goes through that file's mutex; readers work on decoded
// snapshots and never need the lock.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at dir and ensures the directory exists.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute path of a named file.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) fileLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[name] = l
	return l
}

// Load decodes the named file into out. A missing file leaves out untouched
// and returns nil so callers start from their empty collection. A file that
// exists but does not decode fails loudly.
func (s *Store) Load(name string, out interface{}) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Save atomically replaces the named file with the JSON encoding of v,
// using write-temp-then-rename under the per-file mutex.
func (s *Store) Save(name string, v interface{}) error {
	lock := s.fileLock(name)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(name, v)
}

func (s *Store) saveLocked(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	target := s.Path(name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Update loads the named file, applies fn to the decoded value and saves the
// result, all under the file's mutex. fn receives the pointer passed as out.
func (s *Store) Update(name string, out interface{}, fn func() error) error {
	lock := s.fileLock(name)
	lock.Lock()
	defer lock.Unlock()
	if err := s.Load(name, out); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.saveLocked(name, out)
}
