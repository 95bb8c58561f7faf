// Package store persists sessions as one pretty-printed JSON file per
// session id under the data directory. Writes are atomic (temp file +
// rename) and buffer updates are skipped when the bytes did not change.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
)

// Store is the durable map from session id to StoredSession.
type Store struct {
	dir string

	mu sync.Mutex
	// lastBuffer remembers the buffer content last written per id so
	// UpdateBuffer can no-op on identical bytes without a disk read.
	lastBuffer map[string]string
}

// New creates a Store rooted at dir. Init must be called before use.
func New(dir string) *Store {
	return &Store{dir: dir, lastBuffer: make(map[string]string)}
}

// Init creates the storage directory. Failure here is fatal to startup;
// every later write error is logged and swallowed.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create data dir %s: %w", s.dir, err)
	}
	return nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the full record for a session atomically.
func (s *Store) Save(id string, rec *models.StoredSession) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeAtomicLocked(id, data); err != nil {
		return err
	}
	s.lastBuffer[id] = rec.Buffer
	return nil
}

func (s *Store) writeAtomicLocked(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, id+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", id, err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp for %s: %w", id, err)
	}
	return nil
}

// Load reads one session record. Returns nil, nil when the record does not
// exist.
func (s *Store) Load(id string) (*models.StoredSession, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var rec models.StoredSession
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

// LoadAll scans the directory and returns every readable record. Malformed
// files are logged and skipped, never fatal: a corrupt record must not
// prevent the rest of the fleet from restoring.
func (s *Store) LoadAll() (map[string]*models.StoredSession, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan data dir: %w", err)
	}

	out := make(map[string]*models.StoredSession)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		rec, err := s.Load(id)
		if err != nil {
			logger.Warn("skipping malformed session record", "id", id, "error", err)
			continue
		}
		if rec != nil {
			out[id] = rec
			s.mu.Lock()
			s.lastBuffer[id] = rec.Buffer
			s.mu.Unlock()
		}
	}
	return out, nil
}

// UpdateBuffer rewrites only the buffer portion of a record. It performs no
// I/O when the buffer is byte-identical to the last persisted one.
func (s *Store) UpdateBuffer(id string, buf []byte, lastSeq uint64) error {
	s.mu.Lock()
	prev, known := s.lastBuffer[id]
	s.mu.Unlock()
	if known && prev == string(buf) {
		return nil
	}

	rec, err := s.Load(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("update buffer %s: %w", id, models.ErrSessionNotFound)
	}
	rec.Buffer = string(buf)
	rec.LastSeq = lastSeq
	return s.Save(id, rec)
}

// SavePatterns replaces the persisted pattern list for a session.
func (s *Store) SavePatterns(id string, patterns []models.PatternConfig) error {
	rec, err := s.Load(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("save patterns %s: %w", id, models.ErrSessionNotFound)
	}
	rec.Patterns = patterns
	return s.Save(id, rec)
}

// GetPatterns returns the persisted pattern list for a session.
func (s *Store) GetPatterns(id string) ([]models.PatternConfig, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Patterns, nil
}

// Delete removes one session record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.lastBuffer, id)
	s.mu.Unlock()
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// DeleteAll removes every session record.
func (s *Store) DeleteAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan data dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
	s.mu.Lock()
	s.lastBuffer = make(map[string]string)
	s.mu.Unlock()
	return nil
}
