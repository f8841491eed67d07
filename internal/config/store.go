package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/dbwarden/internal/instance"
)

// InstancesFileName is the fixed name of the instance store within the data dir.
const InstancesFileName = "instances.json"

// Store is the shared file-backed table of declared instances: a single JSON
// array rewritten wholesale on every mutating operation. Both the foreground
// application and the daemon read and write it; there is no cross-process
// locking (see DESIGN.md).
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load reads all declared records. A missing file is an empty store, not an
// error.
func (s *Store) Load() ([]instance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// #nosec G304 -- fixed path under the application data dir
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instance store: %w", err)
	}
	var records []instance.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse instance store %s: %w", s.path, err)
	}
	return records, nil
}

// Save rewrites the whole store. The write goes through a temp file in the
// same directory followed by a rename, so readers never observe a torn file.
func (s *Store) Save(records []instance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if records == nil {
		records = []instance.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".instances-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Upsert inserts or replaces one record by id.
func (s *Store) Upsert(rec instance.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	records, err := s.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.Save(records)
}

// Remove deletes one record by id. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) error {
	records, err := s.Load()
	if err != nil {
		return err
	}
	out := records[:0]
	for _, rec := range records {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	if len(out) == len(records) {
		return nil
	}
	return s.Save(out)
}
