// Package store implements the durable credential store: a JSON-file-backed
// map from account id to OAuth credential, written with
// write-temp-then-atomic-rename and serialized through a single mutex.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by Get/Update when the account id is absent.
var ErrNotFound = errors.New("store: account not found")

// Credential is the on-disk / in-memory representation of one account's
// OAuth material. Wire field names match the documented on-disk format
// exactly: type/refresh/access/expires.
type Credential struct {
	Kind      string `json:"type"`
	Refresh   string `json:"refresh"`
	Access    string `json:"access"`
	ExpiresAt int64  `json:"expires"` // unix millis
}

func (c Credential) validate() error {
	if c.Kind != "oauth" {
		return fmt.Errorf("store: unsupported credential kind %q", c.Kind)
	}
	if c.Refresh == "" {
		return errors.New("store: missing refresh token")
	}
	if c.Access == "" {
		return errors.New("store: missing access token")
	}
	if c.ExpiresAt == 0 {
		return errors.New("store: missing expires")
	}
	return nil
}

// Store is the single source of truth for account credentials. Every
// operation, reads included, takes mu, so readers are serialized with each
// other and with writers; a reader never sees a write that is not yet
// persisted.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]Credential
}

// Load reads path, creating it with an empty mapping if it does not
// exist. It fails only on I/O error, JSON parse error, or a malformed
// entry.
func Load(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]Credential{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", path, err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}

	var parsed map[string]Credential
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", path, err)
	}
	for id, cred := range parsed {
		if err := cred.validate(); err != nil {
			return nil, fmt.Errorf("store: entry %q: %w", id, err)
		}
	}
	s.data = parsed
	return s, nil
}

// Get returns the credential for id, or ErrNotFound.
func (s *Store) Get(id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.data[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Add inserts or replaces the entry for id and persists.
func (s *Store) Add(id string, cred Credential) error {
	if err := cred.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[id]
	s.data[id] = cred
	if err := s.persistLocked(); err != nil {
		if had {
			s.data[id] = prev
		} else {
			delete(s.data, id)
		}
		return err
	}
	return nil
}

// Update replaces an existing entry; it fails if id is absent.
func (s *Store) Update(id string, cred Credential) error {
	if err := cred.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	s.data[id] = cred
	if err := s.persistLocked(); err != nil {
		s.data[id] = prev
		return err
	}
	return nil
}

// Remove deletes the entry for id; idempotent.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[id]
	if !had {
		return nil
	}
	delete(s.data, id)
	if err := s.persistLocked(); err != nil {
		s.data[id] = prev
		return err
	}
	return nil
}

// ListIDs returns the current account ids. Ordering is unspecified but
// stable within one call.
func (s *Store) ListIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether id has an entry, without copying the credential.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[id]
	return ok
}

// persistLocked serializes the full map to a temp file in the same
// directory, fsyncs best-effort, and atomically renames over path. Callers
// must hold s.mu.
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("store: renaming into place: %w", err)
	}
	return nil
}
