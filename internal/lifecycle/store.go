package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Persisted is the restorable part of a session.
type Persisted struct {
	SessionID    string    `json:"session_id"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	Hits         int       `json:"hits"`
}

// Store persists the session identifier across page loads.
type Store interface {
	Load() (Persisted, bool, error)
	Save(Persisted) error
	Clear() error
}

// MemoryStore keeps the identifier in process memory.
type MemoryStore struct {
	mu sync.Mutex
	p  Persisted
	ok bool
}

func (m *MemoryStore) Load() (Persisted, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, m.ok, nil
}

func (m *MemoryStore) Save(p Persisted) error {
	m.mu.Lock()
	m.p, m.ok = p, true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.p, m.ok = Persisted{}, false
	m.mu.Unlock()
	return nil
}

// FileStore keeps the identifier in a JSON file.
type FileStore struct {
	Path string
}

func (f FileStore) Load() (Persisted, bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Persisted{}, false, nil
	}
	if err != nil {
		return Persisted{}, false, fmt.Errorf("lifecycle: read %s: %w", f.Path, err)
	}
	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return Persisted{}, false, fmt.Errorf("lifecycle: decode %s: %w", f.Path, err)
	}
	return p, p.SessionID != "", nil
}

// Save writes through a temp file so a crash never leaves a torn file.
func (f FileStore) Save(p Persisted) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("lifecycle: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("lifecycle: mkdir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("lifecycle: write: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("lifecycle: rename: %w", err)
	}
	return nil
}

func (f FileStore) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lifecycle: remove %s: %w", f.Path, err)
	}
	return nil
}
