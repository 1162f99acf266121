// Copyright 2025 James Ross
package permissionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/capability"
)

// Grant is a durable record of a user's answer to a capability prompt.
type Grant struct {
	ExtensionID string               `json:"extension_id"`
	Capability  capability.Capability `json:"capability"`
	Scope       capability.Scope     `json:"scope"`
	Allowed     bool                 `json:"allowed"`
	GrantedAt   time.Time            `json:"granted_at"`
}

func key(extensionID string, cap capability.Capability) string {
	return extensionID + "|" + string(cap)
}

// Store persists capability-prompt resolutions to a JSON file so the
// host does not re-prompt across process restarts.
type Store struct {
	mu     sync.RWMutex
	path   string
	grants map[string]Grant
}

// Open loads the store from path, creating an empty one if absent.
func Open(path string) (*Store, error) {
	s := &Store{path: path, grants: map[string]Grant{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("permissionstore: read %s: %w", path, err)
	}
	var list []Grant
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("permissionstore: decode %s: %w", path, err)
	}
	for _, g := range list {
		s.grants[key(g.ExtensionID, g.Capability)] = g
	}
	return s, nil
}

// Lookup returns a previously persisted grant, if any.
func (s *Store) Lookup(extensionID string, cap capability.Capability) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[key(extensionID, cap)]
	return g, ok
}

// Record saves a prompt resolution and flushes the store to disk.
func (s *Store) Record(g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.GrantedAt = time.Now()
	s.grants[key(g.ExtensionID, g.Capability)] = g
	return s.flushLocked()
}

// Revoke removes a persisted grant.
func (s *Store) Revoke(extensionID string, cap capability.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, key(extensionID, cap))
	return s.flushLocked()
}

// List returns all persisted grants, for admin-surface inspection.
func (s *Store) List() []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	return out
}

func (s *Store) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("permissionstore: mkdir: %w", err)
	}
	list := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		list = append(list, g)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("permissionstore: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("permissionstore: write: %w", err)
	}
	return os.Rename(tmp, s.path)
}
