// Package settings provides the configuration store consulted when a queue
// binding resolves the connection identity of its account.
package settings

import (
	"os"
	"strings"
	"sync"
)

// Store looks up named settings, reporting false when the setting is
// unavailable. A setting that is present but blank is unavailable.
type Store interface {
	GetSetting(name string) (string, bool)
}

// EnvStore reads settings from the process environment.
type EnvStore struct {
	// Prefix is prepended to every setting name before lookup.
	Prefix string
}

// GetSetting looks up Prefix+name in the environment.
func (s EnvStore) GetSetting(name string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	value, ok := os.LookupEnv(s.Prefix + name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// MapStore is an in-memory Store, safe for concurrent use.
type MapStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapStore returns a MapStore seeded with a copy of values.
func NewMapStore(values map[string]string) *MapStore {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &MapStore{values: copied}
}

// GetSetting returns the value stored under name.
func (s *MapStore) GetSetting(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[name]
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// Set stores value under name.
func (s *MapStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// ChainStore consults each store in order and returns the first available value.
type ChainStore []Store

// GetSetting returns the first available value for name.
func (c ChainStore) GetSetting(name string) (string, bool) {
	for _, store := range c {
		if value, ok := store.GetSetting(name); ok {
			return value, true
		}
	}
	return "", false
}
