// Package nvstore is the reboot-surviving key-value store consumed by the
// coordination engine. Values are kept in a JSON file so a restarted node
// finds its gateway tenure and ranging calibration where it left them.
package nvstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

// ValidateFunc may inspect or override a value before it is written.
// Returning an error rejects the write.
type ValidateFunc func(key string, value string) (string, error)

// NotifyFunc is invoked after a key's value changes.
type NotifyFunc func(key string, value string)

type Store struct {
	path string

	mu       sync.Mutex
	values   map[string]string
	validate ValidateFunc
	notify   []NotifyFunc
}

// Open loads the store file at path, creating it if absent.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.save(); err != nil {
				return nil, fmt.Errorf("failed to create store file: %w", err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse store: %w", err)
	}
	return s, nil
}

// SetValidator installs the pre-write hook. Only one hook is supported.
func (s *Store) SetValidator(fn ValidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validate = fn
}

// Subscribe registers a change-notification callback.
func (s *Store) Subscribe(fn NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = append(s.notify, fn)
}

// save writes the file. Caller holds the lock or is the constructor.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

func (s *Store) set(key, value string) error {
	s.mu.Lock()
	if s.validate != nil {
		v, err := s.validate(key, value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store write rejected for %q: %w", key, err)
		}
		value = v
	}

	if old, ok := s.values[key]; ok && old == value {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value

	if err := s.save(); err != nil {
		s.mu.Unlock()
		return err
	}
	notify := make([]NotifyFunc, len(s.notify))
	copy(notify, s.notify)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(key, value)
	}
	return nil
}

func (s *Store) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetUint16 returns the stored value for key, or def when absent or unreadable.
func (s *Store) GetUint16(key string, def uint16) uint16 {
	raw, ok := s.get(key)
	if !ok {
		return def
	}
	var v uint16
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		log.Printf("warn: store key %q holds %q, using default %d", key, raw, def)
		return def
	}
	return v
}

func (s *Store) SetUint16(key string, value uint16) error {
	return s.set(key, fmt.Sprintf("%d", value))
}

// GetInt returns the stored value for key, or def when absent or unreadable.
func (s *Store) GetInt(key string, def int) int {
	raw, ok := s.get(key)
	if !ok {
		return def
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		log.Printf("warn: store key %q holds %q, using default %d", key, raw, def)
		return def
	}
	return v
}

func (s *Store) SetInt(key string, value int) error {
	return s.set(key, fmt.Sprintf("%d", value))
}

// GetString returns the stored value for key, or def when absent.
func (s *Store) GetString(key string, def string) string {
	raw, ok := s.get(key)
	if !ok {
		return def
	}
	return raw
}

func (s *Store) SetString(key, value string) error {
	return s.set(key, value)
}
