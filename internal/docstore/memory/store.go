// Package memory provides an in-process document store for tests and local runs.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/leadscout/internal/docstore"
)

// Store keeps documents in a map.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
	// failSaves makes every Save return an error; used to exercise rollback paths.
	failSaves bool
}

// New constructs an empty Store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Load returns a copy of the document at key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// Save stores a copy of doc at key.
func (s *Store) Save(_ context.Context, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errors.New("memory store: save disabled")
	}
	s.docs[key] = append([]byte(nil), doc...)
	return nil
}

// Delete removes the document at key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}

// SetFailSaves toggles write failures.
func (s *Store) SetFailSaves(fail bool) {
	s.mu.Lock()
	s.failSaves = fail
	s.mu.Unlock()
}
