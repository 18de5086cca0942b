// Package memory provides a process-local registration state store.
// State does not survive a restart; use the firestore or redis backends for that.
package memory

import (
	"context"
	"sync"
)

type StateStore struct {
	mu             sync.Mutex
	registrationID string
	backoffMs      int
	initialMs      int
}

func NewStateStore(initialBackoffMs int) *StateStore {
	return &StateStore{initialMs: initialBackoffMs, backoffMs: initialBackoffMs}
}

func (s *StateStore) GetRegistrationID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrationID, nil
}

func (s *StateStore) SetRegistrationID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrationID = id
	return nil
}

func (s *StateStore) ClearRegistrationID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.registrationID
	s.registrationID = ""
	return previous, nil
}

func (s *StateStore) GetBackoff(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoffMs <= 0 {
		return s.initialMs, nil
	}
	return s.backoffMs, nil
}

func (s *StateStore) SetBackoff(_ context.Context, ms int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffMs = ms
	return nil
}

func (s *StateStore) ResetBackoff(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffMs = s.initialMs
	return nil
}
