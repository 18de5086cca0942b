package cache

import (
	"context"
	"errors"
	"fmt"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// deviceState is the JSON record kept under one key per device.
type deviceState struct {
	RegistrationID string `json:"registration_id,omitempty"`
	BackoffMs      int    `json:"backoff_ms,omitempty"`
}

// RedisStateStore implements registration.Store on top of a CacheClient,
// with no expiry. Read-modify-write is not atomic; the dispatcher serializes
// all access for a device.
type RedisStateStore struct {
	client    CacheClient
	device    urn.URN
	initialMs int
}

func NewRedisStateStore(client CacheClient, device urn.URN, initialBackoffMs int) *RedisStateStore {
	return &RedisStateStore{client: client, device: device, initialMs: initialBackoffMs}
}

func (s *RedisStateStore) GetRegistrationID(ctx context.Context) (string, error) {
	st, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return st.RegistrationID, nil
}

func (s *RedisStateStore) SetRegistrationID(ctx context.Context, id string) error {
	return s.update(ctx, func(st *deviceState) { st.RegistrationID = id })
}

func (s *RedisStateStore) ClearRegistrationID(ctx context.Context) (string, error) {
	var previous string
	err := s.update(ctx, func(st *deviceState) {
		previous = st.RegistrationID
		st.RegistrationID = ""
	})
	return previous, err
}

func (s *RedisStateStore) GetBackoff(ctx context.Context) (int, error) {
	st, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if st.BackoffMs <= 0 {
		return s.initialMs, nil
	}
	return st.BackoffMs, nil
}

func (s *RedisStateStore) SetBackoff(ctx context.Context, ms int) error {
	return s.update(ctx, func(st *deviceState) { st.BackoffMs = ms })
}

func (s *RedisStateStore) ResetBackoff(ctx context.Context) error {
	return s.update(ctx, func(st *deviceState) { st.BackoffMs = s.initialMs })
}

func (s *RedisStateStore) load(ctx context.Context) (deviceState, error) {
	var st deviceState
	err := s.client.Get(ctx, s.key(), &st)
	if errors.Is(err, ErrCacheMiss) {
		return deviceState{}, nil
	}
	if err != nil {
		return deviceState{}, fmt.Errorf("redis read failed: %w", err)
	}
	return st, nil
}

func (s *RedisStateStore) update(ctx context.Context, mutate func(*deviceState)) error {
	st, err := s.load(ctx)
	if err != nil {
		return err
	}
	mutate(&st)
	if err := s.client.Set(ctx, s.key(), st, 0); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (s *RedisStateStore) key() string {
	return fmt.Sprintf("push:state:%s", s.device.String())
}
