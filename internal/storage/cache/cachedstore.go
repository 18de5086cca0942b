package cache

import (
	"context"
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedStateStore is a Decorator that adds Read-Aside caching to any registration.Store.
type CachedStateStore struct {
	realStore registration.Store
	cache     CacheClient
	device    urn.URN
	ttl       time.Duration
}

// NewCachedStateStore creates the decorator.
func NewCachedStateStore(realStore registration.Store, cache CacheClient, device urn.URN, ttl time.Duration) *CachedStateStore {
	return &CachedStateStore{
		realStore: realStore,
		cache:     cache,
		device:    device,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedStateStore) GetRegistrationID(ctx context.Context) (string, error) {
	key := s.registrationKey()
	var id string
	if err := s.cache.Get(ctx, key, &id); err == nil {
		return id, nil
	}

	id, err := s.realStore.GetRegistrationID(ctx)
	if err != nil {
		return "", err
	}
	// Caching is an optimization; a failed fill just means the next read goes to the DB.
	_ = s.cache.Set(ctx, key, id, s.ttl)
	return id, nil
}

func (s *CachedStateStore) GetBackoff(ctx context.Context) (int, error) {
	key := s.backoffKey()
	var ms int
	if err := s.cache.Get(ctx, key, &ms); err == nil && ms > 0 {
		return ms, nil
	}

	ms, err := s.realStore.GetBackoff(ctx)
	if err != nil {
		return 0, err
	}
	_ = s.cache.Set(ctx, key, ms, s.ttl)
	return ms, nil
}

// --- WRITE PATHS (Invalidate-then-Write) ---
// The cached key is dropped before the real store changes. A failed
// invalidation aborts the write, so a redelivered event still sees the
// committed state it expects.

func (s *CachedStateStore) SetRegistrationID(ctx context.Context, id string) error {
	if err := s.invalidate(ctx, s.registrationKey()); err != nil {
		return err
	}
	return s.realStore.SetRegistrationID(ctx, id)
}

func (s *CachedStateStore) ClearRegistrationID(ctx context.Context) (string, error) {
	if err := s.invalidate(ctx, s.registrationKey()); err != nil {
		return "", err
	}
	return s.realStore.ClearRegistrationID(ctx)
}

func (s *CachedStateStore) SetBackoff(ctx context.Context, ms int) error {
	if err := s.invalidate(ctx, s.backoffKey()); err != nil {
		return err
	}
	return s.realStore.SetBackoff(ctx, ms)
}

func (s *CachedStateStore) ResetBackoff(ctx context.Context) error {
	if err := s.invalidate(ctx, s.backoffKey()); err != nil {
		return err
	}
	return s.realStore.ResetBackoff(ctx)
}

// --- Helpers ---

func (s *CachedStateStore) invalidate(ctx context.Context, key string) error {
	if err := s.cache.Del(ctx, key); err != nil {
		return fmt.Errorf("cache invalidation failed for %s: %w", key, err)
	}
	return nil
}

func (s *CachedStateStore) registrationKey() string {
	return fmt.Sprintf("push:cache:%s:registration_id", s.device.String())
}

func (s *CachedStateStore) backoffKey() string {
	return fmt.Sprintf("push:cache:%s:backoff_ms", s.device.String())
}
