package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

const devicesCollection = "push-devices"

// StateStore implements registration.Store using Google Cloud Firestore.
// Each device owns one document: push-devices/{deviceURN}.
type StateStore struct {
	client    *firestore.Client
	device    urn.URN
	initialMs int
}

func NewStateStore(client *firestore.Client, device urn.URN, initialBackoffMs int) *StateStore {
	return &StateStore{client: client, device: device, initialMs: initialBackoffMs}
}

// stateRecord is the internal DB representation.
type stateRecord struct {
	RegistrationID string    `firestore:"registration_id"`
	BackoffMs      int       `firestore:"backoff_ms"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

func (s *StateStore) GetRegistrationID(ctx context.Context) (string, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return rec.RegistrationID, nil
}

func (s *StateStore) SetRegistrationID(ctx context.Context, id string) error {
	return s.merge(ctx, "registration_id", id)
}

// ClearRegistrationID reads and clears the id in one transaction so the
// returned value is the one actually replaced.
func (s *StateStore) ClearRegistrationID(ctx context.Context) (string, error) {
	var previous string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		previous = ""
		snap, err := tx.Get(s.ref())
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var rec stateRecord
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
			previous = rec.RegistrationID
		}
		return tx.Set(s.ref(), map[string]interface{}{
			"registration_id": "",
			"updated_at":      time.Now(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return "", fmt.Errorf("firestore clear failed: %w", err)
	}
	return previous, nil
}

func (s *StateStore) GetBackoff(ctx context.Context) (int, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if rec.BackoffMs <= 0 {
		return s.initialMs, nil
	}
	return rec.BackoffMs, nil
}

func (s *StateStore) SetBackoff(ctx context.Context, ms int) error {
	return s.merge(ctx, "backoff_ms", ms)
}

func (s *StateStore) ResetBackoff(ctx context.Context) error {
	return s.merge(ctx, "backoff_ms", s.initialMs)
}

// --- Helpers ---

func (s *StateStore) load(ctx context.Context) (stateRecord, error) {
	var rec stateRecord
	snap, err := s.ref().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("firestore read failed: %w", err)
	}
	if err := snap.DataTo(&rec); err != nil {
		return rec, fmt.Errorf("firestore decode failed: %w", err)
	}
	return rec, nil
}

func (s *StateStore) merge(ctx context.Context, field string, value interface{}) error {
	_, err := s.ref().Set(ctx, map[string]interface{}{
		field:        value,
		"updated_at": time.Now(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore write of %s failed: %w", field, err)
	}
	return nil
}

// ref: push-devices/{deviceURN}
func (s *StateStore) ref() *firestore.DocumentRef {
	return s.client.Collection(devicesCollection).Doc(s.device.String())
}
