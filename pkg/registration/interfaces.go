package registration

import (
	"context"
	"errors"
	"time"
)

// ErrWakeLockNotHeld is returned by WakeLock.Release when nothing holds the lock.
var ErrWakeLockNotHeld = errors.New("wake lock not held")

// RegistrationStore persists the current registration id.
// An empty string means the device is not registered.
type RegistrationStore interface {
	GetRegistrationID(ctx context.Context) (string, error)
	SetRegistrationID(ctx context.Context, id string) error
	// ClearRegistrationID removes the id and returns the value it replaced.
	ClearRegistrationID(ctx context.Context) (string, error)
}

// BackoffStore persists the retry delay in milliseconds.
// GetBackoff reports the store's initial value when nothing was written.
type BackoffStore interface {
	GetBackoff(ctx context.Context) (int, error)
	SetBackoff(ctx context.Context, ms int) error
	ResetBackoff(ctx context.Context) error
}

// Store is the full persistence collaborator.
type Store interface {
	RegistrationStore
	BackoffStore
}

// RetryScheduler fires a RetryTrigger carrying token once, no earlier than delay.
type RetryScheduler interface {
	ScheduleOnceAfter(delay time.Duration, token string)
}

// WakeLock is a reference-counted keep-awake resource owned by the host.
type WakeLock interface {
	Acquire()
	Release() error
}

// Transport talks to the push backend. Results come back later as
// RegistrationCallback events, not as return values.
type Transport interface {
	RequestRegister(ctx context.Context, senderIDs []string) error
	RequestUnregister(ctx context.Context) error
}

// Handler receives the user-visible outcomes of dispatched events.
// Embed BaseHandler to pick up the optional defaults.
//
// Callbacks run while the dispatcher holds its event lock. They must not call
// back into the dispatcher (Register, Unregister, Status, Handle) on the same
// goroutine; that deadlocks. Hand such work to another goroutine.
type Handler interface {
	OnMessage(ctx context.Context, msg MessageEvent)
	OnDeletedMessages(ctx context.Context, total int)
	// OnRecoverableError decides whether a recoverable error is retried.
	OnRecoverableError(ctx context.Context, errorID string) bool
	OnError(ctx context.Context, errorID string)
	OnRegistered(ctx context.Context, registrationID string)
	OnUnregistered(ctx context.Context, previousID string)
}

// BaseHandler provides the default optional callbacks.
type BaseHandler struct{}

func (BaseHandler) OnDeletedMessages(context.Context, int) {}

func (BaseHandler) OnRecoverableError(context.Context, string) bool { return true }
