// Package wakelock provides a reference-counted keep-awake lock for hosts that
// have no OS-level power manager to delegate to.
package wakelock

import (
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

// RefCounted is held while its count is above zero. OnHeld runs on the
// 0 -> 1 transition and OnReleased on 1 -> 0, both under the lock.
type RefCounted struct {
	mu         sync.Mutex
	count      int
	OnHeld     func()
	OnReleased func()
	logger     *slog.Logger
}

func New(logger *slog.Logger) *RefCounted {
	return &RefCounted{logger: logger.With("component", "WakeLock")}
}

func (w *RefCounted) Acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	if w.count == 1 {
		w.logger.Debug("Wake lock held")
		if w.OnHeld != nil {
			w.OnHeld()
		}
	}
}

// Release drops one reference. Releasing an unheld lock is reported as
// registration.ErrWakeLockNotHeld and leaves the count at zero.
func (w *RefCounted) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return registration.ErrWakeLockNotHeld
	}
	w.count--
	if w.count == 0 {
		w.logger.Debug("Wake lock released")
		if w.OnReleased != nil {
			w.OnReleased()
		}
	}
	return nil
}

// Held returns the current reference count.
func (w *RefCounted) Held() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
