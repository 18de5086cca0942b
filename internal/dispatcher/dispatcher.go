// Package dispatcher implements the registration and retry state machine that
// sits behind every inbound push event.
package dispatcher

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

var (
	// ErrHandlerPanic wraps a panic recovered from a user callback.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrMissingRetryToken is returned by New when no retry token is configured.
	ErrMissingRetryToken = errors.New("retry token is required")
)

// Config holds the static parameters of a Dispatcher.
type Config struct {
	SenderIDs        []string
	RetryToken       string
	InitialBackoffMs int
	MaxBackoffMs     int
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithRand replaces the jitter source.
func WithRand(randN RandIntN) Option {
	return func(d *Dispatcher) { d.randN = randN }
}

// Dispatcher classifies inbound events and routes them to the registration,
// message, and retry paths. One event is handled at a time.
type Dispatcher struct {
	mu sync.Mutex

	senderIDs []string
	token     string
	initialMs int
	maxMs     int
	store     registration.Store
	scheduler registration.RetryScheduler
	wakeLock  registration.WakeLock
	transport registration.Transport
	handler   registration.Handler
	randN     RandIntN
	logger    *slog.Logger
}

// Status is a point-in-time view of the device's registration.
type Status struct {
	Registered     bool   `json:"registered"`
	RegistrationID string `json:"registration_id,omitempty"`
	BackoffMs      int    `json:"backoff_ms"`
}

// New assembles a Dispatcher. wakeLock may be nil; the anomaly is logged on
// every event instead of failing construction.
func New(
	cfg Config,
	store registration.Store,
	scheduler registration.RetryScheduler,
	wakeLock registration.WakeLock,
	transport registration.Transport,
	handler registration.Handler,
	logger *slog.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	if cfg.RetryToken == "" {
		return nil, ErrMissingRetryToken
	}
	if store == nil || scheduler == nil || transport == nil || handler == nil {
		return nil, fmt.Errorf("dispatcher requires a store, scheduler, transport and handler")
	}
	if cfg.InitialBackoffMs <= 0 {
		cfg.InitialBackoffMs = DefaultInitialBackoffMs
	}
	if cfg.MaxBackoffMs <= 0 {
		cfg.MaxBackoffMs = DefaultMaxBackoffMs
	}
	if cfg.MaxBackoffMs < cfg.InitialBackoffMs {
		return nil, fmt.Errorf("max backoff %dms is below initial backoff %dms", cfg.MaxBackoffMs, cfg.InitialBackoffMs)
	}

	d := &Dispatcher{
		senderIDs: cfg.SenderIDs,
		token:     cfg.RetryToken,
		initialMs: cfg.InitialBackoffMs,
		maxMs:     cfg.MaxBackoffMs,
		store:     store,
		scheduler: scheduler,
		wakeLock:  wakeLock,
		transport: transport,
		handler:   handler,
		logger:    logger.With("component", "Dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Handle processes one inbound event to completion. The wake lock is released
// before Handle returns, whatever the outcome. Returned errors are store
// failures or recovered callback panics (wrapping ErrHandlerPanic).
func (d *Dispatcher) Handle(ctx context.Context, event registration.InboundEvent) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.acquireWakeLock()
	defer d.releaseWakeLock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered panic while handling event", "event", fmt.Sprintf("%T", event), "panic", r)
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	switch ev := event.(type) {
	case registration.RegistrationCallback:
		return d.handleRegistration(ctx, ev)
	case registration.MessageEvent:
		d.handleMessage(ctx, ev)
		return nil
	case registration.RetryTrigger:
		return d.handleRetry(ctx, ev)
	case registration.UnknownEvent:
		d.logger.Debug("Ignoring event of unknown kind", "kind", ev.Kind)
		return nil
	default:
		d.logger.Debug("Ignoring unsupported event", "type", fmt.Sprintf("%T", event))
		return nil
	}
}

// Register resets the backoff and asks the backend for a registration.
func (d *Dispatcher) Register(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.ResetBackoff(ctx); err != nil {
		return fmt.Errorf("failed to reset backoff: %w", err)
	}
	d.logger.Info("Requesting registration", "sender_ids", d.senderIDs)
	if err := d.transport.RequestRegister(ctx, d.senderIDs); err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	return nil
}

// Unregister resets the backoff and asks the backend to drop the registration.
func (d *Dispatcher) Unregister(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.ResetBackoff(ctx); err != nil {
		return fmt.Errorf("failed to reset backoff: %w", err)
	}
	d.logger.Info("Requesting unregistration")
	if err := d.transport.RequestUnregister(ctx); err != nil {
		return fmt.Errorf("unregister request failed: %w", err)
	}
	return nil
}

// Status reads the current registration id and backoff.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, err := d.store.GetRegistrationID(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read registration id: %w", err)
	}
	backoff, err := d.store.GetBackoff(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read backoff: %w", err)
	}
	return Status{Registered: id != "", RegistrationID: id, BackoffMs: backoff}, nil
}

func (d *Dispatcher) handleRetry(ctx context.Context, ev registration.RetryTrigger) error {
	if subtle.ConstantTimeCompare([]byte(ev.Token), []byte(d.token)) != 1 {
		// Not produced by this dispatcher.
		d.logger.Warn("Rejected retry trigger with invalid token")
		return nil
	}

	id, err := d.store.GetRegistrationID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read registration id: %w", err)
	}

	if id != "" {
		d.logger.Info("Retrying unregistration")
		if err := d.transport.RequestUnregister(ctx); err != nil {
			d.logger.Error("Retry unregister request failed", "err", err)
		}
		return nil
	}

	d.logger.Info("Retrying registration", "sender_ids", d.senderIDs)
	if err := d.transport.RequestRegister(ctx, d.senderIDs); err != nil {
		d.logger.Error("Retry register request failed", "err", err)
	}
	return nil
}

func (d *Dispatcher) acquireWakeLock() {
	if d.wakeLock == nil {
		d.logger.Warn("Wake lock reference is nil; processing without it")
		return
	}
	d.logger.Debug("Acquiring wake lock")
	d.wakeLock.Acquire()
}

func (d *Dispatcher) releaseWakeLock() {
	if d.wakeLock == nil {
		d.logger.Warn("Wake lock reference is nil")
		return
	}
	d.logger.Debug("Releasing wake lock")
	if err := d.wakeLock.Release(); err != nil {
		d.logger.Warn("Wake lock release failed", "err", err)
	}
}
