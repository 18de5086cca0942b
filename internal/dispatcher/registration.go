package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

func (d *Dispatcher) handleRegistration(ctx context.Context, cb registration.RegistrationCallback) error {
	d.logger.Debug("Handling registration callback",
		"registration_id", cb.RegistrationID,
		"unregistered", cb.Unregistered,
		"error", cb.Error,
	)

	// 1. Registration succeeded
	if cb.RegistrationID != "" {
		if err := d.store.ResetBackoff(ctx); err != nil {
			return fmt.Errorf("failed to reset backoff: %w", err)
		}
		if err := d.store.SetRegistrationID(ctx, cb.RegistrationID); err != nil {
			return fmt.Errorf("failed to store registration id: %w", err)
		}
		d.handler.OnRegistered(ctx, cb.RegistrationID)
		return nil
	}

	// 2. Unregistration succeeded
	if cb.Unregistered != "" {
		if err := d.store.ResetBackoff(ctx); err != nil {
			return fmt.Errorf("failed to reset backoff: %w", err)
		}
		previous, err := d.store.ClearRegistrationID(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear registration id: %w", err)
		}
		d.handler.OnUnregistered(ctx, previous)
		return nil
	}

	if cb.Error == "" {
		d.logger.Warn("Ignoring registration callback with no result")
		return nil
	}

	// 3. Last operation failed
	d.logger.Info("Registration error", "error", cb.Error)
	if cb.Error != registration.ErrorServiceNotAvailable {
		d.handler.OnError(ctx, cb.Error)
		return nil
	}

	if !d.handler.OnRecoverableError(ctx, cb.Error) {
		d.logger.Info("Not retrying failed operation", "error", cb.Error)
		return nil
	}
	return d.scheduleRetry(ctx)
}

func (d *Dispatcher) scheduleRetry(ctx context.Context) error {
	backoff, err := d.store.GetBackoff(ctx)
	if err != nil {
		return fmt.Errorf("failed to read backoff: %w", err)
	}
	switch {
	case backoff <= 0:
		backoff = d.initialMs
	case backoff > d.maxMs:
		backoff = d.maxMs
	}

	next := NextRetryDelay(backoff, d.randN)
	d.logger.Info("Scheduling registration retry", "delay_ms", next, "backoff_ms", backoff)
	d.scheduler.ScheduleOnceAfter(time.Duration(next)*time.Millisecond, d.token)

	// Next retry should wait longer.
	if backoff < d.maxMs {
		if err := d.store.SetBackoff(ctx, DoubleBackoff(backoff, d.maxMs)); err != nil {
			return fmt.Errorf("failed to store backoff: %w", err)
		}
	}
	return nil
}
