package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-client/internal/dispatcher"
	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

// EventHandler is the subset of the dispatcher the processor needs.
type EventHandler interface {
	Handle(ctx context.Context, event registration.InboundEvent) error
}

// NewProcessor feeds each decoded envelope to the dispatcher.
// Store failures are returned so the message is redelivered. A panicking
// handler callback is acknowledged, since redelivery would panic again.
func NewProcessor(
	handler EventHandler,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[registration.Envelope] {

	return func(ctx context.Context, original messagepipeline.Message, env *registration.Envelope) error {
		procLogger := logger.With(
			"kind", env.Kind,
			"pubsub_msg_id", original.ID,
		)

		err := handler.Handle(ctx, env.Event())
		switch {
		case err == nil:
			procLogger.Debug("Event handled")
			return nil
		case errors.Is(err, dispatcher.ErrHandlerPanic):
			procLogger.Error("Handler callback panicked; dropping event", "err", err)
			return nil
		default:
			procLogger.Error("Failed to handle event", "err", err)
			return err // Retryable
		}
	}
}
