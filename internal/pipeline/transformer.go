// Package pipeline adapts inbound push-service callbacks delivered over
// Pub/Sub into registration events for the dispatcher.
package pipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

// EnvelopeTransformer is a dataflow Transformer that decodes a raw message
// payload into a registration.Envelope.
//
// Malformed payloads are returned with skip=true so the StreamingService
// can apply its Nack/DLQ handling.
func EnvelopeTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*registration.Envelope, bool, error) {
	env, err := registration.DecodeEnvelope(msg.Payload)
	if err != nil {
		return nil, true, fmt.Errorf("failed to decode envelope from message %s: %w", msg.ID, err)
	}
	return env, false, nil
}
