// Package registration contains the public event types and collaborator
// contracts for the push client.
package registration

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ErrorServiceNotAvailable is the only error code the backend reports that
	// is worth retrying.
	ErrorServiceNotAvailable = "SERVICE_NOT_AVAILABLE"

	// SpecialTypeDeletedMessages marks a message telling the device that the
	// backend dropped pending messages.
	SpecialTypeDeletedMessages = "deleted_messages"
)

// Envelope kinds.
const (
	KindRegistration = "registration"
	KindMessage      = "message"
	KindRetry        = "retry"
)

var ErrEmptyKind = errors.New("envelope has no kind")

// InboundEvent is the closed set of events the dispatcher understands.
type InboundEvent interface {
	inboundEvent()
}

// RegistrationCallback is the backend's answer to a register or unregister
// request. At most one field is expected to be set.
type RegistrationCallback struct {
	RegistrationID string
	Unregistered   string
	Error          string
}

// MessageEvent is a downstream push message.
type MessageEvent struct {
	SpecialType  string
	TotalDeleted string
	Payload      map[string]string
}

// RetryTrigger is scheduled by the dispatcher itself after a recoverable error.
type RetryTrigger struct {
	Token string
}

// UnknownEvent carries an envelope kind this build does not recognise.
type UnknownEvent struct {
	Kind string
}

func (RegistrationCallback) inboundEvent() {}
func (MessageEvent) inboundEvent()         {}
func (RetryTrigger) inboundEvent()         {}
func (UnknownEvent) inboundEvent()         {}

// Envelope is the JSON wire form of an InboundEvent.
type Envelope struct {
	Kind string `json:"kind"`

	// registration
	RegistrationID string `json:"registration_id,omitempty"`
	Unregistered   string `json:"unregistered,omitempty"`
	Error          string `json:"error,omitempty"`

	// message
	MessageType  string            `json:"message_type,omitempty"`
	TotalDeleted string            `json:"total_deleted,omitempty"`
	Data         map[string]string `json:"data,omitempty"`

	// retry
	Token string `json:"token,omitempty"`
}

// Event converts the envelope into its typed event.
func (e *Envelope) Event() InboundEvent {
	switch e.Kind {
	case KindRegistration:
		return RegistrationCallback{
			RegistrationID: e.RegistrationID,
			Unregistered:   e.Unregistered,
			Error:          e.Error,
		}
	case KindMessage:
		return MessageEvent{
			SpecialType:  e.MessageType,
			TotalDeleted: e.TotalDeleted,
			Payload:      e.Data,
		}
	case KindRetry:
		return RetryTrigger{Token: e.Token}
	default:
		return UnknownEvent{Kind: e.Kind}
	}
}

// DecodeEnvelope parses raw JSON into an Envelope. Unknown kinds are not an
// error; they surface later as UnknownEvent.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, ErrEmptyKind
	}
	return &env, nil
}
