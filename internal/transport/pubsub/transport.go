// Package pubsub implements registration.Transport by publishing register
// and unregister requests to a Pub/Sub topic. The backend's answer arrives
// later on the inbound subscription as a registration envelope.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ps "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

const (
	ActionRegister   = "register"
	ActionUnregister = "unregister"
)

var ErrNoSenderIDs = errors.New("register request needs at least one sender id")

// Request is the JSON body published for each transport call.
type Request struct {
	RequestID   string    `json:"request_id"`
	Device      string    `json:"device"`
	Action      string    `json:"action"`
	SenderIDs   []string  `json:"sender_ids,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher abstracts the topic so the transport can be tested without
// an emulator.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
}

// TopicPublisher publishes to a Pub/Sub topic and waits for the server id.
type TopicPublisher struct {
	publisher *ps.Publisher
}

func NewTopicPublisher(client *ps.Client, topicID string) *TopicPublisher {
	return &TopicPublisher{publisher: client.Publisher(topicID)}
}

func (p *TopicPublisher) Publish(ctx context.Context, data []byte) (string, error) {
	return p.publisher.Publish(ctx, &ps.Message{Data: data}).Get(ctx)
}

// Stop flushes pending messages.
func (p *TopicPublisher) Stop() {
	p.publisher.Stop()
}

// Transport sends registration requests on behalf of a single device.
type Transport struct {
	publisher Publisher
	device    urn.URN
	logger    *slog.Logger
}

func NewTransport(publisher Publisher, device urn.URN, logger *slog.Logger) *Transport {
	return &Transport{
		publisher: publisher,
		device:    device,
		logger:    logger.With("component", "PubsubTransport"),
	}
}

func (t *Transport) RequestRegister(ctx context.Context, senderIDs []string) error {
	if len(senderIDs) == 0 {
		return ErrNoSenderIDs
	}
	return t.send(ctx, ActionRegister, senderIDs)
}

func (t *Transport) RequestUnregister(ctx context.Context) error {
	return t.send(ctx, ActionUnregister, nil)
}

func (t *Transport) send(ctx context.Context, action string, senderIDs []string) error {
	req := Request{
		RequestID:   uuid.NewString(),
		Device:      t.device.String(),
		Action:      action,
		SenderIDs:   senderIDs,
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", action, err)
	}

	serverID, err := t.publisher.Publish(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to publish %s request: %w", action, err)
	}
	t.logger.Info("Request published", "action", action, "request_id", req.RequestID, "server_id", serverID)
	return nil
}
