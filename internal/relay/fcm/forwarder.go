// Package fcm forwards relayed push messages to Firebase Cloud Messaging tokens.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// MessagingClient is the subset of *messaging.Client the forwarder uses.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Forwarder struct {
	client MessagingClient
	logger *slog.Logger
}

func NewForwarder(client MessagingClient, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: client,
		logger: logger.With("component", "FCMForwarder"),
	}
}

// Forward sends one multicast and returns a receipt plus the tokens FCM
// reported as permanently invalid.
func (f *Forwarder) Forward(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
	}
	if content.Title != "" || content.Body != "" {
		msg.Notification = &messaging.Notification{
			Title: content.Title,
			Body:  content.Body,
		}
	}

	br, err := f.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		if messaging.IsInvalidArgument(err) {
			f.logger.Error("FCM rejected batch as InvalidArgument (dropping)", "err", err)
			return "skipped: invalid_argument", nil, nil
		}
		return "", nil, fmt.Errorf("fcm transport failed: %w", err)
	}

	var invalidTokens []string
	retryable := 0
	for idx, resp := range br.Responses {
		if resp.Success {
			continue
		}
		if messaging.IsInvalidArgument(resp.Error) || messaging.IsRegistrationTokenNotRegistered(resp.Error) {
			invalidTokens = append(invalidTokens, tokens[idx])
			continue
		}
		retryable++
	}

	if retryable > 0 {
		return "", invalidTokens, fmt.Errorf("batch had %d retryable errors", retryable)
	}
	return fmt.Sprintf("success:%d invalid:%d", br.SuccessCount, len(invalidTokens)), invalidTokens, nil
}
