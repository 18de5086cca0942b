// Package apns forwards relayed push messages to Apple Push Notification
// service device tokens.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// APNSClient is the subset of *apns2.Client the forwarder uses.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Forwarder struct {
	client APNSClient
	topic  string // app bundle id
	logger *slog.Logger
}

// Config holds the token-auth credentials.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw content of the .p8 file.
	P8KeyContent string
	Sandbox      bool
}

// NewForwarder parses the P8 key up front so bad credentials fail at startup.
func NewForwarder(cfg Config, logger *slog.Logger) (*Forwarder, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return newForwarder(client, cfg.BundleID, logger), nil
}

func newForwarder(client APNSClient, topic string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSForwarder"),
	}
}

// Forward pushes to each token in turn; APNs has no multicast endpoint.
func (f *Forwarder) Forward(
	ctx context.Context,
	tokens []string,
	content notification.NotificationContent,
	data map[string]string,
) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	var invalidTokens []string
	successCount := 0
	failureCount := 0

	builder := payload.NewPayload().
		AlertTitle(content.Title).
		AlertBody(content.Body)
	if content.Sound != "" {
		builder.Sound(content.Sound)
	}
	for k, v := range data {
		builder.Custom(k, v)
	}

	for _, deviceToken := range tokens {
		res, err := f.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       f.topic,
			Payload:     builder,
		})
		if err != nil {
			f.logger.Error("APNs transport failed", "token", deviceToken, "err", err)
			failureCount++
			continue
		}

		if res.Sent() {
			successCount++
			continue
		}
		failureCount++
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			invalidTokens = append(invalidTokens, deviceToken)
		default:
			f.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
	}

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidTokens), failureCount)
	return receipt, invalidTokens, nil
}
