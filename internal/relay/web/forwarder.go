// Package web forwards relayed push messages to Web Push (VAPID) subscriptions.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-client/pushclient/config"
)

// Relay data keys that steer Web Push delivery. They are consumed here and
// not forwarded to the subscriber.
const (
	KeyTTL     = "web_ttl"
	KeyUrgency = "web_urgency"
	KeyTopic   = "web_topic"
)

const defaultTTLSeconds = 60

var validUrgency = map[webpush.Urgency]bool{
	webpush.UrgencyVeryLow: true,
	webpush.UrgencyLow:     true,
	webpush.UrgencyNormal:  true,
	webpush.UrgencyHigh:    true,
}

type Forwarder struct {
	vapid      config.VapidConfig
	logger     *slog.Logger
	httpClient *http.Client
}

func NewForwarder(cfg config.VapidConfig, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		vapid:      cfg,
		logger:     logger.With("component", "WebPushForwarder"),
		httpClient: &http.Client{},
	}
}

// delivery is the per-message slice of webpush.Options.
type delivery struct {
	ttl     int
	urgency webpush.Urgency
	topic   string
}

// Forward delivers to each subscription and returns those the push service
// reported as gone (404/410).
func (f *Forwarder) Forward(
	ctx context.Context,
	subs []notification.WebPushSubscription,
	content notification.NotificationContent,
	data map[string]string,
) (string, []notification.WebPushSubscription, error) {
	d, data := f.deliveryFrom(data)

	payloadBytes, err := buildPayload(content, data)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var invalidSubs []notification.WebPushSubscription
	successCount, failureCount := 0, 0

	for _, sub := range subs {
		status, err := f.send(ctx, payloadBytes, sub, d)
		if err != nil {
			f.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			failureCount++
			continue
		}

		switch status {
		case http.StatusCreated:
			successCount++
		case http.StatusGone, http.StatusNotFound:
			invalidSubs = append(invalidSubs, sub)
			failureCount++
		default:
			f.logger.Warn("WebPush rejected", "status", status, "endpoint", sub.Endpoint)
			failureCount++
		}
	}

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidSubs), failureCount)
	return receipt, invalidSubs, nil
}

func (f *Forwarder) send(ctx context.Context, payload []byte, sub notification.WebPushSubscription, d delivery) (int, error) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(sub.Keys.P256dh),
			Auth:   base64.RawURLEncoding.EncodeToString(sub.Keys.Auth),
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
		Subscriber:      f.vapid.SubscriberEmail,
		VAPIDPublicKey:  f.vapid.PublicKey,
		VAPIDPrivateKey: f.vapid.PrivateKey,
		TTL:             d.ttl,
		Urgency:         d.urgency,
		Topic:           d.topic,
		HTTPClient:      f.httpClient,
	})
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// deliveryFrom lifts the web_* keys out of the relay data. Malformed values
// fall back to the defaults.
func (f *Forwarder) deliveryFrom(data map[string]string) (delivery, map[string]string) {
	d := delivery{ttl: defaultTTLSeconds}
	if len(data) == 0 {
		return d, data
	}

	if raw, ok := data[KeyTTL]; ok {
		if ttl, err := strconv.Atoi(raw); err == nil && ttl >= 0 {
			d.ttl = ttl
		} else {
			f.logger.Warn("Ignoring malformed web push ttl", "value", raw)
		}
	}
	if raw, ok := data[KeyUrgency]; ok {
		if u := webpush.Urgency(raw); validUrgency[u] {
			d.urgency = u
		} else {
			f.logger.Warn("Ignoring unknown web push urgency", "value", raw)
		}
	}
	d.topic = data[KeyTopic]

	rest := maps.Clone(data)
	delete(rest, KeyTTL)
	delete(rest, KeyUrgency)
	delete(rest, KeyTopic)
	return d, rest
}

// buildPayload omits the notification block for data-only messages so the
// service worker decides whether to show anything.
func buildPayload(content notification.NotificationContent, data map[string]string) ([]byte, error) {
	payload := map[string]interface{}{}
	if content.Title != "" || content.Body != "" {
		payload["notification"] = map[string]string{
			"title": content.Title,
			"body":  content.Body,
		}
	}
	if len(data) > 0 {
		payload["data"] = data
	}
	return json.Marshal(payload)
}
