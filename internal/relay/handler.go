// Package relay provides the registration.Handler shipped with the binary.
// Ordinary push messages are forwarded to operator-configured targets and
// lifecycle callbacks are logged.
package relay

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

// Payload keys lifted into the notification content.
const (
	KeyTitle = "title"
	KeyBody  = "body"
	KeySound = "sound"
)

// TokenForwarder sends to string-addressed targets (FCM, APNs).
type TokenForwarder interface {
	Forward(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string) (string, []string, error)
}

// WebForwarder sends to Web Push subscriptions.
type WebForwarder interface {
	Forward(ctx context.Context, subs []notification.WebPushSubscription, content notification.NotificationContent, data map[string]string) (string, []notification.WebPushSubscription, error)
}

// Targets lists where relayed messages go.
type Targets struct {
	FCMTokens        []string
	WebSubscriptions []notification.WebPushSubscription
	APNSTokens       []string
}

// Handler forwards messages to every configured target. Targets reported
// as permanently invalid are pruned for the rest of the process lifetime.
type Handler struct {
	registration.BaseHandler

	FCM  TokenForwarder
	Web  WebForwarder
	APNS TokenForwarder

	mu      sync.Mutex
	targets Targets
	logger  *slog.Logger
}

// NewHandler builds a Handler. Any forwarder may be nil to disable that path.
func NewHandler(targets Targets, logger *slog.Logger) *Handler {
	return &Handler{
		targets: targets,
		logger:  logger.With("component", "RelayHandler"),
	}
}

func (h *Handler) OnMessage(ctx context.Context, msg registration.MessageEvent) {
	content, data := splitPayload(msg.Payload)
	t := h.Targets()

	if h.FCM != nil && len(t.FCMTokens) > 0 {
		receipt, invalid, err := h.FCM.Forward(ctx, t.FCMTokens, content, data)
		h.pruneTokens(invalid, func(tg *Targets) *[]string { return &tg.FCMTokens })
		h.report("fcm", receipt, len(invalid), err)
	}

	if h.Web != nil && len(t.WebSubscriptions) > 0 {
		receipt, invalid, err := h.Web.Forward(ctx, t.WebSubscriptions, content, data)
		h.pruneWeb(invalid)
		h.report("web", receipt, len(invalid), err)
	}

	if h.APNS != nil && len(t.APNSTokens) > 0 {
		receipt, invalid, err := h.APNS.Forward(ctx, t.APNSTokens, content, data)
		h.pruneTokens(invalid, func(tg *Targets) *[]string { return &tg.APNSTokens })
		h.report("apns", receipt, len(invalid), err)
	}
}

func (h *Handler) OnDeletedMessages(_ context.Context, total int) {
	h.logger.Warn("Backend deleted pending messages", "total", total)
}

func (h *Handler) OnRecoverableError(_ context.Context, errorID string) bool {
	h.logger.Warn("Recoverable registration error; retrying", "error_id", errorID)
	return true
}

func (h *Handler) OnError(_ context.Context, errorID string) {
	h.logger.Error("Registration failed", "error_id", errorID)
}

func (h *Handler) OnRegistered(_ context.Context, registrationID string) {
	h.logger.Info("Device registered", "registration_id", registrationID)
}

func (h *Handler) OnUnregistered(_ context.Context, previousID string) {
	h.logger.Info("Device unregistered", "previous_id", previousID)
}

// Targets returns a copy of the current targets.
func (h *Handler) Targets() Targets {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Targets{
		FCMTokens:        slices.Clone(h.targets.FCMTokens),
		WebSubscriptions: slices.Clone(h.targets.WebSubscriptions),
		APNSTokens:       slices.Clone(h.targets.APNSTokens),
	}
}

func (h *Handler) report(path, receipt string, invalid int, err error) {
	if err != nil {
		h.logger.Error("Relay failed", "path", path, "err", err)
		return
	}
	h.logger.Info("Relayed", "path", path, "receipt", receipt, "pruned", invalid)
}

func (h *Handler) pruneTokens(invalid []string, field func(*Targets) *[]string) {
	if len(invalid) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := field(&h.targets)
	*list = slices.DeleteFunc(*list, func(tok string) bool {
		return slices.Contains(invalid, tok)
	})
}

func (h *Handler) pruneWeb(invalid []notification.WebPushSubscription) {
	if len(invalid) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets.WebSubscriptions = slices.DeleteFunc(h.targets.WebSubscriptions, func(sub notification.WebPushSubscription) bool {
		return slices.ContainsFunc(invalid, func(bad notification.WebPushSubscription) bool {
			return bad.Endpoint == sub.Endpoint
		})
	})
}

// splitPayload lifts the title/body/sound keys into notification content
// and passes everything else through as data.
func splitPayload(payload map[string]string) (notification.NotificationContent, map[string]string) {
	content := notification.NotificationContent{
		Title: payload[KeyTitle],
		Body:  payload[KeyBody],
		Sound: payload[KeySound],
	}
	data := maps.Clone(payload)
	delete(data, KeyTitle)
	delete(data, KeyBody)
	delete(data, KeySound)
	return content, data
}
