package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-client/internal/relay/web"
	"github.com/tinywideclouds/go-push-client/pushclient/config"
)

// newSubscription builds a subscription with a real P-256 client key so the
// payload encryption succeeds.
func newSubscription(t *testing.T, endpoint string) notification.WebPushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	sub := notification.WebPushSubscription{Endpoint: endpoint}
	sub.Keys.P256dh = key.PublicKey().Bytes()
	sub.Keys.Auth = auth
	return sub
}

func TestForward_Lifecycle(t *testing.T) {
	pushService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer pushService.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	forwarder := web.NewForwarder(config.VapidConfig{
		PrivateKey:      privateKey,
		PublicKey:       publicKey,
		SubscriberEmail: "ops@tinywideclouds.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	validSub := newSubscription(t, pushService.URL+"/success")
	expiredSub := newSubscription(t, pushService.URL+"/expired")
	brokenSub := newSubscription(t, pushService.URL+"/error")

	receipt, invalid, err := forwarder.Forward(
		context.Background(),
		[]notification.WebPushSubscription{validSub, expiredSub, brokenSub},
		notification.NotificationContent{Title: "Test", Body: "Body"},
		map[string]string{"id": "1"},
	)

	require.NoError(t, err)
	assert.Contains(t, receipt, "success:1")
	assert.Contains(t, receipt, "invalid:1")
	assert.Contains(t, receipt, "total_fail:2")
	require.Len(t, invalid, 1)
	assert.Equal(t, expiredSub.Endpoint, invalid[0].Endpoint)
}

func TestForward_DeliveryHeadersFromRelayData(t *testing.T) {
	type seen struct{ ttl, urgency, topic string }
	got := make(chan seen, 2)
	pushService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{r.Header.Get("TTL"), r.Header.Get("Urgency"), r.Header.Get("Topic")}
		w.WriteHeader(http.StatusCreated)
	}))
	defer pushService.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	forwarder := web.NewForwarder(config.VapidConfig{
		PrivateKey:      privateKey,
		PublicKey:       publicKey,
		SubscriberEmail: "ops@tinywideclouds.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	subs := []notification.WebPushSubscription{newSubscription(t, pushService.URL+"/sub")}

	t.Run("Explicit ttl, urgency and topic", func(t *testing.T) {
		_, _, err := forwarder.Forward(context.Background(), subs, notification.NotificationContent{},
			map[string]string{web.KeyTTL: "300", web.KeyUrgency: "high", web.KeyTopic: "chat", "id": "1"})
		require.NoError(t, err)

		h := <-got
		assert.Equal(t, "300", h.ttl)
		assert.Equal(t, "high", h.urgency)
		assert.Equal(t, "chat", h.topic)
	})

	t.Run("Malformed values fall back to defaults", func(t *testing.T) {
		_, _, err := forwarder.Forward(context.Background(), subs, notification.NotificationContent{Title: "T"},
			map[string]string{web.KeyTTL: "soon", web.KeyUrgency: "urgent"})
		require.NoError(t, err)

		h := <-got
		assert.Equal(t, "60", h.ttl)
		assert.Empty(t, h.urgency)
		assert.Empty(t, h.topic)
	})
}
