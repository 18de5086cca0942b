package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlAPNSConfig struct {
	KeyID        string `yaml:"key_id"`
	TeamID       string `yaml:"team_id"`
	BundleID     string `yaml:"bundle_id"`
	P8KeyContent string `yaml:"p8_key"`
	Sandbox      bool   `yaml:"sandbox"`
}

type YamlBackoffConfig struct {
	InitialMs int `yaml:"initial_ms"`
	MaxMs     int `yaml:"max_ms"`
}

// YamlWebSubscription carries the browser keys base64url-encoded, as the
// PushSubscription JSON does.
type YamlWebSubscription struct {
	Endpoint string `yaml:"endpoint"`
	P256dh   string `yaml:"p256dh"`
	Auth     string `yaml:"auth"`
}

type YamlRelayConfig struct {
	FCMTokens        []string              `yaml:"fcm_tokens"`
	APNSTokens       []string              `yaml:"apns_tokens"`
	WebSubscriptions []YamlWebSubscription `yaml:"web_subscriptions"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string            `yaml:"project_id"`
	ListenAddr             string            `yaml:"listen_addr"`
	DeviceID               string            `yaml:"device_id"`
	SenderIDs              []string          `yaml:"sender_ids"`
	RegisterOnStart        bool              `yaml:"register_on_start"`
	RetryToken             string            `yaml:"retry_token"`
	Backoff                YamlBackoffConfig `yaml:"backoff"`
	StoreBackend           string            `yaml:"store_backend"`
	TopicID                string            `yaml:"topic_id"`
	SubscriptionID         string            `yaml:"subscription_id"`
	SubscriptionDLQTopicID string            `yaml:"subscription_dlq_topic_id"`
	RequestTopicID         string            `yaml:"request_topic_id"`
	NumPipelineWorkers     int               `yaml:"num_pipeline_workers"`
	IdentityServiceURL     string            `yaml:"identity_service_url"`
	CorsConfig             YamlCorsConfig    `yaml:"cors"`
	RedisConfig            YamlRedisConfig   `yaml:"redis"`
	VapidConfig            YamlVapidConfig   `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig    `yaml:"apns"`
	RelayConfig            YamlRelayConfig   `yaml:"relay"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	webSubs, err := decodeWebSubscriptions(baseCfg.RelayConfig.WebSubscriptions)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:       baseCfg.ProjectID,
		ListenAddr:      baseCfg.ListenAddr,
		DeviceID:        baseCfg.DeviceID,
		SenderIDs:       baseCfg.SenderIDs,
		RegisterOnStart: baseCfg.RegisterOnStart,
		RetryToken:      baseCfg.RetryToken,
		Backoff: BackoffConfig{
			InitialMs: baseCfg.Backoff.InitialMs,
			MaxMs:     baseCfg.Backoff.MaxMs,
		},
		StoreBackend:       baseCfg.StoreBackend,
		TopicID:            baseCfg.TopicID,
		SubscriptionID:     baseCfg.SubscriptionID,
		RequestTopicID:     baseCfg.RequestTopicID,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		APNS: APNSConfig{
			KeyID:        baseCfg.APNSConfig.KeyID,
			TeamID:       baseCfg.APNSConfig.TeamID,
			BundleID:     baseCfg.APNSConfig.BundleID,
			P8KeyContent: baseCfg.APNSConfig.P8KeyContent,
			Sandbox:      baseCfg.APNSConfig.Sandbox,
		},
		Relay: RelayConfig{
			FCMTokens:        baseCfg.RelayConfig.FCMTokens,
			APNSTokens:       baseCfg.RelayConfig.APNSTokens,
			WebSubscriptions: webSubs,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"device_id", cfg.DeviceID,
		"subscription_id", cfg.SubscriptionID,
		"store_backend", cfg.StoreBackend,
	)

	return cfg, nil
}

func decodeWebSubscriptions(raw []YamlWebSubscription) ([]notification.WebPushSubscription, error) {
	subs := make([]notification.WebPushSubscription, 0, len(raw))
	for i, r := range raw {
		if r.Endpoint == "" {
			return nil, fmt.Errorf("relay.web_subscriptions[%d]: missing endpoint", i)
		}
		p256dh, err := base64.RawURLEncoding.DecodeString(r.P256dh)
		if err != nil {
			return nil, fmt.Errorf("relay.web_subscriptions[%d]: bad p256dh: %w", i, err)
		}
		auth, err := base64.RawURLEncoding.DecodeString(r.Auth)
		if err != nil {
			return nil, fmt.Errorf("relay.web_subscriptions[%d]: bad auth: %w", i, err)
		}
		sub := notification.WebPushSubscription{Endpoint: r.Endpoint}
		sub.Keys.P256dh = p256dh
		sub.Keys.Auth = auth
		subs = append(subs, sub)
	}
	return subs, nil
}
