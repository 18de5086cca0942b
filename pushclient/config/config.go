package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-client/internal/dispatcher"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type APNSConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Sandbox      bool
}

// Enabled reports whether enough credentials are present to build a client.
func (a APNSConfig) Enabled() bool {
	return a.P8KeyContent != "" && a.KeyID != "" && a.TeamID != "" && a.BundleID != ""
}

type BackoffConfig struct {
	InitialMs int
	MaxMs     int
}

// RelayConfig lists where relayed messages are forwarded.
type RelayConfig struct {
	FCMTokens        []string
	APNSTokens       []string
	WebSubscriptions []notification.WebPushSubscription
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID  string
	ListenAddr string

	DeviceID        string
	SenderIDs       []string
	RegisterOnStart bool
	RetryToken      string
	Backoff         BackoffConfig
	StoreBackend    string

	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	RequestTopicID         string
	NumPipelineWorkers     int

	IdentityServiceURL string
	CorsConfig         middleware.CorsConfig
	Redis              RedisConfig
	Vapid              VapidConfig
	APNS               APNSConfig
	Relay              RelayConfig

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("DEVICE_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "DEVICE_ID", "source", "env")
		cfg.DeviceID = val
	}
	if val := os.Getenv("SENDER_IDS"); val != "" {
		logger.Debug("Overriding config value", "key", "SENDER_IDS", "source", "env")
		cfg.SenderIDs = splitList(val)
	}
	if val := os.Getenv("REGISTER_ON_START"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			logger.Debug("Overriding config value", "key", "REGISTER_ON_START", "source", "env")
			cfg.RegisterOnStart = enabled
		} else {
			logger.Warn("Ignoring malformed env override", "key", "REGISTER_ON_START", "value", val)
		}
	}
	if val := os.Getenv("RETRY_TOKEN"); val != "" {
		logger.Debug("Overriding config value", "key", "RETRY_TOKEN", "source", "env")
		cfg.RetryToken = val
	}
	if val := os.Getenv("BACKOFF_INITIAL_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			logger.Debug("Overriding config value", "key", "BACKOFF_INITIAL_MS", "source", "env")
			cfg.Backoff.InitialMs = ms
		} else {
			logger.Warn("Ignoring malformed env override", "key", "BACKOFF_INITIAL_MS", "value", val)
		}
	}
	if val := os.Getenv("BACKOFF_MAX_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			logger.Debug("Overriding config value", "key", "BACKOFF_MAX_MS", "source", "env")
			cfg.Backoff.MaxMs = ms
		} else {
			logger.Warn("Ignoring malformed env override", "key", "BACKOFF_MAX_MS", "value", val)
		}
	}
	if val := os.Getenv("STORE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_BACKEND", "source", "env")
		cfg.StoreBackend = strings.ToLower(val)
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("REQUEST_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "REQUEST_TOPIC_ID", "source", "env")
		cfg.RequestTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		} else {
			logger.Warn("Ignoring malformed env override", "key", "NUM_PIPELINE_WORKERS", "value", val)
		}
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		cfg.IdentityServiceURL = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		} else {
			logger.Warn("Ignoring malformed env override", "key", "REDIS_DB", "value", val)
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.Redis.Enabled = enabled
		} else {
			logger.Warn("Ignoring malformed env override", "key", "REDIS_ENABLED", "value", val)
		}
	}

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Vapid.SubscriberEmail = val
	}

	// APNs Overrides
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8KeyContent = val
	}
	if val := os.Getenv("APNS_SANDBOX"); val != "" {
		if sandbox, err := strconv.ParseBool(val); err == nil {
			cfg.APNS.Sandbox = sandbox
		} else {
			logger.Warn("Ignoring malformed env override", "key", "APNS_SANDBOX", "value", val)
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		cfg.CorsConfig.AllowedOrigins = splitList(corsOrigins)
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.RequestTopicID == "" {
		return nil, fmt.Errorf("request_topic_id is required (set via YAML or REQUEST_TOPIC_ID env var)")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required (set via YAML or DEVICE_ID env var)")
	}
	if len(cfg.SenderIDs) == 0 {
		return nil, fmt.Errorf("sender_ids is required (set via YAML or SENDER_IDS env var)")
	}

	switch cfg.StoreBackend {
	case "":
		cfg.StoreBackend = StoreFirestore
	case StoreMemory, StoreFirestore:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("store backend %q needs redis.addr (or REDIS_ADDR)", StoreRedis)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.Backoff.InitialMs <= 0 {
		cfg.Backoff.InitialMs = dispatcher.DefaultInitialBackoffMs
	}
	if cfg.Backoff.MaxMs <= 0 {
		cfg.Backoff.MaxMs = dispatcher.DefaultMaxBackoffMs
	}
	if cfg.Backoff.MaxMs < cfg.Backoff.InitialMs {
		return nil, fmt.Errorf("backoff max_ms (%d) must not be below initial_ms (%d)", cfg.Backoff.MaxMs, cfg.Backoff.InitialMs)
	}

	if cfg.RetryToken == "" {
		cfg.RetryToken = uuid.NewString()
		logger.Debug("Generated per-process retry token")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.IdentityServiceURL == "" {
		cfg.IdentityServiceURL = "http://localhost:3000"
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
