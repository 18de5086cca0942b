package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/urfave/cli/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-client/internal/relay"
	"github.com/tinywideclouds/go-push-client/internal/relay/apns"
	"github.com/tinywideclouds/go-push-client/internal/relay/fcm"
	"github.com/tinywideclouds/go-push-client/internal/relay/web"
	"github.com/tinywideclouds/go-push-client/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-client/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-client/internal/storage/memory"
	pubsubTransport "github.com/tinywideclouds/go-push-client/internal/transport/pubsub"
	"github.com/tinywideclouds/go-push-client/internal/wakelock"
	"github.com/tinywideclouds/go-push-client/pkg/registration"
	"github.com/tinywideclouds/go-push-client/pushclient"
	"github.com/tinywideclouds/go-push-client/pushclient/config"
)

//go:embed local.yaml
var configFile []byte

const (
	ConfigFlag   = "config"
	LogLevelFlag = "log-level"
)

var pushClientCmd = cli.Command{
	Name:   "pushclient",
	Usage:  "run the push registration client",
	Action: RunPushClient,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  ConfigFlag,
			Usage: "path to a yaml config file (defaults to the embedded local.yaml)",
		},
		&cli.StringFlag{
			Name:    LogLevelFlag,
			Usage:   "debug, info, warn or error",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pushClientCmd.Run(ctx, os.Args); err != nil {
		slog.Error("push client exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-client")
}

func RunPushClient(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.String(LogLevelFlag))
	slog.SetDefault(logger)

	// --- Config Loading ---
	raw := configFile
	if path := cmd.String(ConfigFlag); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		raw = b
	}
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return fmt.Errorf("failed to unmarshal yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return fmt.Errorf("config mapping failed: %w", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return fmt.Errorf("config failed: %w", err)
	}

	device, err := urn.Parse(fmt.Sprintf("urn:sm:device:%s", cfg.DeviceID))
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", cfg.DeviceID, err)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client failed: %w", err)
	}
	defer psClient.Close()

	// --- State Store ---
	store, closeStore, err := newStateStore(ctx, cfg, device, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Transport ---
	publisher := pubsubTransport.NewTopicPublisher(psClient, cfg.RequestTopicID)
	defer publisher.Stop()
	transport := pubsubTransport.NewTransport(publisher, device, logger)

	// --- Handler ---
	handler, err := newRelayHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		return fmt.Errorf("identity discovery failed: %w", err)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return fmt.Errorf("auth middleware failed: %w", err)
	}

	// --- Consumer & Service ---
	consumer, err := newEventConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		return err
	}

	service, err := pushclient.New(cfg, consumer, pushclient.Dependencies{
		Store:     store,
		Transport: transport,
		WakeLock:  wakelock.New(logger),
		Handler:   handler,
	}, authMiddleware, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "device", device.String(), "store", cfg.StoreBackend)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("service stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return service.Shutdown(shutdownCtx)
	}
}

func newStateStore(ctx context.Context, cfg *config.Config, device urn.URN, logger *slog.Logger) (registration.Store, func(), error) {
	noop := func() {}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn("Using in-memory state store; registration state is lost on restart")
		return memory.NewStateStore(cfg.Backoff.InitialMs), noop, nil

	case config.StoreRedis:
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("StateStore initialized", "type", "redis", "addr", cfg.Redis.Addr)
		return cache.NewRedisStateStore(redisClient, device, cfg.Backoff.InitialMs), func() { _ = redisClient.Close() }, nil

	default:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("firestore client failed: %w", err)
		}
		var store registration.Store = fsStore.NewStateStore(fsClient, device, cfg.Backoff.InitialMs)
		logger.Info("StateStore initialized", "type", "firestore")
		closers := []func(){func() { _ = fsClient.Close() }}

		if cfg.Redis.Enabled {
			logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
			redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				_ = fsClient.Close()
				return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
			}
			closers = append(closers, func() { _ = redisClient.Close() })
			store = cache.NewCachedStateStore(store, redisClient, device, 24*time.Hour)
			logger.Info("StateStore upgraded", "type", "redis_cached_firestore")
		}
		return store, func() {
			for _, c := range closers {
				c()
			}
		}, nil
	}
}

func newRelayHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay.Handler, error) {
	handler := relay.NewHandler(relay.Targets{
		FCMTokens:        cfg.Relay.FCMTokens,
		WebSubscriptions: cfg.Relay.WebSubscriptions,
		APNSTokens:       cfg.Relay.APNSTokens,
	}, logger)

	// A. Mobile (FCM)
	if len(cfg.Relay.FCMTokens) > 0 {
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create fcm messaging client: %w", err)
		}
		handler.FCM = fcm.NewForwarder(fcmMessaging, logger)
	}

	// B. Web (VAPID)
	if len(cfg.Relay.WebSubscriptions) > 0 {
		if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
			logger.Warn("VAPID keys missing in configuration. Web relay disabled.")
		} else {
			handler.Web = web.NewForwarder(cfg.Vapid, logger)
		}
	}

	// C. Apple (APNs)
	if len(cfg.Relay.APNSTokens) > 0 {
		if !cfg.APNS.Enabled() {
			logger.Warn("APNs credentials incomplete. APNs relay disabled.")
		} else {
			apnsForwarder, err := apns.NewForwarder(apns.Config{
				KeyID:        cfg.APNS.KeyID,
				TeamID:       cfg.APNS.TeamID,
				BundleID:     cfg.APNS.BundleID,
				P8KeyContent: cfg.APNS.P8KeyContent,
				Sandbox:      cfg.APNS.Sandbox,
			}, logger)
			if err != nil {
				return nil, err
			}
			handler.APNS = apnsForwarder
		}
	}

	return handler, nil
}

func newEventConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions")
	if cfg.TopicID == "" {
		logger.Debug("No topic configured; using existing subscription", "sub", sub)
		return messagepipeline.NewGooglePubsubConsumer(
			messagepipeline.NewGooglePubsubConsumerDefaults(sub), psClient, logger,
		)
	}

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              convertPubsub(cfg.ProjectID, cfg.TopicID, "topics"),
		AckDeadlineSeconds: 10,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub %s: %w", sub, err)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
