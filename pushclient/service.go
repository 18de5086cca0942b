// Package pushclient assembles the push registration client: the inbound
// event pipeline, the registration dispatcher with its retry scheduler, and
// the operator HTTP API.
package pushclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-client/internal/api"
	"github.com/tinywideclouds/go-push-client/internal/dispatcher"
	"github.com/tinywideclouds/go-push-client/internal/pipeline"
	"github.com/tinywideclouds/go-push-client/internal/scheduler"
	"github.com/tinywideclouds/go-push-client/pkg/registration"
	"github.com/tinywideclouds/go-push-client/pushclient/config"
)

// Dependencies are the collaborators injected by the host.
type Dependencies struct {
	Store     registration.Store
	Transport registration.Transport
	WakeLock  registration.WakeLock
	Handler   registration.Handler
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[registration.Envelope]
	dispatcher      *dispatcher.Dispatcher
	scheduler       *scheduler.TimerScheduler
	registerOnStart bool
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	deps Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Dispatcher + retry timers
	sched := scheduler.NewTimerScheduler(logger)
	d, err := dispatcher.New(
		dispatcher.Config{
			SenderIDs:        cfg.SenderIDs,
			RetryToken:       cfg.RetryToken,
			InitialBackoffMs: cfg.Backoff.InitialMs,
			MaxBackoffMs:     cfg.Backoff.MaxMs,
		},
		deps.Store,
		sched,
		deps.WakeLock,
		deps.Transport,
		deps.Handler,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	sched.Bind(d.Handle)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.EnvelopeTransformer,
		pipeline.NewProcessor(d, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API
	registrationAPI := api.NewRegistrationAPI(d, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	handle("GET /api/v1/registration", registrationAPI.GetStatus)
	handle("POST /api/v1/register", registrationAPI.Register)
	handle("POST /api/v1/unregister", registrationAPI.Unregister)
	handle("POST /api/v1/events", registrationAPI.PostEvent)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		dispatcher:      d,
		scheduler:       sched,
		registerOnStart: cfg.RegisterOnStart,
		logger:          logger,
	}, nil
}

// Dispatcher exposes the state machine, mainly for tests and embedding hosts.
func (w *Wrapper) Dispatcher() *dispatcher.Dispatcher {
	return w.dispatcher
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}

	if w.registerOnStart {
		w.ensureRegistered(ctx)
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// ensureRegistered requests a registration when none is stored. Failures
// are logged; the operator can retry through the API.
func (w *Wrapper) ensureRegistered(ctx context.Context) {
	st, err := w.dispatcher.Status(ctx)
	if err != nil {
		w.logger.Error("Could not read registration status at startup", "err", err)
		return
	}
	if st.Registered {
		w.logger.Info("Device already registered", "registration_id", st.RegistrationID)
		return
	}
	if err := w.dispatcher.Register(ctx); err != nil {
		w.logger.Error("Startup registration request failed", "err", err)
		return
	}
	w.logger.Info("Startup registration requested")
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error

	w.scheduler.Stop()
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
