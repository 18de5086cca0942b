// Package api exposes the device's registration state machine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-client/internal/dispatcher"
	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

const maxEventBytes = 64 << 10

// Registrar is the dispatcher surface used by the HTTP handlers.
type Registrar interface {
	Handle(ctx context.Context, event registration.InboundEvent) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Status(ctx context.Context) (dispatcher.Status, error)
}

type RegistrationAPI struct {
	Registrar Registrar
	Logger    *slog.Logger
}

func NewRegistrationAPI(registrar Registrar, logger *slog.Logger) *RegistrationAPI {
	return &RegistrationAPI{
		Registrar: registrar,
		Logger:    logger,
	}
}

// GetStatus reports the stored registration id and current backoff.
func (api *RegistrationAPI) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !api.authorized(w, r) {
		return
	}

	st, err := api.Registrar.Status(ctx)
	if err != nil {
		api.Logger.Error("failed to read registration status", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}

// Register asks the backend for a registration id. The outcome arrives
// later as a registration event, hence 202.
func (api *RegistrationAPI) Register(w http.ResponseWriter, r *http.Request) {
	if !api.authorized(w, r) {
		return
	}
	if err := api.Registrar.Register(r.Context()); err != nil {
		api.Logger.Error("register request failed", "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, "register request failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (api *RegistrationAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	if !api.authorized(w, r) {
		return
	}
	if err := api.Registrar.Unregister(r.Context()); err != nil {
		api.Logger.Error("unregister request failed", "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, "unregister request failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PostEvent feeds a single envelope to the dispatcher synchronously.
func (api *RegistrationAPI) PostEvent(w http.ResponseWriter, r *http.Request) {
	if !api.authorized(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	env, err := registration.DecodeEnvelope(body)
	if err != nil {
		api.Logger.Warn("PostEvent: decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid event envelope")
		return
	}

	if err := api.Registrar.Handle(r.Context(), env.Event()); err != nil {
		api.Logger.Error("PostEvent: handling failed", "kind", env.Kind, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "event handling failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *RegistrationAPI) authorized(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := middleware.GetUserHandleFromContext(r.Context()); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}
