package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/registry"
	"github.com/gridspot/gridspot-backend/internal/scheduler"
)

// ProviderHandler exposes the provider-facing boundary: registration,
// standalone heartbeats, and the combined heartbeat-and-poll. Requests are
// authenticated upstream of this handler.
type ProviderHandler struct {
	registry *registry.Service
	matcher  *scheduler.Matcher
	logger   *zap.Logger
}

// NewProviderHandler creates a provider handler.
func NewProviderHandler(reg *registry.Service, matcher *scheduler.Matcher, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		registry: reg,
		matcher:  matcher,
		logger:   logger.Named("provider_handler"),
	}
}

// Routes returns the chi router for /providers.
func (h *ProviderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.register)
	r.Post("/heartbeat", h.heartbeat)
	r.Post("/poll", h.poll)
	r.Get("/", h.list)
	return r
}

func (h *ProviderHandler) register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}
	if err := req.Validate(); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	provider, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to register provider", err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, provider)
}

func (h *ProviderHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}
	if err := req.Validate(); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := h.registry.Heartbeat(r.Context(), req.ProviderID, req.Telemetry); err != nil {
		if errors.Is(err, models.ErrProviderNotFound) {
			respondWithError(h.logger, w, http.StatusNotFound, "Provider not registered", nil)
			return
		}
		respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to record heartbeat", err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, map[string]string{"message": "Heartbeat received"})
}

// poll is the combined heartbeat-and-poll. Exactly one task is returned per
// poll; a provider must poll again to receive another.
func (h *ProviderHandler) poll(w http.ResponseWriter, r *http.Request) {
	var req models.PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}
	if err := req.Validate(); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	payload, err := h.matcher.HandlePoll(r.Context(), &req)
	if err != nil {
		if errors.Is(err, models.ErrProviderNotFound) {
			respondWithError(h.logger, w, http.StatusNotFound, "Provider not registered", nil)
			return
		}
		respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to process poll", err)
		return
	}

	resp := models.PollResponse{Task: payload}
	if payload == nil {
		resp.Message = "Heartbeat received. No work available."
	} else {
		resp.Message = "Task assigned."
	}
	respondWithJSON(h.logger, w, http.StatusOK, resp)
}

func (h *ProviderHandler) list(w http.ResponseWriter, r *http.Request) {
	providers, err := h.registry.List(r.Context())
	if err != nil {
		respondWithError(h.logger, w, http.StatusInternalServerError, "Failed to list providers", err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, providers)
}
