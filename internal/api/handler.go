package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumatch/pushgate/internal/db"
	"github.com/lumatch/pushgate/internal/push"
	"github.com/lumatch/pushgate/internal/redis"
)

// SubscriptionRepository defines the subscription lifecycle operations the
// API needs. Expiry-driven cleanup lives in the dispatcher, not here.
type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub *db.PushSubscription) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

// Deliverer is the dispatch engine as seen by the API.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, n *push.Notification) (push.Result, error)
	Configured() bool
}

// PushRequest represents the incoming dispatch request body
type PushRequest struct {
	RecipientID string         `json:"recipient_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body,omitempty"`
	Icon        string         `json:"icon,omitempty"`
	Badge       string         `json:"badge,omitempty"`
	URL         string         `json:"url,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// SubscribeRequest mirrors the JSON a browser's PushSubscription serializes to,
// plus the recipient it belongs to.
type SubscribeRequest struct {
	RecipientID string `json:"recipient_id"`
	Endpoint    string `json:"endpoint"`
	Keys        struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscribeResponse is returned after registering a subscription
type SubscribeResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        SubscriptionRepository
	dispatcher  Deliverer
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo SubscriptionRepository, dispatcher Deliverer) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// NewHandlerWithIdempotency creates a handler with dispatch deduplication support
func NewHandlerWithIdempotency(logger *zap.Logger, repo SubscriptionRepository, dispatcher Deliverer, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		dispatcher:  dispatcher,
		idempotency: idempotency,
	}
}

// Push handles POST /v1/push: one dispatch call fanning out to every
// subscription of the recipient. Supports the Idempotency-Key header.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_id is required")
		return
	}
	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title is required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.RecipientID, idempotencyKey)
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request", "Dispatch already in progress", "a dispatch with this Idempotency-Key is being processed")
			return
		}
		if err != nil {
			// Redis trouble should not block dispatches.
			h.logger.Warn("idempotency check failed", zap.Error(err))
		}
		if cached != nil {
			h.writeJSON(w, http.StatusAccepted, push.Result{Sent: cached.Sent, Cleaned: cached.Cleaned})
			return
		}
	}

	result, err := h.dispatcher.Deliver(ctx, req.RecipientID, &push.Notification{
		Title: req.Title,
		Body:  req.Body,
		Icon:  req.Icon,
		Badge: req.Badge,
		URL:   req.URL,
		Data:  req.Data,
	})

	if errors.Is(err, push.ErrNotConfigured) {
		h.writeError(w, http.StatusServiceUnavailable, "push_not_configured", "Push delivery disabled", "no VAPID keys are configured")
		return
	}
	if err != nil {
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_failed", "Dispatch failed", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		if err := h.idempotency.Store(ctx, req.RecipientID, idempotencyKey, &redis.IdempotencyResult{
			Sent:    result.Sent,
			Cleaned: result.Cleaned,
		}); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusAccepted, result)
}

// Subscribe handles POST /v1/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientID == "" || req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_id, endpoint, keys.p256dh, and keys.auth are required")
		return
	}

	if !strings.HasPrefix(req.Endpoint, "https://") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid endpoint", "endpoint must be an https URL")
		return
	}

	sub := &db.PushSubscription{
		ID:          uuid.New(),
		RecipientID: req.RecipientID,
		Endpoint:    req.Endpoint,
		P256dh:      req.Keys.P256dh,
		Auth:        req.Keys.Auth,
	}

	if err := h.repo.CreateSubscription(ctx, sub); err != nil {
		h.logger.Error("failed to register subscription",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID),
		)
		h.writeError(w, http.StatusInternalServerError, "store_failed", "Failed to register subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, SubscribeResponse{ID: sub.ID.String()})
}

// Unsubscribe handles DELETE /v1/subscriptions/{id}
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription id", "id must be a valid UUID")
		return
	}

	if err := h.repo.DeleteByID(ctx, id); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/status: whether push delivery is active.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{
		"configured": h.dispatcher.Configured(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
