package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/push"
	"github.com/deepforums/internal/realtime"
)

// PushHandler registers browser push subscriptions for a stable id.
type PushHandler struct {
	store realtime.Store
}

func NewPushHandler(store realtime.Store) *PushHandler {
	return &PushHandler{store: store}
}

type SubscribeRequest struct {
	UserID       string            `json:"user_id"`
	Subscription push.Subscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if !realtime.ValidSegment(req.UserID) || !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required")
		return
	}
	if _, err := push.Subscribe(r.Context(), h.store, req.UserID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if !realtime.ValidSegment(req.UserID) || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "user_id and endpoint required")
		return
	}
	if err := push.Unsubscribe(r.Context(), h.store, req.UserID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
