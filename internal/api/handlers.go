package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echopad/echopad/internal/ai"
	"github.com/echopad/echopad/internal/config"
	"github.com/echopad/echopad/internal/session"
	"github.com/echopad/echopad/internal/storage/sqlite"
	"github.com/echopad/echopad/internal/websocket"
	"github.com/echopad/echopad/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	controller *session.Controller
	storage    *sqlite.TranscriptStorage
	rewriter   *ai.Rewriter
	config     *config.Config
	logger     *logger.Logger
	wsServer   *websocket.Server
}

// NewHandler creates a new API handler
func NewHandler(controller *session.Controller, storage *sqlite.TranscriptStorage, rewriter *ai.Rewriter, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		controller: controller,
		storage:    storage,
		rewriter:   rewriter,
		config:     config,
		logger:     logger.Named("api-handler"),
		wsServer:   wsServer,
	}
}

// StartRecording starts a recording session
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	owner := parseOwner(r)

	if err := h.controller.Start(r.Context(), owner); err != nil {
		h.writeStartError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, h.controller.Status())
}

// StopRecording stops the current recording session
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Stop(r.Context()); err != nil {
		h.logger.Error("Failed to stop recording", logger.Error(err))
		http.Error(w, "Failed to stop recording", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, h.controller.Status())
}

// ToggleRecording starts a session when idle, stops it otherwise
func (h *Handler) ToggleRecording(w http.ResponseWriter, r *http.Request) {
	owner := parseOwner(r)

	started, err := h.controller.Toggle(r.Context(), owner)
	if err != nil {
		if started {
			h.writeStartError(w, err)
		} else {
			h.logger.Error("Failed to stop recording", logger.Error(err))
			http.Error(w, "Failed to stop recording", http.StatusInternalServerError)
		}
		return
	}

	response := map[string]any{
		"started": started,
		"status":  h.controller.Status(),
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetRecordingStatus returns the current recording state and transcript preview
func (h *Handler) GetRecordingStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.controller.Status())
}

// GetSessions returns stored sessions, paginated or filtered by time range
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []*sqlite.SessionRecord
	var err error

	if start, end, ok := parseTimeRangeParams(r); ok {
		sessions, err = h.storage.GetSessionsByTimeRange(r.Context(), start, end)
	} else {
		limit, offset := parsePaginationParams(r)
		sessions, err = h.storage.GetSessions(r.Context(), limit, offset)
	}
	if err != nil {
		h.logger.Error("Failed to retrieve sessions", logger.Error(err))
		http.Error(w, "Failed to retrieve sessions", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp": time.Now(),
		"count":     len(sessions),
		"sessions":  sessions,
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetSession returns a stored session with its transcript turns
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	record, err := h.storage.GetSession(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to retrieve session", logger.Error(err))
		http.Error(w, "Failed to retrieve session", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	turns, err := h.storage.GetTurnsBySession(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to retrieve turns", logger.Error(err))
		http.Error(w, "Failed to retrieve session", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"session": record,
		"turns":   turns,
	}
	WriteJSON(w, http.StatusOK, response)
}

// RewriteSession applies an AI rewrite style to a stored session transcript
func (h *Handler) RewriteSession(w http.ResponseWriter, r *http.Request) {
	if h.rewriter == nil {
		http.Error(w, "Rewrite service not available", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	var body struct {
		Style string `json:"style"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !ai.ValidStyle(body.Style) {
		http.Error(w, "Unknown rewrite style", http.StatusBadRequest)
		return
	}

	record, err := h.storage.GetSession(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to retrieve session", logger.Error(err))
		http.Error(w, "Failed to retrieve session", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	rewritten, err := h.rewriter.Rewrite(r.Context(), body.Style, record.Content)
	if err != nil {
		h.logger.Error("Rewrite failed",
			logger.String("session_id", id),
			logger.String("style", body.Style),
			logger.Error(err))
		http.Error(w, "Rewrite failed", http.StatusBadGateway)
		return
	}

	if err := h.storage.UpdateSessionRewrite(r.Context(), id, body.Style, rewritten); err != nil {
		h.logger.Error("Failed to store rewrite", logger.Error(err))
		http.Error(w, "Failed to store rewrite", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"session_id": id,
		"style":      body.Style,
		"rewrite":    rewritten,
	}
	WriteJSON(w, http.StatusOK, response)
}

// HandleWebSocket handles WebSocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("WebSocket connection request received")

	h.wsServer.HandleConnection(w, r)
}

// HandleMessage handles incoming WebSocket control messages
func (h *Handler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	owner := "websocket"
	if o, ok := data["owner"].(string); ok && o != "" {
		owner = o
	}

	ctx := context.Background()

	switch messageType {
	case "start_recording":
		if err := h.controller.Start(ctx, owner); err != nil {
			client.SendMessage(websocket.NewMessage(websocket.MessageTypeError, map[string]any{
				"message": err.Error(),
			}))
		}
	case "stop_recording":
		if err := h.controller.Stop(ctx); err != nil {
			client.SendMessage(websocket.NewMessage(websocket.MessageTypeError, map[string]any{
				"message": err.Error(),
			}))
		}
	case "toggle_recording":
		if _, err := h.controller.Toggle(ctx, owner); err != nil {
			client.SendMessage(websocket.NewMessage(websocket.MessageTypeError, map[string]any{
				"message": err.Error(),
			}))
		}
	default:
		h.logger.Debug("Unhandled WebSocket message type", logger.String("type", messageType))
	}
	return nil
}

// SendStatus sends the current recording status to a single client
func (h *Handler) SendStatus(client *websocket.Client) {
	st := h.controller.Status()
	client.SendMessage(websocket.NewMessage(websocket.MessageTypeStatus, map[string]any{
		"state":      st.State,
		"owner":      st.Owner,
		"session_id": st.SessionID,
		"preview":    st.Preview,
	}))
}

func (h *Handler) writeStartError(w http.ResponseWriter, err error) {
	var busy *session.BusyError
	switch {
	case errors.As(err, &busy):
		http.Error(w, busy.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrNoCredential):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("Failed to start recording", logger.Error(err))
		http.Error(w, "Failed to start recording", http.StatusBadGateway)
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Helper functions
func parseOwner(r *http.Request) string {
	var body struct {
		Owner string `json:"owner"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Owner != "" {
		return body.Owner
	}
	if o := r.URL.Query().Get("owner"); o != "" {
		return o
	}
	return "api"
}

func parsePaginationParams(r *http.Request) (int, int) {
	limit := 100 // Default limit
	offset := 0  // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

// parseTimeRangeParams parses RFC3339 "start" and "end" query params. Both
// must be present and valid for the range filter to apply.
func parseTimeRangeParams(r *http.Request) (time.Time, time.Time, bool) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, false
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	return start, end, true
}
