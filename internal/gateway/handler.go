package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"orchestra/internal/core"
	"orchestra/internal/gateway/middleware"
	"orchestra/internal/types"
)

const maxBodyBytes = 1 << 20

// Orchestrator is the subset of core.Orchestrator the transport needs.
type Orchestrator interface {
	Handle(ctx context.Context, req types.Request) (core.Result, error)
}

// Handler exposes the orchestrator over HTTP and websocket.
type Handler struct {
	orch     Orchestrator
	sessions *Sessions
	log      *zap.Logger
}

func NewHandler(orch Orchestrator, sessions *Sessions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessions == nil {
		sessions = NewSessions(0, 0)
	}
	return &Handler{orch: orch, sessions: sessions, log: logger.Named("gateway")}
}

// Routes builds the mux wrapped in the CORS and request-log middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/handle", h.handleJSON)
	mux.HandleFunc("GET /v1/ws", h.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	logged := middleware.RequestLog(mux, func(method, path string, status int) {
		h.log.Debug("http request", zap.String("method", method), zap.String("path", path), zap.Int("status", status))
	})
	return middleware.CORS(logged)
}

type handleRequest struct {
	ID        string       `json:"id,omitempty"`
	Content   string       `json:"content"`
	SessionID string       `json:"session_id,omitempty"`
	History   []types.Turn `json:"history,omitempty"`
}

type errorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Result  *core.Result `json:"result,omitempty"`
}

func (h *Handler) handleJSON(w http.ResponseWriter, r *http.Request) {
	var in handleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_argument", Message: "invalid json body"})
		return
	}
	if in.SessionID == "" {
		in.SessionID = strings.TrimSpace(r.Header.Get("X-Session-Id"))
	}
	if in.ID == "" {
		in.ID = strings.TrimSpace(r.Header.Get("X-Request-Id"))
	}
	res, err := h.run(r.Context(), in)
	if res.RequestID != "" {
		w.Header().Set("X-Request-Id", res.RequestID)
	}
	if err != nil {
		status, code := classify(err)
		writeJSON(w, status, errorBody{Code: code, Message: messageFor(res, err), Result: resultOrNil(res)})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// run fills history from the session store when the client sent none and
// records the exchange once it completes.
func (h *Handler) run(ctx context.Context, in handleRequest) (core.Result, error) {
	req := types.Request{
		ID:        strings.TrimSpace(in.ID),
		Content:   in.Content,
		SessionID: strings.TrimSpace(in.SessionID),
		History:   in.History,
	}
	if len(req.History) == 0 {
		req.History = h.sessions.History(req.SessionID)
	}
	res, err := h.orch.Handle(ctx, req)
	if err == nil {
		reply := res.Artifact
		if res.Outcome == core.OutcomeBlocked {
			reply = res.Message
		}
		h.sessions.Append(req.SessionID, req.Content, reply)
	}
	return res, err
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrEmptyRequest):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, core.ErrTryAgain):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func messageFor(res core.Result, err error) string {
	if res.Message != "" {
		return res.Message
	}
	if errors.Is(err, core.ErrTryAgain) {
		return core.UnavailableMessage
	}
	return err.Error()
}

func resultOrNil(res core.Result) *core.Result {
	if res.RequestID == "" {
		return nil
	}
	return &res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
