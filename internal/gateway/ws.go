package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orchestra/internal/core"
	"orchestra/internal/workflow"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsQueue     = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type wsOutbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Progress  *workflow.Event `json:"progress,omitempty"`
	Result    *core.Result    `json:"result,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// handleWS accepts "handle" messages and streams workflow progress for each
// followed by its result. Requests on one connection run concurrently.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		h.log.Warn("websocket set read deadline failed", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan wsOutbound, wsQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		<-writerDone
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			pushWS(ctx, writeCh, wsOutbound{Type: "pong"})
		case "handle":
			req := handleRequest{ID: in.ID, Content: in.Content, SessionID: in.SessionID}
			if req.SessionID == "" {
				req.SessionID = sessionID
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				h.serveWS(ctx, writeCh, req)
			}()
		case "":
			pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: "invalid_argument", Message: "type is required"})
		default:
			pushWS(ctx, writeCh, wsOutbound{Type: "error", Code: "invalid_argument", Message: "unsupported type: " + in.Type})
		}
	}
}

func (h *Handler) serveWS(ctx context.Context, writeCh chan wsOutbound, req handleRequest) {
	pctx := core.WithProgress(ctx, func(e workflow.Event) {
		ev := e
		pushWS(ctx, writeCh, wsOutbound{Type: "progress", RequestID: e.RequestID, Progress: &ev})
	})
	res, err := h.run(pctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		_, code := classify(err)
		pushWS(ctx, writeCh, wsOutbound{
			Type:      "error",
			RequestID: res.RequestID,
			Code:      code,
			Message:   messageFor(res, err),
			Result:    resultOrNil(res),
		})
		return
	}
	pushWS(ctx, writeCh, wsOutbound{Type: "result", RequestID: res.RequestID, Result: &res})
}

// terminal frames end a request and are never dropped.
func (o wsOutbound) terminal() bool {
	return o.Type == "result" || o.Type == "error"
}

// pushWS queues out for the writer. Terminal frames wait for room until ctx
// ends; progress and pong frames are dropped when the queue is full, so a
// slow reader loses progress but never a result.
func pushWS(ctx context.Context, writeCh chan<- wsOutbound, out wsOutbound) bool {
	if !out.terminal() {
		select {
		case writeCh <- out:
			return true
		default:
			return false
		}
	}
	select {
	case writeCh <- out:
		return true
	case <-ctx.Done():
		return false
	}
}
