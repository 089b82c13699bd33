package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/rotbot/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsRequest is a client frame on /v1/ws.
type wsRequest struct {
	// Type is "message" (default) or "cancel".
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// handleWebSocket serves a chat session over a websocket. The
// conversation is "ws:<conversation_id>"; every outbound message for it
// (fragments, tool events, replies) is written as a JSON frame. A
// "reset" frame tells the client to drop the fragments it has shown
// for the turn; the final reply is always the authoritative text.
// GET /v1/ws?conversation_id=abc
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("conversation_id")
	if chatID == "" {
		chatID = uuid.NewString()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	convID := ChannelWebSocket + ":" + chatID
	log := s.logger.With("conversation", convID)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	unsub := s.bus.Subscribe(convID, func(out bus.OutboundMessage) {
		if err := write(out); err != nil {
			log.Debug("websocket write failed", "error", err)
		}
	})
	defer unsub()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	_ = write(map[string]string{"type": "hello", "conversation_id": chatID})

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			log.Info("websocket disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch req.Type {
		case "cancel":
			n := s.bus.Cancel(convID)
			_ = write(map[string]any{"type": "cancelled", "dropped": n})
		case "", "message":
			if req.Message == "" {
				continue
			}
			err := s.bus.Publish(r.Context(), bus.InboundMessage{
				Channel: ChannelWebSocket,
				ChatID:  chatID,
				UserID:  req.UserID,
				Content: req.Message,
			})
			if err != nil {
				_ = write(map[string]string{"type": "error", "error": err.Error()})
			}
		default:
			_ = write(map[string]string{"type": "error", "error": fmt.Sprintf("unknown frame type %q", req.Type)})
		}
	}
}

// handleEvents streams loop telemetry as server-sent events.
// GET /v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		s.errorResponse(w, http.StatusNotImplemented, "event stream not configured")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	ch := s.cfg.Events.Subscribe(64)
	defer s.cfg.Events.Unsubscribe(ch)

	fmt.Fprint(w, ": connected\n\n")
	_ = rc.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			_ = rc.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug("event marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
