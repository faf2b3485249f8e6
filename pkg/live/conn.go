package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/glintlabs/glint/pkg/state"
)

// clientEvent is the inbound websocket frame: an event raised by the
// widget's client-side code.
type clientEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// wsConn is one live widget connection on this worker.
type wsConn struct {
	server   *Server
	ws       *websocket.Conn
	widgetID string
	queue    <-chan *state.EventMessage

	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	superseded bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widgetID")
	ctx := r.Context()

	rec, err := s.manager.GetWidget(ctx, widgetID)
	if err != nil {
		s.logger.Error("widget lookup failed", "widget_id", widgetID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	if rec.Token != "" && r.URL.Query().Get("token") != rec.Token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	userID := ""
	if sessionID != "" {
		sess, err := s.manager.GetSession(ctx, sessionID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if sess == nil {
			http.Error(w, "invalid session", http.StatusForbidden)
			return
		}
		userID = sess.UserID
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed", "widget_id", widgetID, "error", err)
		return
	}

	conn := &wsConn{
		server:   s,
		ws:       ws,
		widgetID: widgetID,
		done:     make(chan struct{}),
	}

	// A new socket for the same widget on this worker supersedes the old
	// one. The old connection keeps the socket closed but leaves the queue,
	// relay, and shared record to its successor.
	s.mu.Lock()
	old := s.conns[widgetID]
	s.conns[widgetID] = conn
	s.mu.Unlock()
	if old != nil {
		old.markSuperseded()
		old.close(websocket.ClosePolicyViolation, "superseded by a newer connection")
	}

	// Attach the local queue before publishing the connection record, so a
	// send racing the handshake cannot slip past onto the bus.
	conn.queue = s.manager.AttachLocalQueue(widgetID)
	if err := s.manager.StartWidgetRelay(context.Background(), widgetID); err != nil {
		s.logger.Warn("widget relay not started", "widget_id", widgetID, "error", err)
	}

	prev, err := s.manager.RegisterConnection(ctx, &state.ConnectionInfo{
		WidgetID:  widgetID,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		s.logger.Error("connection registration failed", "widget_id", widgetID, "error", err)
		conn.close(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	if prev != nil && prev.WorkerID != s.manager.WorkerID() {
		s.logger.Info("took over connection from another worker",
			"widget_id", widgetID, "previous_worker", prev.WorkerID)
	}

	s.logger.Info("widget connected", "widget_id", widgetID, "user_id", userID)
	go conn.writePump()
	go conn.readPump()
}

func (c *wsConn) markSuperseded() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
}

func (c *wsConn) isSuperseded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.superseded
}

// close sends a close frame and tears the connection down.
func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		deadline := time.Now().Add(c.server.config.WriteTimeout)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		c.ws.Close()
		c.teardown()
	})
}

// teardown releases the connection's claim on the widget. A locally
// superseded connection must not release anything: the successor already
// owns the queue, relay, and shared record.
func (c *wsConn) teardown() {
	s := c.server

	s.mu.Lock()
	if s.conns[c.widgetID] == c {
		delete(s.conns, c.widgetID)
	}
	s.mu.Unlock()

	if c.isSuperseded() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.manager.StopWidgetRelay(c.widgetID)
	s.manager.DetachLocalQueue(c.widgetID)
	if _, err := s.manager.UnregisterConnection(ctx, c.widgetID); err != nil {
		s.logger.Warn("connection unregister failed", "widget_id", c.widgetID, "error", err)
	}
	s.logger.Info("widget disconnected", "widget_id", c.widgetID)
}

// writePump drains the widget's local queue to the socket and keeps the
// connection alive with periodic pings.
func (c *wsConn) writePump() {
	interval := c.server.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.queue:
			if !ok {
				// Queue detached elsewhere (widget deleted or manager
				// shutdown).
				c.close(websocket.CloseGoingAway, "widget released")
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.server.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump receives client events and feeds them into the manager's
// dispatch path. Pongs refresh the shared heartbeat record, so the
// connection's liveness is visible to every worker.
func (c *wsConn) readPump() {
	pongWait := c.server.config.HeartbeatInterval*2 + c.server.config.HeartbeatInterval/2
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.server.manager.RefreshHeartbeat(ctx, c.widgetID); err != nil {
			c.server.logger.Warn("heartbeat refresh failed", "widget_id", c.widgetID, "error", err)
		}
		return nil
	})

	for {
		var ev clientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Warn("websocket read failed", "widget_id", c.widgetID, "error", err)
			}
			c.close(websocket.CloseNormalClosure, "")
			return
		}
		if ev.EventType == "" {
			continue
		}

		msg := state.NewEventMessage(ev.EventType, c.widgetID, ev.Data)
		handled, result, err := c.server.manager.HandleClientEvent(context.Background(), msg)
		if err != nil {
			c.server.logger.Error("client event dispatch failed",
				"widget_id", c.widgetID, "event_type", ev.EventType, "error", err)
			continue
		}
		if handled && result != nil {
			reply := state.NewEventMessage("callback_result", c.widgetID, map[string]any{
				"event_type": ev.EventType,
				"result":     result,
			})
			if err := c.server.manager.SendToWidget(context.Background(), c.widgetID, reply); err != nil {
				c.server.logger.Warn("callback result not delivered",
					"widget_id", c.widgetID, "error", err)
			}
		}
	}
}
