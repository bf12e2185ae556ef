package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bec-project/bec-atlas/pkg/auth"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/relay"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 * 1024
)

// wsConn adapts a websocket to relay.Conn. Writes are serialized; the relay
// forwards from one goroutine per room.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ev relay.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) sendError(err error) {
	_ = c.Send(relay.Event{Type: relay.EventError, Data: map[string]string{"error": errdefs.Message(err)}})
}

// clientMessage is a message from a websocket client. Data holds the
// register request, either as a JSON string or inline.
type clientMessage struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Endpoint string          `json:"endpoint"`
}

func (m clientMessage) request() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

// serveWS handles GET /api/v1/ws
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	deploymentID := r.URL.Query().Get("deployment")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws)
	ctx := r.Context()
	logger := s.logger.WithFields(map[string]interface{}{
		"conn_id":       conn.ID(),
		"deployment_id": deploymentID,
	})

	if err := s.deps.Relay.Connect(ctx, conn, token, deploymentID); err != nil {
		logger.WithError(err).Info("websocket connection rejected")
		conn.sendError(err)
		conn.Close()
		return
	}
	defer func() {
		s.deps.Relay.Disconnect(context.Background(), conn.ID())
		conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go conn.keepAlive(done)

	ws.SetReadLimit(wsMaxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("websocket closed")
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError(errdefs.InvalidRequest("ws", "invalid JSON message"))
			continue
		}
		if err := s.handleClientMessage(ctx, conn, msg); err != nil {
			conn.sendError(err)
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *wsConn, msg clientMessage) error {
	switch msg.Type {
	case "register":
		return s.deps.Relay.Register(ctx, conn.ID(), msg.request())
	case "unregister":
		return s.deps.Relay.Unregister(ctx, conn.ID(), msg.Endpoint)
	default:
		return errdefs.InvalidRequest("ws", "unknown message type")
	}
}

func (c *wsConn) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
