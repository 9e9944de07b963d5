package hub

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/harborview/realtime/wire"
)

const writeTimeout = 5 * time.Second

// wsTransport adapts a gorilla websocket connection to the hub Transport.
// WriteFrame is only ever called from the connection's writer goroutine.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(f wire.ServerFrame) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// Endpoint serves the live update channel over a websocket.
type Endpoint struct {
	manager  *Manager
	upgrader websocket.Upgrader
	logTags  log.Fields
}

// NewEndpoint creates the websocket endpoint for a hub.
func NewEndpoint(m *Manager) *Endpoint {
	return &Endpoint{
		manager: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logTags: log.Fields{"module": "hub", "component": "ws-endpoint"},
	}
}

// Handle upgrades the request and runs the connection until it closes.
//
// The bearer credential comes from the Authorization header, or from a
// "token" query parameter for clients that cannot set headers on the
// upgrade request. Handshake failures are answered with a structured
// error frame before the socket closes.
func (e *Endpoint) Handle(c *gin.Context) {
	token := bearerToken(c)

	ws, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).WithFields(e.logTags).Debug("Upgrade failed")
		return
	}

	transport := &wsTransport{conn: ws}
	connID, err := e.manager.Accept(transport, token)
	if err != nil {
		reason := "internal"
		var authErr *wire.AuthError
		if errors.As(err, &authErr) {
			reason = string(authErr.Reason)
		}
		_ = transport.WriteFrame(wire.ServerFrame{Op: wire.OpError, Reason: reason})
		_ = transport.Close()
		return
	}

	e.readLoop(connID, ws)
}

func (e *Endpoint) readLoop(connID string, ws *websocket.Conn) {
	// The sweeper enforces the heartbeat window; the read deadline just
	// keeps dead sockets from pinning reader goroutines forever.
	deadline := 2 * e.manager.cfg.HeartbeatWindow
	for {
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		var frame wire.ClientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithFields(e.logTags).WithField("connection", connID).Debug("Read failed")
			}
			e.manager.Disconnect(connID)
			return
		}

		switch frame.Op {
		case wire.OpJoin:
			if err := e.manager.Join(connID, frame.Topic, frame.Since); err != nil {
				e.reply(connID, wire.ServerFrame{Op: wire.OpError, Topic: frame.Topic, Reason: reasonFor(err)})
				continue
			}
			// The ack is queued behind any replayed history, so its
			// cursor tells the client whether the replay left it behind.
			e.reply(connID, wire.ServerFrame{Op: wire.OpAck, Topic: frame.Topic, Seq: e.manager.CurrentSeq(frame.Topic)})
		case wire.OpLeave:
			_ = e.manager.Leave(connID, frame.Topic)
			e.reply(connID, wire.ServerFrame{Op: wire.OpAck, Topic: frame.Topic})
		case wire.OpHeartbeat:
			if err := e.manager.Heartbeat(connID); err != nil {
				e.manager.Disconnect(connID)
				return
			}
			e.reply(connID, wire.ServerFrame{Op: wire.OpHeartbeat})
		default:
			e.reply(connID, wire.ServerFrame{Op: wire.OpError, Reason: "unknown-op"})
		}
	}
}

func (e *Endpoint) reply(connID string, f wire.ServerFrame) {
	if err := e.manager.Send(connID, f); err != nil && !errors.Is(err, ErrNotFound) {
		log.WithError(err).WithFields(e.logTags).WithField("connection", connID).Debug("Reply failed")
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	default:
		return "internal"
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}
