package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/gateway"
)

const (
	defaultSendBuffer = 32

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// serveWS upgrades the request and pumps messages between the socket and the
// gateway. Hosts authenticate with a bearer token in the Authorization header
// or the token query parameter.
func (a *API) serveWS(c *gin.Context) {
	id, err := a.identity(c)
	if err != nil {
		renderError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c, "api: websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan domain.Message, a.c.SendBuffer),
		done: make(chan struct{}),
	}

	a.g.Connect(conn, id)
	slog.DebugContext(c, "api: websocket connected", "conn", conn.id, "host", id.HostID, "legacy", id.Legacy)

	go conn.writePump()
	conn.readPump(context.WithoutCancel(c.Request.Context()), a.g)
}

func (a *API) identity(c *gin.Context) (gateway.Identity, error) {
	id := gateway.Identity{Legacy: c.Query("dialect") == "legacy"}

	if a.c.Verifier == nil {
		id.HostID = AnonymousHost
		return id, nil
	}

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	if strings.TrimSpace(token) == "" {
		return id, nil
	}

	host, err := a.c.Verifier.VerifyHost(c.Request.Context(), token)
	if err != nil {
		return id, err
	}
	id.HostID = host
	return id, nil
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan domain.Message

	once sync.Once
	done chan struct{}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(m domain.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) readPump(ctx context.Context, g *gateway.Gateway) {
	defer func() {
		g.Disconnect(ctx, c.id)
		c.Close()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.DebugContext(ctx, "api: websocket read failed", "conn", c.id, "error", err)
			}
			return
		}

		var env gateway.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			g.Reject(ctx, c.id, "", errors.InvalidArgument("malformed message: %s", err))
			continue
		}

		g.Handle(ctx, c.id, env)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case m := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
