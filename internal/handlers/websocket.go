package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/consult-signaling/internal/auth"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Signaling upgrades authenticated requests and pumps frames between the
// socket and the gateway.
type Signaling struct {
	gateway    *signaling.Gateway
	verifier   *auth.Verifier
	sendBuffer int
	log        *zap.Logger
}

func NewSignaling(gw *signaling.Gateway, verifier *auth.Verifier, sendBuffer int, log *zap.Logger) *Signaling {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Signaling{gateway: gw, verifier: verifier, sendBuffer: sendBuffer, log: log}
}

// Client represents a WebSocket client connection. It is the gateway's
// outbox for that connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu     sync.Mutex
	closed bool
	log    *zap.Logger
}

// Deliver queues a frame without blocking. It fails once the buffer is
// full or the client has been closed.
func (c *Client) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which then closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// HandleSignaling authenticates the request, then upgrades it. Requests
// without a valid credential are refused before the upgrade.
func (s *Signaling) HandleSignaling(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.log.Info("websocket authentication failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		Conn: conn,
		Send: make(chan []byte, s.sendBuffer),
		log:  s.log,
	}
	client.ID = s.gateway.Connect(identity, client)

	go client.writePump()
	go s.readPump(client)
}

func (s *Signaling) readPump(c *Client) {
	defer func() {
		s.gateway.Disconnect(c.ID)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Info("websocket error", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		// any client frame counts as a heartbeat
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.gateway.Handle(ctx, c.ID, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", zap.String("conn", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
