package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/model"
)

const (
	defaultMaxConnections = 10000
	defaultSendBufSize    = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultMaxMessageSize = 4096
)

// Settings are the per-connection tuning knobs, loaded from config.
// Zero values fall back to the defaults above.
type Settings struct {
	MaxConnections int
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (s Settings) withDefaults() Settings {
	if s.MaxConnections <= 0 {
		s.MaxConnections = defaultMaxConnections
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = defaultSendBufSize
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.PongTimeout <= 0 {
		s.PongTimeout = defaultPongTimeout
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = defaultMaxMessageSize
	}
	return s
}

// pingPeriod keeps pings comfortably inside the pong deadline.
func (s Settings) pingPeriod() time.Duration {
	return s.PongTimeout * 9 / 10
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one live connection session, bound to a single conversation
// partner for its whole lifetime.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan any

	sessionID string
	userID    int64
	username  string
	peerID    int64
	peerName  string
	convKey   model.ConversationKey
	group     string
	userGroup string

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, user, peer *model.User) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan any, hub.settings.SendBufferSize),
		sessionID: uuid.New().String(),
		userID:    user.ID,
		username:  user.Username,
		peerID:    peer.ID,
		peerName:  peer.Username,
		convKey:   model.NewConversationKey(user.ID, peer.ID),
		group:     model.GroupName(user.Username, peer.Username),
		userGroup: model.UserGroupName(user.ID),
		done:      make(chan struct{}),
	}
}

// Start launches readPump and writePump with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any
// goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads frames from the connection. Exits on read error
// (triggered by conn.Close from Close() or writePump exit); its deferred
// Unregister is the single cleanup path for any kind of disconnect.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	s := c.hub.settings
	c.conn.SetReadLimit(s.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(s.PongTimeout)); err != nil {
		logger.Errorf("ws set read deadline user=%s session=%s: %v", c.username, c.sessionID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.PongTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s session=%s: %v", c.username, c.sessionID, err)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.hub.sendToClient(c, errorFrame("invalid JSON payload"))
			continue
		}

		c.hub.HandleInbound(ctx, c, frame)
	}
}

// writePump writes frames to the connection. Exits on ctx cancellation,
// write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	s := c.hub.settings
	ticker := time.NewTicker(s.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.username, err)
			}
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.username, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.username, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.username, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
