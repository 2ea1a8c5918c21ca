package gameclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 30 * time.Second

// frame is the session wire format: one JSON object per websocket message.
// Unknown fields from the server are ignored.
type frame struct {
	Type              string          `json:"type"`
	Username          string          `json:"username,omitempty"`
	UUID              string          `json:"uuid,omitempty"`
	Password          string          `json:"password,omitempty"`
	Auth              string          `json:"auth,omitempty"`
	Version           string          `json:"version,omitempty"`
	Text              string          `json:"text,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	HeartbeatInterval int64           `json:"heartbeatInterval,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	handler Handler

	mu       sync.Mutex
	closed   bool
	stopChan chan struct{}

	heartbeat time.Duration
}

// Dial opens a websocket session: hello, login, welcome, then the read
// loop. It is the default Dialer used in production wiring.
func Dial(ctx context.Context, opts Options, h Handler) (Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	url := fmt.Sprintf("ws://%s:%d/session", opts.Hostname, opts.Port)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// Read HELLO
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != "hello" {
		_ = conn.Close()
		return nil, fmt.Errorf("expected hello frame, got %q", hello.Type)
	}

	login := frame{
		Type:     "login",
		Username: opts.Username,
		Password: opts.Password,
		Auth:     string(opts.Auth),
		Version:  opts.Version,
	}
	if err := conn.WriteJSON(login); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send login: %w", err)
	}

	c := &wsClient{
		conn:     conn,
		handler:  h,
		stopChan: make(chan struct{}),
	}
	if hello.HeartbeatInterval > 0 {
		c.heartbeat = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		go c.runHeartbeat()
	}

	go c.readLoop()

	return c, nil
}

func (c *wsClient) readLoop() {
	for {
		var msg frame
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.isClosed() {
				return
			}
			if c.handler.OnError != nil {
				c.handler.OnError(err)
			}
			c.finish("connection lost")
			return
		}

		if c.isClosed() {
			return
		}

		switch msg.Type {
		case "welcome":
			if c.handler.OnReady != nil {
				c.handler.OnReady(msg.Username, msg.UUID)
			}
		case "chat":
			if c.handler.OnChat != nil {
				c.handler.OnChat(msg.Username, msg.Text, msg.Extra)
			}
		case "kick":
			if c.handler.OnKicked != nil {
				c.handler.OnKicked(msg.Reason)
			}
		case "bye":
			c.finish(msg.Reason)
			return
		case "pong":
			// heartbeat ack
		default:
			// tolerate unknown frame types from newer servers
		}
	}
}

// finish tears the transport down and reports the end of the session once.
func (c *wsClient) finish(reason string) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}

	close(c.stopChan)
	_ = c.conn.Close()
	if c.handler.OnEnd != nil {
		c.handler.OnEnd(reason)
	}
}

func (c *wsClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsClient) runHeartbeat() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.conn.WriteJSON(frame{Type: "ping"})
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *wsClient) SendChat(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(frame{Type: "chat", Text: text})
}

func (c *wsClient) Close(graceful bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if graceful {
		_ = c.conn.WriteJSON(frame{Type: "quit", Reason: "Shutdown"})
	}
	close(c.stopChan)
	err := c.conn.Close()
	c.mu.Unlock()
	return err
}
