// Package chatclient provides an event-driven client for the streaming chat
// transport. Callers register handlers for decoded envelopes, connection
// state changes, and errors, then connect and authenticate. Handlers run on
// the client's read goroutine, so envelope handlers observe events in the
// order the server sent them; keep them fast.
package chatclient

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/chat-server/protocol"
)

// State represents the client connection state.
type State int

const (
	Disconnected State = iota // Not connected
	Connected                 // Connection established
	Closed                    // Client closed; must not be reused
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EventHandler is called for each envelope received from the server.
type EventHandler func(env protocol.Envelope)

// StateHandler is called when the connection state changes.
type StateHandler func(state State)

// ErrorHandler is called when a read, write, or decode error occurs.
type ErrorHandler func(err error)

// Config holds configuration for the chat client.
type Config struct {
	// Address is the "host:port" of the streaming listener.
	Address string
	// ConnectTimeout is the max duration for establishing the connection.
	ConnectTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for the given address.
func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Client is an event-driven chat client. It is safe for concurrent use.
type Client struct {
	cfg Config

	mu      sync.RWMutex
	conn    net.Conn
	state   State
	token   string
	onEvent EventHandler
	onState StateHandler
	onError ErrorHandler

	wg     sync.WaitGroup
	closed bool
}

// New creates a client in Disconnected state; call Connect to dial.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// OnEvent registers the handler for incoming envelopes. Repeated calls
// replace the previous handler; pass nil to clear.
func (c *Client) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = handler
}

// OnState registers the handler for connection state changes.
func (c *Client) OnState(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnError registers the handler for read, write, and decode errors.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server and starts the read loop.
//
// Returns:
//   - nil on success; an error if the client is closed, already connected,
//     or the dial fails
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}

	if c.state == Connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.emitState(Connected)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Authenticate stores the bearer token and sends the connect envelope. The
// token is attached to every subsequent envelope automatically.
//
// Parameters:
//   - token: The bearer token obtained from the REST login endpoint
func (c *Client) Authenticate(token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	return c.Send(protocol.Envelope{Type: protocol.EventConnect})
}

// Send encodes and writes one envelope. The stored token is filled in when
// the envelope carries none.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	if env.Token == "" {
		env.Token = c.token
	}
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return errors.New("not connected")
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	if c.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{}) // Best effort to clear deadline
		}()
	}

	if _, err := conn.Write(payload); err != nil {
		c.emitError(err)
		return err
	}

	return nil
}

// SendMessage sends a chat message to a recipient identity.
func (c *Client) SendMessage(recipient, content string) error {
	return c.Send(protocol.Envelope{
		Type:      protocol.EventMessage,
		Recipient: recipient,
		Content:   content,
	})
}

// SendTyping sends a typing or stopTyping indicator to a recipient identity.
func (c *Client) SendTyping(recipient string, typing bool) error {
	eventType := protocol.EventTyping
	if !typing {
		eventType = protocol.EventStopTyping
	}

	return c.Send(protocol.Envelope{
		Type:      eventType,
		Recipient: recipient,
	})
}

// SetStatus persists and broadcasts a new status for the authenticated
// identity.
func (c *Client) SetStatus(status string) error {
	return c.Send(protocol.Envelope{
		Type:       protocol.EventUserStatus,
		UserStatus: status,
	})
}

// Disconnect announces the disconnect to the server and closes the client.
func (c *Client) Disconnect() error {
	_ = c.Send(protocol.Envelope{Type: protocol.EventDisconnect})
	return c.Close()
}

// Close closes the connection and stops the read loop. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.state = Closed
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.emitState(Closed)

	return nil
}

// readLoop reads newline-framed envelopes until the connection ends.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			c.emitError(err)
			continue
		}

		c.emitEvent(env)
	}

	if err := scanner.Err(); err != nil && !c.isClosed() {
		c.emitError(err)
	}

	c.mu.Lock()
	if !c.closed {
		c.state = Disconnected
		c.conn = nil
		c.mu.Unlock()
		c.emitState(Disconnected)
		return
	}
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) emitEvent(env protocol.Envelope) {
	c.mu.RLock()
	handler := c.onEvent
	c.mu.RUnlock()

	if handler != nil {
		handler(env)
	}
}

func (c *Client) emitState(state State) {
	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()

	if handler != nil {
		handler(state)
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(err)
	}
}
