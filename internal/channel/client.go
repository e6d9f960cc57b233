// Package channel owns the persistent realtime connection to the chat
// backend: identification handshake, inbound frame dispatch, outbound
// notification frames and reconnection with backoff.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wizzle/wizzled/internal/api"
	"github.com/wizzle/wizzled/internal/bus"
	"github.com/wizzle/wizzled/internal/model"
	"go.uber.org/zap"
)

// State is the connection lifecycle state of the realtime channel.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateListening    State = "LISTENING"
	StateReconnecting State = "RECONNECTING"
)

// StateChange is the payload of channel.state bus events.
type StateChange struct {
	From State
	To   State
}

// DefaultBackoff is the pause before a reconnect attempt after a dropped
// connection.
const DefaultBackoff = time.Second

// Client manages the single realtime connection for an active user session.
// Inbound frames are decoded and published on the bus under channel.* kinds;
// outbound sends are best-effort notification frames (the authoritative send
// path is the REST message repository).
type Client struct {
	url     string
	token   api.TokenProvider
	bus     *bus.Bus
	logger  *zap.Logger
	backoff time.Duration

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	userID string
	state  State
	cancel context.CancelFunc
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect backoff interval.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New creates a realtime channel client for the given websocket URL.
func New(url string, token api.TokenProvider, b *bus.Bus, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:     url,
		token:   token,
		bus:     b,
		logger:  logger,
		backoff: DefaultBackoff,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport for userID, identifies, and starts the receive
// loop. A second call for the same user while connected is a no-op; a call
// for a different user replaces the existing connection.
func (c *Client) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.conn != nil {
		if c.userID == userID {
			c.mu.Unlock()
			return nil
		}
		// New identity: tear down the old session first.
		c.teardownLocked()
	}
	c.closed = false
	c.userID = userID
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	header := http.Header{}
	if tok := c.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("dial realtime: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		// Disconnect won the race while we were dialing.
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	if c.cancel != nil {
		// Release the context of the connection this one replaces.
		c.cancel()
	}
	if c.conn != nil {
		// Unblock the superseded read loop so it stops dispatching.
		_ = c.conn.Close()
	}
	c.conn = conn
	c.cancel = cancel
	c.setStateLocked(StateListening)
	c.mu.Unlock()

	c.writeFrame(identifyFrame{Type: typeIdentify, UserID: userID})
	c.logger.Info("realtime channel connected", zap.String("user_id", userID))

	go c.readLoop(loopCtx, conn, userID)
	return nil
}

// Disconnect closes the transport, clears the session identity and
// suppresses automatic reconnection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && c.conn == nil {
		return
	}
	c.closed = true
	c.teardownLocked()
	c.userID = ""
	c.setStateLocked(StateDisconnected)
	c.logger.Info("realtime channel disconnected")
}

// SendMessage notifies other listeners about a message that was already
// accepted by the backend. Best-effort.
func (c *Client) SendMessage(m *model.Message) {
	c.writeFrame(messageFrame{Type: typeMessage, Message: *m})
}

// SendDeliveryStatus sends a delivered/read ack for a message to its sender.
// Other statuses are not ack frames and are dropped with a log.
func (c *Client) SendDeliveryStatus(messageID, to string, status model.Status) {
	var frameType string
	switch status {
	case model.StatusDelivered:
		frameType = typeDelivered
	case model.StatusRead:
		frameType = typeRead
	default:
		c.logger.Warn("not an ack status, frame dropped",
			zap.String("msg_id", messageID), zap.String("status", string(status)))
		return
	}
	c.writeFrame(ackFrame{Type: frameType, MessageID: messageID, To: to})
}

// SendDeleteMessage notifies other listeners about a message deletion.
func (c *Client) SendDeleteMessage(messageID string) {
	c.writeFrame(deleteFrame{Type: typeDeleteMessage, MessageID: messageID})
}

// readLoop receives frames for the lifetime of one connection. On receive
// failure it hands off to the reconnect path unless the teardown was
// intentional.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, userID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.logger.Warn("realtime receive failed", zap.Error(err))
			c.reconnect(ctx, userID)
			return
		}

		evt, err := decodeEvent(data)
		if err != nil {
			c.logger.Warn("malformed frame skipped", zap.Error(err))
			continue
		}
		c.dispatch(evt)
	}
}

func (c *Client) dispatch(evt Event) {
	switch e := evt.(type) {
	case IncomingMessage:
		c.bus.Publish(bus.Event{Kind: bus.KindChannelMessage, Payload: e})
	case DeliveryAck:
		c.bus.Publish(bus.Event{Kind: bus.KindChannelAck, Payload: e})
	case ChatUpdated:
		c.bus.Publish(bus.Event{Kind: bus.KindChannelChat, Payload: e})
	case MessageDeleted:
		c.bus.Publish(bus.Event{Kind: bus.KindChannelDelete, Payload: e})
	case Unknown:
		c.logger.Warn("unknown frame type", zap.String("type", e.Type))
	}
}

// reconnect waits out the backoff and redials with the last known identity.
// The wait aborts immediately on Disconnect, which cancels ctx. The dead
// connection is closed here but its context is left alone: it is the handle
// Disconnect uses to cancel this backoff.
func (c *Client) reconnect(ctx context.Context, userID string) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
		if c.isClosed() {
			return
		}
		if err := c.Connect(context.Background(), userID); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}
		return
	}
}

func (c *Client) writeFrame(v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn("channel not connected, frame dropped")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Warn("realtime send failed", zap.Error(err))
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// teardownLocked closes the current connection and stops its loop.
// Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) setStateLocked(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:    bus.KindChannelState,
			Payload: StateChange{From: from, To: to},
		})
	}
}
