package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parleyhq/parley/pkg/logger"
)

// Frame ops on the client<->relay websocket.
const (
	OpSignal      = "signal"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPurge       = "purge"
)

// Frame is one JSON message on the relay websocket.
type Frame struct {
	Op        string  `json:"op"`
	ChannelID string  `json:"channelId,omitempty"`
	Signal    *Signal `json:"signal,omitempty"`
}

// Client is the websocket-backed Transport. It maintains one connection to
// the parley-signald relay, resubscribes its channels after a reconnect, and
// fans inbound signals out to local subscribers.
type Client struct {
	relayURL string
	selfID   string

	conn  *websocket.Conn
	mutex sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	outboundChan chan Frame

	subMutex sync.RWMutex
	nextSub  uint64
	subs     map[string]map[uint64]Handler // channelID -> sub id -> handler

	logger *logger.Logger

	reconnecting   bool
	reconnectMutex sync.Mutex
}

// NewClient creates a relay transport client for selfID. Connect must be
// called before Publish.
func NewClient(relayURL, selfID string, log *logger.Logger) *Client {
	return &Client{
		relayURL:     relayURL,
		selfID:       selfID,
		subs:         make(map[string]map[uint64]Handler),
		outboundChan: make(chan Frame, 100), // Buffered channel for non-blocking sends
		logger:       log,
	}
}

// Connect establishes the websocket connection to the relay. If the initial
// attempt fails, a retry loop keeps running in the background; the client is
// usable (Publish fails fast) in the meantime.
func (c *Client) Connect(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.processOutboundFrames()

	if err := c.connectOnce(); err != nil {
		c.logger.Printf("[Signal] Connection failed: %v", err)
		c.logger.Printf("[Signal] Will retry in background...")
		go c.reconnect()
	}
}

func (c *Client) connectOnce() error {
	relayURL := c.relayURL
	if after, ok := strings.CutPrefix(relayURL, "http://"); ok {
		relayURL = "ws://" + after
	} else if after, ok := strings.CutPrefix(relayURL, "https://"); ok {
		relayURL = "wss://" + after
	}

	wsURL := fmt.Sprintf("%s/ws?peer=%s", relayURL, c.selfID)
	c.logger.Printf("[Signal] Connecting to %s", wsURL)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	c.mutex.Lock()
	c.conn = conn
	c.mutex.Unlock()

	c.logger.Printf("[Signal] Connected to relay")

	// Re-announce every channel this client is listening on. After a
	// reconnect the relay has forgotten us.
	c.subMutex.RLock()
	channels := make([]string, 0, len(c.subs))
	for channelID := range c.subs {
		channels = append(channels, channelID)
	}
	c.subMutex.RUnlock()

	for _, channelID := range channels {
		if err := c.writeFrame(Frame{Op: OpSubscribe, ChannelID: channelID}); err != nil {
			c.logger.Printf("[Signal] Resubscribe %s failed: %v", channelID, err)
		}
	}

	go c.readFrames()
	go c.keepalive()

	return nil
}

// readFrames reads inbound frames until the connection drops.
func (c *Client) readFrames() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mutex.RLock()
		conn := c.conn
		c.mutex.RUnlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Printf("[Signal] Read error: %v", err)
			go c.reconnect()
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Printf("[Signal] Failed to unmarshal frame: %v", err)
			continue
		}
		if frame.Op != OpSignal || frame.Signal == nil {
			continue
		}

		sig := *frame.Signal
		// The relay already filters by sender and target, but a room channel
		// may still fan out more than we asked for; filter again locally.
		if !sig.AddressedTo(c.selfID) {
			continue
		}

		c.subMutex.RLock()
		handlers := make([]Handler, 0, len(c.subs[sig.ChannelID]))
		for _, fn := range c.subs[sig.ChannelID] {
			handlers = append(handlers, fn)
		}
		c.subMutex.RUnlock()

		for _, fn := range handlers {
			fn(sig)
		}
	}
}

// Publish implements Transport. The frame is queued for the outbound writer;
// it fails fast when the relay connection is down or the queue is full.
func (c *Client) Publish(ctx context.Context, sig Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mutex.RLock()
	connected := c.conn != nil
	c.mutex.RUnlock()
	if !connected {
		return fmt.Errorf("not connected to signaling relay")
	}

	sig.SenderID = c.selfID
	select {
	case c.outboundChan <- Frame{Op: OpSignal, ChannelID: sig.ChannelID, Signal: &sig}:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// Subscribe implements Transport. selfID must match the ID the client was
// built with; the relay only delivers frames addressed to this connection.
func (c *Client) Subscribe(channelID, selfID string, fn Handler) func() {
	if selfID != c.selfID {
		c.logger.Warn("[Signal] Subscribe self ID %q differs from connection ID %q", selfID, c.selfID)
	}

	c.subMutex.Lock()
	c.nextSub++
	id := c.nextSub
	first := c.subs[channelID] == nil
	if first {
		c.subs[channelID] = make(map[uint64]Handler)
	}
	c.subs[channelID][id] = fn
	c.subMutex.Unlock()

	if first {
		if err := c.writeFrame(Frame{Op: OpSubscribe, ChannelID: channelID}); err != nil {
			c.logger.Printf("[Signal] Subscribe %s failed (will retry on reconnect): %v", channelID, err)
		}
	}

	return func() {
		c.subMutex.Lock()
		delete(c.subs[channelID], id)
		last := len(c.subs[channelID]) == 0
		if last {
			delete(c.subs, channelID)
		}
		c.subMutex.Unlock()

		if last {
			if err := c.writeFrame(Frame{Op: OpUnsubscribe, ChannelID: channelID}); err != nil {
				c.logger.Printf("[Signal] Unsubscribe %s failed: %v", channelID, err)
			}
		}
	}
}

// Purge implements Transport. Best-effort: the relay may refuse and the
// caller proceeds regardless.
func (c *Client) Purge(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeFrame(Frame{Op: OpPurge, ChannelID: channelID})
}

func (c *Client) writeFrame(frame Frame) error {
	c.mutex.RLock()
	conn := c.conn
	c.mutex.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected to signaling relay")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected to signaling relay")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}

	return nil
}

// processOutboundFrames drains the outbound channel onto the connection.
// Frames queued while the connection is down are dropped with a log line;
// the negotiation layer reissues what matters on its own retry path.
func (c *Client) processOutboundFrames() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outboundChan:
			c.mutex.RLock()
			connected := c.conn != nil
			c.mutex.RUnlock()

			if !connected {
				c.logger.Printf("[Signal] Skipping outbound frame (disconnected): %s", frame.Op)
				continue
			}

			if err := c.writeFrame(frame); err != nil {
				c.logger.Printf("[Signal] Failed to send outbound frame %s: %v", frame.Op, err)
			}
		}
	}
}

// keepalive sends periodic ping messages
func (c *Client) keepalive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mutex.Lock()
			if c.conn != nil {
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Printf("[Signal] Ping failed: %v", err)
				}
			}
			c.mutex.Unlock()
		}
	}
}

// reconnect attempts to reconnect to the relay with exponential backoff.
func (c *Client) reconnect() {
	c.reconnectMutex.Lock()
	if c.reconnecting {
		c.reconnectMutex.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMutex.Unlock()

	defer func() {
		c.reconnectMutex.Lock()
		c.reconnecting = false
		c.reconnectMutex.Unlock()
	}()

	c.mutex.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mutex.Unlock()

	c.logger.Printf("[Signal] Attempting to reconnect...")

	backoff := 1 * time.Second
	maxBackoff := 60 * time.Second
	attempt := 1

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Println("[Signal] Reconnection stopped - context cancelled")
			return
		default:
		}

		c.logger.Printf("[Signal] Reconnection attempt #%d...", attempt)

		if err := c.connectOnce(); err != nil {
			c.logger.Printf("[Signal] Reconnect failed: %v (retrying in %v)", err, backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			attempt++
			continue
		}

		c.logger.Printf("[Signal] Reconnected successfully on attempt #%d", attempt)
		return
	}
}

// IsConnected returns true if the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.conn != nil
}

// Close closes the relay connection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Printf("[Signal] Connection closed")
}

var _ Transport = (*Client)(nil)
