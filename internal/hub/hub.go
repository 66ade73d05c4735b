package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer = 256

	// retainedTTL bounds how long undelivered signals sit in Redis waiting
	// for a peer to subscribe.
	retainedTTL = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The relay forwards opaque signals between authenticated hosts;
		// origin checks belong on the hosts.
		return true
	},
}

// Hub routes signal frames between connected peers. Each peer holds one
// websocket connection and subscribes to the channels it wants to hear.
// Signals are also appended to a retained log in Redis so a peer that
// subscribes late still receives what it missed; with no Redis the hub
// degrades to live fan-out only.
type Hub struct {
	rdb    *redis.Client
	logger *logger.Logger

	mu       sync.RWMutex
	peers    map[string]*client
	channels map[string]map[string]*client
}

type client struct {
	peerID string
	conn   *websocket.Conn
	send   chan []byte

	mu       sync.Mutex
	channels map[string]struct{}
}

// New creates a hub. rdb may be nil to run without a retained log.
func New(rdb *redis.Client, log *logger.Logger) *Hub {
	return &Hub{
		rdb:      rdb,
		logger:   log,
		peers:    make(map[string]*client),
		channels: make(map[string]map[string]*client),
	}
}

// ServeWS upgrades an HTTP request to a websocket peer connection. The peer
// identifies itself with the "peer" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "peer is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[Hub] Failed to upgrade connection: %v", err)
		return
	}

	c := &client{
		peerID:   peerID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
	}

	h.mu.Lock()
	if old, exists := h.peers[peerID]; exists {
		// A reconnecting peer replaces its stale connection.
		old.conn.Close()
	}
	h.peers[peerID] = c
	h.mu.Unlock()

	h.logger.Info("[Hub] Peer %s connected", peerID)

	go c.writePump()
	go h.readPump(c)
}

// ServePurge handles DELETE /channels/{id}/signals: it discards a channel's
// retained log without needing a websocket connection.
func (h *Hub) ServePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/channels/")
	channelID, ok := strings.CutSuffix(rest, "/signals")
	if !ok || channelID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	h.purge(channelID)
	w.WriteHeader(http.StatusNoContent)
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
		h.logger.Info("[Hub] Peer %s disconnected", c.peerID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("[Hub] Read error from %s: %v", c.peerID, err)
			}
			return
		}

		var frame signal.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("[Hub] Bad frame from %s: %v", c.peerID, err)
			continue
		}

		switch frame.Op {
		case signal.OpSubscribe:
			if frame.ChannelID != "" {
				h.subscribe(c, frame.ChannelID)
			}
		case signal.OpUnsubscribe:
			if frame.ChannelID != "" {
				h.unsubscribe(c, frame.ChannelID)
			}
		case signal.OpSignal:
			if frame.Signal != nil && frame.ChannelID != "" {
				h.route(c, frame.ChannelID, *frame.Signal)
			}
		case signal.OpPurge:
			if frame.ChannelID != "" {
				h.purge(frame.ChannelID)
			}
		default:
			h.logger.Warn("[Hub] Unknown op %q from %s", frame.Op, c.peerID)
		}
	}
}

func (h *Hub) subscribe(c *client, channelID string) {
	h.mu.Lock()
	if h.channels[channelID] == nil {
		h.channels[channelID] = make(map[string]*client)
	}
	h.channels[channelID][c.peerID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.channels[channelID] = struct{}{}
	c.mu.Unlock()

	h.replayRetained(c, channelID)
}

func (h *Hub) unsubscribe(c *client, channelID string) {
	h.mu.Lock()
	if members := h.channels[channelID]; members != nil {
		delete(members, c.peerID)
		if len(members) == 0 {
			delete(h.channels, channelID)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
}

// route stamps the inbound signal and delivers it: targeted signals go to
// one peer, everything else fans out to the channel minus the sender.
func (h *Hub) route(c *client, channelID string, sig signal.Signal) {
	sig.ChannelID = channelID
	sig.SenderID = c.peerID
	sig.ID = uuid.New().String()
	sig.CreatedAt = time.Now().UTC()

	h.retain(sig)

	data, err := json.Marshal(signal.Frame{Op: signal.OpSignal, ChannelID: channelID, Signal: &sig})
	if err != nil {
		h.logger.Error("[Hub] Failed to marshal signal: %v", err)
		return
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.channels[channelID]))
	for _, member := range h.channels[channelID] {
		members = append(members, member)
	}
	h.mu.RUnlock()

	for _, member := range members {
		if member.peerID == c.peerID {
			continue
		}
		if sig.TargetID != "" && sig.TargetID != member.peerID {
			continue
		}
		member.enqueue(data, h.logger)
	}
}

func (h *Hub) removeClient(c *client) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for channelID := range c.channels {
		channels = append(channels, channelID)
	}
	c.mu.Unlock()

	h.mu.Lock()
	for _, channelID := range channels {
		if members := h.channels[channelID]; members != nil {
			delete(members, c.peerID)
			if len(members) == 0 {
				delete(h.channels, channelID)
			}
		}
	}
	if h.peers[c.peerID] == c {
		delete(h.peers, c.peerID)
	}
	h.mu.Unlock()
}

func retainedKey(channelID string) string {
	return fmt.Sprintf("signals:%s", channelID)
}

// retain appends a signal to the channel's Redis log.
func (h *Hub) retain(sig signal.Signal) {
	if h.rdb == nil {
		return
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := retainedKey(sig.ChannelID)
	if err := h.rdb.RPush(ctx, key, data).Err(); err != nil {
		h.logger.Warn("[Hub] Retain failed for %s: %v", sig.ChannelID, err)
		return
	}
	h.rdb.Expire(ctx, key, retainedTTL)
}

// replayRetained sends a new subscriber the retained signals addressed to it.
func (h *Hub) replayRetained(c *client, channelID string) {
	if h.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entries, err := h.rdb.LRange(ctx, retainedKey(channelID), 0, -1).Result()
	if err != nil {
		if err != redis.Nil {
			h.logger.Warn("[Hub] Replay failed for %s: %v", channelID, err)
		}
		return
	}

	for _, entry := range entries {
		var sig signal.Signal
		if err := json.Unmarshal([]byte(entry), &sig); err != nil {
			continue
		}
		if !sig.AddressedTo(c.peerID) {
			continue
		}
		data, err := json.Marshal(signal.Frame{Op: signal.OpSignal, ChannelID: channelID, Signal: &sig})
		if err != nil {
			continue
		}
		c.enqueue(data, h.logger)
	}
}

// purge discards the channel's retained log.
func (h *Hub) purge(channelID string) {
	if h.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.rdb.Del(ctx, retainedKey(channelID)).Err(); err != nil {
		h.logger.Warn("[Hub] Purge failed for %s: %v", channelID, err)
	}
}

func (c *client) enqueue(data []byte, log *logger.Logger) {
	select {
	case c.send <- data:
	default:
		log.Warn("[Hub] Send buffer full for peer %s, dropping frame", c.peerID)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
