// Package ws is the hub's realtime surface: per-world change-feed fan-out
// and presence channels over websocket. Writes never travel this path.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockparty/internal/protocol"
)

const (
	subscribeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	outQueueSize     = 64
)

// subscriber's out channel is never closed; teardown is signalled through
// done so a broadcaster holding a stale snapshot of the subscriber set can
// still call trySend safely.
type subscriber struct {
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks feed and presence subscriptions keyed by world id and fans
// committed events out to them. Slow subscribers are dropped rather than
// allowed to stall the hub.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	feeds    map[string]map[*subscriber]bool
	presence map[string]map[*subscriber]string
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		feeds:    make(map[string]map[*subscriber]bool),
		presence: make(map[string]map[*subscriber]string),
	}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, msg := h.handshake(conn)
		if sub == nil {
			return
		}

		// Writer goroutine: drains the fan-out queue until teardown.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				case <-sub.done:
					return
				}
			}
		}()

		// Reader loop: feed and presence channels are server-push only, so
		// inbound traffic just keeps the connection's liveness visible.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		h.unsubscribe(msg, sub)
		sub.close()
		<-writerDone
	}
}

// handshake expects a single SUBSCRIBE frame and registers the connection.
func (h *Hub) handshake(conn *websocket.Conn) (*subscriber, protocol.SubscribeMsg) {
	var none protocol.SubscribeMsg

	_ = conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, none
	}
	_ = conn.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeSubscribe {
		h.closePolicy(conn, "expected SUBSCRIBE")
		return nil, none
	}
	var msg protocol.SubscribeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, none
	}
	if msg.ProtocolVersion != protocol.Version {
		h.closePolicy(conn, "bad protocol_version")
		return nil, none
	}
	if msg.WorldID == "" {
		h.closePolicy(conn, "missing world_id")
		return nil, none
	}

	sub := &subscriber{out: make(chan []byte, outQueueSize), done: make(chan struct{})}

	switch msg.Channel {
	case protocol.ChannelBlocks:
		h.mu.Lock()
		if h.feeds[msg.WorldID] == nil {
			h.feeds[msg.WorldID] = make(map[*subscriber]bool)
		}
		h.feeds[msg.WorldID][sub] = true
		h.mu.Unlock()

	case protocol.ChannelPresence:
		if msg.Identity == "" {
			h.closePolicy(conn, "presence requires identity")
			return nil, none
		}
		h.mu.Lock()
		if h.presence[msg.WorldID] == nil {
			h.presence[msg.WorldID] = make(map[*subscriber]string)
		}
		h.presence[msg.WorldID][sub] = msg.Identity
		h.mu.Unlock()

	default:
		h.closePolicy(conn, "unknown channel")
		return nil, none
	}

	h.logger.Printf("subscribed channel=%s world=%s identity=%q", msg.Channel, msg.WorldID, msg.Identity)

	ack := protocol.SubscribedMsg{
		Type:            protocol.TypeSubscribed,
		ProtocolVersion: protocol.Version,
		Channel:         msg.Channel,
		WorldID:         msg.WorldID,
	}
	if b, err := json.Marshal(ack); err == nil {
		sub.trySend(b)
	}

	if msg.Channel == protocol.ChannelPresence {
		// Joining changes the online set; every member (including the new
		// one) gets a fresh full-state sync.
		h.broadcastPresenceSync(msg.WorldID)
	}
	return sub, msg
}

func (h *Hub) unsubscribe(msg protocol.SubscribeMsg, sub *subscriber) {
	h.mu.Lock()
	switch msg.Channel {
	case protocol.ChannelBlocks:
		delete(h.feeds[msg.WorldID], sub)
		if len(h.feeds[msg.WorldID]) == 0 {
			delete(h.feeds, msg.WorldID)
		}
	case protocol.ChannelPresence:
		delete(h.presence[msg.WorldID], sub)
		if len(h.presence[msg.WorldID]) == 0 {
			delete(h.presence, msg.WorldID)
		}
	}
	h.mu.Unlock()

	h.logger.Printf("unsubscribed channel=%s world=%s identity=%q", msg.Channel, msg.WorldID, msg.Identity)

	if msg.Channel == protocol.ChannelPresence {
		h.broadcastPresenceSync(msg.WorldID)
	}
}

// BroadcastBlockInsert pushes one committed block to the world's feed.
func (h *Hub) BroadcastBlockInsert(msg protocol.BlockInsertMsg) {
	msg.Type = protocol.TypeBlockInsert
	msg.ProtocolVersion = protocol.Version
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcastFeed(msg.WorldID, b)
}

// BroadcastWorldUpdate pushes authoritative world counters/timing.
func (h *Hub) BroadcastWorldUpdate(msg protocol.WorldUpdateMsg) {
	msg.Type = protocol.TypeWorldUpdate
	msg.ProtocolVersion = protocol.Version
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcastFeed(msg.WorldID, b)
}

func (h *Hub) broadcastFeed(worldID string, b []byte) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.feeds[worldID]))
	for s := range h.feeds[worldID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.trySend(b)
	}
}

// Online returns the current distinct identities on a world's presence
// channel, sorted.
func (h *Hub) Online(worldID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked(worldID)
}

func (h *Hub) onlineLocked(worldID string) []string {
	seen := map[string]bool{}
	for _, id := range h.presence[worldID] {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) broadcastPresenceSync(worldID string) {
	h.mu.Lock()
	online := h.onlineLocked(worldID)
	subs := make([]*subscriber, 0, len(h.presence[worldID]))
	for s := range h.presence[worldID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	msg := protocol.PresenceSyncMsg{
		Type:            protocol.TypePresenceSync,
		ProtocolVersion: protocol.Version,
		WorldID:         worldID,
		Online:          online,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, s := range subs {
		s.trySend(b)
	}
}

func (s *subscriber) trySend(b []byte) {
	select {
	case s.out <- b:
	case <-s.done:
	default:
		// Drop for slow consumers; cells are write-once so a replayed full
		// load after reconnect repairs anything missed.
	}
}

func (h *Hub) closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}
