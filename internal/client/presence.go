package client

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockparty/internal/config"
	"blockparty/internal/protocol"
)

// Tracker joins a world's presence channel under the session identity and
// mirrors the hub's full-state online set. Presence is ephemeral: nothing
// here is persisted, and a dropped connection simply means this identity
// falls out of everyone else's set until the tracker reconnects.
type Tracker struct {
	url       string
	identity  string
	reconnect config.Reconnect
	events    *Events
	logger    *log.Logger

	mu      sync.Mutex
	worldID string
	online  []string
	stop    chan struct{}
	done    chan struct{}
	conn    *websocket.Conn
}

func NewTracker(url, identity string, reconnect config.Reconnect, events *Events, logger *log.Logger) *Tracker {
	return &Tracker{
		url:       url,
		identity:  identity,
		reconnect: reconnect,
		events:    events,
		logger:    logger,
	}
}

func (t *Tracker) Identity() string { return t.identity }

// Join subscribes to a world's presence channel, leaving any previous one.
func (t *Tracker) Join(worldID string) {
	t.Leave()
	t.mu.Lock()
	t.worldID = worldID
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()
	go t.run(worldID, stop, done)
}

func (t *Tracker) Leave() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.worldID = ""
	t.online = nil
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Online returns the last synced online set, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.online))
	copy(out, t.online)
	return out
}

func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

func (t *Tracker) run(worldID string, stop, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		connected, err := t.connectAndReadLoop(worldID, stop)
		select {
		case <-stop:
			return
		default:
		}
		if err == nil {
			return
		}
		if connected {
			attempt = 0
		}

		t.mu.Lock()
		t.online = nil
		t.mu.Unlock()

		attempt++
		if attempt >= t.reconnect.MaxAttempts {
			t.logger.Printf("presence: giving up after %d attempts: %v", attempt, err)
			return
		}
		delay := backoffDelay(t.reconnect.BackoffBase, t.reconnect.BackoffCap, attempt-1)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

func (t *Tracker) connectAndReadLoop(worldID string, stop chan struct{}) (bool, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(t.url, http.Header{})
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	sub := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Channel:         protocol.ChannelPresence,
		WorldID:         worldID,
		Identity:        t.identity,
		OnlineAt:        time.Now().UTC().Format(time.RFC3339),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return false, err
	}

	// The subscription only counts once the hub acks it; a policy close
	// here must not reset the backoff schedule.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	if base, err := protocol.DecodeBase(raw); err != nil || base.Type != protocol.TypeSubscribed {
		_ = conn.Close()
		return false, errUnexpectedHandshake
	}
	_ = conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	for {
		select {
		case <-stop:
			_ = conn.Close()
			return true, nil
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return true, err
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil || base.Type != protocol.TypePresenceSync {
			continue
		}
		var sync protocol.PresenceSyncMsg
		if err := json.Unmarshal(raw, &sync); err != nil || sync.WorldID != worldID {
			continue
		}
		online := append([]string(nil), sync.Online...)
		sort.Strings(online)
		t.mu.Lock()
		t.online = online
		t.mu.Unlock()
		t.events.emit(Event{Kind: EventPresence, WorldID: worldID, Detail: strings.Join(online, ", "), At: time.Now()})
	}
}
