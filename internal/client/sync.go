package client

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockparty/internal/canvas"
	"blockparty/internal/config"
	"blockparty/internal/protocol"
)

// SyncState is the realtime connection's externally visible state.
type SyncState string

const (
	SyncDisconnected SyncState = "DISCONNECTED"
	SyncConnecting   SyncState = "CONNECTING"
	SyncConnected    SyncState = "CONNECTED"
)

// RealtimeSync keeps one change-feed subscription alive for the attached
// world and merges its events into the local grid. Drops reconnect with
// exponential backoff; a successful connect resets the attempt counter.
type RealtimeSync struct {
	url       string
	reconnect config.Reconnect
	store     *canvas.Store
	events    *Events
	logger    *log.Logger

	// onConnected fires after the SUBSCRIBED ack on every (re)connect;
	// the manager hangs reconciliation off it.
	onConnected   func(worldID string)
	onWorldUpdate func(protocol.WorldUpdateMsg)

	mu      sync.Mutex
	worldID string
	state   SyncState
	stop    chan struct{}
	done    chan struct{}
	conn    *websocket.Conn
}

func NewRealtimeSync(url string, reconnect config.Reconnect, store *canvas.Store, events *Events, logger *log.Logger) *RealtimeSync {
	return &RealtimeSync{
		url:       url,
		reconnect: reconnect,
		store:     store,
		events:    events,
		logger:    logger,
		state:     SyncDisconnected,
	}
}

func (s *RealtimeSync) OnConnected(fn func(worldID string)) { s.onConnected = fn }

func (s *RealtimeSync) OnWorldUpdate(fn func(protocol.WorldUpdateMsg)) { s.onWorldUpdate = fn }

func (s *RealtimeSync) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach subscribes to a world's feed. An existing attachment is torn
// down first; events for any other world id are discarded on arrival.
func (s *RealtimeSync) Attach(worldID string) {
	s.Detach()
	s.mu.Lock()
	s.worldID = worldID
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()
	go s.run(worldID, stop, done)
}

func (s *RealtimeSync) Detach() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.worldID = ""
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// backoffDelay is the schedule for reconnect attempt n (0-based):
// base*2^n, capped at ceil.
func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}

func (s *RealtimeSync) run(worldID string, stop, done chan struct{}) {
	defer close(done)
	defer s.setState(SyncDisconnected, worldID)

	attempt := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.setState(SyncConnecting, worldID)
		connected, err := s.connectAndReadLoop(worldID, stop)
		select {
		case <-stop:
			return
		default:
		}
		if err == nil {
			// The hub closed us deliberately.
			return
		}
		if connected {
			// The schedule restarts from base after any successful connect.
			attempt = 0
		}

		s.setState(SyncDisconnected, worldID)
		attempt++
		if attempt >= s.reconnect.MaxAttempts {
			s.logger.Printf("sync: giving up after %d attempts: %v", attempt, err)
			return
		}
		delay := backoffDelay(s.reconnect.BackoffBase, s.reconnect.BackoffCap, attempt-1)
		s.logger.Printf("sync: connection lost (%v), retry %d in %s", err, attempt, delay)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

// connectAndReadLoop reports whether the subscription was established
// before the error, so the caller can reset its backoff schedule.
func (s *RealtimeSync) connectAndReadLoop(worldID string, stop chan struct{}) (bool, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(s.url, http.Header{})
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	sub := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Channel:         protocol.ChannelBlocks,
		WorldID:         worldID,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return false, err
	}

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

	s.mu.Lock()
	s.conn = conn
	s.state = SyncConnected
	s.mu.Unlock()
	s.events.emit(Event{Kind: EventSyncState, WorldID: worldID, Detail: string(SyncConnected), At: time.Now()})
	if s.onConnected != nil {
		s.onConnected(worldID)
	}

	for {
		select {
		case <-stop:
			_ = conn.Close()
			return true, nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return true, err
		}
		s.dispatch(worldID, msg)
	}
}

func (s *RealtimeSync) dispatch(worldID string, raw []byte) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeBlockInsert:
		var ins protocol.BlockInsertMsg
		if err := json.Unmarshal(raw, &ins); err != nil {
			return
		}
		// Events from a previous world can still be in flight around a
		// reset; they must not land on the new grid.
		if ins.WorldID != worldID {
			return
		}
		bt, err := canvas.ParseBlockType(ins.BlockType)
		if err != nil {
			return
		}
		if s.store.MergeRemote(ins.X, ins.Y, bt, ins.PlacedBy, time.UnixMilli(ins.PlacedAtUnixMs)) {
			s.events.emit(Event{
				Kind:    EventBlockMerged,
				WorldID: worldID,
				Detail:  canvas.Cell{X: ins.X, Y: ins.Y}.String(),
				At:      time.Now(),
			})
		}
	case protocol.TypeWorldUpdate:
		var upd protocol.WorldUpdateMsg
		if err := json.Unmarshal(raw, &upd); err != nil || upd.WorldID != worldID {
			return
		}
		if s.onWorldUpdate != nil {
			s.onWorldUpdate(upd)
		}
	}
}

func (s *RealtimeSync) setState(state SyncState, worldID string) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.events.emit(Event{Kind: EventSyncState, WorldID: worldID, Detail: string(state), At: time.Now()})
	}
}

var errUnexpectedHandshake = errHandshake{}

type errHandshake struct{}

func (errHandshake) Error() string { return "unexpected handshake reply" }
