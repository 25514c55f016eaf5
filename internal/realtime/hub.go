// Package realtime streams settlement activity over WebSocket.
//
// Clients connect to /ws and may send a Subscription JSON message at any
// time to narrow what they receive: event types, recipient addresses, or
// business references.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/splitpay/internal/metrics"
)

// ErrStopped is returned by Publish once the hub has shut down.
var ErrStopped = errors.New("realtime: hub stopped")

const (
	// DefaultMaxClients caps concurrent WebSocket connections.
	DefaultMaxClients = 10000

	queueSize      = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// EventType names what happened.
type EventType string

const (
	EventSettlement    EventType = "settlement"
	EventIntentExpired EventType = "intent_expired"
)

// Event is one message pushed to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Reference string    `json:"referenceId,omitempty"`
	Data      any       `json:"data"`

	// Addresses involved, used for filtering only.
	Addresses []string `json:"-"`
}

// Subscription narrows the events a client receives. Every non-empty
// list must match for an event to pass, so the zero value passes
// everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Addresses  []string    `json:"addresses"`
	References []string    `json:"references"`
}

// Matches reports whether e passes the subscription's filters.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.References) > 0 && !slices.Contains(s.References, e.Reference) {
		return false
	}
	if len(s.Addresses) > 0 {
		return slices.ContainsFunc(s.Addresses, func(want string) bool {
			return slices.ContainsFunc(e.Addresses, func(got string) bool {
				return strings.EqualFold(want, got)
			})
		})
	}
	return true
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// subscriber is one WebSocket connection.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (s *subscriber) wants(e *Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub.Matches(e)
}

func (s *subscriber) setSubscription(sub Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithClock sets the clock used to stamp events published without a
// timestamp.
func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// Hub fans events out to WebSocket subscribers. All subscriber set
// mutations happen on the Run goroutine.
type Hub struct {
	logger     *slog.Logger
	clock      clockwork.Clock
	maxClients int
	upgrader   websocket.Upgrader

	events chan *Event
	joins  chan *subscriber
	leaves chan *subscriber
	done   chan struct{}

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	peak    atomic.Int64
	joined  atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:      logger,
		clock:       clockwork.NewRealClock(),
		maxClients:  DefaultMaxClients,
		events:      make(chan *Event, queueSize),
		joins:       make(chan *subscriber),
		leaves:      make(chan *subscriber),
		done:        make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run delivers events until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subscribers {
				h.drop(s)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case s := <-h.joins:
			h.mu.Lock()
			h.subscribers[s] = struct{}{}
			n := len(h.subscribers)
			h.joined.Add(1)
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "clients", n)

		case s := <-h.leaves:
			h.mu.Lock()
			h.drop(s)
			n := len(h.subscribers)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client disconnected", "clients", n)

		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

// drop removes s and closes its queue, which makes its writer send a
// close frame. Caller holds h.mu.
func (h *Hub) drop(s *subscriber) {
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.queue)
}

func (h *Hub) fanOut(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", e.Type, "error", err)
		return
	}
	h.sent.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		if !s.wants(e) {
			continue
		}
		select {
		case s.queue <- payload:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			h.drop(s)
		}
	}
}

// Publish queues an event for delivery. Subscribers are best-effort: a
// full queue drops the event without error. Only a stopped hub is an
// error.
func (h *Hub) Publish(_ context.Context, e *Event) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now().UTC()
	}
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", e.Type)
	}
	return nil
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subscribers)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peak.Load(),
		TotalClients:     h.joined.Load(),
		TotalEvents:      h.sent.Load(),
		DroppedEvents:    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the connection with
// a subscription to all events.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.subscribers) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{
		conn:  conn,
		queue: make(chan []byte, queueSize),
		sub:   Subscription{AllEvents: true},
	}
	select {
	case h.joins <- s:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writeLoop(s)
	go h.readLoop(s)
}

// readLoop applies subscription updates until the connection fails.
func (h *Hub) readLoop(s *subscriber) {
	defer func() {
		select {
		case h.leaves <- s:
		case <-h.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			h.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		s.setSubscription(sub)
	}
}

// writeLoop drains the queue and keeps the connection alive with pings.
func (h *Hub) writeLoop(s *subscriber) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
