package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscription_Matches(t *testing.T) {
	settled := &Event{
		Type:      EventSettlement,
		Reference: "order-1",
		Addresses: []string{"0xother", "0xabc0000000000000000000000000000000000001"},
	}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, true},
		{"empty filters", Subscription{}, true},
		{"type listed", Subscription{EventTypes: []EventType{EventSettlement}}, true},
		{"type not listed", Subscription{EventTypes: []EventType{EventIntentExpired}}, false},
		{"reference listed", Subscription{References: []string{"order-1"}}, true},
		{"reference not listed", Subscription{References: []string{"order-2"}}, false},
		{"address case-insensitive", Subscription{Addresses: []string{"0xAbC0000000000000000000000000000000000001"}}, true},
		{"address not involved", Subscription{Addresses: []string{"0xnobody"}}, false},
		{"all filters must pass", Subscription{
			EventTypes: []EventType{EventSettlement},
			References: []string{"order-2"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(settled))
		})
	}
}

func TestSubscription_AddressFilterNeedsAddresses(t *testing.T) {
	sub := Subscription{Addresses: []string{"0xabc"}}
	assert.False(t, sub.Matches(&Event{Type: EventSettlement}))
}

func startHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(quietLogger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, h *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	before := h.Stats().ConnectedClients
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients > before
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msg, &got))
	return got
}

func TestHub_DeliversToSubscriber(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, h, srv)

	require.NoError(t, h.Publish(context.Background(), &Event{
		Type:      EventSettlement,
		Reference: "order-7",
		Data:      map[string]any{"total": "5000000"},
	}))

	got := readEvent(t, conn)
	assert.Equal(t, "settlement", got["type"])
	assert.Equal(t, "order-7", got["referenceId"])
	assert.NotContains(t, got, "Addresses")

	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.EqualValues(t, 1, stats.TotalEvents)
	assert.EqualValues(t, 1, stats.PeakClients)
}

func TestHub_SubscriptionUpdateFilters(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, h, srv)

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []EventType{EventIntentExpired}}))
	// The update races the next publish; poll until the filter is in place.
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for s := range h.subscribers {
			if !s.wants(&Event{Type: EventSettlement}) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, &Event{Type: EventSettlement, Reference: "skipped"}))
	require.NoError(t, h.Publish(ctx, &Event{Type: EventIntentExpired, Reference: "order-9"}))

	got := readEvent(t, conn)
	assert.Equal(t, "intent_expired", got["type"])
	assert.Equal(t, "order-9", got["referenceId"])
}

func TestHub_PublishStampsTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h, srv := startHub(t, WithClock(clock))
	conn := dial(t, h, srv)

	e := &Event{Type: EventSettlement}
	require.NoError(t, h.Publish(context.Background(), e))
	assert.Equal(t, clock.Now(), e.Timestamp)

	got := readEvent(t, conn)
	assert.Equal(t, "2026-03-01T12:00:00Z", got["timestamp"])
}

func TestHub_DisconnectUpdatesStats(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, h, srv)
	dial(t, h, srv)
	assert.EqualValues(t, 2, h.Stats().PeakClients)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients == 1
	}, time.Second, 5*time.Millisecond)

	stats := h.Stats()
	assert.EqualValues(t, 2, stats.PeakClients)
	assert.EqualValues(t, 2, stats.TotalClients)
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	h, srv := startHub(t, WithMaxClients(1))
	dial(t, h, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h, srv := startHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, _, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	assert.Zero(t, h.Stats().ConnectedClients)
}

func TestHub_PublishAfterStop(t *testing.T) {
	h := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	require.NoError(t, h.Publish(ctx, &Event{Type: EventSettlement}))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	assert.ErrorIs(t, h.Publish(context.Background(), &Event{Type: EventSettlement}), ErrStopped)

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_FullQueueDropsWithoutError(t *testing.T) {
	// Not running, so nothing drains the queue.
	h := NewHub(quietLogger())
	for range queueSize {
		require.NoError(t, h.Publish(context.Background(), &Event{Type: EventSettlement}))
	}
	require.NoError(t, h.Publish(context.Background(), &Event{Type: EventSettlement}))
	assert.EqualValues(t, 1, h.Stats().DroppedEvents)
}
