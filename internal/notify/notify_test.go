package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/circuitbreaker"
	"github.com/mbd888/splitpay/internal/realtime"
	"github.com/mbd888/splitpay/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sample(id string) Notification {
	return Notification{
		SettlementID: id,
		ReferenceID:  "order-1",
		Payer:        "0x00000000000000000000000000000000000000aa",
		Total:        "100.000000",
		Amounts: map[string]string{
			"provider":    "85.000000",
			"beneficiary": "10.000000",
		},
		Recipients: map[string]string{
			"provider":    "0x0000000000000000000000000000000000000001",
			"beneficiary": "0x0000000000000000000000000000000000000002",
		},
		TxHash:   "0xabc",
		LogIndex: 3,
	}
}

// recordingSink fails the first failN sends with err.
type recordingSink struct {
	mu    sync.Mutex
	failN int
	err   error
	sent  []Notification
	calls int
}

func (r *recordingSink) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failN {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func TestMemoryOutbox_EnqueueIdempotentPerSettlement(t *testing.T) {
	ctx := context.Background()
	ob := NewMemoryOutbox()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), now))
	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), now.Add(time.Minute)))

	n, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := ob.BySettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, now, msg.CreatedAt)
}

func TestMemoryOutbox_DueRespectsNextAttempt(t *testing.T) {
	ctx := context.Background()
	ob := NewMemoryOutbox()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), now))
	require.NoError(t, ob.Enqueue(ctx, sample("stl_2"), now.Add(time.Second)))

	due, err := ob.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "stl_1", due[0].Payload.SettlementID)

	require.NoError(t, ob.MarkFailed(ctx, due[0].ID, "boom", now.Add(time.Hour), false))

	due, err = ob.Due(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "stl_2", due[0].Payload.SettlementID)

	assert.ErrorIs(t, ob.MarkDelivered(ctx, "nt_missing", now), ErrNotFound)
}

func TestWorker_DeliversAndMarks(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	ob := NewMemoryOutbox()
	sink := &recordingSink{}
	w := NewWorker(ob, sink, WorkerConfig{}, clock, testLogger())

	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), clock.Now()))

	delivered, err := w.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "stl_1", sink.sent[0].SettlementID)

	msg, err := ob.BySettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	require.NotNil(t, msg.DeliveredAt)

	// Nothing left to deliver.
	delivered, err = w.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	ob := NewMemoryOutbox()
	sink := &recordingSink{failN: 2, err: errors.New("connection refused")}
	cfg := WorkerConfig{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}
	w := NewWorker(ob, sink, cfg, clock, testLogger())

	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), clock.Now()))

	delivered, err := w.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)

	msg, err := ob.BySettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "connection refused", msg.LastError)
	assert.True(t, msg.NextAttemptAt.After(clock.Now()))

	// Not due yet.
	delivered, err = w.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 1, sink.calls)

	clock.Advance(time.Minute)
	_, err = w.DeliverDue(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	delivered, err = w.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 3, sink.calls)

	msg, err = ob.BySettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, msg.Status)
	assert.Equal(t, 3, msg.Attempts)
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	ob := NewMemoryOutbox()
	sink := &recordingSink{failN: 100, err: errors.New("503")}
	cfg := WorkerConfig{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 3}
	w := NewWorker(ob, sink, cfg, clock, testLogger())

	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), clock.Now()))

	for i := 0; i < 5; i++ {
		_, err := w.DeliverDue(ctx)
		require.NoError(t, err)
		clock.Advance(2 * time.Second)
	}

	msg, err := ob.BySettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, msg.Status)
	assert.Equal(t, 3, msg.Attempts)
	assert.Equal(t, 3, sink.calls)
}

func TestWorker_PermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	ob := NewMemoryOutbox()
	sink := &recordingSink{failN: 1, err: retry.Permanent(errors.New("status 400"))}
	w := NewWorker(ob, sink, WorkerConfig{}, clock, testLogger())

	require.NoError(t, ob.Enqueue(ctx, sample("stl_1"), clock.Now()))
	_, err := w.DeliverDue(ctx)
	require.NoError(t, err)

	msg, err := ob.BySettlement(ctx, "stl_1")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
}

func TestWorker_StartStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ob := NewMemoryOutbox()
	sink := &recordingSink{}
	w := NewWorker(ob, sink, WorkerConfig{Interval: time.Second}, clock, testLogger())

	require.NoError(t, ob.Enqueue(context.Background(), sample("stl_1"), clock.Now()))

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.sent) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, w.Running())

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.Running())
}

func TestWebhookSink_SignsAndSetsHeaders(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret")
	require.NoError(t, sink.Send(context.Background(), sample("stl_1")))

	assert.Equal(t, EventSettlementRecorded, gotHeader.Get(HeaderEvent))
	assert.Equal(t, "stl_1", gotHeader.Get(HeaderIdempotencyKey))
	ts := gotHeader.Get(HeaderTimestamp)
	require.NotEmpty(t, ts)
	assert.True(t, Verify("s3cret", ts, gotBody, gotHeader.Get(HeaderSignature)))
	assert.False(t, Verify("other", ts, gotBody, gotHeader.Get(HeaderSignature)))
	assert.Contains(t, string(gotBody), `"settlementId":"stl_1"`)
}

func TestWebhookSink_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusNotFound, true, true},
		{http.StatusRequestTimeout, true, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookSink(srv.URL, "").Send(context.Background(), sample("stl_1"))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var perm *retry.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}

func TestWebhookSink_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhookSink(url, "").Send(context.Background(), sample("stl_1"))
	require.Error(t, err)
	var perm *retry.PermanentError
	assert.False(t, errors.As(err, &perm))
}

func TestWebhookSink_BreakerSkipsFailingEndpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		hits   int
		status = http.StatusServiceUnavailable
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		w.WriteHeader(status)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	breaker := circuitbreaker.New(2, time.Minute, clock)
	sink := NewWebhookSink(srv.URL, "", WithBreaker(breaker))
	ctx := context.Background()

	require.Error(t, sink.Send(ctx, sample("stl_1")))
	require.Error(t, sink.Send(ctx, sample("stl_1")))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(srv.URL))

	err := sink.Send(ctx, sample("stl_1"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, retry.IsPermanent(err), "open circuit is retried later")
	mu.Lock()
	assert.Equal(t, 2, hits, "endpoint not contacted while open")
	status = http.StatusOK
	mu.Unlock()

	clock.Advance(time.Minute)
	require.NoError(t, sink.Send(ctx, sample("stl_1")))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(srv.URL))
}

func TestWebhookSink_RejectedPayloadDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(1, time.Minute, clockwork.NewFakeClock())
	sink := NewWebhookSink(srv.URL, "", WithBreaker(breaker))

	for range 3 {
		err := sink.Send(context.Background(), sample("stl_1"))
		assert.True(t, retry.IsPermanent(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(srv.URL))
}

type fakePublisher struct {
	events []*realtime.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e *realtime.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func TestStreamSink_PublishesSettlementEvent(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, NewStreamSink(pub).Send(context.Background(), sample("stl_1")))

	require.Len(t, pub.events, 1)
	e := pub.events[0]
	assert.Equal(t, realtime.EventSettlement, e.Type)
	assert.Equal(t, "order-1", e.Reference)
	assert.Contains(t, e.Addresses, "0x00000000000000000000000000000000000000aa")
	assert.Contains(t, e.Addresses, "0x0000000000000000000000000000000000000002")
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	failing := SinkFunc(func(context.Context, Notification) error {
		return retry.Permanent(errors.New("gone"))
	})

	err := MultiSink{ok, failing}.Send(context.Background(), sample("stl_1"))
	require.Error(t, err)
	assert.Len(t, ok.sent, 1)
	var perm *retry.PermanentError
	assert.True(t, errors.As(err, &perm))
}
