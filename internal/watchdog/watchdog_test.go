package watchdog

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/metrics"
)

var errDial = errors.New("dial tcp: connection refused")

func TestWatchdog_HaltsAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New("rpc-test", time.Minute, clock)

	var haltedWith error
	calls := 0
	w.OnHalt(func(err error) {
		calls++
		haltedWith = err
	})

	assert.False(t, w.RecordFailure(errDial))
	assert.Equal(t, StateDegraded, w.State())

	clock.Advance(59 * time.Second)
	assert.False(t, w.RecordFailure(errDial))

	clock.Advance(time.Second)
	assert.True(t, w.RecordFailure(errDial))
	assert.True(t, w.Halted())
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, haltedWith, errDial)

	// further failures do not re-fire
	w.RecordFailure(errDial)
	assert.Equal(t, 1, calls)

	snap := w.Snapshot()
	assert.Equal(t, 4, snap.Failures)
	assert.False(t, snap.FailingSince.IsZero())
}

func TestWatchdog_SuccessClearsDegraded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New("rpc-test", time.Minute, clock)

	w.RecordFailure(errDial)
	clock.Advance(50 * time.Second)
	w.RecordSuccess()
	assert.Equal(t, StateHealthy, w.State())

	// the streak restarts
	w.RecordFailure(errDial)
	clock.Advance(50 * time.Second)
	assert.False(t, w.RecordFailure(errDial))
}

func TestWatchdog_HaltIsSticky(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New("rpc-test", time.Second, clock)
	w.RecordFailure(errDial)
	clock.Advance(time.Second)
	require.True(t, w.RecordFailure(errDial))

	w.RecordSuccess()
	assert.True(t, w.Halted())

	w.Reset()
	assert.Equal(t, StateHealthy, w.State())
	assert.Zero(t, w.Snapshot().Failures)
}

func TestWatchdog_RecordsTransitions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New("rpc-metrics", time.Second, clock)
	w.RecordFailure(errDial)
	clock.Advance(time.Second)
	w.RecordFailure(errDial)

	m := &dto.Metric{}
	c, err := metrics.WatchdogTransitions.GetMetricWithLabelValues("rpc-metrics", "degraded", "halted")
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "halted", StateHalted.String())
	assert.Equal(t, "unknown", State(9).String())
}
