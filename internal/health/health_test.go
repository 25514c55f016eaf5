package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "empty registry should be healthy")
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("listener", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "halted"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "listener", statuses[1].Name, "name filled from registration")
	assert.Equal(t, "halted", statuses[1].Detail)
}

func TestRegistryRecordsLatency(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", Func("slow", func(context.Context) error {
		time.Sleep(15 * time.Millisecond)
		return nil
	}))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 1)
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(15))
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	r.Register("ledger", Func("ledger", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

type fakeHead struct {
	head uint64
	err  error
}

func (f fakeHead) BlockNumber(context.Context) (uint64, error) { return f.head, f.err }

func TestLedgerChecker(t *testing.T) {
	s := Ledger(fakeHead{head: 42})(context.Background())
	assert.True(t, s.Healthy)
	assert.Equal(t, "head 42", s.Detail)

	s = Ledger(fakeHead{err: errors.New("connection refused")})(context.Background())
	assert.False(t, s.Healthy)
	assert.Equal(t, "connection refused", s.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Func("checker", func(context.Context) error { return nil }))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
