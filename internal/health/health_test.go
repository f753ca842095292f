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

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAll_OrderAndAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", Static("memory"))
	r.Register("ledger", func(context.Context) (string, error) {
		return "", errors.New("connection refused")
	})
	r.Register("hub", func(context.Context) (string, error) { return "3 clients", nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)

	assert.Equal(t, Status{Name: "storage", Healthy: true, Detail: "memory"}, withoutLatency(statuses[0]))
	assert.Equal(t, Status{Name: "ledger", Healthy: false, Detail: "connection refused"}, withoutLatency(statuses[1]))
	assert.Equal(t, Status{Name: "hub", Healthy: true, Detail: "3 clients"}, withoutLatency(statuses[2]))
}

func withoutLatency(s Status) Status {
	s.LatencyMS = 0
	return s
}

func TestCheckAll_TimeoutMarksUnhealthy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("stuck", func(context.Context) (string, error) {
		<-release
		return "", nil
	})
	r.Register("fine", Static("ok"))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, healthy)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		r.Register(name, func(context.Context) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "", nil
		})
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Less(t, time.Since(start), 140*time.Millisecond)
}

func TestCheckAll_RecoversPanics(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", func(context.Context) (string, error) { panic("nil map") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "nil map")
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Static(""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}
