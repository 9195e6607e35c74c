package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	id       string
	result   bool
	mu       sync.Mutex
	calls    int
	deadline bool
}

func (c *countingTarget) UniqueID() string { return c.id }

func (c *countingTarget) Refresh(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	_, c.deadline = ctx.Deadline()
	return c.result
}

func (c *countingTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestTickRefreshesEveryTarget(t *testing.T) {
	ok := &countingTarget{id: "vacuum.ok", result: true}
	bad := &countingTarget{id: "vacuum.bad"}

	var seen []string
	p := New(time.Minute, time.Second, func() []Target { return []Target{ok, bad} },
		OnRefresh(func(target Target, refreshed bool) {
			if refreshed {
				seen = append(seen, target.UniqueID())
			}
		}))

	before := testutil.ToFloat64(refreshFailure.WithLabelValues("vacuum.bad"))
	p.Tick(context.Background())

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
	assert.True(t, ok.deadline, "per-call timeout applied")
	assert.Equal(t, []string{"vacuum.ok"}, seen)
	assert.Equal(t, before+1, testutil.ToFloat64(refreshFailure.WithLabelValues("vacuum.bad")))
}

func TestRunStopsOnCancel(t *testing.T) {
	target := &countingTarget{id: "vacuum.loop", result: true}
	p := New(5*time.Millisecond, 0, func() []Target { return []Target{target} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return target.count() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	stopped := target.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, target.count())
}

func TestRunWithoutIntervalReturns(t *testing.T) {
	target := &countingTarget{id: "vacuum.none"}
	p := New(0, 0, func() []Target { return []Target{target} })
	require.NoError(t, p.Run(context.Background()))
	assert.Zero(t, target.count())
}
