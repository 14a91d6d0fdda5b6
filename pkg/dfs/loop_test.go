package dfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	var got []int
	l.Post(func() {
		got = append(got, 1)
		l.Post(func() { got = append(got, 3) })
	})
	l.Post(func() { got = append(got, 2) })

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 3, l.Drain())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, l.Len())
}

func TestLoopRun(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("posted event did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopTimerDeliversOnLoop(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	l := NewLoop()
	clk := l.Clock(fc)

	fired := 0
	clk.AfterFunc(time.Second, func() { fired++ })
	fc.Advance(time.Second)
	assert.Equal(t, 0, fired, "callback waits for the loop")
	l.Drain()
	assert.Equal(t, 1, fired)
}

func TestLoopTimerStopIsIdempotent(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	l := NewLoop()
	clk := l.Clock(fc)

	fired := 0
	tm := clk.AfterFunc(time.Second, func() { fired++ })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	assert.Equal(t, 0, fc.Pending())

	fc.Advance(time.Minute)
	l.Drain()
	assert.Equal(t, 0, fired)

	// Fired but still queued on the loop: Stop wins.
	tm = clk.AfterFunc(time.Second, func() { fired++ })
	fc.Advance(time.Second)
	require.Equal(t, 1, l.Len())
	assert.True(t, tm.Stop())
	l.Drain()
	assert.Equal(t, 0, fired)

	// Already delivered.
	tm = clk.AfterFunc(time.Second, func() { fired++ })
	fc.Advance(time.Second)
	l.Drain()
	assert.Equal(t, 1, fired)
	assert.False(t, tm.Stop())
}

func TestFakeClockOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFakeClock(start)

	var order []string
	fc.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	fc.AfterFunc(time.Second, func() {
		order = append(order, "a")
		fc.AfterFunc(500*time.Millisecond, func() { order = append(order, "a2") })
	})
	fc.AfterFunc(2*time.Second, func() { order = append(order, "c") })
	assert.Equal(t, 3, fc.Pending())

	fc.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "a2", "b", "c"}, order)
	assert.Equal(t, start.Add(3*time.Second), fc.Now())
	assert.Equal(t, 0, fc.Pending())
}
