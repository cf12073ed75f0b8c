package task

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLimiter_ClampsCeiling(t *testing.T) {
	l := NewLimiter(0)
	assert.Equal(t, 1, l.Allowed())
	l.Set(100)
	assert.Equal(t, MaxWorkers, l.Allowed())
	l.Set(-3)
	assert.Equal(t, 1, l.Allowed())
}

func TestLimiter_WaitReleasedWhenCeilingRises(t *testing.T) {
	l := NewLimiter(1)
	assert.True(t, l.Wait(context.Background(), 1))

	done := make(chan bool, 1)
	go func() { done <- l.Wait(context.Background(), 3) }()

	select {
	case <-done:
		t.Fatal("worker 3 passed a ceiling of 1")
	case <-time.After(50 * time.Millisecond):
	}

	l.Set(3)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("worker 3 was not woken")
	}
}

func TestLimiter_WaitReturnsOnCancel(t *testing.T) {
	l := NewLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- l.Wait(ctx, 2) }()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the waiter")
	}
}

func TestLimiter_WaitReturnsOnClose(t *testing.T) {
	l := NewLimiter(1)
	done := make(chan bool, 1)
	go func() { done <- l.Wait(context.Background(), 5) }()
	l.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}
	assert.False(t, l.Wait(context.Background(), 1))
}

func TestLimiter_MonitorFollowsSupplier(t *testing.T) {
	l := NewLimiter(1)
	var target atomic.Int32
	target.Store(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Monitor(ctx, 5*time.Millisecond, func() int { return int(target.Load()) }, quietLogger())

	assert.Eventually(t, func() bool { return l.Allowed() == 4 }, time.Second, 5*time.Millisecond)
	target.Store(2)
	assert.Eventually(t, func() bool { return l.Allowed() == 2 }, time.Second, 5*time.Millisecond)
}

func TestLimiter_MonitorSurvivesPanickingSupplier(t *testing.T) {
	l := NewLimiter(3)
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Monitor(ctx, 5*time.Millisecond, func() int {
		if calls.Add(1) < 3 {
			panic("sensor unavailable")
		}
		return 6
	}, quietLogger())

	assert.Eventually(t, func() bool { return l.Allowed() == 6 }, time.Second, 5*time.Millisecond)
}
