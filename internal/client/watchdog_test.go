package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChecker struct {
	calls   atomic.Int32
	revoked bool
	reason  string
	err     error
}

func (s *scriptedChecker) AuthCheck(context.Context) (bool, string, error) {
	s.calls.Add(1)
	return s.revoked, s.reason, s.err
}

func watchdogManager(t *testing.T, onEnd func(string)) *Manager {
	t.Helper()
	m, err := NewManager(self, Options{
		WSURL:        "ws://localhost/ws",
		RESTBase:     "http://localhost",
		Token:        "tok",
		OnSessionEnd: onEnd,
	}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestWatchdog_RevocationTearsDown(t *testing.T) {
	ended := make(chan string, 1)
	m := watchdogManager(t, func(reason string) { ended <- reason })
	checker := &scriptedChecker{revoked: true, reason: "account suspended"}

	w := NewWatchdog(checker, m, 10*time.Millisecond, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case reason := <-ended:
		assert.Equal(t, "account suspended", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down")
	}

	// The watchdog exits after tearing the session down.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}

	// The manager is terminal: sends fail from now on.
	_, _, err := m.Send(context.Background(), "hello", "")
	assert.Error(t, err)
}

func TestWatchdog_FailuresAreSkipped(t *testing.T) {
	ended := make(chan string, 1)
	m := watchdogManager(t, func(reason string) { ended <- reason })
	checker := &scriptedChecker{err: errors.New("portal down")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatchdog(checker, m, 10*time.Millisecond, zerolog.Nop())
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()

	// Several polls failed; none ended the session.
	assert.GreaterOrEqual(t, checker.calls.Load(), int32(2))
	select {
	case reason := <-ended:
		t.Fatalf("session ended unexpectedly: %s", reason)
	default:
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestWatchdog_StopsWithContext(t *testing.T) {
	m := watchdogManager(t, nil)
	checker := &scriptedChecker{}

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatchdog(checker, m, 10*time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop on context cancel")
	}
}
