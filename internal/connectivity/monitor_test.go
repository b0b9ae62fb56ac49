package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/syncerr"
)

func TestMonitor_DefaultsOffline(t *testing.T) {
	m := New()
	assert.False(t, m.IsOnline())
	assert.True(t, New(WithInitialState(true)).IsOnline())
}

func TestMonitor_HintWithoutProber(t *testing.T) {
	m := New()
	var regained, lost int
	m.OnRegainConnectivity(func() { regained++ })
	m.OnLoseConnectivity(func() { lost++ })

	ctx := context.Background()
	m.Hint(ctx, true)
	m.Hint(ctx, true)
	assert.True(t, m.IsOnline())
	assert.Equal(t, 1, regained, "repeated hint must not fire again")

	m.Hint(ctx, false)
	assert.False(t, m.IsOnline())
	assert.Equal(t, 1, lost)
}

// An online hint is not trusted when the probe fails (captive portal).
func TestMonitor_OnlineHintCorroborated(t *testing.T) {
	var reachable atomic.Bool
	m := New(WithProber(ProberFunc(func(context.Context) error {
		if reachable.Load() {
			return nil
		}
		return errors.New("connection refused")
	}), time.Second))

	ctx := context.Background()
	m.Hint(ctx, true)
	assert.False(t, m.IsOnline(), "unreachable remote must keep the monitor offline")

	reachable.Store(true)
	m.Hint(ctx, true)
	assert.True(t, m.IsOnline())
}

func TestMonitor_ReportFailure(t *testing.T) {
	m := New(WithInitialState(true))
	var lost int
	m.OnLoseConnectivity(func() { lost++ })

	m.ReportFailure(syncerr.ServerFailure("remote.write", 503, errors.New("unavailable")))
	assert.True(t, m.IsOnline(), "a 5xx proves the remote is reachable")

	m.ReportFailure(syncerr.RemoteRejection("remote.write", 422, errors.New("invalid")))
	assert.True(t, m.IsOnline())

	m.ReportFailure(syncerr.NetworkFailure("remote.write", context.DeadlineExceeded))
	assert.False(t, m.IsOnline())
	assert.Equal(t, 1, lost)

	m.ReportSuccess()
	assert.True(t, m.IsOnline())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := New()
	var calls []string
	unsubA := m.OnRegainConnectivity(func() { calls = append(calls, "a") })
	m.OnRegainConnectivity(func() { calls = append(calls, "b") })

	m.ReportSuccess()
	require.Equal(t, []string{"a", "b"}, calls, "listeners run in registration order")

	unsubA()
	unsubA()
	m.Hint(context.Background(), false)
	m.ReportSuccess()
	assert.Equal(t, []string{"a", "b", "b"}, calls)
}

// Listeners may read the state without deadlocking.
func TestMonitor_ListenerReadsState(t *testing.T) {
	m := New()
	var seen bool
	m.OnRegainConnectivity(func() { seen = m.IsOnline() })
	m.ReportSuccess()
	assert.True(t, seen)
}

func TestMonitor_Watch(t *testing.T) {
	m := New()
	hints := make(chan bool)
	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), hints)
		close(done)
	}()

	hints <- true
	hints <- false
	hints <- true
	close(hints)
	<-done

	assert.True(t, m.IsOnline())
}

func TestMonitor_RunProbes(t *testing.T) {
	var pings atomic.Int32
	m := New(WithProber(ProberFunc(func(context.Context) error {
		pings.Add(1)
		return nil
	}), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return pings.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, m.IsOnline())
}

func TestMonitor_StateObserver(t *testing.T) {
	var states []bool
	m := New(WithStateObserver(func(online bool) { states = append(states, online) }))
	m.ReportSuccess()
	m.Hint(context.Background(), false)
	assert.Equal(t, []bool{true, false}, states)
}
