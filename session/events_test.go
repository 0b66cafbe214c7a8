package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/libtorrent/announce"
	"github.com/torrentd/libtorrent/trackerclient"
)

type recordEvent struct {
	ch chan struct{}
}

func (e recordEvent) apply(s *state) { close(e.ch) }

func TestEventLoopRunAppliesSentEvents(t *testing.T) {
	l := newEventLoop()
	go l.run(&state{})

	done := make(chan struct{})
	require.True(t, l.send(recordEvent{done}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was never applied")
	}

	l.stop()
}

func TestEventLoopSendFailsAfterStop(t *testing.T) {
	l := newEventLoop()
	go l.run(&state{})
	l.stop()

	// give run's select a chance to observe done before sending.
	time.Sleep(10 * time.Millisecond)
	require.False(t, l.send(recordEvent{make(chan struct{})}))
}

func TestEventLoopSendTimeoutExpiresWithNoReceiver(t *testing.T) {
	l := newEventLoop()
	defer l.stop()

	err := l.sendTimeout(recordEvent{make(chan struct{})}, 10*time.Millisecond)
	require.Equal(t, ErrSendEventTimedOut, err)
}

func TestEventLoopSendTimeoutReturnsStoppedError(t *testing.T) {
	l := newEventLoop()
	l.stop()

	err := l.sendTimeout(recordEvent{make(chan struct{})}, time.Second)
	require.Equal(t, ErrSessionStopped, err)
}

func TestToTrackerEvent(t *testing.T) {
	require.Equal(t, trackerclient.EventStarted, toTrackerEvent(announce.EventStarted))
	require.Equal(t, trackerclient.EventCompleted, toTrackerEvent(announce.EventCompleted))
	require.Equal(t, trackerclient.EventStopped, toTrackerEvent(announce.EventStopped))
	require.Equal(t, trackerclient.EventNone, toTrackerEvent(announce.EventNone))
}
