package announce

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestPendingStopsAtFirstTierOnSuccess(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{}, Policy{}, mock, [][]string{{"t1"}, {"t2"}}, []string{"0.0.0.0:6881"})

	pending := s.Pending(EventStarted)
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].Tracker)
}

func TestFailedAppliesExponentialBackoff(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{InitialBackoff: time.Second, MaxBackoff: time.Minute}, Policy{}, mock,
		[][]string{{"t1"}}, []string{"ep"})

	s.Pending(EventStarted)
	s.Failed("t1", "ep", false, false)
	st := s.get(endpointKey{"t1", "ep"})
	require.Equal(t, 1, st.fails)
	require.Equal(t, mock.Now().Add(time.Second), st.nextAnnounce)

	s.Pending(EventStarted)
	// still in backoff -- not eligible yet.
	require.False(t, s.working(st, mock.Now()))

	mock.Add(2 * time.Second)
	require.True(t, s.working(st, mock.Now()))

	s.Failed("t1", "ep", false, false)
	require.Equal(t, 2, st.fails)
}

func TestGoneFailurePermanentlyRetiresTracker(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{}, Policy{}, mock, [][]string{{"t1"}}, []string{"ep"})
	s.Pending(EventStarted)
	s.Failed("t1", "ep", true, false)

	pending := s.Pending(EventStarted)
	require.Empty(t, pending)
}

func TestUnreachableDisablesOnlyThatPair(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{}, Policy{}, mock, [][]string{{"t1"}}, []string{"ep1", "ep2"})
	s.state[endpointKey{"t1", "ep1"}] = &endpointState{}
	s.state[endpointKey{"t1", "ep2"}] = &endpointState{}

	s.Failed("t1", "ep1", false, true)
	require.True(t, s.state[endpointKey{"t1", "ep1"}].disabled)
	require.False(t, s.state[endpointKey{"t1", "ep2"}].disabled)
}

func TestSucceededAppliesReportedInterval(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{}, Policy{}, mock, [][]string{{"t1"}}, []string{"ep"})
	s.Pending(EventStarted)
	s.Succeeded("t1", "ep", EventStarted, 45*time.Second)

	st := s.get(endpointKey{"t1", "ep"})
	require.True(t, st.startSent)
	require.Equal(t, 45*time.Second, st.minAnnounce)
}

func TestAnnounceToAllTiersPolicy(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{}, Policy{AnnounceToAllTiers: true}, mock,
		[][]string{{"t1"}, {"t2"}}, []string{"ep"})

	pending := s.Pending(EventStarted)
	require.Len(t, pending, 2)
}
