package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostAndPopAlertsPreservesOrder(t *testing.T) {
	q := NewQueue(Config{Enabled: true})
	now := time.Unix(0, 0)

	q.Post(NewTorrentFinished("aaaa", now))
	q.Post(NewTorrentPaused("bbbb", now))

	alerts, dropped := q.PopAlerts()
	require.Zero(t, dropped)
	require.Len(t, alerts, 2)
	require.Equal(t, "torrent_finished", alerts[0].What())
	require.Equal(t, "torrent_paused", alerts[1].What())
}

func TestPostWhenDisabledIsNoOp(t *testing.T) {
	q := NewQueue(Config{Enabled: false})
	q.Post(NewTorrentFinished("aaaa", time.Unix(0, 0)))
	require.Zero(t, q.Len())
}

func TestPostFiltersByMask(t *testing.T) {
	q := NewQueue(Config{Enabled: true, Mask: CategoryError})
	now := time.Unix(0, 0)

	q.Post(NewTorrentFinished("aaaa", now)) // status category, filtered out
	q.Post(NewTorrentError("aaaa", "boom", now))

	alerts, _ := q.PopAlerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "torrent_error", alerts[0].What())
}

func TestPostDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(Config{Enabled: true, QueueSize: 2})
	now := time.Unix(0, 0)

	q.Post(NewTorrentFinished("1", now))
	q.Post(NewTorrentFinished("2", now))
	q.Post(NewTorrentFinished("3", now))

	alerts, dropped := q.PopAlerts()
	require.Equal(t, 1, dropped)
	require.Len(t, alerts, 2)
	require.Equal(t, "2", alerts[0].(TorrentFinishedAlert).InfoHash)
	require.Equal(t, "3", alerts[1].(TorrentFinishedAlert).InfoHash)
}

func TestWaitUnblocksOnPost(t *testing.T) {
	q := NewQueue(Config{Enabled: true})
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() { result <- q.Wait(done) }()

	q.Post(NewTorrentFinished("aaaa", time.Unix(0, 0)))

	select {
	case ok := <-result:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on Post")
	}
}

func TestWaitUnblocksOnDone(t *testing.T) {
	q := NewQueue(Config{Enabled: true})
	done := make(chan struct{})
	close(done)

	require.False(t, q.Wait(done))
}
