package peerlist

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentd/libtorrent/core"
)

func TestInsertMergesSourceFlags(t *testing.T) {
	l := New(Config{}, clock.New())
	require.True(t, l.Insert("1.2.3.4:6881", core.PeerID{}, SourceTracker))
	require.True(t, l.Insert("1.2.3.4:6881", core.PeerID{}, SourcePEX))
	require.Equal(t, 1, l.Size())
}

func TestConnectOnePeerPrefersHigherSourceRank(t *testing.T) {
	l := New(Config{}, clock.New())
	l.Insert("a", core.PeerID{}, SourcePEX)
	l.Insert("b", core.PeerID{}, SourceTracker)

	addr, ok := l.ConnectOnePeer()
	require.True(t, ok)
	require.Equal(t, "b", addr)
}

func TestConnectOnePeerSkipsConnected(t *testing.T) {
	l := New(Config{}, clock.New())
	l.Insert("a", core.PeerID{}, SourceTracker)
	l.MarkConnected("a")

	_, ok := l.ConnectOnePeer()
	require.False(t, ok)
}

func TestMarkFailedBansAfterMaxFailures(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{MaxFailures: 2}, mock)
	l.Insert("a", core.PeerID{}, SourceTracker)

	l.MarkFailed("a")
	require.False(t, l.Banned("a"))
	l.MarkFailed("a")
	require.True(t, l.Banned("a"))
}

func TestBannedPeerExcludedFromConnectOnePeer(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{MaxFailures: 1}, mock)
	l.Insert("a", core.PeerID{}, SourceTracker)
	l.MarkFailed("a")
	require.True(t, l.Banned("a"))

	_, ok := l.ConnectOnePeer()
	require.False(t, ok)
}

func TestApplyIPFilterEvictsBlockedAddrs(t *testing.T) {
	l := New(Config{}, clock.New())
	l.Insert("10.0.0.1:6881", core.PeerID{}, SourceTracker)
	l.Insert("8.8.8.8:6881", core.PeerID{}, SourceTracker)

	evicted := l.ApplyIPFilter(func(addr string) bool {
		return addr == "10.0.0.1:6881"
	})
	require.Equal(t, []string{"10.0.0.1:6881"}, evicted)
	require.Equal(t, 1, l.Size())
}

func TestApplyPortFilterEvictsBlockedPorts(t *testing.T) {
	l := New(Config{}, clock.New())
	l.Insert("10.0.0.1:6881", core.PeerID{}, SourceTracker)
	l.Insert("10.0.0.2:51413", core.PeerID{}, SourceTracker)

	evicted := l.ApplyPortFilter(func(port int) bool {
		return port == 6881
	})
	require.Equal(t, []string{"10.0.0.1:6881"}, evicted)
	require.Equal(t, 1, l.Size())
}

func TestEvictLowestRankedWhenAtCapacity(t *testing.T) {
	l := New(Config{MaxSize: 1}, clock.New())
	l.Insert("low", core.PeerID{}, SourcePEX)
	ok := l.Insert("high", core.PeerID{}, SourceTracker)
	require.True(t, ok)
	require.Equal(t, 1, l.Size())
	_, hasHigh := l.byAddr["high"]
	require.True(t, hasHigh)
}
