package session

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/libtorrent/wire"
)

func TestPeerConnTickComputesPerSecondRates(t *testing.T) {
	local, remote, cleanup := wire.PipeFixture(4)
	defer cleanup()
	defer remote.Close()

	pc := newPeerConn(local, "1.2.3.4:6881", time.Now(), 4)
	pc.recordUpload(2000)
	pc.recordDownload(5000)

	pc.tick(2 * time.Second)

	require.EqualValues(t, 1000, pc.UploadRate())
	require.EqualValues(t, 2500, pc.DownloadRate())

	// counters reset for the next tick.
	pc.tick(2 * time.Second)
	require.EqualValues(t, 0, pc.UploadRate())
	require.EqualValues(t, 0, pc.DownloadRate())
}

func TestPeerConnUploadedToRatio(t *testing.T) {
	local, remote, cleanup := wire.PipeFixture(4)
	defer cleanup()
	defer remote.Close()

	pc := newPeerConn(local, "addr", time.Now(), 4)
	require.Zero(t, pc.UploadedToRatio())

	pc.recordUpload(100)
	require.True(t, math.IsInf(pc.UploadedToRatio(), 1))

	pc.recordDownload(50)
	require.InDelta(t, 2.0, pc.UploadedToRatio(), 0.0001)
}

func TestPeerConnShareDiffAndConnected(t *testing.T) {
	local, remote, cleanup := wire.PipeFixture(4)
	defer cleanup()
	defer remote.Close()

	pc := newPeerConn(local, "addr", time.Now(), 4)
	require.True(t, pc.Connected())

	pc.recordUpload(300)
	pc.recordDownload(100)
	require.EqualValues(t, 200, pc.ShareDiff())

	local.Close()
	require.Eventually(t, func() bool { return !pc.Connected() }, time.Second, time.Millisecond)
}
