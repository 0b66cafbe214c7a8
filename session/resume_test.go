package session

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/libtorrent/alert"
	"github.com/torrentd/libtorrent/bandwidth"
	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/resume"
	"github.com/torrentd/libtorrent/wire"
)

func newTestFullSession(t *testing.T) *SessionCore {
	t.Helper()

	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	bw, err := bandwidth.NewLimiter(bandwidth.Config{Enable: false})
	require.NoError(t, err)

	s, err := New(
		Config{},
		tally.NoopScope,
		clock.New(),
		core.PeerContext{PeerID: peerID},
		bw,
		wire.Config{},
		alert.NewQueue(alert.Config{}),
		zap.NewNop().Sugar(),
	)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// TestResumeDataRoundTripThroughRealPath exercises save -> encode -> decode
// -> AddTorrentResumed through the real SessionCore API end to end (R1: a
// resume blob saved from one session restores a torrent whose picker
// already considers every previously-verified piece passed, rather than
// just resume.Encode/Decode's own isolated symmetry).
func TestResumeDataRoundTripThroughRealPath(t *testing.T) {
	s := newTestFullSession(t)

	mi := newTestSessionMetaInfo(t, 16384, 4)
	savePath := filepath.Join(t.TempDir(), "data")
	require.NoError(t, s.AddTorrent(mi, savePath, false))

	saved, err := s.SaveResumeData(mi.InfoHash())
	require.NoError(t, err)
	require.Equal(t, resume.Version, saved.Version)
	require.Equal(t, savePath, saved.SavePath)

	var buf bytes.Buffer
	require.NoError(t, resume.Encode(&buf, saved))

	loaded, err := s.LoadResumeData(&buf)
	require.NoError(t, err)
	require.True(t, resume.Equal(saved, loaded))

	require.NoError(t, s.RemoveTorrent(mi.InfoHash()))

	mi2 := newTestSessionMetaInfo(t, 16384, 4) // same content, fresh decode.
	require.NoError(t, s.AddTorrentResumed(mi2, loaded))
	t.Cleanup(func() { s.RemoveTorrent(mi2.InfoHash()) })

	resaved, err := s.SaveResumeData(mi2.InfoHash())
	require.NoError(t, err)
	require.Equal(t, loaded.HavePieces, resaved.HavePieces)
	require.Equal(t, loaded.SavePath, resaved.SavePath)
}

// TestResumeDataCarriesWebSeedsAndRenamedFiles checks the §3.1 supplemented
// fields persist through the same real path as the core bitfield/trackers.
func TestResumeDataCarriesWebSeedsAndRenamedFiles(t *testing.T) {
	s := newTestFullSession(t)

	mi := newTestSessionMetaInfo(t, 16384, 2)
	savePath := filepath.Join(t.TempDir(), "data")
	require.NoError(t, s.AddTorrent(mi, savePath, false))
	require.NoError(t, s.SetWebSeeds(mi.InfoHash(), []string{"http://example.test/seed"}))
	require.NoError(t, s.RenameFile(mi.InfoHash(), 0, "renamed.dat"))

	saved, err := s.SaveResumeData(mi.InfoHash())
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.test/seed"}, saved.URLSeeds)
	require.Equal(t, "renamed.dat", saved.RenamedFiles["0"])

	require.NoError(t, s.RemoveTorrent(mi.InfoHash()))

	mi2 := newTestSessionMetaInfo(t, 16384, 2)
	require.NoError(t, s.AddTorrentResumed(mi2, saved))
	t.Cleanup(func() { s.RemoveTorrent(mi2.InfoHash()) })

	resaved, err := s.SaveResumeData(mi2.InfoHash())
	require.NoError(t, err)
	require.Equal(t, saved.URLSeeds, resaved.URLSeeds)
	require.Equal(t, saved.RenamedFiles, resaved.RenamedFiles)
}
