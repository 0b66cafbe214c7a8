package torrent

import (
	"bytes"
	"crypto/sha1"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/disk"
	"github.com/torrentd/libtorrent/metainfo"
	"github.com/torrentd/libtorrent/piece"
)

// testInfo/testRaw mirror metainfo's unexported bencode shape so tests can
// build a *metainfo.MetaInfo without a real .torrent file on disk.
type testInfo struct {
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length,omitempty"`
	Files       []metainfo.FileInfo `bencode:"files,omitempty"`
}

type testRaw struct {
	Info testInfo `bencode:"info"`
}

// newTestMetaInfo builds a *metainfo.MetaInfo for data split into
// pieceLength-sized pieces (the last possibly short), laid out across files.
func newTestMetaInfo(t *testing.T, pieceLength int64, data []byte, files []metainfo.FileInfo) *metainfo.MetaInfo {
	t.Helper()

	var pieces bytes.Buffer
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[off:end])
		pieces.Write(sum[:])
	}

	raw := testRaw{Info: testInfo{
		PieceLength: pieceLength,
		Pieces:      pieces.String(),
		Name:        "test",
	}}
	if len(files) == 0 {
		raw.Info.Length = int64(len(data))
	} else {
		raw.Info.Files = files
	}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))

	mi, err := metainfo.Decode(&buf)
	require.NoError(t, err)
	return mi
}

// testEvents delivers callbacks over channels since Core fires them via "go"
// (mirroring dispatch.Dispatcher.complete's "go d.events.DispatcherComplete"),
// so tests must wait for delivery rather than read a slice synchronously.
type testEvents struct {
	completed  chan *Core
	paused     chan *Core
	errored    chan *TorrentError
	hashFailed chan hashFailure
	hashPassed chan hashFailure
}

type hashFailure struct {
	piece int
	peers []core.PeerID
}

func newTestEvents() *testEvents {
	return &testEvents{
		completed:  make(chan *Core, 8),
		paused:     make(chan *Core, 8),
		errored:    make(chan *TorrentError, 8),
		hashFailed: make(chan hashFailure, 8),
		hashPassed: make(chan hashFailure, 8),
	}
}

func (e *testEvents) TorrentComplete(c *Core)                   { e.completed <- c }
func (e *testEvents) TorrentPaused(c *Core)                     { e.paused <- c }
func (e *testEvents) TorrentErrored(c *Core, err *TorrentError) { e.errored <- err }
func (e *testEvents) PieceHashFailed(c *Core, piece int, peers []core.PeerID) {
	e.hashFailed <- hashFailure{piece, peers}
}
func (e *testEvents) PieceHashPassed(c *Core, piece int, peers []core.PeerID) {
	e.hashPassed <- hashFailure{piece, peers}
}

func requireRecv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

// newTestCore wires a Core against a fresh on-disk store for data, without
// starting it.
func newTestCore(t *testing.T, mi *metainfo.MetaInfo, data []byte) (*Core, *testEvents, *disk.Thread) {
	t.Helper()

	dir := t.TempDir()
	store, err := disk.OpenStore(filepath.Join(dir, "data"), mi.PieceLength(), mi.TotalLength(), mi.NumPieces())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	jobs := disk.NewThread(2)
	t.Cleanup(jobs.Close)

	events := newTestEvents()
	c := New(Config{}, tally.NoopScope, clock.New(), events, mi, store, jobs, false, zap.NewNop().Sugar())
	return c, events, jobs
}

// drainOne waits for exactly one disk result and applies it.
func drainOne(t *testing.T, c *Core, jobs *disk.Thread) {
	t.Helper()
	select {
	case res := <-jobs.Results():
		c.HandleDiskResult(res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disk result")
	}
}

func TestStartSeedModeEntersSeeding(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 8)
	mi := newTestMetaInfo(t, 4, data, nil)
	c, _, _ := newTestCore(t, mi, data)
	c.haveAll = true

	c.Start()

	require.Equal(t, StateSeeding, c.State())
}

func TestCheckExistingFilesWithEmptyStoreGoesToDownloading(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 8)
	mi := newTestMetaInfo(t, 4, data, nil)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	require.Equal(t, StateCheckingFiles, c.State())

	for i := 0; i < mi.NumPieces(); i++ {
		drainOne(t, c, jobs)
	}

	require.Equal(t, StateDownloading, c.State())
	require.False(t, c.Complete())
}

func TestBlockArrivalCompletesAndPassesPiece(t *testing.T) {
	data := []byte("abcd")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, events, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs) // checking_files hash of the single, empty piece
	require.Equal(t, StateDownloading, c.State())

	ok := c.MarkAsWriting(0, 0, data, core.PeerID{1})
	require.True(t, ok)

	drainOne(t, c, jobs) // block write completes, schedules a hash job
	drainOne(t, c, jobs) // hash job completes, matches

	require.True(t, c.Picker().Have(0))
	require.True(t, c.Complete())
	require.True(t, c.Seeding())
	requireRecv(t, events.completed)
	require.Equal(t, StateSeeding, c.State())
}

func TestBlockArrivalHashMismatchRestoresPiece(t *testing.T) {
	data := []byte("abcd")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, events, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs)
	require.Equal(t, StateDownloading, c.State())

	corrupt := []byte("wxyz")
	peer := core.PeerID{9}
	require.True(t, c.MarkAsWriting(0, 0, corrupt, peer))

	drainOne(t, c, jobs) // write completes
	drainOne(t, c, jobs) // hash mismatches

	require.False(t, c.Picker().Have(0))
	failure := requireRecv(t, events.hashFailed)
	require.Equal(t, 0, failure.piece)
	require.Contains(t, failure.peers, peer)
}

func TestMarkAsWritingRejectsDuplicateBlock(t *testing.T) {
	data := []byte("abcd")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs)

	require.True(t, c.MarkAsWriting(0, 0, data, core.PeerID{1}))
	require.False(t, c.MarkAsWriting(0, 0, data, core.PeerID{1}))
}

func TestSetFilePriorityForcesPadFilesToDontDownload(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, 8)
	files := []metainfo.FileInfo{
		{Length: 4, Path: []string{"real.txt"}},
		{Length: 4, Path: []string{".pad", "0"}},
	}
	mi := newTestMetaInfo(t, 4, data, files)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	for i := 0; i < mi.NumPieces(); i++ {
		drainOne(t, c, jobs)
	}

	require.NoError(t, c.SetFilePriority(1, piece.PriorityTop))
	require.True(t, c.fileRanges[1].isPad)
	// the pad file's piece stays excluded regardless of the requested priority.
	require.False(t, c.wantedPiece(1))
}

func TestSetFilePriorityTakesMaxAcrossOverlappingFiles(t *testing.T) {
	data := bytes.Repeat([]byte{0x22}, 4)
	files := []metainfo.FileInfo{
		{Length: 2, Path: []string{"a.txt"}},
		{Length: 2, Path: []string{"b.txt"}},
	}
	mi := newTestMetaInfo(t, 4, data, files)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs)

	require.NoError(t, c.SetFilePriority(0, piece.DontDownload))
	require.False(t, c.wantedPiece(0))

	require.NoError(t, c.SetFilePriority(1, piece.PriorityHigh))
	// file 0 is still DontDownload but file 1 (priority high) overlaps the
	// same single piece, so the piece as a whole remains wanted.
	require.True(t, c.wantedPiece(0))
}

func TestSetFilePriorityReentrantCallIsDeferredAndApplied(t *testing.T) {
	data := []byte("abcd")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs)

	c.applyingFilePriority = true
	require.NoError(t, c.SetFilePriority(0, piece.PriorityLow))
	require.True(t, c.deferredFilePriority)
	require.Equal(t, piece.PriorityLow, c.fileRanges[0].priority)

	c.applyingFilePriority = false
	c.propagateFilePriorities()
	require.False(t, c.deferredFilePriority)
}

func TestPauseResumeAndErrorLatching(t *testing.T) {
	data := []byte("abcd")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, events, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs)

	c.Pause(true)
	require.True(t, c.EffectivePaused())
	requireRecv(t, events.paused)

	c.Resume()
	require.False(t, c.EffectivePaused())

	c.setError(ErrDiskFatal, -1, "disk exploded")
	require.True(t, c.EffectivePaused())
	require.NotNil(t, c.Error())
	require.Equal(t, ErrDiskFatal, c.Error().Code)
	requireRecv(t, events.errored)

	c.ClearError()
	require.Nil(t, c.Error())
}

func TestSessionPauseIsIndependentOfTorrentPause(t *testing.T) {
	data := []byte("abcd")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	drainOne(t, c, jobs)

	c.SetSessionPaused(true)
	require.True(t, c.EffectivePaused())
	c.SetSessionPaused(false)
	require.False(t, c.EffectivePaused())
}

func TestBitfieldReflectsPickerState(t *testing.T) {
	data := []byte("abcdefgh")
	mi := newTestMetaInfo(t, 4, data, nil)
	c, _, jobs := newTestCore(t, mi, data)

	c.Start()
	for i := 0; i < mi.NumPieces(); i++ {
		drainOne(t, c, jobs)
	}
	bf := c.Bitfield()
	require.Equal(t, uint(0), bf.Count())
}
