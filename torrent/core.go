// Package torrent implements TorrentCore: the per-torrent lifecycle state
// machine tying together the piece picker, disk I/O, verification, and
// file-priority propagation, generalized from the teacher's single-blob
// Dispatcher into a general multi-file, multi-state BitTorrent download
// (§4.5).
package torrent

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/disk"
	"github.com/torrentd/libtorrent/metainfo"
	"github.com/torrentd/libtorrent/piece"
)

// Events is notified of torrent-level lifecycle transitions, mirroring
// dispatch.Events's DispatcherComplete/PeerRemoved callback shape.
type Events interface {
	TorrentComplete(*Core)
	TorrentPaused(*Core)
	TorrentErrored(*Core, *TorrentError)

	// PieceHashFailed is raised after a completed piece fails re-verification,
	// carrying the peers that contributed a block so trust penalties (S3)
	// can be applied against peerlist.
	PieceHashFailed(*Core, int, []core.PeerID)

	// PieceHashPassed is raised after a downloaded piece verifies, carrying
	// its contributors so any parole status they picked up from an earlier
	// failure can be cleared (S3).
	PieceHashPassed(*Core, int, []core.PeerID)
}

// fileRange is a file's byte extent within the concatenated torrent data,
// used to propagate file priorities to the pieces that overlap them.
type fileRange struct {
	index      int
	start, end int64 // end exclusive
	priority   piece.Priority
	isPad      bool
}

// Core is the per-torrent state machine. One Core exists per active
// torrent; it owns that torrent's picker and disk store, and verifies
// pieces by comparing hash-job results against the info dict.
// Core is NOT thread-safe -- like connstate.State and dispatch.Dispatcher,
// synchronization is provided by the owning event loop.
type Core struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger
	events Events

	mi       *metainfo.MetaInfo
	store    *disk.Store
	diskJobs *disk.Thread
	picker   *piece.Picker

	blocksPerPiece int
	blockSize      int64

	state         State
	paused        bool
	pausedSession bool
	err           *TorrentError

	haveAll bool // seed mode: caller asserted all pieces present on add.

	// resumeHave, if set, names pieces a prior session already verified;
	// checkExistingFiles marks them passed without re-hashing (§4.5 "load
	// resume data").
	resumeHave *bitset.BitSet

	numChecked  int // checking_files progress.
	checkCursor int // next piece index to consider scheduling a hash job for.

	fileRanges           []fileRange
	deferredFilePriority bool
	applyingFilePriority bool

	// uploadMode is entered automatically on a write-time disk error (§7
	// DiskFatalError) or explicitly via SetUploadMode; it is distinct from
	// paused in that the torrent keeps serving the pieces it already has
	// but MarkAsWriting refuses new block writes until cleared.
	uploadMode bool

	// superSeeding, when true and the torrent is complete, makes the
	// session hand each peer exactly one rare piece at a time instead of
	// the full bitfield, to bootstrap a swarm without a full picker
	// allocation per peer.
	superSeeding bool

	// renamedFiles maps a metainfo file index to the relative path it has
	// been renamed to, purely a logical mapping since Store backs a torrent
	// with one concatenated file rather than one file per metainfo entry.
	renamedFiles map[int]string

	// webSeeds holds HTTP seed URLs supplementing peer-to-peer transfer
	// (BEP 19-style byte-range seeds, §3.1).
	webSeeds []string

	createdAt time.Time

	completeOnce sync.Once
}

// New constructs a Core for a torrent whose metainfo is already known. If
// haveAll is true the torrent starts in seed mode with no picker built.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	mi *metainfo.MetaInfo,
	store *disk.Store,
	diskJobs *disk.Thread,
	haveAll bool,
	logger *zap.SugaredLogger,
) *Core {
	config = config.applyDefaults()

	blockSize := int64(16 * 1024)
	blocksPerPiece := int((mi.PieceLength() + blockSize - 1) / blockSize)

	c := &Core{
		config:         config,
		stats:          stats.Tagged(map[string]string{"module": "torrent"}),
		clk:            clk,
		logger:         logger,
		events:         events,
		mi:             mi,
		store:          store,
		diskJobs:       diskJobs,
		blocksPerPiece: blocksPerPiece,
		blockSize:      blockSize,
		haveAll:        haveAll,
		createdAt:      clk.Now(),
		state:          StateCheckingResumeData,
		fileRanges:     buildFileRanges(mi),
		webSeeds:       mi.URLSeeds(),
	}
	return c
}

// buildFileRanges computes each file's byte extent within the concatenated
// torrent data, identifying BEP 47 pad files by their conventional
// ".pad/<n>" path prefix (metainfo does not carry an explicit pad
// attribute in this module, so the path convention is the only signal
// available -- see DESIGN.md for this simplification).
func buildFileRanges(mi *metainfo.MetaInfo) []fileRange {
	var ranges []fileRange
	var offset int64
	for i, f := range mi.Files() {
		isPad := len(f.Path) > 0 && f.Path[0] == ".pad"
		ranges = append(ranges, fileRange{
			index:    i,
			start:    offset,
			end:      offset + f.Length,
			priority: piece.PriorityDefault,
			isPad:    isPad,
		})
		offset += f.Length
	}
	return ranges
}

// Start runs the startup sequence described in §4.5: either enter
// downloading_metadata (handled by the caller when mi is nil, so Core is
// never constructed in that case) or init() and kick off a resume-data
// check.
func (c *Core) Start() {
	if c.haveAll {
		c.state = StateSeeding
		return
	}
	c.init()
}

// init constructs the picker, applies the file priorities to it (a piece
// holding only pad-file data becomes DontDownload; a piece shared with a
// real file stays wanted), and starts checking_files. Pad-file blocks are
// not marked finished.
func (c *Core) init() {
	mode := piece.ModeRarestFirst
	c.picker = piece.New(c.mi.NumPieces(), c.mi.PieceLength(), c.blocksPerPiece, pieceSizer{c.mi, c.blockSize}, mode)

	c.propagateFilePriorities()

	c.checkExistingFiles()
}

// SetResumeData seeds the picker with pieces a prior session already
// verified, so checkExistingFiles can skip re-hashing them. Must be called
// before Start (§4.5 "load resume data").
func (c *Core) SetResumeData(have *bitset.BitSet) {
	c.resumeHave = have
}

// checkExistingFiles transitions into checking_files and schedules a hash
// job per piece not already confirmed by resume data, capped by
// maxOutstandingHashJobs (§4.5 piece-hash loop).
func (c *Core) checkExistingFiles() {
	c.state = StateCheckingFiles
	c.numChecked = 0
	c.checkCursor = 0

	n := c.mi.NumPieces()
	if c.resumeHave != nil {
		for i := 0; i < n; i++ {
			if c.resumeHave.Test(uint(i)) {
				c.picker.PiecePassed(i)
				c.numChecked++
			}
		}
		if c.numChecked == n {
			c.filesChecked()
			return
		}
	}

	limit := c.config.maxOutstandingHashJobs(c.mi.PieceLength())
	for i := 0; i < limit; i++ {
		c.scheduleNextHash()
	}
}

// scheduleNextHash schedules a hash job for the next piece at or past
// checkCursor that resume data did not already confirm, advancing the
// cursor past whatever it skips or schedules. A no-op once the cursor
// reaches the end of the torrent.
func (c *Core) scheduleNextHash() {
	n := c.mi.NumPieces()
	for c.checkCursor < n {
		i := c.checkCursor
		c.checkCursor++
		if c.resumeHave != nil && c.resumeHave.Test(uint(i)) {
			continue
		}
		c.scheduleHash(i)
		return
	}
}

func (c *Core) scheduleHash(piece int) {
	length := int(c.mi.GetPieceLength(piece))
	c.diskJobs.AsyncHash(c.store, piece, length)
}

// HandleDiskResult applies one disk.Result, advancing either the
// checking-files loop, post-download piece verification, or the
// block-arrival path depending on what kind of job completed. Whole-piece
// hash jobs (Block == -1) are routed here regardless of Core's current
// state, since they fire both during checking_files and after a piece's
// last block finishes writing while downloading.
func (c *Core) HandleDiskResult(res disk.Result) {
	if res.Block == -1 {
		c.handleHashResult(res)
		return
	}
	c.handleWriteResult(res)
}

func (c *Core) handleHashResult(res disk.Result) {
	matched := res.Err == nil && res.Hash.Equal(c.mi.GetPieceHash(res.Piece))

	if c.state == StateCheckingFiles {
		if matched {
			c.picker.PiecePassed(res.Piece)
		}
		c.numChecked++
		if c.numChecked < c.mi.NumPieces() {
			c.scheduleNextHash()
		} else {
			c.filesChecked()
		}
		return
	}

	// Post-download verification: a piece's blocks all finished writing and
	// its full payload was re-hashed from disk.
	if matched {
		contributors := c.picker.PiecePassed(res.Piece)
		go c.events.PieceHashPassed(c, res.Piece, contributors)
		if c.Complete() {
			c.complete()
		}
		return
	}
	// Hash mismatch: PieceFailed returns contributing peers for the
	// session/peerlist layer to apply trust penalties against (S3), then
	// the piece is restored so its blocks are re-requested.
	contributors := c.picker.PieceFailed(res.Piece)
	c.picker.RestorePiece(res.Piece)
	go c.events.PieceHashFailed(c, res.Piece, contributors)
}

// filesChecked transitions out of checking_files once every piece has been
// hashed, per §4.5.
func (c *Core) filesChecked() {
	if c.Complete() {
		c.complete()
	} else {
		c.state = StateDownloading
	}
}

// MarkAsWriting records that a block has arrived off the wire and its disk
// write has been issued, per §4.5's block arrival path.
func (c *Core) MarkAsWriting(piece, block int, data []byte, peerID core.PeerID) bool {
	if c.uploadMode {
		return false // upload_mode refuses new block writes until cleared.
	}
	ok := c.picker.MarkWriting(piece, block, peerID)
	if !ok {
		return false // duplicate arrival of an already-writing/finished block, ignored.
	}
	offset := block * int(c.blockSize)
	c.diskJobs.AsyncWrite(c.store, piece, block, offset, data)
	return true
}

func (c *Core) handleWriteResult(res disk.Result) {
	if res.Err != nil {
		c.picker.WriteFailed(res.Piece, res.Block)
		c.logger.Errorf("disk write failed for piece %d, entering upload_mode: %s", res.Piece, res.Err)
		c.SetUploadMode(true)
		return
	}
	pieceDone := c.picker.MarkFinished(res.Piece, res.Block)
	if pieceDone {
		c.scheduleHash(res.Piece)
	}
}

// UploadMode reports whether a write-time disk error has flipped this
// torrent into upload-only service (§3.1 upload_mode).
func (c *Core) UploadMode() bool { return c.uploadMode }

// SetUploadMode enters or clears upload_mode. Seeds remain usable while in
// upload_mode; MarkAsWriting refuses new block writes until it is cleared.
func (c *Core) SetUploadMode(v bool) { c.uploadMode = v }

// SuperSeeding reports whether this (complete) torrent is bootstrapping the
// swarm by handing out one rare piece at a time instead of its full
// bitfield (§3.1 super-seeding).
func (c *Core) SuperSeeding() bool { return c.superSeeding }

// SetSuperSeeding enables or disables super-seeding. Enabling it on an
// incomplete torrent is a no-op: super-seeding only makes sense once
// Complete() holds.
func (c *Core) SetSuperSeeding(v bool) {
	if v && !c.Complete() {
		return
	}
	c.superSeeding = v
}

// RenameFile records that fileIndex should be reported under newPath,
// round-tripping through resume data (§3.1 renamed files). The backing
// disk.Store holds one concatenated file per torrent rather than one file
// per metainfo entry, so there is no separate on-disk path to move; a
// rename is purely the logical index->path mapping a directory listing or
// a future multi-file Store would need.
func (c *Core) RenameFile(fileIndex int, newPath string) error {
	if fileIndex < 0 || fileIndex >= len(c.fileRanges) {
		return fmt.Errorf("file index %d out of bounds", fileIndex)
	}
	if c.renamedFiles == nil {
		c.renamedFiles = make(map[int]string)
	}
	c.renamedFiles[fileIndex] = newPath
	return nil
}

// RenamedFiles returns the file-index -> new-path map applied via
// RenameFile, for persisting into resume data.
func (c *Core) RenamedFiles() map[int]string {
	out := make(map[int]string, len(c.renamedFiles))
	for k, v := range c.renamedFiles {
		out[k] = v
	}
	return out
}

// SetWebSeeds records the HTTP seed URLs supplementing peer-to-peer
// transfer for this torrent (§3.1).
func (c *Core) SetWebSeeds(urls []string) { c.webSeeds = urls }

// WebSeeds returns the HTTP seed URLs configured for this torrent.
func (c *Core) WebSeeds() []string { return c.webSeeds }

// Complete reports whether every wanted piece is present.
func (c *Core) Complete() bool {
	if c.picker == nil {
		return c.haveAll
	}
	for i := 0; i < c.mi.NumPieces(); i++ {
		if !c.picker.Have(i) && c.wantedPiece(i) {
			return false
		}
	}
	return true
}

// Seeding reports whether literally every piece (wanted or not) is
// present, distinct from Complete which only requires wanted pieces.
func (c *Core) Seeding() bool {
	if c.picker == nil {
		return c.haveAll
	}
	for i := 0; i < c.mi.NumPieces(); i++ {
		if !c.picker.Have(i) {
			return false
		}
	}
	return true
}

func (c *Core) wantedPiece(i int) bool {
	for _, fr := range c.fileRanges {
		if fr.isPad || fr.priority == piece.DontDownload {
			continue
		}
		first := int(fr.start / c.mi.PieceLength())
		last := int((fr.end - 1) / c.mi.PieceLength())
		if i >= first && i <= last {
			return true
		}
	}
	return len(c.fileRanges) == 0
}

func (c *Core) complete() {
	c.completeOnce.Do(func() {
		if c.Seeding() {
			c.state = StateSeeding
		} else {
			c.state = StateFinished
		}
		go c.events.TorrentComplete(c)
	})
}

// SetFilePriority updates one file's priority and propagates the change to
// every piece it overlaps, taking the max priority across overlapping
// files per §4.5 "File priority propagation". Pad files are forced to
// DontDownload regardless of the requested priority.
func (c *Core) SetFilePriority(fileIndex int, prio piece.Priority) error {
	if fileIndex < 0 || fileIndex >= len(c.fileRanges) {
		return fmt.Errorf("file index %d out of bounds", fileIndex)
	}
	if c.fileRanges[fileIndex].isPad {
		return nil
	}
	c.fileRanges[fileIndex].priority = prio.Clamp()

	if c.applyingFilePriority {
		// A SetFilePriority call re-entered while propagation was already
		// walking fileRanges below; the new value above is picked up by
		// the pending propagateFilePriorities re-run instead of being lost.
		c.deferredFilePriority = true
		return nil
	}
	c.propagateFilePriorities()
	return nil
}

// propagateFilePriorities recomputes, for every piece, the max priority
// across all files overlapping it (pad files always contribute
// DontDownload) and applies any changes to the picker. If another
// SetFilePriority call arrives while this is running, it is re-run once
// more before returning so the latest values are never dropped.
func (c *Core) propagateFilePriorities() {
	c.applyingFilePriority = true
	defer func() { c.applyingFilePriority = false }()

	for {
		c.deferredFilePriority = false

		touched := make(map[int]piece.Priority)
		for _, fr := range c.fileRanges {
			p := fr.priority
			if fr.isPad {
				p = piece.DontDownload
			}
			c.forEachOverlappingPiece(fr, func(i int) {
				if cur, ok := touched[i]; !ok || p > cur {
					touched[i] = p
				}
			})
		}
		for i, p := range touched {
			c.picker.SetPiecePriority(i, p)
		}

		if !c.deferredFilePriority {
			return
		}
	}
}

func (c *Core) forEachOverlappingPiece(fr fileRange, fn func(piece int)) {
	pieceLen := c.mi.PieceLength()
	if pieceLen <= 0 {
		return
	}
	first := int(fr.start / pieceLen)
	last := int((fr.end - 1) / pieceLen)
	for i := first; i <= last && i < c.mi.NumPieces(); i++ {
		if i < 0 {
			continue
		}
		fn(i)
	}
}

// Pause sets the torrent's paused flag (see EffectivePaused) and posts
// TorrentPaused. graceful is not read here: choking peers and draining
// request queues is done by the session/peer layer. Core does not itself
// refuse block writes, hash jobs or piece picks while paused.
func (c *Core) Pause(graceful bool) {
	c.paused = true
	go c.events.TorrentPaused(c)
}

// ForceRecheck forces the torrent back into checking_files regardless of
// its current state, discarding in-progress downloads and previously
// verified pieces so every piece is re-hashed from scratch (§6 force_recheck).
func (c *Core) ForceRecheck() {
	c.resumeHave = nil
	c.picker.ResetProgress()
	c.checkExistingFiles()
}

// Resume clears the paused flags and, if a files-check was interrupted,
// restarts it.
func (c *Core) Resume() {
	wasChecking := c.state == StateCheckingFiles
	c.paused = false
	c.pausedSession = false
	if wasChecking {
		c.checkExistingFiles()
	}
}

// EffectivePaused is session_paused OR torrent_paused (§4.5).
func (c *Core) EffectivePaused() bool {
	return c.paused || c.pausedSession
}

// SetSessionPaused is driven by the owning session, not the torrent itself.
func (c *Core) SetSessionPaused(v bool) {
	c.pausedSession = v
}

func (c *Core) setError(code ErrorCode, fileIndex int, msg string) {
	c.err = &TorrentError{Code: code, FileIndex: fileIndex, Message: msg}
	c.paused = true
	go c.events.TorrentErrored(c, c.err)
}

// ClearError acknowledges and clears the latched error slot. If metadata
// was never downloaded, the caller is expected to retry via Resume.
func (c *Core) ClearError() {
	c.err = nil
}

// Error returns the current latched error, or nil.
func (c *Core) Error() *TorrentError { return c.err }

// State returns the torrent's current lifecycle state.
func (c *Core) State() State { return c.state }

// InfoHash returns the torrent's info hash.
func (c *Core) InfoHash() string { return c.mi.InfoHash().Hex() }

// Bitfield returns a snapshot of which pieces are present.
func (c *Core) Bitfield() *bitset.BitSet {
	bf := bitset.New(uint(c.mi.NumPieces()))
	if c.picker == nil {
		// haveAll seed mode builds no picker; every piece counts as had.
		for i := 0; i < c.mi.NumPieces(); i++ {
			bf.Set(uint(i))
		}
		return bf
	}
	for i := 0; i < c.mi.NumPieces(); i++ {
		if c.picker.Have(i) {
			bf.Set(uint(i))
		}
	}
	return bf
}

// Picker exposes the underlying piece picker for the peer session loop to
// drive PickPieces/refcount updates against.
func (c *Core) Picker() *piece.Picker { return c.picker }

// BlockSize returns the fixed block size blocks are requested/written at,
// letting the peer session loop translate a wire request's byte offset into
// a block index.
func (c *Core) BlockSize() int64 { return c.blockSize }

// pieceSizer adapts metainfo.MetaInfo to piece.BlockSizer.
type pieceSizer struct {
	mi        *metainfo.MetaInfo
	blockSize int64
}

func (s pieceSizer) BlocksInPiece(p int) int {
	length := int(s.mi.GetPieceLength(p))
	return (length + int(s.blockSize) - 1) / int(s.blockSize)
}

func (s pieceSizer) BlockLength(p, block int) int {
	pieceLength := int(s.mi.GetPieceLength(p))
	start := block * int(s.blockSize)
	rem := pieceLength - start
	if rem < int(s.blockSize) {
		return rem
	}
	return int(s.blockSize)
}
