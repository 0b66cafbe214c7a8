package session

import (
	"math"
	"time"

	"github.com/willf/bitset"

	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/wire"
)

// peerConn is one active, handshaken peer connection within a torrentEntry,
// layering choke state and transfer-rate bookkeeping over a wire.Conn so it
// can satisfy unchoke.PeerStats, mirroring the bookkeeping
// connstate.activeConn keeps alongside its raw conn.Conn.
type peerConn struct {
	conn *wire.Conn
	addr string

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	disconnecting bool
	ignored       bool

	// peerBitfield tracks which pieces this peer has advertised via
	// Bitfield/Have, consulted by the picker when selecting blocks to
	// request and when deciding whether we are Interested.
	peerBitfield *bitset.BitSet

	// isSeed is true once peerBitfield arrived with every piece set, used to
	// drive the picker's seed_count accounting instead of per-piece refcounts.
	isSeed bool

	// onParole marks a peer suspected of having supplied a piece that later
	// failed its hash check (S3): until cleared, the picker only gives it
	// pieces it can be pinned on exclusively.
	onParole bool

	// suggested holds pieces this peer has hinted (via wire.Suggest) are
	// cheap for it to serve right now,
	// walked ahead of ordinary mode dispatch by PickPieces.
	suggested []int

	totalUploaded   int64
	totalDownloaded int64

	// uploadedSinceTick/downloadedSinceTick accumulate bytes between ticks;
	// rate fields hold the most recently computed per-second figures.
	uploadedSinceTick   int64
	downloadedSinceTick int64
	uploadRate          int64
	downloadRate         int64

	createdAt time.Time
}

func newPeerConn(c *wire.Conn, addr string, now time.Time, numPieces int) *peerConn {
	return &peerConn{
		conn:         c,
		addr:         addr,
		amChoking:    true,
		peerChoking:  true,
		peerBitfield: bitset.New(uint(numPieces)),
		createdAt:    now,
	}
}

// recordUpload/recordDownload are called as piece messages are observed on
// the wire, accumulating bytes for the next tick's rate computation.
func (p *peerConn) recordUpload(n int64) {
	p.uploadedSinceTick += n
	p.totalUploaded += n
}

func (p *peerConn) recordDownload(n int64) {
	p.downloadedSinceTick += n
	p.totalDownloaded += n
}

// tick rolls the per-tick byte counters into a per-second rate and resets
// them, called once per tickInterval by the owning torrentEntry.
func (p *peerConn) tick(tickInterval time.Duration) {
	secs := tickInterval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	p.uploadRate = int64(float64(p.uploadedSinceTick) / secs)
	p.downloadRate = int64(float64(p.downloadedSinceTick) / secs)
	p.uploadedSinceTick = 0
	p.downloadedSinceTick = 0
}

// PeerID, DownloadRate, UploadRate, UploadedToRatio, Interested,
// Disconnecting, Ignored, ShareDiff, and Connected together satisfy
// unchoke.PeerStats.

func (p *peerConn) PeerID() core.PeerID  { return p.conn.PeerID() }
func (p *peerConn) DownloadRate() int64  { return p.downloadRate }
func (p *peerConn) UploadRate() int64    { return p.uploadRate }

func (p *peerConn) UploadedToRatio() float64 {
	if p.totalDownloaded == 0 {
		if p.totalUploaded == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(p.totalUploaded) / float64(p.totalDownloaded)
}

func (p *peerConn) Interested() bool    { return p.peerInterested }
func (p *peerConn) Disconnecting() bool { return p.disconnecting }
func (p *peerConn) Ignored() bool       { return p.ignored }
func (p *peerConn) ShareDiff() int64    { return p.totalUploaded - p.totalDownloaded }
func (p *peerConn) Connected() bool     { return !p.conn.IsClosed() }
