package piece

import "github.com/torrentd/libtorrent/core"

// position is a piece's always-resident bookkeeping record (§3 "piece
// position"). One exists per piece index for the lifetime of the torrent.
type position struct {
	priority Priority
	state    State
	have     bool
	reverse  bool

	// indexInPickList is not maintained: nothing assigns it, and pickList
	// keeps each bucket's order itself.
	indexInPickList int
}

// downloading is created lazily on the first block request for a piece and
// destroyed once the piece finishes or is abandoned (§3 "downloading
// piece").
type downloading struct {
	piece int
	base  int // blocktable chunk base
	n     int // number of live blocks in this chunk (last piece may be short)

	requested int
	writing   int
	finished  int

	passedHashCheck bool
	locked          bool

	// reverse is set once a second peer starts contributing blocks to an
	// already-contended piece: the later peer fills from the tail instead
	// of the head, so two peers converge toward the middle instead of
	// racing over the same blocks (§4.2 downloading/downloading_reverse).
	reverse bool

	// contributors tracks which peers supplied at least one block, used for
	// PieceFailed's trust-penalty attribution (S3).
	contributors map[core.PeerID]int
}

func newDownloading(pieceIdx, base, n int) *downloading {
	return &downloading{
		piece:        pieceIdx,
		base:         base,
		n:            n,
		contributors: make(map[core.PeerID]int),
	}
}
