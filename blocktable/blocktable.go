// Package blocktable provides pooled, contiguous storage for the per-block
// request state of in-progress pieces. It is the block-granular counterpart
// of the teacher's piece-level piecerequest bookkeeping: instead of indexing
// one Request per (piece, peer), it indexes one fixed-size chunk of Block
// records per downloading piece and hands chunks out of a free-list so that
// allocation is O(1) and does not grow unboundedly with swarm churn.
package blocktable

import "github.com/torrentd/libtorrent/core"

// State is the lifecycle of a single block within a downloading piece.
type State int

const (
	// StateNone means no outstanding request and no data written.
	StateNone State = iota
	// StateRequested means a request is outstanding with at least one peer.
	StateRequested
	// StateWriting means data was received and a disk write is in flight.
	StateWriting
	// StateFinished means the block is durably written.
	StateFinished
)

// Block is one block's request-state record.
type Block struct {
	State    State
	NumPeers int         // count of peers with an outstanding request for this block.
	Peer     core.PeerID // the peer that supplied (or is supplying) this block.
	HasPeer  bool
}

// chunkFree marks chunks on the free-list; chunkLive is any chunk with a
// live downloading piece.
const (
	chunkFree = iota
	chunkLive
)

// Table is pooled storage for block records, one chunk of blocksPerPiece
// records per downloading piece. Not safe for concurrent use: callers own
// synchronization, exactly as piecerequest.Manager's RWMutex is the only
// synchronization boundary for its own data and the owning component is
// expected to serialize calls from the single network-thread event loop.
type Table struct {
	blocksPerPiece int
	blocks         []Block
	chunkState     []int
	freeList       []int
}

// New creates a Table sized for pieces with up to blocksPerPiece blocks each.
func New(blocksPerPiece int) *Table {
	if blocksPerPiece <= 0 {
		blocksPerPiece = 1
	}
	return &Table{blocksPerPiece: blocksPerPiece}
}

// BlocksPerPiece returns the chunk size used for allocation.
func (t *Table) BlocksPerPiece() int {
	return t.blocksPerPiece
}

// Alloc reserves a new chunk and returns its base index into View. The
// chunk's blocks all start in StateNone.
func (t *Table) Alloc() int {
	if n := len(t.freeList); n > 0 {
		chunk := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.chunkState[chunk] = chunkLive
		base := chunk * t.blocksPerPiece
		for i := 0; i < t.blocksPerPiece; i++ {
			t.blocks[base+i] = Block{}
		}
		return base
	}
	chunk := len(t.chunkState)
	t.chunkState = append(t.chunkState, chunkLive)
	base := chunk * t.blocksPerPiece
	t.blocks = append(t.blocks, make([]Block, t.blocksPerPiece)...)
	return base
}

// Free returns the chunk starting at base to the free-list.
func (t *Table) Free(base int) {
	chunk := base / t.blocksPerPiece
	t.chunkState[chunk] = chunkFree
	t.freeList = append(t.freeList, chunk)
}

// View returns the live block slice for a chunk allocated at base, truncated
// to n blocks (the last piece in a torrent may have fewer than blocksPerPiece).
func (t *Table) View(base, n int) []Block {
	return t.blocks[base : base+n]
}

// Get returns a pointer to the block at base+offset for in-place mutation.
func (t *Table) Get(base, offset int) *Block {
	return &t.blocks[base+offset]
}

// Counts tallies requested/writing/finished blocks across a chunk's first n
// entries, satisfying invariant I1 (their sum equals the count of non-none
// blocks).
func (t *Table) Counts(base, n int) (requested, writing, finished int) {
	for _, b := range t.View(base, n) {
		switch b.State {
		case StateRequested:
			requested++
		case StateWriting:
			writing++
		case StateFinished:
			finished++
		}
	}
	return
}
