package piece

// extentSize is the byte span pieces are grouped into for on-disk locality
// affinity (§4.2 "Each downloading piece joins a bounded LRU of extents").
// 4MiB matches the teacher's own on-disk allocation granularity for
// sequential read-ahead to pay off.
const extentSize = 4 * 1024 * 1024

// maxExtents bounds the LRU so affinity scanning stays cheap regardless of
// torrent size; the least-recently-touched extent falls off once a new one
// needs the room.
const maxExtents = 16

// extentLRU tracks the most-recently-touched extents, most-recent first, by
// refcounting how many currently-downloading pieces fall within each. It
// lets rarest-first picking prefer starting a piece next to one already in
// flight over an unrelated piece equally rare by peer count.
type extentLRU struct {
	order    []int64 // most-recently-touched first
	refcount map[int64]int
}

func newExtentLRU() *extentLRU {
	return &extentLRU{refcount: make(map[int64]int)}
}

func extentID(piece int, pieceLength int64) int64 {
	if pieceLength <= 0 {
		pieceLength = 1
	}
	return int64(piece) * pieceLength / extentSize
}

func piecesPerExtent(pieceLength int64) int {
	if pieceLength <= 0 {
		pieceLength = 1
	}
	n := int(extentSize / pieceLength)
	if n < 1 {
		n = 1
	}
	return n
}

// join records a piece starting to download, creating and promoting its
// extent to most-recently-used, evicting the least-recently-used extent if
// the LRU is at capacity and the piece's extent is not already tracked.
func (l *extentLRU) join(piece int, pieceLength int64) {
	id := extentID(piece, pieceLength)
	if _, ok := l.refcount[id]; !ok {
		if len(l.order) >= maxExtents {
			oldest := l.order[len(l.order)-1]
			l.order = l.order[:len(l.order)-1]
			delete(l.refcount, oldest)
		}
		l.refcount[id] = 0
	}
	l.refcount[id]++
	l.promote(id)
}

// leave records a piece no longer downloading (finished or abandoned),
// dropping the extent once no downloading piece remains in it.
func (l *extentLRU) leave(piece int, pieceLength int64) {
	id := extentID(piece, pieceLength)
	n, ok := l.refcount[id]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(l.refcount, id)
		for i, oid := range l.order {
			if oid == id {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
		return
	}
	l.refcount[id] = n
}

func (l *extentLRU) promote(id int64) {
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append([]int64{id}, l.order...)
}

// candidatePieces returns every piece index within a tracked extent,
// most-recently-touched extent first, for rarest-first picking to try
// ahead of its ordinary peer-count ordering. Pieces already downloading,
// had, or filtered are left for the caller to skip as usual.
func (l *extentLRU) candidatePieces(pieceLength int64, numPieces int) []int {
	perExtent := piecesPerExtent(pieceLength)
	var out []int
	for _, id := range l.order {
		first := int(id) * perExtent
		last := first + perExtent - 1
		for p := first; p <= last && p < numPieces; p++ {
			if p >= 0 {
				out = append(out, p)
			}
		}
	}
	return out
}
