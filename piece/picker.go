// Package piece implements the PiecePicker: block-level selection of what to
// request from which peer, under rarest-first/sequential/time-critical/
// default modes plus an end-game fallback, generalized from the teacher's
// whole-piece piecerequest.Manager down to block granularity (§4.2).
package piece

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/willf/bitset"

	"github.com/torrentd/libtorrent/blocktable"
	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/syncutil"
)

// BlockSizer answers layout questions the Picker needs but does not own:
// how many blocks a piece has, and how long a given block is (the last
// block of the last piece is usually short).
type BlockSizer interface {
	BlocksInPiece(piece int) int
	BlockLength(piece, block int) int
}

// Pick is a single (piece, block) selection returned by PickPieces.
type Pick struct {
	Piece  int
	Block  int
	Begin  int
	Length int
}

// PickOptions carries per-peer context PickPieces needs beyond the
// bitfield/peer-id/suggestion-list arguments, mirroring the extra knobs
// libtorrent's picker threads through its pick_pieces call (§4.2).
type PickOptions struct {
	// OnParole restricts picking to pieces this peer can be picked
	// exclusively on: a peer suspected of having sent bad data (S3) is only
	// trusted to re-supply a piece nobody else is contributing to, so a
	// second bad copy can be pinned on it unambiguously.
	OnParole bool
}

// minContiguousRun is the shortest run of free blocks preferContiguous will
// accept before diverting a piece to the backup2 list instead (§4.2).
const minContiguousRun = 4

// autoPrioritizePartialsRemaining is how few not-yet-had, non-filtered
// pieces may remain before the top-up step runs unconditionally regardless
// of PrioritizePartials, the same way end-game duplication phases in near
// completion (§4.2 set_sequential_download's sibling tuning knob).
const autoPrioritizePartialsRemaining = 20

// Picker selects blocks to request, and tracks per-block request state for
// every piece currently being downloaded.
type Picker struct {
	sizer BlockSizer

	numPieces   int
	pieceLength int64
	positions   []position
	peerCounts  syncutil.Counters
	seedCount   int

	blocks      *blocktable.Table
	downloading map[int]*downloading
	extents     *extentLRU

	list *pickList
	mode Mode

	prioritizePartials bool
	endGame            bool
}

// New creates a Picker for a torrent with numPieces pieces, each
// pieceLength bytes (the last piece may be shorter; only used here to size
// locality extents). blocksPerPiece sizes the underlying block table's
// chunk allocation.
func New(numPieces int, pieceLength int64, blocksPerPiece int, sizer BlockSizer, mode Mode) *Picker {
	p := &Picker{
		sizer:       sizer,
		numPieces:   numPieces,
		pieceLength: pieceLength,
		positions:   make([]position, numPieces),
		peerCounts:  syncutil.NewCounters(numPieces),
		blocks:      blocktable.New(blocksPerPiece),
		downloading: make(map[int]*downloading),
		extents:     newExtentLRU(),
		list:        newPickList(),
		mode:        mode,
	}
	for i := range p.positions {
		p.positions[i] = position{priority: PriorityDefault, state: StateOpen}
		p.list.add(i, PriorityDefault)
	}
	return p
}

// SetMode changes the active picking algorithm.
func (p *Picker) SetMode(m Mode) { p.mode = m }

// Mode returns the active picking algorithm, letting callers derive
// whether contiguous-block requests make sense for the current torrent
// (e.g. sequential downloads always prefer them).
func (p *Picker) Mode() Mode { return p.mode }

// SetPrioritizePartials forces the top-up step to run on every call
// regardless of how many pieces remain, instead of only auto-enabling near
// the end of the download (§4.2 prioritize_partial_pieces).
func (p *Picker) SetPrioritizePartials(v bool) { p.prioritizePartials = v }

// Have reports whether piece i has passed verification.
func (p *Picker) Have(i int) bool { return p.positions[i].have }

// SetPiecePriority transitions piece i between filtered and non-filtered,
// updating the pick list (§4.2 set_piece_priority, S4).
func (p *Picker) SetPiecePriority(i int, prio Priority) {
	prio = prio.Clamp()
	pos := &p.positions[i]
	old := pos.priority
	if old == prio {
		return
	}
	if pos.have {
		pos.priority = prio
		return
	}
	if old != DontDownload {
		p.list.remove(i, old)
	}
	pos.priority = prio
	if prio == DontDownload {
		pos.state = StateZeroPriority
		// A downloading piece that becomes filtered is abandoned: its
		// blocks are returned, per "zero_priority" transition in §4.2.
		if dp, ok := p.downloading[i]; ok {
			p.abandon(dp)
		}
		return
	}
	if pos.state == StateZeroPriority {
		pos.state = StateOpen
	}
	p.list.add(i, prio)
}

// IncRefcount records that a connected peer advertises piece i.
func (p *Picker) IncRefcount(i int) {
	p.peerCounts.Increment(i)
}

// DecRefcount records that a peer no longer advertises (or disconnected
// while advertising) piece i.
func (p *Picker) DecRefcount(i int) {
	p.peerCounts.Decrement(i)
}

// IncRefcountBitfield bulk-applies IncRefcount over bf.
func (p *Picker) IncRefcountBitfield(bf *bitset.BitSet) {
	for i, ok := bf.NextSet(0); ok; i, ok = bf.NextSet(i + 1) {
		p.IncRefcount(int(i))
	}
}

// DecRefcountBitfield bulk-applies DecRefcount over bf.
func (p *Picker) DecRefcountBitfield(bf *bitset.BitSet) {
	for i, ok := bf.NextSet(0); ok; i, ok = bf.NextSet(i + 1) {
		p.DecRefcount(int(i))
	}
}

// IncSeedCount records a newly connected seed, without decomposing into
// per-piece counts.
func (p *Picker) IncSeedCount() { p.seedCount++ }

// BreakOneSeed decomposes one seed's contribution into per-piece counts,
// except for piece dontHave (the piece the former seed just reported it
// lacks), used when a seed sends an unexpected "don't have" (S5).
func (p *Picker) BreakOneSeed(dontHave int) {
	if p.seedCount > 0 {
		p.seedCount--
	}
	for i := 0; i < p.numPieces; i++ {
		if i == dontHave {
			continue
		}
		p.IncRefcount(i)
	}
}

// RarestHave returns the piece this node has that is advertised by the
// fewest connected peers, for super-seeding (§3.1): handing a new peer one
// rare piece at a time spreads the swarm's first copies instead of letting
// every peer request the same early piece from the seed.
func (p *Picker) RarestHave() (piece int, ok bool) {
	best := -1
	bestCount := 0
	for i := 0; i < p.numPieces; i++ {
		if !p.positions[i].have {
			continue
		}
		c := p.peerCounts.Get(i)
		if best == -1 || c < bestCount {
			best, bestCount = i, c
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// NumFiltered returns the number of pieces currently excluded from download.
func (p *Picker) NumFiltered() int {
	n := 0
	for i := range p.positions {
		if p.positions[i].priority == DontDownload {
			n++
		}
	}
	return n
}

// remainingWanted counts not-had, non-filtered pieces, used to auto-enable
// partial-piece prioritization near the end of a download.
func (p *Picker) remainingWanted() int {
	n := 0
	for i := range p.positions {
		if !p.positions[i].have && p.positions[i].priority != DontDownload {
			n++
		}
	}
	return n
}

func (p *Picker) shouldPrioritizePartials() bool {
	return p.prioritizePartials || p.remainingWanted() <= autoPrioritizePartialsRemaining
}

// HasOutstandingRequests reports whether any piece currently has a block in
// flight, used by a graceful pause to know when it is safe to disconnect
// (§8 S6: choke, then wait for request queues to drain, then disconnect).
func (p *Picker) HasOutstandingRequests() bool {
	for _, dp := range p.downloading {
		if dp.requested > 0 {
			return true
		}
	}
	return false
}

// PickPieces selects up to maxBlocks blocks to request from peer, who has
// advertised peerHas, honoring the current Mode and falling back to
// end-game duplication when nothing new is available (§4.2). preferContiguous
// asks the picker to favor runs of adjacent free blocks within a piece
// (cheaper for peers that read ahead); suggested lists pieces the peer has
// hinted it would serve cheaply (BEP 6 suggest / a seed's local state),
// walked ahead of the ordinary mode dispatch.
func (p *Picker) PickPieces(
	peerHas *bitset.BitSet, maxBlocks int, preferContiguous bool,
	peer core.PeerID, options PickOptions, suggested []int) ([]Pick, error) {

	if maxBlocks <= 0 {
		return nil, nil
	}

	var picks []Pick
	var backup2 []*downloading // pieces diverted for too-short a contiguous run.

	addFrom := func(dp *downloading) {
		if dp.locked {
			return
		}
		var diverted bool
		picks, diverted = p.addBlocksFromDownloading(picks, dp, peer, maxBlocks, preferContiguous, options)
		if diverted {
			backup2 = append(backup2, dp)
		}
	}

	// Step 1: top up pieces already downloading, rarest first -- gated by
	// prioritize_partials so a peer with few free request slots isn't spent
	// entirely on stragglers while the torrent is still wide open.
	if p.shouldPrioritizePartials() {
		for _, i := range p.downloadingByRarity() {
			if len(picks) >= maxBlocks {
				break
			}
			if !peerHas.Test(uint(i)) {
				continue
			}
			addFrom(p.downloading[i])
		}
	}

	// Step 2: walk pieces the peer suggested, ahead of ordinary mode
	// dispatch -- a peer offering a piece usually means it's cheap for it
	// to serve right now (BEP 6 suggest, or a super-seed's single hint).
	for _, i := range suggested {
		if len(picks) >= maxBlocks {
			break
		}
		if i < 0 || i >= p.numPieces {
			continue
		}
		if p.positions[i].have || p.positions[i].priority == DontDownload {
			continue
		}
		if !peerHas.Test(uint(i)) {
			continue
		}
		dp, ok := p.downloading[i]
		if !ok {
			dp = p.startDownloading(i)
		}
		addFrom(dp)
	}

	// Step 3: pick new pieces per mode.
	if len(picks) < maxBlocks {
		picks = p.pickNewPieces(picks, peerHas, maxBlocks, peer, preferContiguous, options, &backup2)
	}

	// Step 4: drain the backup list collected above -- retry each diverted
	// piece without the contiguous-run preference, since by now nothing
	// better was found.
	for _, dp := range backup2 {
		if len(picks) >= maxBlocks {
			break
		}
		if dp.locked {
			continue
		}
		picks, _ = p.addBlocksFromDownloading(picks, dp, peer, maxBlocks, false, options)
	}

	// Step 5: end-game -- duplicate outstanding requests from other peers,
	// never while the peer is on parole (a paroled peer must only ever be
	// given exclusive work, per S3's isolation requirement).
	if p.endGame && len(picks) < maxBlocks && !options.OnParole {
		picks = p.pickEndGame(picks, peerHas, maxBlocks, peer)
	}

	return picks, nil
}

func (p *Picker) pickNewPieces(
	picks []Pick, peerHas *bitset.BitSet, maxBlocks int, peer core.PeerID,
	preferContiguous bool, options PickOptions, backup2 *[]*downloading) []Pick {

	candidates := p.modeCandidates()
	for _, i := range candidates {
		if len(picks) >= maxBlocks {
			break
		}
		if p.positions[i].have || p.positions[i].priority == DontDownload {
			continue
		}
		if _, ok := p.downloading[i]; ok {
			continue // already handled in step 1/2.
		}
		if !peerHas.Test(uint(i)) {
			continue
		}
		dp := p.startDownloading(i)
		var diverted bool
		picks, diverted = p.addBlocksFromDownloading(picks, dp, peer, maxBlocks, preferContiguous, options)
		if diverted {
			*backup2 = append(*backup2, dp)
		}
	}
	return picks
}

func (p *Picker) modeCandidates() []int {
	switch p.mode {
	case ModeSequential:
		out := make([]int, p.numPieces)
		for i := range out {
			out[i] = i
		}
		return out
	case ModeTimeCritical:
		return p.list.topPriority()
	case ModeDefault:
		out := make([]int, p.numPieces)
		for i := range out {
			out[i] = i
		}
		start := rand.Intn(p.numPieces)
		rotated := make([]int, 0, p.numPieces)
		rotated = append(rotated, out[start:]...)
		rotated = append(rotated, out[:start]...)
		return rotated
	default: // ModeRarestFirst
		// Pieces sharing a disk-locality extent with one already downloading
		// are tried first, ahead of the ordinary rarest-first ordering
		// (§4.2 piece-extent affinity).
		affinity := p.extents.candidatePieces(p.pieceLength, p.numPieces)
		// The pick list is highest priority first; within a priority, fewer
		// advertising peers go first, ties keeping the list's random order.
		ordered := append([]int(nil), p.list.ordered()...)
		sort.SliceStable(ordered, func(a, b int) bool {
			pa, pb := p.positions[ordered[a]].priority, p.positions[ordered[b]].priority
			if pa != pb {
				return pa > pb
			}
			return p.peerCounts.Get(ordered[a]) < p.peerCounts.Get(ordered[b])
		})
		return append(affinity, ordered...)
	}
}

func (p *Picker) downloadingByRarity() []int {
	ids := make([]int, 0, len(p.downloading))
	for i := range p.downloading {
		ids = append(ids, i)
	}
	// Stable-ish rarest-first ordering: ascending peer_count.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && p.peerCounts.Get(ids[j-1]) > p.peerCounts.Get(ids[j]); j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func (p *Picker) startDownloading(i int) *downloading {
	n := p.sizer.BlocksInPiece(i)
	base := p.blocks.Alloc()
	dp := newDownloading(i, base, n)
	p.downloading[i] = dp
	p.positions[i].state = StateOpen
	p.extents.join(i, p.pieceLength)
	return dp
}

// exclusivity reports whether peer is the only peer with any block of dp
// (exclusive), and whether peer already has at least one block of dp
// in flight (exclusiveActive) -- the two facts add_blocks_downloading needs
// to decide an on-parole refusal and a short-contiguous-run diversion
// (§4.2).
func (p *Picker) exclusivity(dp *downloading, peer core.PeerID) (exclusive, exclusiveActive bool) {
	exclusive = true
	for off := 0; off < dp.n; off++ {
		b := p.blocks.Get(dp.base, off)
		if !b.HasPeer {
			continue
		}
		if b.Peer == peer {
			exclusiveActive = true
			continue
		}
		exclusive = false
	}
	return exclusive, exclusiveActive
}

// maxContiguousRun finds the longest run of state-none blocks in dp and
// where it starts, the starting point add_blocks_downloading fills from
// when a contiguous run is requested (§4.2).
func (p *Picker) maxContiguousRun(dp *downloading) (runLen, start int) {
	curLen, curStart := 0, 0
	for off := 0; off < dp.n; off++ {
		b := p.blocks.Get(dp.base, off)
		if b.State == blocktable.StateNone {
			if curLen == 0 {
				curStart = off
			}
			curLen++
			if curLen > runLen {
				runLen, start = curLen, curStart
			}
		} else {
			curLen = 0
		}
	}
	return runLen, start
}

// addBlocksFromDownloading implements add_blocks_downloading (§4.2): a
// peer on parole may only be given a piece it exclusively controls; a
// caller that wants contiguous blocks is refused (diverted=true) if the
// longest free run is too short and the peer isn't already active on this
// piece; otherwise blocks in state none are picked starting from the best
// run, wrapping modulo the piece's block count. A second peer joining an
// already-contended piece fills from the opposite end (§4.2
// downloading/downloading_reverse).
func (p *Picker) addBlocksFromDownloading(
	picks []Pick, dp *downloading, peer core.PeerID, maxBlocks int,
	preferContiguous bool, options PickOptions) ([]Pick, bool) {

	exclusive, exclusiveActive := p.exclusivity(dp, peer)

	if options.OnParole && !exclusive {
		return picks, false
	}

	if !exclusive && !dp.reverse {
		dp.reverse = true
	}

	runLen, start := p.maxContiguousRun(dp)
	if preferContiguous && runLen < minContiguousRun && !exclusiveActive {
		return picks, true
	}

	n := dp.n
	for i := 0; i < n && len(picks) < maxBlocks; i++ {
		var off int
		if dp.reverse {
			off = (n - 1 - i + n) % n
		} else {
			off = (start + i) % n
		}
		b := p.blocks.Get(dp.base, off)
		if b.State != blocktable.StateNone {
			continue
		}
		b.State = blocktable.StateRequested
		b.NumPeers = 1
		b.Peer = peer
		b.HasPeer = true
		dp.requested++
		picks = append(picks, Pick{
			Piece:  dp.piece,
			Block:  off,
			Begin:  off * p.blockSize(dp.piece),
			Length: p.sizer.BlockLength(dp.piece, off),
		})
	}
	p.updatePieceState(dp)
	return picks, false
}

func (p *Picker) pickEndGame(
	picks []Pick, peerHas *bitset.BitSet, maxBlocks int, peer core.PeerID) []Pick {

	for _, i := range p.downloadingByRarity() {
		if len(picks) >= maxBlocks {
			break
		}
		if !peerHas.Test(uint(i)) {
			continue
		}
		dp := p.downloading[i]
		if dp.locked {
			continue
		}
		for off := 0; off < dp.n && len(picks) < maxBlocks; off++ {
			b := p.blocks.Get(dp.base, off)
			if b.State != blocktable.StateRequested || b.HasPeer && b.Peer == peer {
				continue
			}
			b.NumPeers++
			picks = append(picks, Pick{
				Piece:  dp.piece,
				Block:  off,
				Begin:  off * p.blockSize(dp.piece),
				Length: p.sizer.BlockLength(dp.piece, off),
			})
		}
	}
	return picks
}

func (p *Picker) blockSize(piece int) int {
	// Canonical block size is the length of block 0; only the final block of
	// the final piece may be shorter, which BlockLength already accounts for.
	return p.sizer.BlockLength(piece, 0)
}

// MarkWriting transitions a block from requested to writing, e.g. once the
// payload has arrived off the wire and a disk write has been issued.
func (p *Picker) MarkWriting(piece, block int, peer core.PeerID) bool {
	dp, ok := p.downloading[piece]
	if !ok {
		return false
	}
	b := p.blocks.Get(dp.base, block)
	if b.State == blocktable.StateWriting || b.State == blocktable.StateFinished {
		return false
	}
	if b.State == blocktable.StateRequested {
		dp.requested--
	}
	b.State = blocktable.StateWriting
	b.NumPeers = 0
	b.Peer = peer
	b.HasPeer = true
	dp.writing++
	dp.contributors[peer]++
	p.updatePieceState(dp)
	return true
}

// MarkFinished transitions a block to finished, e.g. once its disk write
// completes. Returns true if this was the piece's last outstanding block.
func (p *Picker) MarkFinished(piece, block int) bool {
	dp, ok := p.downloading[piece]
	if !ok {
		return false
	}
	b := p.blocks.Get(dp.base, block)
	if b.State == blocktable.StateFinished {
		return false
	}
	if b.State == blocktable.StateWriting {
		dp.writing--
	} else if b.State == blocktable.StateRequested {
		dp.requested--
	}
	b.State = blocktable.StateFinished
	dp.finished++
	p.updatePieceState(dp)
	return dp.finished == dp.n
}

// WriteFailed unwinds a block from writing back to none and locks the
// piece, per §4.2 write_failed.
func (p *Picker) WriteFailed(piece, block int) {
	dp, ok := p.downloading[piece]
	if !ok {
		return
	}
	b := p.blocks.Get(dp.base, block)
	if b.State == blocktable.StateWriting {
		dp.writing--
	}
	*b = blocktable.Block{}
	dp.passedHashCheck = false
	dp.locked = true
	p.updatePieceState(dp)
}

// PiecePassed marks piece i as verified and removes it from future picking,
// returning every peer that contributed a block so the caller can clear any
// parole status they were under (§4.3 piece_passed, S3).
func (p *Picker) PiecePassed(i int) []core.PeerID {
	dp, ok := p.downloading[i]
	var contributors []core.PeerID
	if ok {
		dp.passedHashCheck = true
		contributors = make([]core.PeerID, 0, len(dp.contributors))
		for peer := range dp.contributors {
			contributors = append(contributors, peer)
		}
	}
	pos := &p.positions[i]
	if pos.priority != DontDownload {
		p.list.remove(i, pos.priority)
	}
	pos.have = true
	pos.state = StateFinished
	if ok {
		p.blocks.Free(dp.base)
		p.extents.leave(i, p.pieceLength)
		delete(p.downloading, i)
	}
	return contributors
}

// PieceFailed locks piece i after a hash mismatch and returns the set of
// peers that contributed a block, for trust-penalty attribution (S3).
func (p *Picker) PieceFailed(i int) []core.PeerID {
	dp, ok := p.downloading[i]
	if !ok {
		return nil
	}
	dp.locked = true
	dp.passedHashCheck = false
	peers := make([]core.PeerID, 0, len(dp.contributors))
	for peer := range dp.contributors {
		peers = append(peers, peer)
	}
	return peers
}

// RestorePiece unlocks a previously-failed piece, clearing its blocks so it
// is re-requested from scratch.
func (p *Picker) RestorePiece(i int) {
	dp, ok := p.downloading[i]
	if !ok {
		return
	}
	for off := 0; off < dp.n; off++ {
		*p.blocks.Get(dp.base, off) = blocktable.Block{}
	}
	dp.requested, dp.writing, dp.finished = 0, 0, 0
	dp.locked = false
	dp.reverse = false
	dp.contributors = make(map[core.PeerID]int)
	p.updatePieceState(dp)
}

func (p *Picker) abandon(dp *downloading) {
	p.blocks.Free(dp.base)
	p.extents.leave(dp.piece, p.pieceLength)
	delete(p.downloading, dp.piece)
}

func (p *Picker) updatePieceState(dp *downloading) {
	pos := &p.positions[dp.piece]
	pos.reverse = dp.reverse
	if pos.priority == DontDownload {
		pos.state = StateZeroPriority
		return
	}
	switch {
	case dp.finished == dp.n:
		pos.state = StateFinished
	case dp.requested+dp.writing+dp.finished == dp.n && dp.requested > 0:
		if dp.reverse {
			pos.state = StateFullReverse
		} else {
			pos.state = StateFull
		}
	case dp.requested > 0 || dp.writing > 0:
		if dp.reverse {
			pos.state = StateDownloadingReverse
		} else {
			pos.state = StateDownloading
		}
	default:
		pos.state = StateOpen
	}
}

// ResetProgress clears every piece's have/downloading state back to open
// (filtered pieces back to zero-priority), abandoning any in-flight
// downloads, for a forced re-check that re-verifies the whole torrent from
// scratch regardless of what was previously verified (§6 force_recheck).
func (p *Picker) ResetProgress() {
	pieces := make([]int, 0, len(p.downloading))
	for i := range p.downloading {
		pieces = append(pieces, i)
	}
	for _, i := range pieces {
		p.abandon(p.downloading[i])
	}
	for i := range p.positions {
		pos := &p.positions[i]
		if pos.priority == DontDownload {
			pos.have = false
			pos.state = StateZeroPriority
			continue
		}
		hadPiece := pos.have
		pos.have = false
		pos.state = StateOpen
		if hadPiece {
			p.list.add(i, pos.priority)
		}
	}
}

// SetEndGame toggles end-game duplicate-request behavior.
func (p *Picker) SetEndGame(enabled bool) { p.endGame = enabled }

// String implements fmt.Stringer for debugging.
func (p *Picker) String() string {
	return fmt.Sprintf("Picker(pieces=%d, downloading=%d)", p.numPieces, len(p.downloading))
}
