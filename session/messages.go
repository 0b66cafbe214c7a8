package session

import (
	"github.com/willf/bitset"

	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/disk"
	"github.com/torrentd/libtorrent/piece"
	"github.com/torrentd/libtorrent/wire"
)

// peerMessageEvent occurs when a handshaken peer sends a wire-protocol
// message, forwarded into the loop by drainPeerMessages.
type peerMessageEvent struct {
	infoHash core.InfoHash
	peerID   core.PeerID
	msg      *wire.Message
}

func (e peerMessageEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	pc, ok := t.conns[e.peerID]
	if !ok {
		return
	}

	switch e.msg.Type {
	case wire.Choke:
		pc.peerChoking = true
	case wire.Unchoke:
		pc.peerChoking = false
		s.requestBlocks(t, pc)
	case wire.Interested:
		pc.peerInterested = true
	case wire.NotInterested:
		pc.peerInterested = false
	case wire.Have:
		pc.peerBitfield.Set(uint(e.msg.Index))
		t.core.Picker().IncRefcount(e.msg.Index)
		s.updateInterest(t, pc)
	case wire.Bitfield:
		t.core.Picker().DecRefcountBitfield(pc.peerBitfield)
		pc.peerBitfield = e.msg.Bitfield
		t.core.Picker().IncRefcountBitfield(pc.peerBitfield)
		if isCompleteBitfield(pc.peerBitfield, t.mi.NumPieces()) {
			pc.isSeed = true
			t.core.Picker().IncSeedCount()
		}
		s.updateInterest(t, pc)
	case wire.Request:
		if !pc.amChoking {
			go s.sess.serveBlockRequest(t.infoHash, pc.conn, t.store, e.msg.Index, e.msg.Begin, e.msg.Length)
		}
	case wire.Piece:
		pc.recordDownload(int64(len(e.msg.Block)))
		block := e.msg.Begin / int(t.core.BlockSize())
		t.core.MarkAsWriting(e.msg.Index, block, e.msg.Block, pc.PeerID())
		s.requestBlocks(t, pc)
	case wire.Suggest:
		pc.suggested = addSuggested(pc.suggested, e.msg.Index)
	case wire.Extended:
		if piece, ok := e.msg.DontHave(); ok {
			pc.peerBitfield.Clear(uint(piece))
			t.core.Picker().DecRefcount(piece)
			// An unexpected dont_have from a peer we believed was a seed means
			// our seed_count is now wrong for every other piece it claimed to
			// have; break it out into real per-piece counts (§4.2 S5).
			if pc.isSeed {
				pc.isSeed = false
				t.core.Picker().BreakOneSeed(piece)
			}
		}
	case wire.Cancel, wire.Port, wire.KeepAlive:
		// Cancel is best-effort here: the picker has no per-request queue to
		// prune, so an in-flight read for an already-cancelled request is
		// simply sent anyway. Port is an unimplemented extension (DHT).
	}
}

// updateInterest recomputes whether we are interested in pc given its most
// recently advertised bitfield, sending Interested/NotInterested only when
// the state actually flips (§4.1).
func (s *state) updateInterest(t *torrentEntry, pc *peerConn) {
	interested := false
	if pc.peerBitfield != nil {
		for i, ok := pc.peerBitfield.NextSet(0); ok; i, ok = pc.peerBitfield.NextSet(i + 1) {
			if !t.core.Picker().Have(int(i)) {
				interested = true
				break
			}
		}
	}
	if interested == pc.amInterested {
		return
	}
	pc.amInterested = interested
	if interested {
		pc.conn.Send(wire.NewSimple(wire.Interested))
		if !pc.peerChoking {
			s.requestBlocks(t, pc)
		}
	} else {
		pc.conn.Send(wire.NewSimple(wire.NotInterested))
	}
}

// requestBlocks tops up pc's outstanding request pipeline from the piece
// picker, per §4.2's block-level selection.
func (s *state) requestBlocks(t *torrentEntry, pc *peerConn) {
	if pc.peerChoking || pc.peerBitfield == nil {
		return
	}
	prio := s.sess.config.Torrent.PrioritizePartials
	t.core.Picker().SetPrioritizePartials(prio)
	options := piece.PickOptions{OnParole: pc.onParole}
	picks, err := t.core.Picker().PickPieces(
		pc.peerBitfield, s.sess.config.Torrent.PipelineLimit,
		t.core.Picker().Mode() == piece.ModeSequential, pc.PeerID(), options, pc.suggested)
	if err != nil {
		return
	}
	for _, pk := range picks {
		pc.conn.Send(wire.NewRequest(pk.Piece, pk.Begin, pk.Length))
	}
}

// isCompleteBitfield reports whether bf has every one of numPieces bits set,
// the signal that a peer advertising it is a seed (§4.2 seed_count).
func isCompleteBitfield(bf *bitset.BitSet, numPieces int) bool {
	return bf != nil && int(bf.Count()) == numPieces
}

// maxSuggested bounds how many suggested pieces a peer's hints accumulate
// before the oldest is dropped, so a chatty peer can't grow this unbounded.
const maxSuggested = 8

// addSuggested appends piece to suggested, de-duplicating and capping the
// list at maxSuggested entries (oldest dropped first).
func addSuggested(suggested []int, piece int) []int {
	for _, p := range suggested {
		if p == piece {
			return suggested
		}
	}
	suggested = append(suggested, piece)
	if len(suggested) > maxSuggested {
		suggested = suggested[len(suggested)-maxSuggested:]
	}
	return suggested
}

// blockUploadedEvent occurs when serveBlockRequest finishes sending a Piece
// message, rolling the sent bytes into pc's upload accounting for the
// unchoke algorithm and tracker stats.
type blockUploadedEvent struct {
	infoHash core.InfoHash
	peerID   core.PeerID
	n        int64
}

func (e blockUploadedEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	pc, ok := t.conns[e.peerID]
	if !ok {
		return
	}
	pc.recordUpload(e.n)
}

// serveBlockRequest reads the requested block off disk and writes it
// straight to conn, off the event loop per §5's disk/network I/O
// discipline. Only the upload accounting crosses back into state.
func (s *SessionCore) serveBlockRequest(h core.InfoHash, conn *wire.Conn, store *disk.Store, piece, begin, length int) {
	data, err := store.ReadPiece(piece, begin, length)
	if err != nil {
		return
	}
	if conn.Send(wire.NewPiece(piece, begin, data)) != nil {
		return
	}
	s.loop.send(blockUploadedEvent{h, conn.PeerID(), int64(len(data))})
}
