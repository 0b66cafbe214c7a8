package session

import (
	"strconv"
	"time"

	"github.com/torrentd/libtorrent/announce"
	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/disk"
	"github.com/torrentd/libtorrent/metainfo"
	"github.com/torrentd/libtorrent/peerlist"
	"github.com/torrentd/libtorrent/torrent"
	"github.com/torrentd/libtorrent/unchoke"
	"github.com/torrentd/libtorrent/wire"
)

// torrentEntry is everything SessionCore tracks for one added torrent:
// its state machine, candidate-peer pool, announce back-off, choke
// algorithm, live connections, and private disk worker pool, mirroring the
// fields the teacher's torrentControl groups around a single dispatcher.
type torrentEntry struct {
	infoHash core.InfoHash
	mi       *metainfo.MetaInfo

	core      *torrent.Core
	peerList  *peerlist.PeerList
	announcer *announce.Scheduler
	unchoke   *unchoke.Manager
	unchokeCfg unchoke.Config

	conns    map[core.PeerID]*peerConn
	halfOpen map[string]struct{}

	diskJobs *disk.Thread
	store    *disk.Store

	addedAt time.Time

	// draining is set by a graceful Pause: peers are already choked, and the
	// torrent waits for in-flight block requests to finish before
	// disconnecting and posting a single paused alert (§8 S6).
	draining bool

	savePath string
}

// state is the mutable session state, touched only from within the event
// loop goroutine -- the same single-accessor discipline the teacher's
// scheduler.state follows.
type state struct {
	sess *SessionCore

	torrents map[core.InfoHash]*torrentEntry

	globalConns    int
	globalHalfOpen int

	tick int
}

func newState(sess *SessionCore) *state {
	return &state{sess: sess, torrents: make(map[core.InfoHash]*torrentEntry)}
}

func (s *state) torrentByCore(c *torrent.Core) (*torrentEntry, bool) {
	for _, t := range s.torrents {
		if t.core == c {
			return t, true
		}
	}
	return nil, false
}

// addConn admits a freshly handshaken conn (incoming or outgoing) into t,
// applying per-torrent and global admission control (§4.8): if the torrent
// is already full, its least active peer is evicted to make room; if the
// session as a whole is at capacity, the new conn is rejected outright.
func (s *state) addConn(t *torrentEntry, c *wire.Conn, addr string) {
	if _, exists := t.conns[c.PeerID()]; exists {
		c.Close()
		return
	}
	if len(t.conns) >= s.sess.config.MaxConnectionsPerTorrent {
		if !s.evictWorst(t) {
			c.Close()
			return
		}
	}
	if s.globalConns >= s.sess.config.MaxGlobalConnections {
		c.Close()
		return
	}
	pc := newPeerConn(c, addr, s.sess.clk.Now(), t.mi.NumPieces())
	t.conns[c.PeerID()] = pc
	s.globalConns++
	c.Start()
	if t.core.SuperSeeding() {
		// §3.1 super-seeding: advertise one rare piece instead of the
		// full bitfield, so every new peer fans out to a different
		// first piece rather than converging on whichever one the seed
		// happens to send first.
		if piece, ok := t.core.Picker().RarestHave(); ok {
			c.Send(wire.NewHave(piece))
		}
	} else {
		c.Send(wire.NewBitfield(t.core.Bitfield()))
	}
	go s.sess.drainPeerMessages(t.infoHash, c)
}

// evictWorst closes t's least active connected peer (lowest combined
// upload+download total) to free a slot for a newly admitted connection,
// per §4.8's per-torrent peer-rank eviction rule.
func (s *state) evictWorst(t *torrentEntry) bool {
	var worstID core.PeerID
	var worst *peerConn
	var worstActivity int64
	for id, pc := range t.conns {
		activity := pc.totalUploaded + pc.totalDownloaded
		if worst == nil || activity < worstActivity {
			worst, worstID, worstActivity = pc, id, activity
		}
	}
	if worst == nil {
		return false
	}
	delete(t.conns, worstID)
	s.globalConns--
	worst.conn.Close()
	return true
}

func (s *state) removeConn(t *torrentEntry, pc *peerConn) {
	if _, ok := t.conns[pc.conn.PeerID()]; !ok {
		return
	}
	delete(t.conns, pc.conn.PeerID())
	s.globalConns--
	t.core.Picker().DecRefcountBitfield(pc.peerBitfield)
	t.peerList.MarkDisconnected(pc.addr)
}

// admitIncoming completes admission for a conn accepted on a listen
// socket, which has no peerlist candidate entry of its own since we never
// dialed it. It is inserted as a SourceIncoming candidate so trust points
// and connected-state bookkeeping stay uniform with dialed peers.
func (s *state) admitIncoming(c *wire.Conn) {
	t, ok := s.torrents[c.InfoHash()]
	if !ok {
		c.Close()
		return
	}
	addr := "incoming:" + c.PeerID().String()
	t.peerList.Insert(addr, c.PeerID(), peerlist.SourceIncoming)
	t.peerList.MarkConnected(addr)
	s.addConn(t, c, addr)
}

// admitAnnouncedPeers inserts peers returned by a tracker response into
// t's candidate pool so the dial loop can pick them up.
func (s *state) admitAnnouncedPeers(t *torrentEntry, peers []core.PeerInfo) {
	for _, p := range peers {
		if p.PeerID == s.sess.pctx.PeerID {
			continue // tracker echoed our own peer id back.
		}
		addr := p.IP + ":" + strconv.Itoa(p.Port)
		t.peerList.Insert(addr, p.PeerID, peerlist.SourceTracker)
	}
}

// announceNow issues every pending (tracker, endpoint) announce for event
// ev against t asynchronously, posting the outcome back as an event.
func (s *state) announceNow(t *torrentEntry, ev announce.Event) {
	for _, p := range t.announcer.Pending(ev) {
		go s.sess.doAnnounce(t, p)
	}
}

// announceDue re-checks t's back-off timer on every tick and issues an
// event-less announce once it is due, covering the steady-state re-announce
// case described in §4.6; the started and completed announces go through
// announceNow directly.
func (s *state) announceDue(t *torrentEntry) {
	next, ok := t.announcer.NextAnnounce()
	if ok && !s.sess.clk.Now().Before(next) {
		s.announceNow(t, announce.EventNone)
	}
}

// tickTorrent runs one ~1Hz round for t: rolls per-peer byte counters into
// rates, runs the unchoke algorithm, and applies the resulting choke state
// over the wire (§4.7, §4.8).
func (s *state) tickTorrent(t *torrentEntry) {
	if t.draining {
		s.tickDraining(t)
		return
	}

	stats := make([]unchoke.PeerStats, 0, len(t.conns))
	for _, pc := range t.conns {
		pc.tick(s.sess.config.TickInterval)
		stats = append(stats, pc)
	}

	allowed := t.unchokeCfg.AllowedSlots(false, false)
	dec := t.unchoke.Tick(stats, t.core.Seeding(), allowed)

	for _, id := range dec.Unchoke {
		if pc, ok := t.conns[id]; ok && pc.amChoking {
			pc.amChoking = false
			pc.conn.Send(wire.NewSimple(wire.Unchoke))
		}
	}
	for _, id := range dec.Choke {
		if pc, ok := t.conns[id]; ok && !pc.amChoking {
			pc.amChoking = true
			pc.conn.Send(wire.NewSimple(wire.Choke))
		}
	}

	s.announceDue(t)
}

// tickDraining advances a graceful pause in progress: peers were already
// choked when Pause(true) was called, so this only waits for every
// outstanding block request to resolve (written to disk or abandoned) before
// disconnecting every peer and finalizing the pause with a single alert
// (§8 S6).
func (s *state) tickDraining(t *torrentEntry) {
	if t.core.Picker().HasOutstandingRequests() {
		return
	}
	for _, pc := range t.conns {
		pc.conn.Close()
	}
	t.draining = false
	t.core.Pause(true)
}

// dial runs the outgoing connection loop: each torrent gets a per-tick
// dial budget (boosted for recently-added torrents so they don't wait
// behind the round-robin), bounded throughout by the half-open and global
// connection limits (§4.8 admission control).
func (s *state) dial() {
	for _, t := range s.torrents {
		speed := s.sess.config.ConnectionSpeed
		boostWindow := time.Duration(s.sess.config.ConnectBoostTicks) * s.sess.config.TickInterval
		if s.sess.clk.Now().Sub(t.addedAt) < boostWindow {
			speed = s.sess.config.ConnectBoostSpeed
		}

		for attempts := 0; attempts < speed; attempts++ {
			if s.globalHalfOpen >= s.sess.config.HalfOpenLimit {
				return
			}
			if s.globalConns+s.globalHalfOpen >= s.sess.config.MaxGlobalConnections {
				return
			}
			if len(t.conns)+len(t.halfOpen) >= s.sess.config.MaxConnectionsPerTorrent {
				break
			}
			addr, ok := t.peerList.ConnectOnePeer()
			if !ok {
				break
			}
			t.peerList.MarkConnected(addr) // excludes addr from reselection while half-open.
			t.halfOpen[addr] = struct{}{}
			s.globalHalfOpen++
			go s.sess.dialOne(t.infoHash, t.mi.NumPieces(), addr)
		}
	}
}
