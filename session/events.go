package session

import (
	"errors"
	"time"

	"github.com/torrentd/libtorrent/alert"
	"github.com/torrentd/libtorrent/announce"
	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/disk"
	"github.com/torrentd/libtorrent/torrent"
	"github.com/torrentd/libtorrent/trackerclient"
	"github.com/torrentd/libtorrent/wire"
)

// Errors returned by eventLoop sends, mirroring scheduler.go's
// ErrSchedulerStopped / ErrSendEventTimedOut.
var (
	ErrSessionStopped   = errors.New("session: event loop stopped")
	ErrSendEventTimedOut = errors.New("session: event send timed out")
)

// event describes an external occurrence which modifies state. While an
// event is applying, it is guaranteed to be the only accessor of state --
// the same single-threaded-cooperative discipline the teacher's scheduler
// uses (§5).
type event interface {
	apply(*state)
}

// eventLoop is a serialized list of events to be applied to session state.
type eventLoop interface {
	send(event) bool
	sendTimeout(e event, timeout time.Duration) error
	run(*state)
	stop()
}

type baseEventLoop struct {
	events chan event
	done   chan struct{}
}

func newEventLoop() *baseEventLoop {
	return &baseEventLoop{
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// send delivers e into l. Must never be called by the goroutine running
// l.run (i.e. from within an apply method), else deadlock. Returns false if
// the loop has already stopped.
func (l *baseEventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

func (l *baseEventLoop) sendTimeout(e event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.events <- e:
		return nil
	case <-l.done:
		return ErrSessionStopped
	case <-timer.C:
		return ErrSendEventTimedOut
	}
}

func (l *baseEventLoop) run(s *state) {
	for {
		select {
		case e := <-l.events:
			e.apply(s)
		case <-l.done:
			return
		}
	}
}

func (l *baseEventLoop) stop() {
	close(l.done)
}

// liftedEventLoop lifts the callback interfaces of subpackages (torrent.Events,
// wire.Events, disk result delivery, tracker announce results) into sends
// against an eventLoop, mirroring the teacher's liftEventLoop.
type liftedEventLoop struct {
	eventLoop
}

func liftEventLoop(l eventLoop) *liftedEventLoop {
	return &liftedEventLoop{l}
}

// torrent.Events implementation.

func (l *liftedEventLoop) TorrentComplete(c *torrent.Core) {
	l.send(torrentCompleteEvent{c})
}

func (l *liftedEventLoop) TorrentPaused(c *torrent.Core) {
	l.send(torrentPausedEvent{c})
}

func (l *liftedEventLoop) TorrentErrored(c *torrent.Core, err *torrent.TorrentError) {
	l.send(torrentErroredEvent{c, err})
}

func (l *liftedEventLoop) PieceHashFailed(c *torrent.Core, piece int, peers []core.PeerID) {
	l.send(pieceHashFailedEvent{c, piece, peers})
}

func (l *liftedEventLoop) PieceHashPassed(c *torrent.Core, piece int, peers []core.PeerID) {
	l.send(pieceHashPassedEvent{c, piece, peers})
}

// wire.Events implementation.

func (l *liftedEventLoop) ConnClosed(c *wire.Conn) {
	l.send(connClosedEvent{c})
}

// diskResultEvent occurs when an async disk job (per-torrent Thread)
// completes and must be routed back into the owning Core.
type diskResultEvent struct {
	infoHash core.InfoHash
	result   disk.Result
}

func (e diskResultEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	t.core.HandleDiskResult(e.result)
}

// torrentCompleteEvent occurs when a Core finishes downloading.
type torrentCompleteEvent struct {
	c *torrent.Core
}

func (e torrentCompleteEvent) apply(s *state) {
	t, ok := s.torrentByCore(e.c)
	if !ok {
		return
	}
	s.sess.alerts.Post(alert.NewTorrentFinished(t.infoHash.Hex(), s.sess.clk.Now()))
	s.announceNow(t, announce.EventCompleted)
}

// torrentPausedEvent occurs when a Core transitions to paused.
type torrentPausedEvent struct {
	c *torrent.Core
}

func (e torrentPausedEvent) apply(s *state) {
	t, ok := s.torrentByCore(e.c)
	if !ok {
		return
	}
	s.sess.alerts.Post(alert.NewTorrentPaused(t.infoHash.Hex(), s.sess.clk.Now()))
}

// torrentErroredEvent occurs when a Core latches a fatal error.
type torrentErroredEvent struct {
	c   *torrent.Core
	err *torrent.TorrentError
}

func (e torrentErroredEvent) apply(s *state) {
	t, ok := s.torrentByCore(e.c)
	if !ok {
		return
	}
	s.sess.alerts.Post(alert.NewTorrentError(t.infoHash.Hex(), e.err.Error(), s.sess.clk.Now()))
}

// pieceHashFailedEvent occurs when a completed piece fails re-verification.
// Contributing peers take a trust penalty against peerlist (S3).
type pieceHashFailedEvent struct {
	c     *torrent.Core
	piece int
	peers []core.PeerID
}

func (e pieceHashFailedEvent) apply(s *state) {
	t, ok := s.torrentByCore(e.c)
	if !ok {
		return
	}
	s.sess.alerts.Post(alert.NewHashFailed(t.infoHash.Hex(), e.piece, s.sess.clk.Now()))
	for _, peerID := range e.peers {
		if pc, ok := t.conns[peerID]; ok {
			t.peerList.AddTrustPoints(pc.addr, -1)
			// A contributor to a piece that failed hash verification is put
			// on parole: until it proves itself on an exclusively-assigned
			// piece, the picker won't mix its data with anyone else's (S3).
			pc.onParole = true
		}
	}
}

// pieceHashPassedEvent occurs when a downloaded piece verifies. Contributors
// that were on parole from an earlier failure are cleared, since they have
// now proven themselves on this piece (S3).
type pieceHashPassedEvent struct {
	c     *torrent.Core
	piece int
	peers []core.PeerID
}

func (e pieceHashPassedEvent) apply(s *state) {
	t, ok := s.torrentByCore(e.c)
	if !ok {
		return
	}
	for _, peerID := range e.peers {
		if pc, ok := t.conns[peerID]; ok {
			pc.onParole = false
		}
	}
}

// connClosedEvent occurs when a peer connection's socket/loops finish
// tearing down.
type connClosedEvent struct {
	c *wire.Conn
}

func (e connClosedEvent) apply(s *state) {
	t, ok := s.torrents[e.c.InfoHash()]
	if !ok {
		return
	}
	pc, ok := t.conns[e.c.PeerID()]
	if !ok || pc.conn != e.c {
		return
	}
	s.removeConn(t, pc)
}

// announceResultEvent occurs when an outstanding announce request to one
// (tracker, endpoint) pair completes successfully.
type announceResultEvent struct {
	infoHash core.InfoHash
	tracker  string
	endpoint string
	event    announce.Event
	resp     *trackerclient.AnnounceResponse
}

func (e announceResultEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	if e.resp.FailureReason != "" {
		t.announcer.Failed(e.tracker, e.endpoint, false, false)
		return
	}
	t.announcer.Succeeded(e.tracker, e.endpoint, e.event, e.resp.Interval)
	s.admitAnnouncedPeers(t, e.resp.Peers)
}

// announceErrEvent occurs when an announce HTTP round-trip fails outright.
type announceErrEvent struct {
	infoHash core.InfoHash
	tracker  string
	endpoint string
	gone     bool
	unreachable bool
}

func (e announceErrEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	t.announcer.Failed(e.tracker, e.endpoint, e.gone, e.unreachable)
}

// tickEvent is the ~1Hz bandwidth-scheduled tick (§4.8): per-torrent
// unchoke decisions, stats accounting, and the outgoing dial loop.
type tickEvent struct{}

func (e tickEvent) apply(s *state) {
	s.tick++
	for _, t := range s.torrents {
		s.tickTorrent(t)
	}
	s.dial()
}

// incomingConnEvent occurs when an accepted socket finishes the BEP 3
// handshake.
type incomingConnEvent struct {
	c *wire.Conn
}

func (e incomingConnEvent) apply(s *state) {
	s.admitIncoming(e.c)
}

// failedIncomingHandshakeEvent occurs when an accepted socket fails to
// handshake (unknown info hash, I/O error, timeout).
type failedIncomingHandshakeEvent struct{}

func (e failedIncomingHandshakeEvent) apply(s *state) {}

// outgoingConnEvent occurs when a dialed socket finishes the BEP 3
// handshake.
type outgoingConnEvent struct {
	infoHash core.InfoHash
	addr     string
	c        *wire.Conn
}

func (e outgoingConnEvent) apply(s *state) {
	s.globalHalfOpen--
	t, ok := s.torrents[e.infoHash]
	if !ok {
		e.c.Close()
		return
	}
	delete(t.halfOpen, e.addr)
	t.peerList.MarkConnected(e.addr)
	s.addConn(t, e.c, e.addr)
}

// failedOutgoingHandshakeEvent occurs when a dial or handshake against a
// candidate peer fails.
type failedOutgoingHandshakeEvent struct {
	infoHash core.InfoHash
	addr     string
}

func (e failedOutgoingHandshakeEvent) apply(s *state) {
	s.globalHalfOpen--
	t, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	delete(t.halfOpen, e.addr)
	t.peerList.MarkFailed(e.addr)
}

// addTorrentEvent occurs when a new torrent is added via the public API.
type addTorrentEvent struct {
	t    *torrentEntry
	errc chan error
}

func (e addTorrentEvent) apply(s *state) {
	if _, exists := s.torrents[e.t.infoHash]; exists {
		e.errc <- ErrTorrentAlreadyAdded
		return
	}
	s.torrents[e.t.infoHash] = e.t
	e.t.core.Start()
	s.announceNow(e.t, announce.EventStarted)
	e.errc <- nil
}

// removeTorrentEvent occurs when a torrent is removed via the public API.
type removeTorrentEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e removeTorrentEvent) apply(s *state) {
	t, ok := s.torrents[e.infoHash]
	if !ok {
		e.errc <- ErrTorrentNotFound
		return
	}
	s.globalConns -= len(t.conns)
	for _, pc := range t.conns {
		pc.conn.Close()
	}
	t.diskJobs.Close()
	t.store.Close()
	delete(s.torrents, e.infoHash)
	e.errc <- nil
}

// shutdownEvent tears down every torrent and connection, then stops the loop.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *state) {
	for _, t := range s.torrents {
		for _, pc := range t.conns {
			pc.conn.Close()
		}
		t.diskJobs.Close()
		t.store.Close()
	}
	s.sess.loop.stop()
}
