package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/libtorrent/alert"
	"github.com/torrentd/libtorrent/announce"
	"github.com/torrentd/libtorrent/bandwidth"
	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/disk"
	"github.com/torrentd/libtorrent/metainfo"
	"github.com/torrentd/libtorrent/peerlist"
	"github.com/torrentd/libtorrent/piece"
	"github.com/torrentd/libtorrent/resume"
	"github.com/torrentd/libtorrent/torrent"
	"github.com/torrentd/libtorrent/trackerclient"
	"github.com/torrentd/libtorrent/unchoke"
	"github.com/torrentd/libtorrent/wire"
)

// SessionCore is the peer session loop: it owns every added torrent, the
// pool of active and half-open peer connections across them, admission
// control, the unchoke algorithm, the bandwidth-scheduled tick, and the
// announce scheduler driving possibly several listen sockets (§4.8),
// generalized from the teacher's scheduler into a general multi-torrent
// BitTorrent session.
type SessionCore struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	pctx       core.PeerContext
	handshaker *wire.Handshaker
	bw         *bandwidth.Limiter
	wireConfig wire.Config

	alerts *alert.Queue

	loop *baseEventLoop
	evts *liftedEventLoop

	listeners []net.Listener

	// peerInfoByHash lets listener accept-loop goroutines resolve an
	// incoming handshake's announced info hash to its piece count without
	// touching event-loop-owned state, mirroring the teacher's use of
	// torrentArchive.Stat as a thread-safe side lookup outside the loop.
	mu             sync.RWMutex
	numPiecesByHash map[core.InfoHash]int

	trackerClientsMu sync.Mutex
	trackerClients   map[string]*trackerclient.Client

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs and starts a SessionCore listening on config.ListenAddrs.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	pctx core.PeerContext,
	bw *bandwidth.Limiter,
	wireConfig wire.Config,
	alerts *alert.Queue,
	logger *zap.SugaredLogger,
) (*SessionCore, error) {

	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "session"})

	handshaker := wire.NewHandshaker(wireConfig, stats, clk, bw, pctx.PeerID, logger)

	s := &SessionCore{
		config:          config,
		stats:           stats,
		clk:             clk,
		logger:          logger,
		pctx:            pctx,
		handshaker:      handshaker,
		bw:              bw,
		wireConfig:      wireConfig,
		alerts:          alerts,
		loop:            newEventLoop(),
		numPiecesByHash: make(map[core.InfoHash]int),
		trackerClients:  make(map[string]*trackerclient.Client),
		done:            make(chan struct{}),
	}
	s.evts = liftEventLoop(s.loop)

	for _, addr := range config.ListenAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("listen %s: %s", addr, err)
		}
		s.listeners = append(s.listeners, l)
	}

	s.wg.Add(2 + len(s.listeners))
	go s.runEventLoop()
	go s.tickLoop()
	for _, l := range s.listeners {
		go s.listenLoop(l)
	}

	return s, nil
}

func (s *SessionCore) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

func (s *SessionCore) runEventLoop() {
	defer s.wg.Done()
	s.loop.run(newState(s))
}

// tickLoop drives the ~1Hz bandwidth-scheduled tick (§4.8).
func (s *SessionCore) tickLoop() {
	defer s.wg.Done()
	tick := s.clk.Tick(s.config.TickInterval)
	for {
		select {
		case <-tick:
			s.loop.send(tickEvent{})
		case <-s.done:
			return
		}
	}
}

// listenLoop accepts and handshakes incoming connections on one listen
// socket, across however many are configured (§4.8 "multiple listen
// sockets").
func (s *SessionCore) listenLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			s.logger.Infof("session: listener %s stopped accepting: %s", l.Addr(), err)
			return
		}
		go s.acceptOne(nc)
	}
}

func (s *SessionCore) acceptOne(nc net.Conn) {
	c, err := s.handshaker.Accept(nc, s.lookupNumPieces, s.evts)
	if err != nil {
		s.logger.Infof("session: incoming handshake failed: %s", err)
		nc.Close()
		s.loop.send(failedIncomingHandshakeEvent{})
		return
	}
	s.loop.send(incomingConnEvent{c})
}

func (s *SessionCore) lookupNumPieces(h core.InfoHash) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.numPiecesByHash[h]
	return n, ok
}

// dialOne dials addr, performs the outgoing handshake, and posts the
// outcome back to the event loop. Runs off the event-loop goroutine, per
// §5's "disk and network I/O never block the event loop" discipline.
func (s *SessionCore) dialOne(h core.InfoHash, numPieces int, addr string) {
	dialer := net.Dialer{Timeout: s.config.HandshakeDialTimeout}
	nc, err := dialer.Dial("tcp", addr)
	if err != nil {
		s.loop.send(failedOutgoingHandshakeEvent{h, addr})
		return
	}
	c, err := s.handshaker.Initialize(nc, h, numPieces, s.evts)
	if err != nil {
		nc.Close()
		s.loop.send(failedOutgoingHandshakeEvent{h, addr})
		return
	}
	s.loop.send(outgoingConnEvent{h, addr, c})
}

// doAnnounce issues one HTTP announce round-trip for a Pending entry
// computed by AnnounceScheduler, posting the result back to the loop.
func (s *SessionCore) doAnnounce(t *torrentEntry, p announce.Pending) {
	client, err := s.trackerClientFor(p.Tracker)
	if err != nil {
		s.loop.send(announceErrEvent{t.infoHash, p.Tracker, p.Endpoint, false, false})
		return
	}

	var uploaded, downloaded int64
	for _, pc := range t.conns {
		uploaded += pc.totalUploaded
		downloaded += pc.totalDownloaded
	}
	left := t.mi.TotalLength()
	if t.core.Complete() {
		left = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Announce(ctx, trackerclient.AnnounceParams{
		InfoHash:   t.infoHash,
		PeerID:     s.pctx.PeerID,
		Port:       s.pctx.Port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      toTrackerEvent(p.Event),
		NumWant:    s.config.AnnounceNumWant,
		Compact:    true,
	})
	if err != nil {
		gone := false
		if httpErr, ok := err.(*trackerclient.HTTPStatusError); ok && httpErr.Code == 410 {
			gone = true
		}
		s.alerts.Post(alert.NewTrackerAnnounceFailed(t.infoHash.Hex(), p.Tracker, err.Error(), s.clk.Now()))
		s.loop.send(announceErrEvent{t.infoHash, p.Tracker, p.Endpoint, gone, false})
		return
	}
	s.loop.send(announceResultEvent{t.infoHash, p.Tracker, p.Endpoint, p.Event, resp})
}

func toTrackerEvent(e announce.Event) trackerclient.Event {
	switch e {
	case announce.EventStarted:
		return trackerclient.EventStarted
	case announce.EventCompleted:
		return trackerclient.EventCompleted
	case announce.EventStopped:
		return trackerclient.EventStopped
	default:
		return trackerclient.EventNone
	}
}

func (s *SessionCore) trackerClientFor(rawURL string) (*trackerclient.Client, error) {
	s.trackerClientsMu.Lock()
	defer s.trackerClientsMu.Unlock()
	if c, ok := s.trackerClients[rawURL]; ok {
		return c, nil
	}
	c, err := trackerclient.New(rawURL)
	if err != nil {
		return nil, err
	}
	s.trackerClients[rawURL] = c
	return c, nil
}

// AddTorrent adds a torrent whose metainfo is already known, starting it
// in leech mode (or seed mode if haveAll). Blocks until the torrent has
// been added to session state or the send times out.
func (s *SessionCore) AddTorrent(mi *metainfo.MetaInfo, savePath string, haveAll bool) error {
	return s.addTorrent(mi, savePath, haveAll, nil)
}

// AddTorrentResumed adds a torrent using a previously saved resume.Data
// snapshot: its have_pieces bitfield seeds the picker so checkExistingFiles
// can skip re-hashing already-verified pieces, and its tracker tiers
// replace the torrent's default announce list (§4.5 steps 2-3, §6
// load_resume_data).
func (s *SessionCore) AddTorrentResumed(mi *metainfo.MetaInfo, data *resume.Data) error {
	return s.addTorrent(mi, data.SavePath, false, data)
}

func (s *SessionCore) addTorrent(mi *metainfo.MetaInfo, savePath string, haveAll bool, data *resume.Data) error {
	store, err := disk.OpenStore(savePath, mi.PieceLength(), mi.TotalLength(), mi.NumPieces())
	if err != nil {
		return fmt.Errorf("open store: %s", err)
	}
	diskJobs := disk.NewThread(s.config.DiskWorkersPerTorrent())

	c := torrent.New(s.config.Torrent, s.stats, s.clk, s.evts, mi, store, diskJobs, haveAll, s.logger)

	tiers := mi.Trackers()
	addedAt := s.clk.Now()
	if data != nil {
		c.SetResumeData(resume.UnpackBitfield(data.HavePieces, mi.NumPieces()))
		if len(data.Trackers) > 0 {
			tiers = tiersFromResume(data.Trackers)
		}
		if data.AddedTime > 0 {
			addedAt = time.Unix(data.AddedTime, 0)
		}
		if len(data.URLSeeds) > 0 {
			c.SetWebSeeds(data.URLSeeds)
		}
		for idxStr, path := range data.RenamedFiles {
			if idx, err := strconv.Atoi(idxStr); err == nil {
				c.RenameFile(idx, path)
			}
		}
	}

	t := &torrentEntry{
		infoHash:   mi.InfoHash(),
		mi:         mi,
		core:       c,
		peerList:   peerlist.New(peerlist.Config{}, s.clk),
		announcer:  announce.New(s.config.Announce, s.config.AnnouncePolicy, s.clk, tiers, s.listenEndpoints()),
		unchoke:    unchoke.New(s.config.Unchoke, s.clk, int64(mi.InfoHash().Bytes()[0])),
		unchokeCfg: s.config.Unchoke,
		conns:      make(map[core.PeerID]*peerConn),
		halfOpen:   make(map[string]struct{}),
		diskJobs:   diskJobs,
		store:      store,
		addedAt:    addedAt,
		savePath:   savePath,
	}

	s.mu.Lock()
	s.numPiecesByHash[t.infoHash] = mi.NumPieces()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drainDiskResults(t)

	errc := make(chan error, 1)
	if err := s.loop.sendTimeout(addTorrentEvent{t, errc}, s.config.SendEventTimeout); err != nil {
		return err
	}
	return <-errc
}

// tiersFromResume regroups a flat list of (tier, url) pairs back into
// AnnounceScheduler's tier-indexed [][]string shape.
func tiersFromResume(trackers []resume.Tracker) [][]string {
	var tiers [][]string
	for _, tr := range trackers {
		for tr.Tier >= len(tiers) {
			tiers = append(tiers, nil)
		}
		tiers[tr.Tier] = append(tiers[tr.Tier], tr.URL)
	}
	return tiers
}

// SaveResumeData snapshots torrent h's current progress and tracker list
// for persistence across restarts (§6 save_resume_data).
func (s *SessionCore) SaveResumeData(h core.InfoHash) (*resume.Data, error) {
	var data *resume.Data
	err := s.withTorrent(h, func(t *torrentEntry) {
		data = &resume.Data{
			Version:    resume.Version,
			InfoHash:   t.infoHash.Hex(),
			SavePath:   t.savePath,
			AddedTime:  t.addedAt.Unix(),
			HavePieces: resume.PackBitfield(t.core.Bitfield(), t.mi.NumPieces()),
			URLSeeds:   t.core.WebSeeds(),
		}
		for tier, urls := range t.announcer.Tiers() {
			for _, url := range urls {
				data.Trackers = append(data.Trackers, resume.Tracker{URL: url, Tier: tier})
			}
		}
		if renamed := t.core.RenamedFiles(); len(renamed) > 0 {
			data.RenamedFiles = make(map[string]string, len(renamed))
			for idx, path := range renamed {
				data.RenamedFiles[strconv.Itoa(idx)] = path
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// LoadResumeData decodes a bencoded resume-data blob previously produced by
// SaveResumeData/resume.Encode (§6 load_resume_data).
func (s *SessionCore) LoadResumeData(r io.Reader) (*resume.Data, error) {
	return resume.Decode(r)
}

// drainDiskResults forwards a torrent's private disk.Thread results back
// into the event loop, one per torrent since disk.Result carries no info
// hash of its own.
func (s *SessionCore) drainDiskResults(t *torrentEntry) {
	defer s.wg.Done()
	for res := range t.diskJobs.Results() {
		s.loop.send(diskResultEvent{t.infoHash, res})
	}
}

// drainPeerMessages forwards one connection's incoming wire messages into
// the event loop until its receiver channel closes on disconnect.
func (s *SessionCore) drainPeerMessages(h core.InfoHash, c *wire.Conn) {
	for msg := range c.Receiver() {
		s.loop.send(peerMessageEvent{h, c.PeerID(), msg})
	}
}

// RemoveTorrent removes a torrent and closes all of its connections.
func (s *SessionCore) RemoveTorrent(h core.InfoHash) error {
	s.mu.Lock()
	delete(s.numPiecesByHash, h)
	s.mu.Unlock()

	errc := make(chan error, 1)
	if err := s.loop.sendTimeout(removeTorrentEvent{h, errc}, s.config.SendEventTimeout); err != nil {
		return err
	}
	return <-errc
}

// listenEndpoints returns the addresses AnnounceScheduler tracks back-off
// state per, one per configured listen socket.
func (s *SessionCore) listenEndpoints() []string {
	if len(s.config.ListenAddrs) == 0 {
		return []string{fmt.Sprintf("%s:%d", s.pctx.IP, s.pctx.Port)}
	}
	return s.config.ListenAddrs
}

// Pause pauses torrent h. graceful controls whether peers are choked and
// request queues drained before disconnecting, posting a single paused
// alert once the drain completes (true), or connections are left as-is and
// the torrent is paused immediately (false) (§8 S6).
func (s *SessionCore) Pause(h core.InfoHash, graceful bool) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		if !graceful {
			t.core.Pause(false)
			return
		}
		for _, pc := range t.conns {
			if !pc.amChoking {
				pc.amChoking = true
				pc.conn.Send(wire.NewSimple(wire.Choke))
			}
		}
		t.draining = true
	})
}

// Resume resumes a paused torrent.
func (s *SessionCore) Resume(h core.InfoHash) error {
	return s.withTorrent(h, func(t *torrentEntry) { t.core.Resume() })
}

// SetSessionPaused pauses or resumes every torrent at once, independent of
// each torrent's own pause flag (§4.5's session_paused).
func (s *SessionCore) SetSessionPaused(paused bool) {
	done := make(chan struct{})
	s.loop.send(funcEvent{func(st *state) {
		for _, t := range st.torrents {
			t.core.SetSessionPaused(paused)
		}
		close(done)
	}})
	<-done
}

// ForceRecheck forces torrent h back through checking_files regardless of
// its current state, re-verifying every piece from scratch (§6).
func (s *SessionCore) ForceRecheck(h core.InfoHash) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		t.core.ForceRecheck()
	})
}

// SetFilePriority updates one file's priority within torrent h.
func (s *SessionCore) SetFilePriority(h core.InfoHash, fileIndex int, prio piece.Priority) error {
	var applyErr error
	err := s.withTorrent(h, func(t *torrentEntry) {
		applyErr = t.core.SetFilePriority(fileIndex, prio)
	})
	if err != nil {
		return err
	}
	return applyErr
}

// AddTracker adds url to torrent h's tier-th tracker tier, extending the
// tier list as needed and de-duplicating within the tier (§6 add_tracker).
func (s *SessionCore) AddTracker(h core.InfoHash, tier int, url string) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		t.announcer.AddTracker(tier, url)
	})
}

// SetSuperSeeding toggles super-seeding for torrent h (§3.1); enabling it
// on an incomplete torrent is a no-op (see torrent.Core.SetSuperSeeding).
func (s *SessionCore) SetSuperSeeding(h core.InfoHash, v bool) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		t.core.SetSuperSeeding(v)
	})
}

// SetUploadMode explicitly enters or clears upload_mode for torrent h
// (§3.1); it is entered automatically on a write-time disk error, but can
// also be cleared here once the underlying disk problem is resolved.
func (s *SessionCore) SetUploadMode(h core.InfoHash, v bool) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		t.core.SetUploadMode(v)
	})
}

// RenameFile records fileIndex's new relative path within torrent h (§3.1).
func (s *SessionCore) RenameFile(h core.InfoHash, fileIndex int, newPath string) error {
	var applyErr error
	err := s.withTorrent(h, func(t *torrentEntry) {
		applyErr = t.core.RenameFile(fileIndex, newPath)
	})
	if err != nil {
		return err
	}
	return applyErr
}

// SetWebSeeds replaces torrent h's configured HTTP seed URLs (§3.1),
// overriding whatever url-list the .torrent file itself carried.
func (s *SessionCore) SetWebSeeds(h core.InfoHash, urls []string) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		t.core.SetWebSeeds(urls)
	})
}

// AddPeer manually injects a candidate peer address for torrent h,
// bypassing tracker/DHT/PEX discovery (e.g. a magnet link's x.pe
// parameter, or operator-supplied bootstrap peers).
func (s *SessionCore) AddPeer(h core.InfoHash, addr string, peerID core.PeerID) error {
	return s.withTorrent(h, func(t *torrentEntry) {
		t.peerList.Insert(addr, peerID, peerlist.SourceDHT)
	})
}

func (s *SessionCore) withTorrent(h core.InfoHash, fn func(*torrentEntry)) error {
	errc := make(chan error, 1)
	s.loop.send(funcEvent{func(st *state) {
		t, ok := st.torrents[h]
		if !ok {
			errc <- ErrTorrentNotFound
			return
		}
		fn(t)
		errc <- nil
	}})
	return <-errc
}

// Alerts returns the session's outward notification queue.
func (s *SessionCore) Alerts() *alert.Queue { return s.alerts }

// Stop tears down every torrent and connection and stops all loops.
func (s *SessionCore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.closeListeners()
		s.loop.send(shutdownEvent{})
		s.wg.Wait()
	})
}

// funcEvent adapts an arbitrary state-mutating closure into an event, used
// by public API methods that need to run inline against live state without
// a dedicated event type for every read/write.
type funcEvent struct {
	fn func(*state)
}

func (e funcEvent) apply(s *state) { e.fn(s) }
