// Package alert implements the session's outward notification channel: a
// bounded queue of discrete Alert values the embedding application drains
// to learn about torrent completions, errors, and peer events without
// polling SessionCore directly. Grounded on networkevent.Producer's
// Config/enabled-gate shape (lib/torrent/networkevent/producer.go),
// generalized from a fire-and-forget JSON-log sink to a pull-based queue
// per SPEC_FULL.md §5's "alert queue...buffered channel + mutex-protected
// ring" note.
package alert

import "time"

// Category classifies an Alert for mask-based filtering.
type Category int

const (
	CategoryStatus Category = 1 << iota
	CategoryError
	CategoryPeer
	CategoryTracker
	CategoryStorage
)

// AllCategories enables every alert category.
const AllCategories = CategoryStatus | CategoryError | CategoryPeer | CategoryTracker | CategoryStorage

// Alert is one notification posted to the queue.
type Alert interface {
	What() string
	Message() string
	Category() Category
	Timestamp() time.Time
}

type base struct {
	category  Category
	timestamp time.Time
}

func (b base) Category() Category   { return b.category }
func (b base) Timestamp() time.Time { return b.timestamp }

// TorrentFinishedAlert fires when a torrent's wanted pieces all complete.
type TorrentFinishedAlert struct {
	base
	InfoHash string
}

func (a TorrentFinishedAlert) What() string    { return "torrent_finished" }
func (a TorrentFinishedAlert) Message() string { return "torrent finished: " + a.InfoHash }

// TorrentErrorAlert fires when a torrent's latched error slot is set.
type TorrentErrorAlert struct {
	base
	InfoHash string
	Message_ string
}

func (a TorrentErrorAlert) What() string    { return "torrent_error" }
func (a TorrentErrorAlert) Message() string { return a.Message_ }

// TorrentPausedAlert fires on torrent pause.
type TorrentPausedAlert struct {
	base
	InfoHash string
}

func (a TorrentPausedAlert) What() string    { return "torrent_paused" }
func (a TorrentPausedAlert) Message() string { return "torrent paused: " + a.InfoHash }

// PeerBanAlert fires when a peer is banned for repeated connection failures
// or hash-failure trust penalties.
type PeerBanAlert struct {
	base
	InfoHash string
	PeerIP   string
	Reason   string
}

func (a PeerBanAlert) What() string    { return "peer_ban" }
func (a PeerBanAlert) Message() string { return "banned " + a.PeerIP + ": " + a.Reason }

// TrackerAnnounceFailedAlert fires when an announce to a tracker endpoint
// fails, carrying the tracker URL and failure reason.
type TrackerAnnounceFailedAlert struct {
	base
	InfoHash string
	Tracker  string
	Reason   string
}

func (a TrackerAnnounceFailedAlert) What() string { return "tracker_announce_failed" }
func (a TrackerAnnounceFailedAlert) Message() string {
	return a.Tracker + ": " + a.Reason
}

// HashFailedAlert fires when a piece fails re-verification after download.
type HashFailedAlert struct {
	base
	InfoHash string
	Piece    int
}

func (a HashFailedAlert) What() string    { return "hash_failed" }
func (a HashFailedAlert) Message() string { return "piece hash failed" }

func newBase(category Category, now time.Time) base {
	return base{category: category, timestamp: now}
}

// NewTorrentFinished constructs a TorrentFinishedAlert timestamped now.
func NewTorrentFinished(infoHash string, now time.Time) TorrentFinishedAlert {
	return TorrentFinishedAlert{base: newBase(CategoryStatus, now), InfoHash: infoHash}
}

// NewTorrentError constructs a TorrentErrorAlert timestamped now.
func NewTorrentError(infoHash, message string, now time.Time) TorrentErrorAlert {
	return TorrentErrorAlert{base: newBase(CategoryError, now), InfoHash: infoHash, Message_: message}
}

// NewTorrentPaused constructs a TorrentPausedAlert timestamped now.
func NewTorrentPaused(infoHash string, now time.Time) TorrentPausedAlert {
	return TorrentPausedAlert{base: newBase(CategoryStatus, now), InfoHash: infoHash}
}

// NewPeerBan constructs a PeerBanAlert timestamped now.
func NewPeerBan(infoHash, peerIP, reason string, now time.Time) PeerBanAlert {
	return PeerBanAlert{base: newBase(CategoryPeer, now), InfoHash: infoHash, PeerIP: peerIP, Reason: reason}
}

// NewTrackerAnnounceFailed constructs a TrackerAnnounceFailedAlert timestamped now.
func NewTrackerAnnounceFailed(infoHash, tracker, reason string, now time.Time) TrackerAnnounceFailedAlert {
	return TrackerAnnounceFailedAlert{
		base: newBase(CategoryTracker, now), InfoHash: infoHash, Tracker: tracker, Reason: reason,
	}
}

// NewHashFailed constructs a HashFailedAlert timestamped now.
func NewHashFailed(infoHash string, piece int, now time.Time) HashFailedAlert {
	return HashFailedAlert{base: newBase(CategoryStorage, now), InfoHash: infoHash, Piece: piece}
}
