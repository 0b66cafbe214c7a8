// Package session implements SessionCore: the peer session loop tying the
// pool of active/half-open peer connections, admission control, the unchoke
// algorithm, the bandwidth-scheduled tick, and the per-torrent announce
// scheduler into one single-threaded event loop, generalized from the
// teacher's scheduler package (SPEC_FULL.md §4.8, §5).
package session

import (
	"time"

	"github.com/torrentd/libtorrent/announce"
	"github.com/torrentd/libtorrent/torrent"
	"github.com/torrentd/libtorrent/unchoke"
)

// Config tunes SessionCore, directly mirroring the shape of the teacher's
// scheduler.Config: connection bounds, tick cadence, and the per-concern
// sub-configs it wires together.
type Config struct {
	ListenAddrs []string `yaml:"listen_addrs"`

	MaxGlobalConnections     int `yaml:"max_global_connections"`
	MaxConnectionsPerTorrent int `yaml:"max_connections_per_torrent"`
	HalfOpenLimit            int `yaml:"half_open_limit"`

	// ConnectionSpeed bounds how many outgoing dial attempts the dial loop
	// issues per TickInterval for each torrent, per §4.8 admission control.
	// No session-wide cap on attempts per tick exists; HalfOpenLimit bounds
	// concurrent dials across all torrents.
	ConnectionSpeed int `yaml:"connection_speed"`

	// ConnectBoostTicks is how many ticks a newly-added torrent gets a
	// temporarily larger dial allowance, so a fresh download doesn't wait
	// behind older torrents' round-robin turn.
	ConnectBoostTicks int `yaml:"connect_boost_ticks"`
	ConnectBoostSpeed int `yaml:"connect_boost_speed"`

	TickInterval    time.Duration `yaml:"tick_interval"`
	AnnounceNumWant int           `yaml:"announce_num_want"`

	// HandshakeDialTimeout bounds a single outgoing TCP dial + handshake.
	HandshakeDialTimeout time.Duration `yaml:"handshake_dial_timeout"`

	// SendEventTimeout bounds how long a public method blocks trying to
	// hand an event to the loop before giving up (§5 send_timeout).
	SendEventTimeout time.Duration `yaml:"send_event_timeout"`

	// DiskWorkers sizes each torrent's private disk.Thread worker pool.
	DiskWorkers int `yaml:"disk_workers"`

	Torrent        torrent.Config  `yaml:"torrent"`
	Unchoke        unchoke.Config  `yaml:"unchoke"`
	Announce       announce.Config `yaml:"announce"`
	AnnouncePolicy announce.Policy `yaml:"announce_policy"`
}

// DiskWorkersPerTorrent returns the configured disk worker pool size,
// falling back to a small default.
func (c Config) DiskWorkersPerTorrent() int {
	if c.DiskWorkers > 0 {
		return c.DiskWorkers
	}
	return 4
}

func (c Config) applyDefaults() Config {
	if c.MaxGlobalConnections == 0 {
		c.MaxGlobalConnections = 200
	}
	if c.MaxConnectionsPerTorrent == 0 {
		c.MaxConnectionsPerTorrent = 55
	}
	if c.HalfOpenLimit == 0 {
		c.HalfOpenLimit = 8
	}
	if c.ConnectionSpeed == 0 {
		c.ConnectionSpeed = 10
	}
	if c.ConnectBoostTicks == 0 {
		c.ConnectBoostTicks = 30
	}
	if c.ConnectBoostSpeed == 0 {
		c.ConnectBoostSpeed = c.ConnectionSpeed * 4
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.AnnounceNumWant == 0 {
		c.AnnounceNumWant = 50
	}
	if c.HandshakeDialTimeout == 0 {
		c.HandshakeDialTimeout = 10 * time.Second
	}
	if c.SendEventTimeout == 0 {
		c.SendEventTimeout = 5 * time.Second
	}
	return c
}
