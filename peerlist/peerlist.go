// Package peerlist implements PeerList: a bounded set of candidate peers
// per torrent, scored for connect_one_peer selection, generalized from
// connstate.State's active-connection bookkeeping down one level to the
// pool of addresses a torrent has learned about but may not be connected
// to yet (§4.4).
package peerlist

import (
	"net"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/torrentd/libtorrent/core"
)

// Source records how a candidate peer was learned about. Multiple sources
// may contribute to the same candidate; flags are merged, not replaced.
type Source uint8

const (
	SourceTracker Source = 1 << iota
	SourcePEX
	SourceLSD
	SourceDHT
	SourceIncoming
)

func (s Source) rank() int {
	// Trackers and DHT are taken as more reliable than gossiped sources.
	switch {
	case s&SourceTracker != 0:
		return 3
	case s&SourceDHT != 0:
		return 2
	case s&SourcePEX != 0, s&SourceLSD != 0:
		return 1
	default:
		return 0
	}
}

// candidate is one known peer address and its connection history.
type candidate struct {
	addr   string
	peerID core.PeerID

	source      Source
	failCount   int
	trustPoints int
	connected   bool

	lastConnected time.Time
	bannedUntil   time.Time
}

func (c *candidate) banned(now time.Time) bool {
	return c.bannedUntil.After(now)
}

// PeerList is NOT thread-safe; synchronization is the caller's
// responsibility, matching connstate.State.
type PeerList struct {
	config Config
	clk    clock.Clock

	byAddr map[string]*candidate
}

// New creates an empty PeerList.
func New(config Config, clk clock.Clock) *PeerList {
	return &PeerList{
		config: config.applyDefaults(),
		clk:    clk,
		byAddr: make(map[string]*candidate),
	}
}

// Insert adds or merges a candidate peer, returning false if the list is
// already at capacity and addr is not already known.
func (l *PeerList) Insert(addr string, peerID core.PeerID, source Source) bool {
	if c, ok := l.byAddr[addr]; ok {
		c.source |= source
		if peerID != (core.PeerID{}) {
			c.peerID = peerID
		}
		return true
	}
	if len(l.byAddr) >= l.config.MaxSize {
		if !l.evictLowestRanked() {
			return false
		}
	}
	l.byAddr[addr] = &candidate{addr: addr, peerID: peerID, source: source}
	return true
}

// Remove drops addr from the list entirely (e.g. on ip/port filter update).
func (l *PeerList) Remove(addr string) {
	delete(l.byAddr, addr)
}

// Size returns the number of known candidates.
func (l *PeerList) Size() int { return len(l.byAddr) }

// MarkConnected flags addr as currently connected, excluding it from future
// connect_one_peer results until MarkDisconnected.
func (l *PeerList) MarkConnected(addr string) {
	if c, ok := l.byAddr[addr]; ok {
		c.connected = true
		c.lastConnected = l.clk.Now()
		c.failCount = 0
	}
}

// MarkDisconnected clears the connected flag, making addr eligible for
// reconnection again.
func (l *PeerList) MarkDisconnected(addr string) {
	if c, ok := l.byAddr[addr]; ok {
		c.connected = false
	}
}

// MarkFailed records a failed connection attempt, banning addr once
// MaxFailures consecutive failures accrue.
func (l *PeerList) MarkFailed(addr string) {
	c, ok := l.byAddr[addr]
	if !ok {
		return
	}
	c.failCount++
	c.connected = false
	if c.failCount >= l.config.MaxFailures {
		c.bannedUntil = l.clk.Now().Add(l.config.BanDuration)
	}
}

// AddTrustPoints adjusts a candidate's trust score, e.g. penalized after
// contributing to a failed piece hash check (S3), or rewarded for good
// pieces delivered.
func (l *PeerList) AddTrustPoints(addr string, delta int) {
	if c, ok := l.byAddr[addr]; ok {
		c.trustPoints += delta
	}
}

// Banned reports whether addr is currently excluded from connection
// attempts and incoming acceptance.
func (l *PeerList) Banned(addr string) bool {
	c, ok := l.byAddr[addr]
	return ok && c.banned(l.clk.Now())
}

// ConnectOnePeer scans for the best not-currently-connected, not-banned
// candidate and returns its address, marking last_connected on success.
// Returns ("", false) if nothing is eligible.
func (l *PeerList) ConnectOnePeer() (string, bool) {
	now := l.clk.Now()
	var best *candidate
	var bestScore int
	for _, c := range l.byAddr {
		if c.connected || c.banned(now) {
			continue
		}
		score := c.source.rank()*1000 - c.failCount*100 + c.trustPoints
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}
	if best == nil {
		return "", false
	}
	best.lastConnected = now
	return best.addr, true
}

// evictLowestRanked removes the worst non-connected candidate to free a
// slot, per §4.4's "evict the lowest-ranked non-connected peer" capacity
// rule. Returns false if every candidate is connected (no room to make).
func (l *PeerList) evictLowestRanked() bool {
	var worst *candidate
	var worstScore int
	for _, c := range l.byAddr {
		if c.connected {
			continue
		}
		score := c.source.rank()*1000 - c.failCount*100 + c.trustPoints
		if worst == nil || score < worstScore {
			worst = c
			worstScore = score
		}
	}
	if worst == nil {
		return false
	}
	delete(l.byAddr, worst.addr)
	return true
}

// ApplyIPFilter removes every candidate for which blocked returns true,
// returning their addresses for alert emission (§4.4 apply_ip_filter).
func (l *PeerList) ApplyIPFilter(blocked func(addr string) bool) []string {
	var evicted []string
	for addr := range l.byAddr {
		if blocked(addr) {
			evicted = append(evicted, addr)
			delete(l.byAddr, addr)
		}
	}
	return evicted
}

// ApplyPortFilter removes every candidate whose port blocked flags,
// mirroring ApplyIPFilter's eviction shape for the port half of §4.4's
// "filter updates" pair. Candidates whose address fails to parse a port
// are left alone rather than evicted, since that is a malformed-candidate
// condition, not a filtered one.
func (l *PeerList) ApplyPortFilter(blocked func(port int) bool) []string {
	var evicted []string
	for addr := range l.byAddr {
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if blocked(port) {
			evicted = append(evicted, addr)
			delete(l.byAddr, addr)
		}
	}
	return evicted
}
