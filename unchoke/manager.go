package unchoke

import (
	"math/rand"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/torrentd/libtorrent/core"
)

// PeerStats is the subset of a connected peer's bookkeeping the unchoke
// algorithm needs, satisfied by whatever connection object the session
// layer maintains per peer.
type PeerStats interface {
	PeerID() core.PeerID
	DownloadRate() int64 // bytes/sec this peer is sending us, for leech comparator.
	UploadRate() int64   // bytes/sec we're sending this peer; neither comparator reads it.
	UploadedToRatio() float64
	Interested() bool
	Disconnecting() bool
	Ignored() bool
	ShareDiff() int64 // uploaded - downloaded; below -FreeUpload excludes a leecher.
	Connected() bool
}

// Decision is the outcome of one Tick: which peers should be (un)choked and
// which, if any, is this tick's optimistic unchoke.
type Decision struct {
	Unchoke       []core.PeerID
	Choke         []core.PeerID
	Optimistic    core.PeerID
	HasOptimistic bool
}

// Manager runs the periodic choke algorithm for one torrent.
type Manager struct {
	config Config
	clk    clock.Clock
	rng    *rand.Rand

	tick int // counts Tick() calls, for the optimistic-unchoke rotation.

	lastOptimistic map[core.PeerID]time.Time
}

// New creates a Manager. seed seeds the weighted-random optimistic pick so
// tests can get deterministic output.
func New(config Config, clk clock.Clock, seed int64) *Manager {
	return &Manager{
		config:         config.applyDefaults(),
		clk:            clk,
		rng:            rand.New(rand.NewSource(seed)),
		lastOptimistic: make(map[core.PeerID]time.Time),
	}
}

// Tick runs one round of the choke algorithm over peers, per §4.7:
//  1. build the candidate set (connected, interested, not disconnecting,
//     not ignored, and for leech torrents not deep in negative share-diff)
//  2. sort descending by the seeding/leeching comparator
//  3. unchoke the top allowedSlots-1, reserving one slot for an optimistic
//     unchoke rotated in every OptimisticMultiplier ticks
func (m *Manager) Tick(peers []PeerStats, seeding bool, allowedSlots int) Decision {
	m.tick++

	candidates := m.candidates(peers, seeding)
	m.sortByPreference(candidates, seeding)

	regularSlots := allowedSlots - 1
	if regularSlots < 0 {
		regularSlots = 0
	}

	var dec Decision
	unchoked := make(map[core.PeerID]bool)
	for i, p := range candidates {
		if i >= regularSlots {
			break
		}
		dec.Unchoke = append(dec.Unchoke, p.PeerID())
		unchoked[p.PeerID()] = true
	}

	if m.tick%m.config.OptimisticMultiplier == 0 {
		if opt, ok := m.pickOptimistic(candidates, unchoked); ok {
			dec.Optimistic = opt
			dec.HasOptimistic = true
			dec.Unchoke = append(dec.Unchoke, opt)
			unchoked[opt] = true
			m.lastOptimistic[opt] = m.clk.Now()
		}
	}

	for _, p := range peers {
		if !unchoked[p.PeerID()] {
			dec.Choke = append(dec.Choke, p.PeerID())
		}
	}
	return dec
}

func (m *Manager) candidates(peers []PeerStats, seeding bool) []PeerStats {
	var out []PeerStats
	for _, p := range peers {
		if !p.Connected() || p.Disconnecting() || p.Ignored() || !p.Interested() {
			continue
		}
		if !seeding && p.ShareDiff() < -m.config.FreeUpload {
			continue
		}
		out = append(out, p)
	}
	return out
}

// sortByPreference orders candidates best-to-serve-first: leechers prefer
// peers sending us data fastest (reciprocation), seeds prefer peers we've
// uploaded to least relative to what they've given back (spreads seed
// bandwidth instead of always feeding the same leechers).
func (m *Manager) sortByPreference(candidates []PeerStats, seeding bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if seeding {
			return candidates[i].UploadedToRatio() < candidates[j].UploadedToRatio()
		}
		return candidates[i].DownloadRate() > candidates[j].DownloadRate()
	})
}

// pickOptimistic chooses one choked, interested candidate at random,
// weighting toward peers that have gone longest without an optimistic slot
// (or have never had one).
func (m *Manager) pickOptimistic(candidates []PeerStats, alreadyUnchoked map[core.PeerID]bool) (core.PeerID, bool) {
	var pool []PeerStats
	for _, p := range candidates {
		if !alreadyUnchoked[p.PeerID()] {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		return core.PeerID{}, false
	}

	weights := make([]float64, len(pool))
	var total float64
	now := m.clk.Now()
	for i, p := range pool {
		last, ok := m.lastOptimistic[p.PeerID()]
		age := now.Sub(last)
		if !ok {
			age = 24 * time.Hour // never optimistically unchoked: heavily favored.
		}
		w := 1 + age.Seconds()
		weights[i] = w
		total += w
	}

	r := m.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return pool[i].PeerID(), true
		}
	}
	return pool[len(pool)-1].PeerID(), true
}

// AllowedSlots computes allowed_upload_slots floating between MaxUploads and
// MaxUploadsCap: the cap only applies when the global upload throttle isn't
// saturated and most torrents aren't individually rate-limited.
func (c Config) AllowedSlots(globalThrottleSaturated bool, mostTorrentsThrottled bool) int {
	c = c.applyDefaults()
	if globalThrottleSaturated || mostTorrentsThrottled {
		return c.MaxUploads
	}
	return c.MaxUploadsCap
}
