// Package announce implements AnnounceScheduler: per-(tracker, listen
// endpoint) back-off state and tier-ordered announce decisions, generalized
// from the teacher's single-tracker-endpoint Announcer into BEP 3's
// multi-tier announce-list model (§4.6).
package announce

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// Event is the announce event a pending announce should carry.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

// Policy gates tier/tracker fan-out behavior.
type Policy struct {
	// AnnounceToAllTiers, if true, announces to every tier instead of
	// stopping at the first tier that has an announce due.
	AnnounceToAllTiers bool

	// AnnounceToAllTrackers, if true, announces to every tracker within a
	// tier instead of stopping at the first tracker in that tier that has an
	// announce due.
	AnnounceToAllTrackers bool
}

// Config defines AnnounceScheduler back-off tuning.
type Config struct {
	MinAnnounce    time.Duration `yaml:"min_announce"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

func (c Config) applyDefaults() Config {
	if c.MinAnnounce == 0 {
		c.MinAnnounce = 30 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 15 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	return c
}

// endpointKey identifies one (tracker URL, local listen endpoint) pair.
type endpointKey struct {
	tracker  string
	endpoint string
}

// endpointState is the per-pair bookkeeping §4.5 names:
// {fails, next_announce, min_announce, updating, start_sent, complete_sent}.
type endpointState struct {
	fails        int
	nextAnnounce time.Time
	minAnnounce  time.Duration
	updating     bool
	startSent    bool
	completeSent bool
	dead         bool // permanently retired, e.g. after tracker 410 Gone.
	disabled     bool // this (tracker, endpoint) pair only, e.g. address-family-unreachable.
}

// Pending is one announce the caller should issue.
type Pending struct {
	Tracker  string
	Endpoint string
	Event    Event
}

// Scheduler tracks announce back-off across every (tracker, endpoint) pair
// in a torrent's tier list.
type Scheduler struct {
	config Config
	clk    clock.Clock
	policy Policy

	tiers     [][]string
	endpoints []string

	state map[endpointKey]*endpointState
}

// New creates a Scheduler for trackers (ordered tier -> urls within tier)
// announcing from listenEndpoints.
func New(config Config, policy Policy, clk clock.Clock, tiers [][]string, listenEndpoints []string) *Scheduler {
	return &Scheduler{
		config:    config.applyDefaults(),
		clk:       clk,
		policy:    policy,
		tiers:     tiers,
		endpoints: listenEndpoints,
		state:     make(map[endpointKey]*endpointState),
	}
}

// Tiers returns the tracker tier list, tier index first, for snapshotting
// into persisted resume data.
func (s *Scheduler) Tiers() [][]string {
	return s.tiers
}

func (s *Scheduler) get(k endpointKey) *endpointState {
	st, ok := s.state[k]
	if !ok {
		st = &endpointState{minAnnounce: s.config.MinAnnounce}
		s.state[k] = st
	}
	return st
}

// working reports whether a pair is still eligible to be tried: not dead,
// not disabled, not already updating, and its back-off window has elapsed.
func (s *Scheduler) working(st *endpointState, now time.Time) bool {
	if st.dead || st.disabled || st.updating {
		return false
	}
	return !now.Before(st.nextAnnounce)
}

// Pending computes every (tracker, endpoint) announce that should be issued
// right now for the given event, honoring tier fan-out policy.
func (s *Scheduler) Pending(event Event) []Pending {
	now := s.clk.Now()
	var out []Pending

	for _, tier := range s.tiers {
		tierSucceededOrTried := false
		for _, tracker := range tier {
			for _, ep := range s.endpoints {
				k := endpointKey{tracker, ep}
				st := s.get(k)
				if !s.working(st, now) {
					continue
				}
				if event == EventStopped && !st.startSent {
					continue // never announced start, nothing to stop.
				}
				if event == EventCompleted && st.completeSent {
					continue
				}
				st.updating = true
				out = append(out, Pending{Tracker: tracker, Endpoint: ep, Event: event})
				tierSucceededOrTried = true
			}
			if tierSucceededOrTried && !s.policy.AnnounceToAllTrackers {
				break
			}
		}
		if !s.policy.AnnounceToAllTiers && len(out) > 0 {
			break
		}
	}
	return out
}

// Succeeded records a successful announce, resetting back-off and applying
// the tracker's reported interval.
func (s *Scheduler) Succeeded(tracker, endpoint string, event Event, interval time.Duration) {
	st := s.get(endpointKey{tracker, endpoint})
	st.updating = false
	st.fails = 0
	if interval > 0 {
		st.minAnnounce = interval
	}
	st.nextAnnounce = s.clk.Now().Add(st.minAnnounce)
	switch event {
	case EventStarted:
		st.startSent = true
	case EventCompleted:
		st.completeSent = true
	}
}

// Failed records a failed announce, applying exponential back-off capped at
// MaxBackoff. A gone=true failure (HTTP 410) permanently retires the
// tracker across every endpoint; unreachable=true disables only this one
// (tracker, endpoint) pair (e.g. address-family mismatch).
func (s *Scheduler) Failed(tracker, endpoint string, gone, unreachable bool) {
	if gone {
		for k, st := range s.state {
			if k.tracker == tracker {
				st.dead = true
				st.updating = false
			}
		}
		return
	}
	st := s.get(endpointKey{tracker, endpoint})
	st.updating = false
	if unreachable {
		st.disabled = true
		return
	}
	st.fails++
	backoff := s.config.InitialBackoff << uint(st.fails-1)
	if backoff > s.config.MaxBackoff || backoff <= 0 {
		backoff = s.config.MaxBackoff
	}
	st.nextAnnounce = s.clk.Now().Add(backoff)
}

// AddTracker inserts url into tier, extending the tier list with empty
// tiers if tier is beyond the current list, and is a no-op if url is
// already present anywhere in that tier (§6 add_tracker).
func (s *Scheduler) AddTracker(tier int, url string) {
	for tier >= len(s.tiers) {
		s.tiers = append(s.tiers, nil)
	}
	for _, existing := range s.tiers[tier] {
		if existing == url {
			return
		}
	}
	s.tiers[tier] = append(s.tiers[tier], url)
}

// NextAnnounce returns the minimum next-announce time across every
// eligible (tracker, endpoint) pair, for a single timer to be scheduled
// against (§4.5 update_tracker_timer).
func (s *Scheduler) NextAnnounce() (time.Time, bool) {
	var best time.Time
	found := false
	for _, st := range s.state {
		if st.dead || st.disabled {
			continue
		}
		if !found || st.nextAnnounce.Before(best) {
			best = st.nextAnnounce
			found = true
		}
	}
	return best, found
}
