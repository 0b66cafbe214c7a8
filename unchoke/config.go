// Package unchoke implements the choke-algorithm tick: on each interval it
// decides which connected peers earn an upload slot, generalizing the
// sort-then-slice shape peerlist.ConnectOnePeer uses for dial scoring to the
// symmetric "pick who to serve" decision described in SPEC_FULL.md §4.7.
// Kraken has no analogous component (its scheduler serves every connected
// peer without a choke algorithm), so this package is new code grounded
// stylistically on connstate.Config/applyDefaults and peerlist's comparator
// idiom rather than ported from a single teacher file.
package unchoke

import "time"

// Config tunes the unchoke algorithm.
type Config struct {
	// Interval between unchoke ticks.
	Interval time.Duration `yaml:"interval"`

	// MaxUploads is the floor on simultaneously-unchoked peers.
	MaxUploads int `yaml:"max_uploads"`

	// MaxUploadsCap is the ceiling allowed_upload_slots may float up to when
	// the global upload throttle isn't saturated.
	MaxUploadsCap int `yaml:"max_uploads_cap"`

	// OptimisticMultiplier is how many regular ticks occur per optimistic
	// unchoke rotation (default: every 3rd tick).
	OptimisticMultiplier int `yaml:"optimistic_unchoke_multiplier"`

	// FreeUpload is the share-difference floor below which a leech-torrent
	// peer is excluded from the candidate set regardless of rate.
	FreeUpload int64 `yaml:"free_upload"`
}

func (c Config) applyDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxUploads == 0 {
		c.MaxUploads = 4
	}
	if c.MaxUploadsCap == 0 {
		c.MaxUploadsCap = c.MaxUploads * 4
	}
	if c.OptimisticMultiplier == 0 {
		c.OptimisticMultiplier = 3
	}
	return c
}
