package torrent

import (
	"math"
	"time"

	"github.com/torrentd/libtorrent/memsize"
	"github.com/torrentd/libtorrent/timeutil"
)

// Config defines TorrentCore tuning, directly mirroring the teacher's
// dispatch.Config knobs generalized from a single-blob transfer to a
// general multi-file torrent.
type Config struct {
	PieceRequestMinTimeout   time.Duration `yaml:"piece_request_min_timeout"`
	PieceRequestTimeoutPerMb time.Duration `yaml:"piece_request_timeout_per_mb"`
	PipelineLimit            int           `yaml:"pipeline_limit"`
	EndgameThreshold         int           `yaml:"endgame_threshold"`
	DisableEndgame           bool          `yaml:"disable_endgame"`

	// CheckingMemUsage bounds the total memory budget (in bytes) for
	// outstanding hash jobs during checking_files, per §4.5's piece-hash
	// loop ("checking_mem_usage / piece_length, but >= 4*hasher_threads").
	CheckingMemUsage int64 `yaml:"checking_mem_usage"`
	HasherThreads    int   `yaml:"hasher_threads"`

	DiskWorkers int `yaml:"disk_workers"`

	// PrioritizePartials forces the block picker to top up pieces already
	// downloading ahead of starting new ones on every request, rather than
	// only once few pieces remain (§4.2 prioritize_partial_pieces).
	PrioritizePartials bool `yaml:"prioritize_partials"`
}

func (c Config) applyDefaults() Config {
	if c.PieceRequestMinTimeout == 0 {
		c.PieceRequestMinTimeout = 4 * time.Second
	}
	if c.PieceRequestTimeoutPerMb == 0 {
		c.PieceRequestTimeoutPerMb = 4 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 3
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = c.PipelineLimit
	}
	if c.CheckingMemUsage == 0 {
		c.CheckingMemUsage = 256 * int64(memsize.MB)
	}
	if c.HasherThreads == 0 {
		c.HasherThreads = 2
	}
	if c.DiskWorkers == 0 {
		c.DiskWorkers = 4
	}
	return c
}

func (c Config) pieceRequestTimeout(maxPieceLength int64) time.Duration {
	n := float64(c.PieceRequestTimeoutPerMb) * float64(maxPieceLength) / float64(memsize.MB)
	d := time.Duration(math.Ceil(n))
	return timeutil.MaxDuration(d, c.PieceRequestMinTimeout)
}

// maxOutstandingHashJobs computes the checking_files concurrency bound:
// checking_mem_usage / piece_length, floored at 4 * hasher_threads.
func (c Config) maxOutstandingHashJobs(pieceLength int64) int {
	if pieceLength <= 0 {
		pieceLength = 1
	}
	n := int(c.CheckingMemUsage / pieceLength)
	min := 4 * c.HasherThreads
	if n < min {
		return min
	}
	return n
}
