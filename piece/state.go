package piece

// State is the coarse lifecycle of a single piece, derived from its
// downloading-piece record (if any) and priority, per invariant I5/I6.
type State int

const (
	// StateOpen: not downloading, not filtered, not had.
	StateOpen State = iota
	// StateDownloading: at least one block requested or writing.
	StateDownloading
	// StateDownloadingReverse is StateDownloading for a piece being filled
	// from its high-offset end, because a second peer is already filling it
	// from the low end (meet-in-the-middle, §4.2).
	StateDownloadingReverse
	// StateFull: every block requested/writing/finished, at least one requested.
	StateFull
	// StateFullReverse is StateFull for a piece that was being filled in
	// reverse when its last block was requested.
	StateFullReverse
	// StateFinished: all blocks finished, awaiting or past hash verification.
	StateFinished
	// StateZeroPriority: filtered out of the pick list.
	StateZeroPriority
)

// Mode selects the piece-picking algorithm PickPieces uses.
type Mode int

const (
	// ModeRarestFirst walks the pick list highest priority first and, within
	// a priority, by ascending peer_count, after any pieces that share a disk
	// extent with a piece already downloading.
	ModeRarestFirst Mode = iota
	// ModeSequential walks pieces in ascending index order.
	ModeSequential
	// ModeTimeCritical only ever returns top-priority pieces, in list order.
	ModeTimeCritical
	// ModeDefault performs a pseudo-random linear scan.
	ModeDefault
)
