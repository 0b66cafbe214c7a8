package torrent

// State is a torrent's primary lifecycle state (§4.5). Exactly one applies
// at a time; Paused and Error are orthogonal flags layered on top.
type State int

const (
	StateCheckingResumeData State = iota
	StateDownloadingMetadata
	StateCheckingFiles
	StateDownloading
	StateFinished
	StateSeeding
	StateAllocating
)

func (s State) String() string {
	switch s {
	case StateCheckingResumeData:
		return "checking_resume_data"
	case StateDownloadingMetadata:
		return "downloading_metadata"
	case StateCheckingFiles:
		return "checking_files"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateSeeding:
		return "seeding"
	case StateAllocating:
		return "allocating"
	default:
		return "unknown"
	}
}

// ErrorCode enumerates the latched per-torrent error slot (§4.5 "error
// model").
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrDiskFatal
	ErrHashMismatchExceeded
	ErrNoSpace
	ErrFilePriorityFailed
)

// TorrentError is the single latched (code, file_index) pair a torrent may
// carry. Setting it implicitly pauses the torrent.
type TorrentError struct {
	Code      ErrorCode
	FileIndex int
	Message   string
}

func (e *TorrentError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
