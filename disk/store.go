package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// pieceStatus mirrors agentstorage's empty/dirty/complete piece lifecycle,
// generalized from a single download directory to an arbitrary save path.
type pieceStatus int

const (
	statusEmpty pieceStatus = iota
	statusDirty
	statusComplete
)

type pieceState struct {
	mu     sync.RWMutex
	status pieceStatus
}

func (p *pieceState) complete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == statusComplete
}

func (p *pieceState) tryMarkDirty() (alreadyDirty, alreadyComplete bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case statusEmpty:
		p.status = statusDirty
	case statusDirty:
		alreadyDirty = true
	case statusComplete:
		alreadyComplete = true
	}
	return
}

func (p *pieceState) markEmpty() {
	p.mu.Lock()
	p.status = statusEmpty
	p.mu.Unlock()
}

func (p *pieceState) markComplete() {
	p.mu.Lock()
	p.status = statusComplete
	p.mu.Unlock()
}

// Store is a single torrent's on-disk backing file plus per-piece
// completion state, generalized from agentstorage.Torrent's file+metadata
// pairing to a plain single-file save path (no cache-directory promotion
// step, since this module is not a content-addressed blob store).
type Store struct {
	path        string
	pieceLength int64
	totalLength int64

	mu     sync.Mutex
	file   *os.File
	pieces []*pieceState
}

// OpenStore opens (creating if necessary) the backing file at path sized to
// hold a torrent with the given piece and total lengths.
func OpenStore(path string, pieceLength, totalLength int64, numPieces int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %s", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	if err := f.Truncate(totalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate: %s", err)
	}
	pieces := make([]*pieceState, numPieces)
	for i := range pieces {
		pieces[i] = &pieceState{}
	}
	return &Store{
		path:        path,
		pieceLength: pieceLength,
		totalLength: totalLength,
		file:        f,
		pieces:      pieces,
	}, nil
}

// Close releases the backing file descriptor.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *Store) offset(piece int) int64 {
	return s.pieceLength * int64(piece)
}

// HasPiece reports whether piece has been fully written.
func (s *Store) HasPiece(piece int) bool {
	return s.pieces[piece].complete()
}

// WritePiece writes data at piece's offset and marks it complete. Returns
// ErrPieceComplete if the piece was already written, matching
// agentstorage.Torrent's idempotent-write guard.
func (s *Store) WritePiece(piece int, data []byte) error {
	p := s.pieces[piece]
	if p.complete() {
		return ErrPieceComplete
	}
	dirty, complete := p.tryMarkDirty()
	if dirty {
		return ErrWriteConflict
	}
	if complete {
		return ErrPieceComplete
	}

	s.mu.Lock()
	_, err := s.file.WriteAt(data, s.offset(piece))
	s.mu.Unlock()
	if err != nil {
		p.markEmpty()
		return fmt.Errorf("write at offset: %s", err)
	}
	p.markComplete()
	return nil
}

// writeBlock writes data at offset within piece without touching piece
// completion state, for callers that coalesce blocks into a whole piece
// themselves before calling WritePiece.
func (s *Store) writeBlock(piece, offset int, data []byte) error {
	s.mu.Lock()
	_, err := s.file.WriteAt(data, s.offset(piece)+int64(offset))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write block: %s", err)
	}
	return nil
}

// ReadPiece reads length bytes starting at offset within piece.
func (s *Store) ReadPiece(piece, offset, length int) ([]byte, error) {
	buf := make([]byte, length)
	s.mu.Lock()
	_, err := s.file.ReadAt(buf, s.offset(piece)+int64(offset))
	s.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read at offset: %s", err)
	}
	return buf, nil
}

// ReadRange satisfies io.ReaderAt style whole-file reads used when serving a
// piece directly to a peer, bypassing the block-offset API.
func (s *Store) ReadRange(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	s.mu.Lock()
	_, err := s.file.ReadAt(buf, offset)
	s.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read range: %s", err)
	}
	return buf, nil
}
