// Package verify implements the PieceVerifier: checking a piece's payload
// against its SHA-1 hash from the .torrent info dict, decoupled from the
// disk write itself so a failed hash check never touches the on-disk piece
// store (§4.3).
package verify

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/torrentd/libtorrent/core"
)

// ErrLengthMismatch occurs when a piece buffer's length doesn't match the
// length metainfo.MetaInfo reports for that piece index.
var ErrLengthMismatch = errors.New("verify: piece length mismatch")

// ErrHashMismatch occurs when a piece's computed hash does not match the
// expected hash from the info dict.
var ErrHashMismatch = errors.New("verify: piece hash mismatch")

// Expected answers what a single piece's expected length and hash are.
// metainfo.MetaInfo does not satisfy it directly: its GetPieceLength returns
// int64, not int.
type Expected interface {
	GetPieceLength(piece int) int
	GetPieceHash(piece int) core.PieceHash
}

// Verifier checks piece payloads against expected hashes from a torrent's
// info dict.
type Verifier struct {
	expected Expected
}

// New creates a Verifier against expected's piece layout.
func New(expected Expected) *Verifier {
	return &Verifier{expected: expected}
}

// Piece verifies that data is exactly the expected length for piece and
// hashes to the expected SHA-1 digest, per component 3 of §4.3.
func (v *Verifier) Piece(piece int, data []byte) error {
	want := v.expected.GetPieceLength(piece)
	if len(data) != want {
		return fmt.Errorf("%w: piece %d: expected %d bytes, got %d",
			ErrLengthMismatch, piece, want, len(data))
	}
	sum := core.NewPieceHash(data)
	if !sum.Equal(v.expected.GetPieceHash(piece)) {
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, piece)
	}
	return nil
}

// TeeHasher wraps a writer so the bytes passed through it accumulate into a
// running SHA-1 digest, letting a disk write and a hash check happen in a
// single pass over the payload rather than two. No other package of this
// module calls it.
type TeeHasher struct {
	w io.Writer
	h hash.Hash
}

// NewTeeHasher wraps w so writes through it also accumulate into a SHA-1
// digest retrievable via Sum.
func NewTeeHasher(w io.Writer) *TeeHasher {
	return &TeeHasher{w: w, h: sha1.New()}
}

// Write implements io.Writer.
func (t *TeeHasher) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the accumulated digest as a core.PieceHash.
func (t *TeeHasher) Sum() core.PieceHash {
	var out core.PieceHash
	copy(out[:], t.h.Sum(nil))
	return out
}

// PieceHasher computes a core.PieceHash over an entire in-memory piece in
// one call, for callers that already hold the full payload (e.g. end-game
// duplicate completions, or disk read-back verification).
func PieceHasher(data []byte) core.PieceHash {
	return core.NewPieceHash(data)
}
