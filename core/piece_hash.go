package core

import (
	"crypto/sha1"
	"encoding/hex"
)

// PieceHash is the 20-byte SHA-1 digest of a single piece's content, as
// stored concatenated in the metainfo "pieces" string.
type PieceHash [20]byte

// NewPieceHash hashes a piece's bytes.
func NewPieceHash(b []byte) PieceHash {
	var h PieceHash
	sum := sha1.Sum(b)
	copy(h[:], sum[:])
	return h
}

// NewPieceHashFromBytes copies a 20-byte slice into a PieceHash.
func NewPieceHashFromBytes(b []byte) (PieceHash, error) {
	if len(b) != 20 {
		return PieceHash{}, ErrInvalidPeerIDLength
	}
	var h PieceHash
	copy(h[:], b)
	return h, nil
}

func (h PieceHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal reports whether h matches o.
func (h PieceHash) Equal(o PieceHash) bool {
	return h == o
}
