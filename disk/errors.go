package disk

import "errors"

// ErrPieceComplete occurs when a write targets a piece that has already
// been fully written.
var ErrPieceComplete = errors.New("disk: piece is already complete")

// ErrWriteConflict occurs when two writes race for the same piece.
var ErrWriteConflict = errors.New("disk: piece is already being written to")
