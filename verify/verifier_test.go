package verify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/libtorrent/core"
)

type fakeExpected struct {
	length int
	hash   core.PieceHash
}

func (f fakeExpected) GetPieceLength(piece int) int      { return f.length }
func (f fakeExpected) GetPieceHash(piece int) core.PieceHash { return f.hash }

func TestPieceVerifiesMatchingHash(t *testing.T) {
	data := []byte("some piece payload")
	exp := fakeExpected{length: len(data), hash: core.NewPieceHash(data)}
	v := New(exp)
	require.NoError(t, v.Piece(0, data))
}

func TestPieceRejectsLengthMismatch(t *testing.T) {
	data := []byte("some piece payload")
	exp := fakeExpected{length: len(data) + 1, hash: core.NewPieceHash(data)}
	v := New(exp)
	err := v.Piece(0, data)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestPieceRejectsHashMismatch(t *testing.T) {
	data := []byte("some piece payload")
	exp := fakeExpected{length: len(data), hash: core.NewPieceHash([]byte("different"))}
	v := New(exp)
	err := v.Piece(0, data)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestTeeHasherAccumulatesWhileWriting(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("payload to write and hash in one pass")
	th := NewTeeHasher(&buf)
	n, err := th.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf.Bytes())
	require.Equal(t, core.NewPieceHash(data), th.Sum())
}
