package disk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThreadAsyncWritePieceDeliversResult(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "data"), 8, 16, 2)
	require.NoError(t, err)
	defer store.Close()

	th := NewThread(2)
	defer th.Close()

	th.AsyncWritePiece(store, 0, []byte("12345678"))

	select {
	case res := <-th.Results():
		require.NoError(t, res.Err)
		require.Equal(t, 0, res.Piece)
		require.True(t, store.HasPiece(0))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disk result")
	}
}

func TestThreadAsyncReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "data"), 8, 8, 1)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WritePiece(0, []byte("abcdefgh")))

	th := NewThread(1)
	defer th.Close()

	th.AsyncRead(store, 0, 0, 0, 8)
	select {
	case res := <-th.Results():
		require.NoError(t, res.Err)
		require.Equal(t, []byte("abcdefgh"), res.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disk result")
	}
}

func TestStoreWritePieceRejectsDuplicateWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "data"), 4, 4, 1)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WritePiece(0, []byte("abcd")))
	err = store.WritePiece(0, []byte("efgh"))
	require.ErrorIs(t, err, ErrPieceComplete)
}

func TestOpenStoreCreatesMissingDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data")
	store, err := OpenStore(path, 4, 4, 1)
	require.NoError(t, err)
	defer store.Close()
	_, err = os.Stat(path)
	require.NoError(t, err)
}
