package wire

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnClose(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup := PipeFixture(8)
	defer cleanup()

	require.False(local.IsClosed())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local.Close()
		}()
	}
	wg.Wait()

	require.True(local.IsClosed())
	_ = remote
}

func TestConnSendReceiveHave(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup := PipeFixture(8)
	defer cleanup()

	require.NoError(local.Send(NewHave(3)))

	select {
	case msg := <-remote.Receiver():
		require.Equal(Have, msg.Type)
		require.Equal(3, msg.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have message")
	}
}

func TestConnSendReceiveRequestAndPiece(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup := PipeFixture(8)
	defer cleanup()

	require.NoError(local.Send(NewRequest(1, 0, 4)))
	select {
	case msg := <-remote.Receiver():
		require.Equal(Request, msg.Type)
		require.Equal(1, msg.Index)
		require.Equal(4, msg.Length)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request message")
	}

	block := []byte{1, 2, 3, 4}
	require.NoError(remote.Send(NewPiece(1, 0, block)))
	select {
	case msg := <-local.Receiver():
		require.Equal(Piece, msg.Type)
		require.Equal(block, msg.Block)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for piece message")
	}
}
