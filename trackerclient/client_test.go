package trackerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrentd/libtorrent/core"
)

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		// Two compact IPv4 peers: 1.2.3.4:6881 and 5.6.7.8:6882.
		body := "d8:intervali1800e5:peers12:" +
			string([]byte{1, 2, 3, 4, 26, 225, 5, 6, 7, 8, 26, 226}) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	peerID, _ := core.RandomPeerID()
	resp, err := c.Announce(context.Background(), AnnounceParams{
		InfoHash: core.InfoHash{},
		PeerID:   peerID,
		Port:     6881,
		Compact:  true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "1.2.3.4", resp.Peers[0].IP)
	require.Equal(t, 6881, resp.Peers[0].Port)
}

func TestAnnounceReturnsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason17:torrent not founde"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	peerID, _ := core.RandomPeerID()
	resp, err := c.Announce(context.Background(), AnnounceParams{PeerID: peerID})
	require.NoError(t, err)
	require.Equal(t, "torrent not found", resp.FailureReason)
}

func TestAnnounceNonOKStatusReturnsHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	peerID, _ := core.RandomPeerID()
	_, err = c.Announce(context.Background(), AnnounceParams{PeerID: peerID})
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusGone, statusErr.Code)
}
