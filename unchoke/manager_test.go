package unchoke

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentd/libtorrent/core"
)

type fakePeer struct {
	id            core.PeerID
	downloadRate  int64
	uploadRate    int64
	uploadedRatio float64
	interested    bool
	disconnecting bool
	ignored       bool
	shareDiff     int64
	connected     bool
}

func (p *fakePeer) PeerID() core.PeerID        { return p.id }
func (p *fakePeer) DownloadRate() int64        { return p.downloadRate }
func (p *fakePeer) UploadRate() int64          { return p.uploadRate }
func (p *fakePeer) UploadedToRatio() float64   { return p.uploadedRatio }
func (p *fakePeer) Interested() bool           { return p.interested }
func (p *fakePeer) Disconnecting() bool        { return p.disconnecting }
func (p *fakePeer) Ignored() bool              { return p.ignored }
func (p *fakePeer) ShareDiff() int64           { return p.shareDiff }
func (p *fakePeer) Connected() bool            { return p.connected }

func peer(n byte, rate int64) *fakePeer {
	return &fakePeer{id: core.PeerID{n}, downloadRate: rate, interested: true, connected: true}
}

func TestTickUnchokesTopDownloadersWhenLeeching(t *testing.T) {
	m := New(Config{MaxUploads: 3}, clock.NewMock(), 1)
	peers := []PeerStats{peer(1, 100), peer(2, 300), peer(3, 50), peer(4, 200)}

	dec := m.Tick(peers, false, 3)

	require.Len(t, dec.Unchoke, 2) // allowedSlots-1 regular slots; tick 1 has no optimistic yet (multiplier 3).
	require.Contains(t, dec.Unchoke, core.PeerID{2})
	require.Contains(t, dec.Unchoke, core.PeerID{4})
}

func TestTickExcludesUninterestedAndDisconnectingPeers(t *testing.T) {
	m := New(Config{MaxUploads: 5}, clock.NewMock(), 1)
	uninterested := peer(1, 1000)
	uninterested.interested = false
	disconnecting := peer(2, 1000)
	disconnecting.disconnecting = true

	peers := []PeerStats{uninterested, disconnecting, peer(3, 10)}
	dec := m.Tick(peers, false, 5)

	require.Equal(t, []core.PeerID{{3}}, dec.Unchoke)
}

func TestTickExcludesDeepNegativeShareDiffWhenLeeching(t *testing.T) {
	m := New(Config{MaxUploads: 5, FreeUpload: 100}, clock.NewMock(), 1)
	stingy := peer(1, 1000)
	stingy.shareDiff = -1000

	peers := []PeerStats{stingy, peer(2, 10)}
	dec := m.Tick(peers, false, 5)

	require.Equal(t, []core.PeerID{{2}}, dec.Unchoke)
}

func TestTickSortsBySeedRatioWhenSeeding(t *testing.T) {
	m := New(Config{MaxUploads: 3}, clock.NewMock(), 1)
	a := peer(1, 0)
	a.uploadedRatio = 5.0
	b := peer(2, 0)
	b.uploadedRatio = 0.1

	dec := m.Tick([]PeerStats{a, b}, true, 3)

	require.Equal(t, []core.PeerID{{2}, {1}}, dec.Unchoke)
}

func TestOptimisticUnchokeFiresEveryMultiplierTicks(t *testing.T) {
	m := New(Config{MaxUploads: 1, OptimisticMultiplier: 3}, clock.NewMock(), 1)
	peers := []PeerStats{peer(1, 100), peer(2, 50)}

	dec1 := m.Tick(peers, false, 1)
	require.False(t, dec1.HasOptimistic)

	dec2 := m.Tick(peers, false, 1)
	require.False(t, dec2.HasOptimistic)

	dec3 := m.Tick(peers, false, 1)
	require.True(t, dec3.HasOptimistic)
}

func TestChokedListContainsEveryNonUnchokedPeer(t *testing.T) {
	m := New(Config{MaxUploads: 2}, clock.NewMock(), 1)
	peers := []PeerStats{peer(1, 300), peer(2, 200), peer(3, 100)}

	dec := m.Tick(peers, false, 2)

	require.Len(t, dec.Unchoke, 1)
	require.Len(t, dec.Choke, 2)
}

func TestAllowedSlotsFloatsToCapWhenNotThrottled(t *testing.T) {
	c := Config{MaxUploads: 4, MaxUploadsCap: 16}
	require.Equal(t, 16, c.AllowedSlots(false, false))
	require.Equal(t, 4, c.AllowedSlots(true, false))
}
