package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/torrentd/libtorrent/core"
)

// fixedSizer gives every piece blocksPerPiece blocks of blockLen bytes,
// except the very last block of the very last piece which may be shorter.
type fixedSizer struct {
	numPieces      int
	blocksPerPiece int
	blockLen       int
	lastPieceLen   int
}

func (s fixedSizer) BlocksInPiece(piece int) int {
	if piece == s.numPieces-1 && s.lastPieceLen > 0 {
		n := s.lastPieceLen / s.blockLen
		if s.lastPieceLen%s.blockLen != 0 {
			n++
		}
		return n
	}
	return s.blocksPerPiece
}

func (s fixedSizer) BlockLength(piece, block int) int {
	if piece == s.numPieces-1 && s.lastPieceLen > 0 {
		rem := s.lastPieceLen - block*s.blockLen
		if rem < s.blockLen {
			return rem
		}
	}
	return s.blockLen
}

func fullBitset(n int) *bitset.BitSet {
	bf := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		bf.Set(uint(i))
	}
	return bf
}

const testPieceLength = int64(16384 * 4)

func newTestPicker(numPieces, blocksPerPiece int) *Picker {
	sizer := fixedSizer{numPieces: numPieces, blocksPerPiece: blocksPerPiece, blockLen: 16384}
	return New(numPieces, testPieceLength, blocksPerPiece, sizer, ModeRarestFirst)
}

func pick(p *Picker, peerHas *bitset.BitSet, maxBlocks int, peer core.PeerID) ([]Pick, error) {
	return p.PickPieces(peerHas, maxBlocks, false, peer, PickOptions{}, nil)
}

func TestPickPiecesRespectsMaxBlocks(t *testing.T) {
	p := newTestPicker(4, 4)
	peer, _ := core.RandomPeerID()
	picks, err := pick(p, fullBitset(4), 3, peer)
	require.NoError(t, err)
	require.Len(t, picks, 3)
}

func TestPickPiecesSkipsFilteredPieces(t *testing.T) {
	p := newTestPicker(2, 4)
	p.SetPiecePriority(0, DontDownload)
	peer, _ := core.RandomPeerID()
	picks, err := pick(p, fullBitset(2), 100, peer)
	require.NoError(t, err)
	for _, pk := range picks {
		require.NotEqual(t, 0, pk.Piece)
	}
}

func TestPickPiecesSkipsPeerDoesNotHave(t *testing.T) {
	p := newTestPicker(2, 4)
	peer, _ := core.RandomPeerID()
	bf := bitset.New(2)
	bf.Set(1) // peer only has piece 1
	picks, err := pick(p, bf, 100, peer)
	require.NoError(t, err)
	for _, pk := range picks {
		require.Equal(t, 1, pk.Piece)
	}
}

func TestMarkWritingThenFinishedCompletesPiece(t *testing.T) {
	p := newTestPicker(1, 2)
	peer, _ := core.RandomPeerID()
	picks, err := pick(p, fullBitset(1), 2, peer)
	require.NoError(t, err)
	require.Len(t, picks, 2)

	for _, pk := range picks {
		require.True(t, p.MarkWriting(pk.Piece, pk.Block, peer))
	}
	var last bool
	for _, pk := range picks {
		last = p.MarkFinished(pk.Piece, pk.Block)
	}
	require.True(t, last, "last block finished should report piece complete")
}

func TestPiecePassedRemovesFromPickList(t *testing.T) {
	p := newTestPicker(2, 2)
	peer, _ := core.RandomPeerID()
	picks, _ := pick(p, fullBitset(2), 2, peer)
	require.NotEmpty(t, picks)
	piece := picks[0].Piece
	for off := 0; off < p.downloading[piece].n; off++ {
		p.MarkWriting(piece, off, peer)
		p.MarkFinished(piece, off)
	}
	p.PiecePassed(piece)
	require.True(t, p.Have(piece))
	_, stillDownloading := p.downloading[piece]
	require.False(t, stillDownloading)
}

func TestPieceFailedReturnsContributors(t *testing.T) {
	p := newTestPicker(1, 2)
	peerA, _ := core.RandomPeerID()
	picks, _ := pick(p, fullBitset(1), 2, peerA)
	for _, pk := range picks {
		p.MarkWriting(pk.Piece, pk.Block, peerA)
	}
	peers := p.PieceFailed(0)
	require.Contains(t, peers, peerA)
}

func TestRestorePieceClearsBlocksForRedownload(t *testing.T) {
	p := newTestPicker(1, 2)
	peer, _ := core.RandomPeerID()
	picks, _ := pick(p, fullBitset(1), 2, peer)
	for _, pk := range picks {
		p.MarkWriting(pk.Piece, pk.Block, peer)
	}
	p.PieceFailed(0)
	p.RestorePiece(0)

	picks2, err := pick(p, fullBitset(1), 2, peer)
	require.NoError(t, err)
	require.Len(t, picks2, 2, "blocks should be requestable again after restore")
}

func TestBreakOneSeedExcludesDontHavePiece(t *testing.T) {
	p := newTestPicker(3, 2)
	p.IncSeedCount()
	p.BreakOneSeed(1)
	require.Equal(t, 1, p.peerCounts.Get(0))
	require.Equal(t, 0, p.peerCounts.Get(1))
	require.Equal(t, 1, p.peerCounts.Get(2))
}

func TestSetPiecePriorityZeroAbandonsDownload(t *testing.T) {
	p := newTestPicker(1, 2)
	peer, _ := core.RandomPeerID()
	pick(p, fullBitset(1), 2, peer)
	require.Contains(t, p.downloading, 0)
	p.SetPiecePriority(0, DontDownload)
	require.NotContains(t, p.downloading, 0)
}

func TestPickPiecesOnParoleRefusesNonExclusivePiece(t *testing.T) {
	p := newTestPicker(1, 4)
	peerA, _ := core.RandomPeerID()
	peerB, _ := core.RandomPeerID()

	// peerA takes some blocks of piece 0, making it non-exclusive to peerB.
	_, err := pick(p, fullBitset(1), 1, peerA)
	require.NoError(t, err)

	picksB, err := p.PickPieces(fullBitset(1), 4, false, peerB, PickOptions{OnParole: true}, nil)
	require.NoError(t, err)
	require.Empty(t, picksB, "on-parole peer must not be given a piece it does not exclusively control")
}

func TestPickPiecesOnParoleAllowsExclusivePiece(t *testing.T) {
	p := newTestPicker(2, 4)
	peer, _ := core.RandomPeerID()

	picks, err := p.PickPieces(fullBitset(2), 4, false, peer, PickOptions{OnParole: true}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, picks, "on-parole peer may still be given a piece nobody else has touched")
}

func TestPickPiecesWalksSuggestedFirst(t *testing.T) {
	p := newTestPicker(4, 4)
	peer, _ := core.RandomPeerID()

	picks, err := p.PickPieces(fullBitset(4), 4, false, peer, PickOptions{}, []int{2})
	require.NoError(t, err)
	require.NotEmpty(t, picks)
	require.Equal(t, 2, picks[0].Piece, "suggested piece should be walked before ordinary mode dispatch")
}

func TestPickPiecesShortContiguousRunDivertsToBackup(t *testing.T) {
	p := newTestPicker(1, 8)
	peerA, _ := core.RandomPeerID()
	peerB, _ := core.RandomPeerID()

	// peerA consumes all but 2 contiguous blocks of an 8-block piece.
	picksA, err := pick(p, fullBitset(1), 6, peerA)
	require.NoError(t, err)
	require.Len(t, picksA, 6)

	picksB, err := p.PickPieces(fullBitset(1), 8, true, peerB, PickOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, picksB, "short contiguous run should still be drained from the backup list")
}
