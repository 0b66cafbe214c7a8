package resume

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	bf := bitset.New(5)
	bf.Set(0)
	bf.Set(3)

	d := &Data{
		Version:        Version,
		InfoHash:       "abcd1234",
		TotalUploaded:  100,
		SavePath:       "/data/torrents",
		HavePieces:     PackBitfield(bf, 5),
		Trackers:       []Tracker{{URL: "http://tracker", Tier: 0}},
		UploadLimit:    1000,
		MaxConnections: 50,
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, d))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, d.InfoHash, got.InfoHash)
	require.Equal(t, d.TotalUploaded, got.TotalUploaded)
	require.Equal(t, d.Trackers, got.Trackers)
	require.True(t, Equal(d, got))
}

func TestPackUnpackBitfieldRoundTrips(t *testing.T) {
	bf := bitset.New(10)
	bf.Set(0)
	bf.Set(1)
	bf.Set(9)

	packed := PackBitfield(bf, 10)
	require.Len(t, packed, 2) // ceil(10/8) bytes

	got := UnpackBitfield(packed, 10)
	for i := uint(0); i < 10; i++ {
		require.Equal(t, bf.Test(i), got.Test(i), "bit %d", i)
	}
}

func TestPackUnpackBlockBitmapRoundTrips(t *testing.T) {
	blocks := []bool{true, false, true, true, false, false, false, true, true}
	packed := PackBlockBitmap(blocks)
	got := UnpackBlockBitmap(packed, len(blocks))
	require.Equal(t, blocks, got)
}

func TestUnpackBitfieldHandlesTruncatedInput(t *testing.T) {
	got := UnpackBitfield("", 8)
	for i := uint(0); i < 8; i++ {
		require.False(t, got.Test(i))
	}
}
