// Package metainfo decodes bencoded .torrent files and computes the
// resulting InfoHash, mirroring the accessor shape of a metainfo type but
// generalized to the real BitTorrent single/multi-file info dictionary
// instead of a single content-addressed blob.
package metainfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
	"github.com/torrentd/libtorrent/core"
)

// FileInfo describes one file within a multi-file torrent.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// info is the bencoded "info" dictionary, hashed verbatim to produce the
// torrent's InfoHash. Field order matters for hashing stability but bencode
// dictionaries are sorted by key on encode, so Go field order is irrelevant.
type info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
	Private     int64      `bencode:"private,omitempty"`
}

// raw is the top-level bencoded .torrent dictionary.
type raw struct {
	Info         info       `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	URLList      []string   `bencode:"url-list,omitempty"`
}

// MetaInfo is the parsed form of a .torrent file, exposing accessors over
// piece layout, file layout, and the tracker tier list.
type MetaInfo struct {
	info     info
	infoHash core.InfoHash
	trackers [][]string
	urlSeeds []string
	comment  string
}

// ErrNoPieces is returned when an info dictionary has an empty piece string.
var ErrNoPieces = errors.New("metainfo: info dict has no pieces")

// Decode parses a bencoded .torrent file.
func Decode(r io.Reader) (*MetaInfo, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %s", err)
	}
	var raw raw
	if err := bencode.Unmarshal(bytes.NewReader(buf), &raw); err != nil {
		return nil, fmt.Errorf("bencode unmarshal: %s", err)
	}
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, errors.New("metainfo: pieces string not a multiple of 20 bytes")
	}
	if len(raw.Info.Pieces) == 0 {
		return nil, ErrNoPieces
	}

	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, raw.Info); err != nil {
		return nil, fmt.Errorf("bencode marshal info: %s", err)
	}
	hash := core.NewInfoHashFromBytes(infoBuf.Bytes())

	trackers := raw.AnnounceList
	if len(trackers) == 0 && raw.Announce != "" {
		trackers = [][]string{{raw.Announce}}
	}

	return &MetaInfo{
		info:     raw.Info,
		infoHash: hash,
		trackers: trackers,
		urlSeeds: raw.URLList,
		comment:  raw.Comment,
	}, nil
}

// InfoHash returns the torrent's InfoHash.
func (mi *MetaInfo) InfoHash() core.InfoHash { return mi.infoHash }

// Name returns the suggested save name (file name or directory name).
func (mi *MetaInfo) Name() string { return mi.info.Name }

// PieceLength is the nominal length of every piece except possibly the last.
func (mi *MetaInfo) PieceLength() int64 { return mi.info.PieceLength }

// NumPieces returns the number of pieces described by the info dictionary.
func (mi *MetaInfo) NumPieces() int { return len(mi.info.Pieces) / 20 }

// TotalLength returns the sum of all file lengths (or the single length field
// for single-file torrents).
func (mi *MetaInfo) TotalLength() int64 {
	if len(mi.info.Files) == 0 {
		return mi.info.Length
	}
	var total int64
	for _, f := range mi.info.Files {
		total += f.Length
	}
	return total
}

// GetPieceLength returns the true length of piece i, accounting for a short
// final piece.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	n := mi.NumPieces()
	if i < 0 || i >= n {
		return 0
	}
	if i == n-1 {
		rem := mi.TotalLength() - mi.info.PieceLength*int64(n-1)
		return rem
	}
	return mi.info.PieceLength
}

// GetPieceHash returns the expected SHA-1 hash of piece i. Does not bounds-check.
func (mi *MetaInfo) GetPieceHash(i int) core.PieceHash {
	var h core.PieceHash
	copy(h[:], mi.info.Pieces[i*20:(i+1)*20])
	return h
}

// Files returns the file layout. Single-file torrents synthesize a one-entry
// list using the info name as the path.
func (mi *MetaInfo) Files() []FileInfo {
	if len(mi.info.Files) > 0 {
		return mi.info.Files
	}
	return []FileInfo{{Length: mi.info.Length, Path: []string{mi.info.Name}}}
}

// Private reports whether the "private" flag (BEP 27) is set, disabling DHT/PEX/LSD.
func (mi *MetaInfo) Private() bool { return mi.info.Private != 0 }

// Trackers returns the announce tier list (outer slice is tiers, in order).
func (mi *MetaInfo) Trackers() [][]string { return mi.trackers }

// URLSeeds returns configured web seed URLs (BEP 19).
func (mi *MetaInfo) URLSeeds() []string { return mi.urlSeeds }

// Comment returns the free-form comment field, if any.
func (mi *MetaInfo) Comment() string { return mi.comment }
