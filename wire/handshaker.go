package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/libtorrent/bandwidth"
	"github.com/torrentd/libtorrent/core"
)

const protocolID = "BitTorrent protocol"

// extensionReserved marks reserved byte 5, bit 0x10, signaling BEP 10
// extension-protocol support.
var extensionReserved = [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0}

// Handshaker performs the BEP 3 handshake on freshly dialed or accepted
// sockets and hands back a started Conn, playing the role the teacher's
// handshaker.go plays for its own (kraken-specific) bitfield-exchange
// handshake: the boundary between "bytes on a socket" and a live Conn the
// rest of the core can address by peer id and info hash.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	localID   core.PeerID
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	localID core.PeerID,
	logger *zap.SugaredLogger) *Handshaker {

	return &Handshaker{
		config:    config.applyDefaults(),
		stats:     stats,
		clk:       clk,
		bandwidth: bw,
		localID:   localID,
		logger:    logger,
	}
}

// Initialize performs the outgoing half of a handshake against a torrent
// whose info hash is already known (we are dialing).
func (h *Handshaker) Initialize(
	nc net.Conn, infoHash core.InfoHash, numPieces int, events Events) (*Conn, error) {

	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if err := writeHandshake(nc, infoHash, h.localID); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	remoteHash, remoteID, err := readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if remoteHash != infoHash {
		return nil, fmt.Errorf("info hash mismatch: got %s, want %s", remoteHash, infoHash)
	}
	return New(h.config, h.stats, h.clk, h.bandwidth, events, nc,
		h.localID, remoteID, infoHash, numPieces, false, h.logger)
}

// Accept performs the incoming half of a handshake on a freshly accepted
// socket. lookup resolves the announced info hash to the expected piece
// count, or reports that the torrent isn't known locally.
func (h *Handshaker) Accept(
	nc net.Conn, lookup func(core.InfoHash) (numPieces int, ok bool), events Events) (*Conn, error) {

	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	remoteHash, remoteID, err := readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	numPieces, ok := lookup(remoteHash)
	if !ok {
		return nil, fmt.Errorf("unknown info hash: %s", remoteHash)
	}
	if err := writeHandshake(nc, remoteHash, h.localID); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	return New(h.config, h.stats, h.clk, h.bandwidth, events, nc,
		h.localID, remoteID, remoteHash, numPieces, true, h.logger)
}

func writeHandshake(w io.Writer, infoHash core.InfoHash, peerID core.PeerID) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(protocolID)))
	buf.WriteString(protocolID)
	buf.Write(extensionReserved[:])
	buf.Write(infoHash.Bytes())
	buf.Write(peerID[:])
	_, err := w.Write(buf.Bytes())
	return err
}

func readHandshake(r io.Reader) (core.InfoHash, core.PeerID, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return core.InfoHash{}, core.PeerID{}, err
	}
	if pstrlen[0] == 0 {
		return core.InfoHash{}, core.PeerID{}, errors.New("wire: empty protocol string")
	}
	rest := make([]byte, int(pstrlen[0])+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return core.InfoHash{}, core.PeerID{}, err
	}
	infoHashBytes := rest[int(pstrlen[0])+8 : int(pstrlen[0])+8+20]
	peerIDBytes := rest[int(pstrlen[0])+8+20:]

	var infoHash core.InfoHash
	copy(infoHash[:], infoHashBytes)
	peerID, err := core.NewPeerIDFromBytes(peerIDBytes)
	if err != nil {
		return core.InfoHash{}, core.PeerID{}, fmt.Errorf("peer id: %s", err)
	}
	return infoHash, peerID, nil
}
