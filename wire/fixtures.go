package wire

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"

	"github.com/torrentd/libtorrent/bandwidth"
	"github.com/torrentd/libtorrent/core"
	"github.com/torrentd/libtorrent/xlog"
)

type noopEvents struct{}

func (e noopEvents) ConnClosed(*Conn) {}

// noopDeadline wraps a net.Conn which does not support deadlines (e.g.
// net.Pipe) so it can be handed to code that unconditionally calls
// SetDeadline.
type noopDeadline struct {
	net.Conn
}

func (n noopDeadline) SetDeadline(t time.Time) error      { return nil }
func (n noopDeadline) SetReadDeadline(t time.Time) error  { return nil }
func (n noopDeadline) SetWriteDeadline(t time.Time) error { return nil }

// ConfigFixture returns a default Config for testing.
func ConfigFixture() Config {
	return Config{}.applyDefaults()
}

// BandwidthFixture returns an unlimited bandwidth.Limiter for testing.
func BandwidthFixture() *bandwidth.Limiter {
	l, err := bandwidth.NewLimiter(bandwidth.Config{Enable: false})
	if err != nil {
		panic(err)
	}
	return l
}

// PipeFixture returns connected Conns for both ends of an in-memory pipe,
// skipping the real handshake byte exchange.
func PipeFixture(numPieces int) (local *Conn, remote *Conn, cleanup func()) {
	nc1, nc2 := net.Pipe()

	localID, _ := core.RandomPeerID()
	remoteID, _ := core.RandomPeerID()
	var infoHash core.InfoHash

	config := ConfigFixture()
	stats := tally.NewTestScope("", nil)
	clk := clock.New()
	bw := BandwidthFixture()
	logger := xlog.NewNop()

	var err error
	local, err = New(config, stats, clk, bw, noopEvents{}, noopDeadline{nc1},
		localID, remoteID, infoHash, numPieces, false, logger)
	if err != nil {
		panic(err)
	}
	local.Start()

	remote, err = New(config, stats, clk, bw, noopEvents{}, noopDeadline{nc2},
		remoteID, localID, infoHash, numPieces, true, logger)
	if err != nil {
		panic(err)
	}
	remote.Start()

	return local, remote, func() { nc1.Close(); nc2.Close() }
}
