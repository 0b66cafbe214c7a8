package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/torrentd/libtorrent/bandwidth"
	"github.com/torrentd/libtorrent/core"
)

// Messages is the narrow capability TorrentCore depends on to exchange wire
// messages with a single connected peer, decoupling core logic from
// transport and framing details.
type Messages interface {
	Send(msg *Message) error
	Receiver() <-chan *Message
	Close()
}

// Events notifies a Conn's owner of lifecycle events.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages peer wire-protocol communication for a single torrent over a
// single TCP connection, multiplexing the read/write loops onto buffered
// channels so TorrentCore never blocks on socket I/O.
type Conn struct {
	peerID      core.PeerID
	infoHash    core.InfoHash
	localPeerID core.PeerID
	createdAt   time.Time

	nc        net.Conn
	config    Config
	clk       clock.Clock
	stats     tally.Scope
	bandwidth *bandwidth.Limiter
	numPieces int

	openedByRemote bool

	events Events
	logger *zap.SugaredLogger

	startOnce sync.Once

	sender   chan *Message
	receiver chan *Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wraps an already-handshaken net.Conn into a Conn. numPieces sizes
// decoded bitfield messages.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	numPieces int,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	config = config.applyDefaults()

	// Handshake deadlines no longer apply; idle management happens via the
	// torrent's own per-peer tick, not socket deadlines.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	c := &Conn{
		peerID:         remotePeerID,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		createdAt:      clk.Now(),
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats,
		bandwidth:      bw,
		numPieces:      numPieces,
		openedByRemote: openedByRemote,
		events:         events,
		logger:         logger,
		sender:         make(chan *Message, config.SenderBufferSize),
		receiver:       make(chan *Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
	return c, nil
}

// Start begins the read/write loops. Idempotent.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this Conn is transmitting.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was constructed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues msg for writing. Non-blocking: returns an error if the
// sender buffer is full rather than stalling the caller's event loop.
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.done:
		return errors.New("wire: conn closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{
			"dropped_message_type": msg.Type.String(),
		}).Counter("dropped_messages").Inc(1)
		return errors.New("wire: send buffer full")
	}
}

// Receiver returns the channel of incoming messages.
func (c *Conn) Receiver() <-chan *Message { return c.receiver }

// Close begins the shutdown sequence, closing the socket and waiting for the
// read/write loops to exit before notifying Events.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage()
			if err != nil {
				c.log().Infof("exiting read loop: %s", err)
				return
			}
			if msg == nil {
				continue // keep-alive
			}
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.sendMessage(msg); err != nil {
				c.log().Infof("exiting write loop: %s", err)
				return
			}
		}
	}
}

func (c *Conn) readMessage() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}
	if uint64(length) > c.config.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, c.config.MaxMessageSize)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(c.nc, idBuf[:]); err != nil {
		return nil, fmt.Errorf("read id: %s", err)
	}
	bodyLen := int(length) - 1
	body := make([]byte, bodyLen)

	// Piece payload bandwidth is metered separately from protocol overhead.
	if Type(idBuf[0]) == Piece && bodyLen >= 8 {
		if _, err := io.ReadFull(c.nc, body[:8]); err != nil {
			return nil, fmt.Errorf("read piece header: %s", err)
		}
		if err := c.bandwidth.ReserveIngress(int64(bodyLen - 8)); err != nil {
			return nil, fmt.Errorf("ingress bandwidth: %s", err)
		}
		if _, err := io.ReadFull(c.nc, body[8:]); err != nil {
			return nil, fmt.Errorf("read piece block: %s", err)
		}
		c.countBandwidth("ingress", int64(8*(bodyLen-8)))
	} else if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, fmt.Errorf("read body: %s", err)
	}

	return decodeBody(idBuf[0], body, c.numPieces)
}

func (c *Conn) sendMessage(msg *Message) error {
	if msg.Type == Piece {
		if err := c.bandwidth.ReserveEgress(int64(len(msg.Block))); err != nil {
			return fmt.Errorf("egress bandwidth: %s", err)
		}
		defer c.countBandwidth("egress", int64(8*len(msg.Block)))
	}
	if err := msg.encode(c.nc); err != nil {
		return fmt.Errorf("encode: %s", err)
	}
	return nil
}

func (c *Conn) countBandwidth(direction string, n int64) {
	c.stats.Tagged(map[string]string{
		"piece_bandwidth_direction": direction,
	}).Counter("piece_bandwidth").Inc(n)
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
