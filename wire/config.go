package wire

import (
	"time"

	"github.com/torrentd/libtorrent/memsize"
)

// Config configures a Conn's buffering and framing limits.
type Config struct {
	SenderBufferSize   int           `yaml:"sender_buffer_size"`
	ReceiverBufferSize int           `yaml:"receiver_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`

	// MaxMessageSize bounds the length prefix of every incoming message,
	// piece messages and their payload blocks included.
	MaxMessageSize uint64 `yaml:"max_message_size"`
}

func (c Config) applyDefaults() Config {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 100
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 100
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * memsize.KB
	}
	return c
}
