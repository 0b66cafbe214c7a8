// Package bandwidth implements token-bucket egress/ingress rate limiting for
// the peer session loop, so no single torrent or peer can saturate the
// process's network interface. Limits can be adjusted at runtime as the
// number of active torrents changes.
package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter rate-limits egress and ingress byte flow independently.
type Limiter struct {
	mu sync.Mutex

	config Config

	egress  *rate.Limiter
	ingress *rate.Limiter

	egressLimit  int64
	ingressLimit int64
}

// NewLimiter creates a new Limiter from config. If config.Enable is false,
// all Reserve calls are no-ops.
func NewLimiter(config Config) (*Limiter, error) {
	config = config.applyDefaults()
	if !config.Enable {
		return &Limiter{config: config}, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("bandwidth: egress_bits_per_sec must be non-zero when enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("bandwidth: ingress_bits_per_sec must be non-zero when enabled")
	}
	l := &Limiter{
		config:       config,
		egressLimit:  int64(config.EgressBitsPerSec),
		ingressLimit: int64(config.IngressBitsPerSec),
	}
	l.egress = newTokenBucket(config.EgressBitsPerSec, config.TokenSize)
	l.ingress = newTokenBucket(config.IngressBitsPerSec, config.TokenSize)
	return l, nil
}

func newTokenBucket(bitsPerSec, tokenSize uint64) *rate.Limiter {
	burst := int(bitsPerSec / tokenSize)
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(burst), burst)
}

func numTokens(nbytes int64, tokenSize uint64) int {
	bits := uint64(nbytes) * 8
	n := int(bits / tokenSize)
	if n == 0 {
		n = 1
	}
	return n
}

// ReserveEgress blocks until nbytes of egress bandwidth is available, or
// returns an error if nbytes exceeds the bucket's total capacity.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes, "egress")
}

// ReserveIngress blocks until nbytes of ingress bandwidth is available, or
// returns an error if nbytes exceeds the bucket's total capacity.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes, "ingress")
}

func (l *Limiter) reserve(b *rate.Limiter, nbytes int64, direction string) error {
	if b == nil {
		return nil
	}
	tokens := numTokens(nbytes, l.config.TokenSize)
	if err := b.WaitN(context.Background(), tokens); err != nil {
		return fmt.Errorf("bandwidth: reserve %d bytes %s: %s", nbytes, direction, err)
	}
	return nil
}

// Adjust rescales both limits by 1/denom, e.g. to divide available bandwidth
// evenly across denom active torrents.
func (l *Limiter) Adjust(denom int) error {
	if denom == 0 {
		return errors.New("bandwidth: denom must be non-zero")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.config.Enable {
		return nil
	}

	l.egressLimit = ceilDiv(int64(l.config.EgressBitsPerSec), denom)
	l.ingressLimit = ceilDiv(int64(l.config.IngressBitsPerSec), denom)

	l.egress.SetLimit(rate.Limit(float64(l.egressLimit) / float64(l.config.TokenSize)))
	l.ingress.SetLimit(rate.Limit(float64(l.ingressLimit) / float64(l.config.TokenSize)))

	return nil
}

func ceilDiv(n int64, denom int) int64 {
	d := int64(denom)
	return (n + d - 1) / d
}

// EgressLimit returns the current effective egress limit, in bits/sec.
func (l *Limiter) EgressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.egressLimit
}

// IngressLimit returns the current effective ingress limit, in bits/sec.
func (l *Limiter) IngressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ingressLimit
}
