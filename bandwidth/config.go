package bandwidth

// Config defines egress/ingress rate limits, in bits per second, for a Limiter.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize is the number of bits represented by a single token in the
	// underlying token bucket. Smaller values give finer-grained limiting at
	// the cost of more frequent bucket accounting.
	TokenSize uint64 `yaml:"token_size"`

	// Enable toggles rate limiting. When false, Reserve* calls are no-ops.
	Enable bool `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 8 // one byte per token by default.
	}
	return c
}
