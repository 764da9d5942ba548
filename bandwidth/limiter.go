// Package bandwidth implements per-engine egress/ingress rate limiting for
// wire traffic, as a pair of token buckets configured in plain
// bytes-per-second.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls a Limiter's egress and ingress caps.
type Config struct {
	// EgressBytesPerSec caps outbound wire traffic. Zero disables the cap.
	EgressBytesPerSec uint64 `yaml:"egress_bytes_per_sec"`

	// IngressBytesPerSec caps inbound wire traffic. Zero disables the cap.
	IngressBytesPerSec uint64 `yaml:"ingress_bytes_per_sec"`

	// TokenSize is the number of bytes one rate-limiter token represents,
	// bounding the granularity of ReserveN calls so a byte is never mapped
	// one-to-one onto a token.
	TokenSize uint64 `yaml:"token_size"`

	// Disable turns off both caps regardless of the configured rates,
	// while still exercising the same reservation code path.
	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 1024
	}
	return c
}

// Limiter rate-limits egress and ingress traffic via independent
// token-bucket limiters.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a Limiter per config. A zero rate for either direction
// leaves that direction unlimited (an infinite-rate limiter).
func NewLimiter(config Config, log *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()

	if config.Disable {
		log.Warn("bandwidth limits disabled")
	}

	return &Limiter{
		config:  config,
		egress:  tokenLimiter(config.EgressBytesPerSec, config.TokenSize),
		ingress: tokenLimiter(config.IngressBytesPerSec, config.TokenSize),
	}
}

func tokenLimiter(bytesPerSec, tokenSize uint64) *rate.Limiter {
	if bytesPerSec == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	tps := bytesPerSec / tokenSize
	if tps == 0 {
		tps = 1
	}
	return rate.NewLimiter(rate.Limit(tps), int(tps))
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if l.config.Disable || rl.Limit() == rate.Inf {
		return nil
	}
	tokens := int(uint64(nbytes) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf("bandwidth: cannot reserve %d bytes, exceeds burst of %d tokens", nbytes, rl.Burst())
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until nbytes of egress bandwidth is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes of ingress bandwidth is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}
