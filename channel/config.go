// Package channel implements the secure channel itself: a Noise XX
// handshake bound to verifiable identities, credential validation against
// a trust context, and an encrypted, replay-protected message stream
// carried by an encryptor/decryptor worker pair, addressed through a
// router the surrounding node supplies.
package channel

import (
	"time"

	"github.com/ockam-project/secure-channel/credential"
	ockamcrypto "github.com/ockam-project/secure-channel/crypto"
	"github.com/ockam-project/secure-channel/router"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultClockSkew        = 5 * time.Minute
	DefaultMaxFrameSize     = 64 * 1024
)

// PaddingPolicy decides how many plaintext bytes an outgoing envelope
// should be padded to, given the unpadded plaintext length, obscuring
// message sizes on the wire. Returning a value <= plaintextLen is a no-op.
type PaddingPolicy func(plaintextLen int) int

// NoPadding is the default PaddingPolicy: it never pads.
func NoPadding(int) int { return 0 }

// Config bundles everything a channel session needs from its embedding
// node, constructed with sane defaults via NewConfig.
type Config struct {
	Router Router

	HandshakeTimeout time.Duration
	ReplayWindowSize int
	MaxFrameSize     int
	ClockSkew        time.Duration
	CipherSuite      ockamcrypto.CipherSuite
	PaddingPolicy    PaddingPolicy
	Trust            *credential.TrustContext
	Clock            ockamcrypto.TimeProvider
}

// Router re-exports router.Router as a type alias (the identical interface,
// not a narrowed one), so a Config can be constructed with any
// router.Router implementation.
type Router = router.Router

// NewConfig builds a Config with default tunables, wired to r.
func NewConfig(r Router) *Config {
	return &Config{
		Router:           r,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReplayWindowSize: ockamcrypto.DefaultReplayWindowSize,
		MaxFrameSize:     DefaultMaxFrameSize,
		ClockSkew:        DefaultClockSkew,
		CipherSuite:      ockamcrypto.DefaultCipherSuite(),
		PaddingPolicy:    NoPadding,
		Clock:            ockamcrypto.DefaultTimeProvider{},
	}
}

func (c *Config) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}
