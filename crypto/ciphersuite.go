package crypto

import (
	"fmt"

	"github.com/flynn/noise"
)

// SuiteName identifies a cipher suite by the Noise protocol name string that
// gets committed into the initial handshake hash. Changing
// suite therefore changes the handshake transcript and prevents cross-suite
// downgrade.
type SuiteName string

const (
	// SuiteX25519AESGCMSHA256 is the default suite: X25519 DH, AES-GCM
	// AEAD (256-bit key, per the Noise key size), SHA-256 hash/HKDF.
	SuiteX25519AESGCMSHA256 SuiteName = "Noise_XX_25519_AESGCM_SHA256"
	// SuiteX25519ChaChaPolyBLAKE2s is the alternate suite: X25519 DH,
	// ChaCha20-Poly1305 AEAD, BLAKE2s hash/HKDF.
	SuiteX25519ChaChaPolyBLAKE2s SuiteName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"
)

// CipherSuite bundles the DH function, AEAD cipher, and hash function that
// the Noise XX engine runs with, plus the name string bound into the
// handshake transcript.
type CipherSuite struct {
	Name  SuiteName
	noise noise.CipherSuite
}

// Noise returns the underlying flynn/noise cipher suite.
func (cs CipherSuite) Noise() noise.CipherSuite { return cs.noise }

// DefaultCipherSuite returns the suite every channel negotiates unless the
// embedding node overrides it: X25519 + AES-GCM + SHA-256.
func DefaultCipherSuite() CipherSuite {
	suite, _ := LookupCipherSuite(SuiteX25519AESGCMSHA256)
	return suite
}

// LookupCipherSuite resolves a suite name to its concrete primitives. It is
// the single point that binds suite names to flynn/noise
// constructors, so adding a suite means adding one case here.
func LookupCipherSuite(name SuiteName) (CipherSuite, error) {
	switch name {
	case SuiteX25519AESGCMSHA256:
		return CipherSuite{
			Name:  name,
			noise: noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256),
		}, nil
	case SuiteX25519ChaChaPolyBLAKE2s:
		return CipherSuite{
			Name:  name,
			noise: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s),
		}, nil
	default:
		return CipherSuite{}, fmt.Errorf("crypto: unknown cipher suite %q", name)
	}
}
