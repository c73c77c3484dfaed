package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 static or ephemeral key pair used in the Noise XX
// handshake and for identity static keys.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair suitable for use as
// a Noise static or ephemeral key.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})

	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		logger.WithError(err).Error("failed to read random seed for key pair")
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	clamp(&private)

	var public [32]byte
	curve25519.ScalarBaseMult(&public, &private)

	logger.WithFields(SecureFieldHash(public[:], "public_key")).Debug("generated key pair")

	return &KeyPair{Public: public, Private: private}, nil
}

// FromPrivateKey derives the public half of a key pair from an existing
// 32-byte X25519 private key, clamping it per RFC 7748.
func FromPrivateKey(private [32]byte) (*KeyPair, error) {
	if isZeroKey(private) {
		return nil, errors.New("crypto: private key is all zeros")
	}

	clamp(&private)

	var public [32]byte
	curve25519.ScalarBaseMult(&public, &private)

	return &KeyPair{Public: public, Private: private}, nil
}

// clamp applies the RFC 7748 X25519 clamping rules to a scalar in place.
func clamp(scalar *[32]byte) {
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// Wipe securely erases the private half of the key pair.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}
