package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrAttestationExpired is returned when an attestation's validity window
// has closed relative to the verifier's clock.
var ErrAttestationExpired = errors.New("identity: attestation has expired")

// ErrAttestationNotYetValid is returned when an attestation's created_at is
// still in the future, beyond the allowed clock-skew tolerance.
var ErrAttestationNotYetValid = errors.New("identity: attestation not yet valid")

// ErrSubjectMismatch is returned when an attestation's subject key does not
// match the Noise static key presented during the handshake it is meant to
// bind.
var ErrSubjectMismatch = errors.New("identity: attestation subject does not match handshake static key")

// Attestation binds a Noise static (purpose) key to a long-term identity:
// the subject identity, the attested public key, a validity window, and a
// signature under the identity's active key.
type Attestation struct {
	Subject   [32]byte `cbor:"1,keyasint"` // identity this attestation is issued for
	PublicKey []byte   `cbor:"2,keyasint"` // the Noise static (purpose) key being attested
	CreatedAt int64    `cbor:"3,keyasint"` // unix seconds
	ExpiresAt int64    `cbor:"4,keyasint"` // unix seconds
	Signature []byte   `cbor:"5,keyasint"`
}

// Issue creates and signs a purpose-key attestation under the identity's
// currently active signing key.
func Issue(subject [32]byte, purposePublicKey []byte, signerPriv ed25519.PrivateKey, createdAt time.Time, ttl time.Duration) (*Attestation, error) {
	att := &Attestation{
		Subject:   subject,
		PublicKey: append([]byte(nil), purposePublicKey...),
		CreatedAt: createdAt.Unix(),
		ExpiresAt: createdAt.Add(ttl).Unix(),
	}

	signing, err := att.signingBytes()
	if err != nil {
		return nil, err
	}
	att.Signature = ed25519.Sign(signerPriv, signing)
	return att, nil
}

func (a *Attestation) signingBytes() ([]byte, error) {
	unsigned := struct {
		Subject   [32]byte `cbor:"1,keyasint"`
		PublicKey []byte   `cbor:"2,keyasint"`
		CreatedAt int64    `cbor:"3,keyasint"`
		ExpiresAt int64    `cbor:"4,keyasint"`
	}{a.Subject, a.PublicKey, a.CreatedAt, a.ExpiresAt}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("identity: build canonical encoder: %w", err)
	}
	return mode.Marshal(unsigned)
}

// Verify checks an attestation's signature under the issuer's signing key,
// its validity window against now (with the given clock-skew tolerance),
// and that its subject's purpose key matches the static key the peer
// presented during the handshake.
func (a *Attestation) Verify(issuerKey ed25519.PublicKey, handshakeStaticKey []byte, now time.Time, skew time.Duration) error {
	signing, err := a.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(issuerKey, signing, a.Signature) {
		return ErrInvalidSignature
	}

	if now.Before(time.Unix(a.CreatedAt, 0).Add(-skew)) {
		return ErrAttestationNotYetValid
	}
	if now.After(time.Unix(a.ExpiresAt, 0).Add(skew)) {
		return ErrAttestationExpired
	}

	if len(a.PublicKey) != len(handshakeStaticKey) {
		return ErrSubjectMismatch
	}
	for i := range a.PublicKey {
		if a.PublicKey[i] != handshakeStaticKey[i] {
			return ErrSubjectMismatch
		}
	}

	return nil
}
