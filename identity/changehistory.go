// Package identity implements the wire-visible surface of the identity
// subsystem the secure channel binds to: an append-only change history
// whose genesis event's hash is the identity, and signed purpose-key
// attestations derived from it.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidSignature is returned when a rotation event or attestation
// signature does not verify under its claimed key.
var ErrInvalidSignature = errors.New("identity: signature verification failed")

// ErrEmptyHistory is returned by Identity when a change history has no
// rotation events to hash.
var ErrEmptyHistory = errors.New("identity: change history is empty")

// RotationEvent is one entry in an identity's append-only change history:
// it introduces a new signing key, signed by the previous key in the chain
// (the first event is self-signed by the key it introduces).
type RotationEvent struct {
	Sequence  uint64            `cbor:"1,keyasint"`
	PublicKey ed25519.PublicKey `cbor:"2,keyasint"`
	IssuedAt  int64             `cbor:"3,keyasint"` // unix seconds
	Signature []byte            `cbor:"4,keyasint"`
}

// signingBytes returns the canonical encoding of the event fields a
// signature covers, excluding the signature itself.
func (e RotationEvent) signingBytes() ([]byte, error) {
	unsigned := struct {
		Sequence  uint64            `cbor:"1,keyasint"`
		PublicKey ed25519.PublicKey `cbor:"2,keyasint"`
		IssuedAt  int64             `cbor:"3,keyasint"`
	}{e.Sequence, e.PublicKey, e.IssuedAt}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("identity: build canonical encoder: %w", err)
	}
	return mode.Marshal(unsigned)
}

// ChangeHistory is the append-only chain of key rotations that defines an
// identity. The identity identifier is the hash of the chain's canonical
// genesis encoding; rotations advance the active key without changing it.
type ChangeHistory struct {
	Events []RotationEvent
}

// NewChangeHistory creates a change history seeded with a single,
// self-signed genesis rotation event for the given key pair.
func NewChangeHistory(seed ed25519.PublicKey, seedPriv ed25519.PrivateKey, issuedAt time.Time) (*ChangeHistory, error) {
	ch := &ChangeHistory{}
	event := RotationEvent{
		Sequence:  0,
		PublicKey: seed,
		IssuedAt:  issuedAt.Unix(),
	}

	signing, err := event.signingBytes()
	if err != nil {
		return nil, err
	}
	event.Signature = ed25519.Sign(seedPriv, signing)

	ch.Events = []RotationEvent{event}
	return ch, nil
}

// Rotate appends a new rotation event introducing nextPublic, signed by the
// current latest key in the chain (currentPriv), advancing the identity's
// active signing key without changing its identity hash.
func (ch *ChangeHistory) Rotate(currentPriv ed25519.PrivateKey, nextPublic ed25519.PublicKey, issuedAt time.Time) error {
	if len(ch.Events) == 0 {
		return ErrEmptyHistory
	}

	event := RotationEvent{
		Sequence:  ch.Events[len(ch.Events)-1].Sequence + 1,
		PublicKey: nextPublic,
		IssuedAt:  issuedAt.Unix(),
	}
	signing, err := event.signingBytes()
	if err != nil {
		return err
	}
	event.Signature = ed25519.Sign(currentPriv, signing)

	ch.Events = append(ch.Events, event)
	return nil
}

// Verify checks every link in the chain: each event's signature must verify
// under the public key introduced by the *previous* event (the genesis
// event verifies under its own key).
func (ch *ChangeHistory) Verify() error {
	if len(ch.Events) == 0 {
		return ErrEmptyHistory
	}

	signer := ch.Events[0].PublicKey
	for i, event := range ch.Events {
		signing, err := event.signingBytes()
		if err != nil {
			return err
		}
		if !ed25519.Verify(signer, signing, event.Signature) {
			return fmt.Errorf("%w: rotation event %d", ErrInvalidSignature, i)
		}
		signer = event.PublicKey
	}
	return nil
}

// LatestKey returns the currently active signing key: the key introduced by
// the most recent rotation event.
func (ch *ChangeHistory) LatestKey() (ed25519.PublicKey, error) {
	if len(ch.Events) == 0 {
		return nil, ErrEmptyHistory
	}
	return ch.Events[len(ch.Events)-1].PublicKey, nil
}

// Identity computes this identity's canonical identifier: SHA-256 over the
// canonical CBOR encoding of the genesis rotation event only. Only the
// genesis event is hashed, not the whole chain, so that Rotate's promise of
// "advancing the active signing key without changing the identity hash"
// actually holds, and so that a later change history can be checked for
// extending an earlier one by the two sharing the same Identity() (see
// Extends).
func (ch *ChangeHistory) Identity() ([32]byte, error) {
	if len(ch.Events) == 0 {
		return [32]byte{}, ErrEmptyHistory
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return [32]byte{}, fmt.Errorf("identity: build canonical encoder: %w", err)
	}
	encoded, err := mode.Marshal(ch.Events[0])
	if err != nil {
		return [32]byte{}, fmt.Errorf("identity: encode change history: %w", err)
	}

	return sha256.Sum256(encoded), nil
}

// ErrNotAnExtension is returned by Extends when ch does not continue prior:
// its genesis event differs, it has fewer events than prior, or any event
// prior already had has been altered.
var ErrNotAnExtension = errors.New("identity: change history does not extend the prior one")

// Extends reports whether ch is a valid continuation of prior: the same
// identity (genesis event), with every rotation event prior already had
// present unchanged as a prefix of ch's own events. This is the continuity
// check a channel runs before accepting a peer's rotated change history in
// a credential refresh: the new history must extend the previously accepted
// one and yield the same identity id. ch must already have passed Verify
// before calling Extends.
func (ch *ChangeHistory) Extends(prior *ChangeHistory) error {
	if len(prior.Events) == 0 {
		return ErrEmptyHistory
	}
	if len(ch.Events) < len(prior.Events) {
		return ErrNotAnExtension
	}

	for i, event := range prior.Events {
		signingPrior, err := event.signingBytes()
		if err != nil {
			return err
		}
		signingNext, err := ch.Events[i].signingBytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(signingPrior, signingNext) || !bytes.Equal(event.Signature, ch.Events[i].Signature) {
			return ErrNotAnExtension
		}
	}

	return nil
}
