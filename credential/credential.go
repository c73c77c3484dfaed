// Package credential implements credential validation for the secure
// channel: a signed attribute bundle with a validity window, and a trust
// context that evaluates an ABAC policy expression over a credential's
// attributes before a channel is allowed to bind to the identity
// presenting it.
package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrExpired is returned when a credential's validity window has closed.
var ErrExpired = errors.New("credential: expired")

// ErrNotYetValid is returned when a credential's validity window has not
// yet opened.
var ErrNotYetValid = errors.New("credential: not yet valid")

// ErrInvalidSignature is returned when a credential's signature does not
// verify under its issuer's key.
var ErrInvalidSignature = errors.New("credential: signature verification failed")

// Credential is a signed bundle of attributes about an identity, issued by
// an authority and valid for a bounded window.
type Credential struct {
	Subject    [32]byte          `cbor:"1,keyasint"`
	Attributes map[string]string `cbor:"2,keyasint"`
	NotBefore  int64             `cbor:"3,keyasint"`
	NotAfter   int64             `cbor:"4,keyasint"`
	Signature  []byte            `cbor:"5,keyasint"`
}

// Issue signs a new credential for subject carrying the given attributes,
// under the authority's private key. Full issuance and policy-authoring
// tooling belong to an authority service, not this module; this minimal
// helper exists so validation has something concrete to run against in
// tests and examples.
func Issue(subject [32]byte, attributes map[string]string, authorityPriv ed25519.PrivateKey, notBefore time.Time, validFor time.Duration) (*Credential, error) {
	cred := &Credential{
		Subject:    subject,
		Attributes: attributes,
		NotBefore:  notBefore.Unix(),
		NotAfter:   notBefore.Add(validFor).Unix(),
	}

	signing, err := cred.signingBytes()
	if err != nil {
		return nil, err
	}
	cred.Signature = ed25519.Sign(authorityPriv, signing)
	return cred, nil
}

func (c *Credential) signingBytes() ([]byte, error) {
	unsigned := struct {
		Subject    [32]byte          `cbor:"1,keyasint"`
		Attributes map[string]string `cbor:"2,keyasint"`
		NotBefore  int64             `cbor:"3,keyasint"`
		NotAfter   int64             `cbor:"4,keyasint"`
	}{c.Subject, c.Attributes, c.NotBefore, c.NotAfter}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("credential: build canonical encoder: %w", err)
	}
	return mode.Marshal(unsigned)
}

// VerifySignature checks the credential's signature under the issuing
// authority's public key.
func (c *Credential) VerifySignature(authorityKey ed25519.PublicKey) error {
	signing, err := c.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(authorityKey, signing, c.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckValidity verifies the credential's validity window against now.
func (c *Credential) CheckValidity(now time.Time) error {
	if now.Before(time.Unix(c.NotBefore, 0)) {
		return ErrNotYetValid
	}
	if now.After(time.Unix(c.NotAfter, 0)) {
		return ErrExpired
	}
	return nil
}

// Encode serializes a credential to CBOR for transport inside a wire
// envelope, which keeps the credential opaque to the wire package.
func Encode(c *Credential) ([]byte, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("credential: build canonical encoder: %w", err)
	}
	data, err := mode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("credential: encode: %w", err)
	}
	return data, nil
}

// Decode parses a CBOR-encoded credential produced by Encode.
func Decode(data []byte) (*Credential, error) {
	var c Credential
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("credential: decode: %w", err)
	}
	return &c, nil
}
