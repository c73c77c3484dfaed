// Package wire implements the channel's message codec: the padded CBOR
// message envelope carried once a channel is open, and the length-prefixed
// outer framing used over a stream transport.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ockam-project/secure-channel/route"
)

// Kind identifies which variant of the envelope's tagged union a message
// carries.
type Kind uint8

const (
	// KindPayload carries application plaintext plus routing hints.
	KindPayload Kind = iota
	// KindRefreshCredentials carries a rotated change history and new
	// credentials for in-band refresh.
	KindRefreshCredentials
	// KindClose signals an orderly channel shutdown.
	KindClose
)

// ErrUnknownKind is returned by Decode when an envelope's kind tag does not
// match any known variant.
var ErrUnknownKind = errors.New("wire: unknown envelope kind")

// Envelope is the padded message envelope exchanged once a channel's
// handshake has completed: a tagged union of Payload, RefreshCredentials,
// and Close, plus padding to a policy-selected plaintext length.
type Envelope struct {
	Kind    Kind   `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`

	// OnwardRoute/ReturnRoute apply to KindPayload only: where the payload
	// is ultimately headed, and how to address a reply.
	OnwardRoute route.Route `cbor:"3,keyasint,omitempty"`
	ReturnRoute route.Route `cbor:"4,keyasint,omitempty"`

	// Credentials applies to KindRefreshCredentials only: zero or more
	// CBOR-encoded credential.Credential values being presented (kept
	// opaque here so wire does not depend on credential's internal shape;
	// channel decodes them).
	Credentials [][]byte `cbor:"5,keyasint,omitempty"`

	// ChangeHistory applies to KindRefreshCredentials only: the CBOR
	// encoding of the presenting identity's full, possibly-rotated change
	// history, so the receiver can check it extends the one accepted
	// during the handshake before trusting the credentials above.
	ChangeHistory []byte `cbor:"8,keyasint,omitempty"`

	// Reason applies to KindClose only: a short machine-readable shutdown
	// reason, not required to match the receiver's own error kind strings.
	Reason string `cbor:"6,keyasint,omitempty"`

	Padding []byte `cbor:"7,keyasint,omitempty"`
}

// NewPayload builds a KindPayload envelope, padded to padTo plaintext bytes
// (padTo <= len(payload) is a no-op, matching a NoPadding policy).
func NewPayload(payload []byte, onward, ret route.Route, padTo int) Envelope {
	env := Envelope{
		Kind:        KindPayload,
		Payload:     payload,
		OnwardRoute: onward,
		ReturnRoute: ret,
	}
	env.pad(padTo)
	return env
}

// NewRefreshCredentials builds a KindRefreshCredentials envelope carrying the
// presenting identity's change history and zero or more opaque CBOR-encoded
// credentials.
func NewRefreshCredentials(encodedChangeHistory []byte, encodedCredentials [][]byte) Envelope {
	return Envelope{Kind: KindRefreshCredentials, ChangeHistory: encodedChangeHistory, Credentials: encodedCredentials}
}

// NewClose builds a KindClose envelope with the given shutdown reason.
func NewClose(reason string) Envelope {
	return Envelope{Kind: KindClose, Reason: reason}
}

// pad appends zero padding so the encoded envelope's Payload-carrying
// footprint reaches padTo bytes; the channel's PaddingPolicy decides padTo
// from the plaintext length.
func (e *Envelope) pad(padTo int) {
	current := len(e.Payload)
	if padTo <= current {
		return
	}
	e.Padding = make([]byte, padTo-current)
}

// Encode serializes the envelope to CBOR using the canonical encoding mode
// so the same logical envelope always produces identical bytes.
func Encode(env Envelope) ([]byte, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: build canonical encoder: %w", err)
	}
	data, err := mode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a CBOR-encoded envelope, rejecting anything whose Kind tag
// does not match a known variant.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: build decoder: %w", err)
	}
	if err := dec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}

	switch env.Kind {
	case KindPayload, KindRefreshCredentials, KindClose:
	default:
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}

	if err := env.OnwardRoute.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("wire: onward route: %w", err)
	}
	if err := env.ReturnRoute.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("wire: return route: %w", err)
	}

	return env, nil
}
