// Package noise drives the Noise XX handshake on top of
// github.com/flynn/noise: three messages (-> e, <- e ee s es, -> s se),
// mutual static-key authentication without prior knowledge of the peer's
// key, and a final split into a pair of directional cipher states.
package noise

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"

	ockamcrypto "github.com/ockam-project/secure-channel/crypto"
)

var (
	// ErrHandshakeComplete is returned by WriteMessage/ReadMessage once the
	// handshake has already finished.
	ErrHandshakeComplete = errors.New("noise: handshake already complete")
	// ErrHandshakeNotComplete is returned by accessors that are only valid
	// once the handshake has finished.
	ErrHandshakeNotComplete = errors.New("noise: handshake not complete")
)

// Role identifies which side of the XX pattern a party plays. The first
// message (-> e) is always sent by the Initiator.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

// XXHandshake runs one Noise XX session to completion and then exposes the
// two directional cipher states plus the values identity binding needs:
// the peer's static public key, the running transcript hash (signed at
// checkpoints inside the identity exchange so a replayed handshake from a
// different session can never be rebound to a new one), and the final
// handshake hash used as transport-phase associated data.
type XXHandshake struct {
	role        Role
	state       *noise.HandshakeState
	suite       ockamcrypto.CipherSuite
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	localPubKey []byte
}

// New creates a fresh XX handshake using the given static key pair and
// cipher suite. The suite's name string is not transmitted explicitly;
// both sides must have agreed on it out of band (or via an outer
// negotiation the router performs) before the handshake begins, since the
// Noise protocol name is baked into the initial handshake hash.
func New(static *ockamcrypto.KeyPair, suite ockamcrypto.CipherSuite, role Role) (*XXHandshake, error) {
	if static == nil {
		return nil, errors.New("noise: static key pair is required for XX")
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), static.Private[:]...),
		Public:  append([]byte(nil), static.Public[:]...),
	}

	config := noise.Config{
		CipherSuite:   suite.Noise(),
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("noise: create XX handshake state: %w", err)
	}

	return &XXHandshake{
		role:        role,
		state:       hs,
		suite:       suite,
		localPubKey: append([]byte(nil), static.Public[:]...),
	}, nil
}

// WriteMessage produces the next outbound handshake message, optionally
// carrying payload (used to piggyback the identity attestation on message
// 2 or 3). The returned bool reports whether the handshake
// completed as a result of writing this message.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, send, recv, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("noise: XX write message: %w", err)
	}

	if send != nil && recv != nil {
		if xx.role == Responder {
			send, recv = recv, send
		}
		xx.sendCipher, xx.recvCipher = send, recv
		xx.complete = true
	}
	return message, xx.complete, nil
}

// ReadMessage consumes the next inbound handshake message and returns any
// payload it carried. The returned bool reports whether the handshake
// completed as a result of reading this message.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, send, recv, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("noise: XX read message: %w", err)
	}

	if send != nil && recv != nil {
		if xx.role == Responder {
			send, recv = recv, send
		}
		xx.sendCipher, xx.recvCipher = send, recv
		xx.complete = true
	}
	return payload, xx.complete, nil
}

// IsComplete reports whether all three XX messages have been exchanged.
func (xx *XXHandshake) IsComplete() bool { return xx.complete }

// CipherStates returns the encryptor/decryptor cipher states Split produces.
// For an Initiator, send encrypts toward the Responder; for a Responder, the
// roles are reversed (flynn/noise itself returns the initiator-to-responder
// state first on both sides, so the Responder's pair is swapped when the
// handshake completes). CipherState's
// Encrypt/Decrypt auto-increment an internal nonce counter and refuse
// anything but the next sequential value, so this accessor is only suitable
// for callers that need a strict in-order byte stream; the transport phase
// uses Ciphers instead.
func (xx *XXHandshake) CipherStates() (send, recv *noise.CipherState, err error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// Ciphers returns the low-level send/recv AEAD primitives with an explicit
// per-call nonce, rather than CipherState's own auto-incrementing counter.
// The transport phase tolerates a frame that arrives within the replay
// window but out of strict send order; CipherState.Encrypt/Decrypt
// cannot do that; since they accept only the next sequential nonce, a
// reordered-but-legitimate frame would fail decryption. Calling Ciphers
// consumes both CipherStates — per flynn/noise's own contract on
// CipherState.Cipher(), Encrypt/Decrypt must not be called on either
// CipherState again afterward.
func (xx *XXHandshake) Ciphers() (send, recv noise.Cipher, err error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher.Cipher(), xx.recvCipher.Cipher(), nil
}

// PeerStaticKey returns the peer's static public key, known only once the
// handshake has processed message 2 (initiator side) or message 3
// (responder side).
func (xx *XXHandshake) PeerStaticKey() ([]byte, error) {
	peer := xx.state.PeerStatic()
	if peer == nil {
		return nil, ErrHandshakeNotComplete
	}
	return peer, nil
}

// LocalStaticKey returns a copy of this side's static public key.
func (xx *XXHandshake) LocalStaticKey() []byte {
	return append([]byte(nil), xx.localPubKey...)
}

// ChannelBinding returns the final handshake hash once the handshake has
// completed. This is the `ad` bound into every transport-phase AEAD seal
// and open.
func (xx *XXHandshake) ChannelBinding() ([]byte, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	return xx.state.ChannelBinding(), nil
}

// TranscriptHash returns the handshake hash as it stands right now, valid at
// any point during the exchange rather than only once complete (the
// underlying flynn/noise HandshakeState.ChannelBinding has no such gate — it
// simply returns its current running hash). Both sides independently arrive
// at the same value once they have processed the same prefix of messages, so
// it can be used as a checkpoint for a signature embedded in a later message
// of the very same handshake, something the post-completion ChannelBinding
// cannot do: that value already includes the mix of whatever payload carries
// the signature, so a message can never sign its own final hash.
func (xx *XXHandshake) TranscriptHash() []byte {
	return append([]byte(nil), xx.state.ChannelBinding()...)
}

// Suite returns the cipher suite this handshake was configured with.
func (xx *XXHandshake) Suite() ockamcrypto.CipherSuite { return xx.suite }
