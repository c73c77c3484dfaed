package channel

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ockam-project/secure-channel/credential"
	ockamcrypto "github.com/ockam-project/secure-channel/crypto"
	"github.com/ockam-project/secure-channel/identity"
	ockamnoise "github.com/ockam-project/secure-channel/noise"
	"github.com/ockam-project/secure-channel/route"
)

// Identity bundles what a local party needs to bind its Noise static key to
// a verifiable identity during the handshake: the change history that
// defines it, the currently active signing key from that history, and the
// credential it presents to the peer in its handshake payload.
type Identity struct {
	History    *identity.ChangeHistory
	SigningKey ed25519.PrivateKey
	Credential *credential.Credential
}

// handshakePayload is piggybacked on each side's final XX handshake
// message: the sender's change history (so the receiver can verify the
// chain and recover the sender's identity hash), a purpose-key attestation
// binding the sender's Noise static key to that identity, zero or more
// CBOR-encoded credentials presented for trust-context validation, and a
// signature over the handshake transcript hash binding this payload to the
// specific handshake transcript it was carried on.
//
// The literal post-handshake h_final (returned by noise.XXHandshake's
// ChannelBinding, used as the transport AEAD's associated data) cannot be
// what gets signed here: that hash already incorporates the mix of
// whatever payload carries the signature, so a message can never sign its
// own final hash. Instead each side signs noise.XXHandshake.TranscriptHash
// at the last point both sides are guaranteed to share an identical
// running hash before composing their own payload — after message 1 for
// the payload carried on message 2, after message 2 for the payload
// carried on message 3 — which runHandshake computes on both ends and
// bindPeerIdentity checks the signature against.
type handshakePayload struct {
	History     []identity.RotationEvent `cbor:"1,keyasint"`
	Attestation identity.Attestation     `cbor:"2,keyasint"`
	Credentials [][]byte                 `cbor:"3,keyasint,omitempty"`
	Signature   []byte                   `cbor:"4,keyasint"`
}

func encodeHandshakePayload(p handshakePayload) ([]byte, error) {
	return cbor.Marshal(p)
}

func decodeHandshakePayload(data []byte) (handshakePayload, error) {
	var p handshakePayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return handshakePayload{}, err
	}
	return p, nil
}

// bindPeerIdentity verifies the peer's change history, purpose-key
// attestation, and handshake-transcript signature against the static key
// the Noise handshake revealed, and returns the peer's verified change
// history on success (its Identity() is the value the rest of the channel
// treats as the peer's identity hash). The returned history is retained by
// the session so a later credential refresh can be checked for extending
// it.
//
// expectedTranscriptHash is the transcript checkpoint (see handshakePayload)
// this side independently computed for the message p was carried on;
// p.Signature must verify against it under the peer's latest change-history
// key, confirming the peer signed this exact handshake's transcript and not
// one replayed or spliced from elsewhere.
func bindPeerIdentity(p handshakePayload, handshakeStaticKey []byte, now time.Time, skew time.Duration, expectedTranscriptHash []byte) (*identity.ChangeHistory, error) {
	history := &identity.ChangeHistory{Events: p.History}
	if err := history.Verify(); err != nil {
		return nil, fmt.Errorf("verify change history: %w", err)
	}

	signer, err := history.LatestKey()
	if err != nil {
		return nil, err
	}

	if err := p.Attestation.Verify(signer, handshakeStaticKey, now, skew); err != nil {
		return nil, err
	}

	if !ed25519.Verify(signer, expectedTranscriptHash, p.Signature) {
		return nil, identity.ErrInvalidSignature
	}

	return history, nil
}

// validatePeerCredentials runs the trust context over the credentials a
// peer presented during the handshake. A nil trust context means the
// channel does not gate on credentials at all. Only the first presented
// credential is evaluated against the policy: a channel carries a single
// effective attribute set, not a merge across several credentials.
func validatePeerCredentials(trust *credential.TrustContext, raw [][]byte, now time.Time) (*credential.Credential, error) {
	if trust == nil {
		return nil, nil
	}
	if len(raw) == 0 {
		if err := trust.Validate(nil, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	cred, err := credential.Decode(raw[0])
	if err != nil {
		return nil, fmt.Errorf("decode presented credential: %w", err)
	}
	if err := trust.Validate(cred, now); err != nil {
		return nil, err
	}
	return cred, nil
}

// runHandshake drives one XX handshake to completion over the session's
// temporary handshake inbox, verifying the peer's identity attestation and
// deriving the session's cipher states. Both CreateChannel and the
// listener's accept path call this, differing only in role and in who
// writes the first message.
//
// ourWorkerAddr is this session's own router address (spawned by the
// caller before the handshake starts, since it doubles as the eventual
// decryptor address); it is attached as the return route on every outbound
// handshake message. initialPeerRoute is where the very first outbound
// message (msg1 for the initiator) is sent; for the responder it is
// unused — the responder's peer route is learned from msg1's own return
// route, which the caller must have already pushed onto s.handshakeInbox
// before calling runHandshake.
func runHandshake(s *Session, local *Identity, staticKey *ockamcrypto.KeyPair, ourWorkerAddr route.Segment, initialPeerRoute route.Route, sendFirst bool) error {
	role := ockamnoise.Responder
	if sendFirst {
		role = ockamnoise.Initiator
	}

	hs, err := ockamnoise.New(staticKey, s.cfg.CipherSuite, role)
	if err != nil {
		return wrapErr(KindHandshakeFailed, err)
	}

	ourPayload := handshakePayload{History: local.History.Events}
	att, err := identity.Issue(identityOf(local.History), staticKey.Public[:], local.SigningKey, s.cfg.now(), s.cfg.ClockSkew*2)
	if err != nil {
		return wrapErr(KindHandshakeFailed, fmt.Errorf("issue attestation: %w", err))
	}
	ourPayload.Attestation = *att

	if local.Credential != nil {
		encodedCred, err := credential.Encode(local.Credential)
		if err != nil {
			return wrapErr(KindHandshakeFailed, fmt.Errorf("encode presented credential: %w", err))
		}
		ourPayload.Credentials = [][]byte{encodedCred}
	}

	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()

	peerRoute := initialPeerRoute
	ourRoute, err := route.New(ourWorkerAddr)
	if err != nil {
		return wrapErr(KindRouteTooLong, err)
	}

	send := func(payload []byte) error {
		return s.cfg.Router.Send(peerRoute, ourRoute, payload)
	}
	recv := func() ([]byte, error) {
		select {
		case m := <-s.handshakeInbox:
			peerRoute = m.returnRoute
			return m.payload, nil
		case <-deadline.C:
			return nil, wrapErr(KindHandshakeTimeout, fmt.Errorf("channel: handshake timed out after %s", s.cfg.HandshakeTimeout))
		}
	}

	var peerPayload handshakePayload
	// expectedTranscriptHash is the checkpoint (see handshakePayload) our
	// side independently computes for whichever message carries the peer's
	// payload, checked against p.Signature in bindPeerIdentity.
	var expectedTranscriptHash []byte

	if sendFirst {
		msg1, _, err := hs.WriteMessage(nil)
		if err != nil {
			return wrapErr(KindHandshakeFailed, err)
		}
		afterMsg1 := hs.TranscriptHash()
		if err := send(msg1); err != nil {
			return wrapErr(KindTransportDropped, err)
		}

		msg2, err := recv()
		if err != nil {
			return err
		}
		payload2, _, err := hs.ReadMessage(msg2)
		if err != nil {
			return wrapErr(KindHandshakeFailed, err)
		}
		// The responder signed afterMsg1 (the transcript both sides share
		// right after message 1, before either composes its own payload).
		expectedTranscriptHash = afterMsg1
		peerPayload, err = decodeHandshakePayload(payload2)
		if err != nil {
			return wrapErr(KindDecodeError, err)
		}

		afterMsg2 := hs.TranscriptHash()
		ourPayload.Signature = ed25519.Sign(local.SigningKey, afterMsg2)
		encodedOurs, err := encodeHandshakePayload(ourPayload)
		if err != nil {
			return wrapErr(KindDecodeError, err)
		}
		msg3, done, err := hs.WriteMessage(encodedOurs)
		if err != nil || !done {
			return wrapErr(KindHandshakeFailed, err)
		}
		if err := send(msg3); err != nil {
			return wrapErr(KindTransportDropped, err)
		}
	} else {
		msg1, err := recv()
		if err != nil {
			return err
		}
		if _, _, err := hs.ReadMessage(msg1); err != nil {
			return wrapErr(KindHandshakeFailed, err)
		}

		afterMsg1 := hs.TranscriptHash()
		ourPayload.Signature = ed25519.Sign(local.SigningKey, afterMsg1)
		encodedOurs, err := encodeHandshakePayload(ourPayload)
		if err != nil {
			return wrapErr(KindDecodeError, err)
		}
		msg2, _, err := hs.WriteMessage(encodedOurs)
		if err != nil {
			return wrapErr(KindHandshakeFailed, err)
		}
		afterMsg2 := hs.TranscriptHash()
		if err := send(msg2); err != nil {
			return wrapErr(KindTransportDropped, err)
		}

		msg3, err := recv()
		if err != nil {
			return err
		}
		payload3, done, err := hs.ReadMessage(msg3)
		if err != nil || !done {
			return wrapErr(KindHandshakeFailed, err)
		}
		// The initiator signed afterMsg2 (the transcript both sides share
		// right after message 2, which already includes our own payload
		// just written above).
		expectedTranscriptHash = afterMsg2
		peerPayload, err = decodeHandshakePayload(payload3)
		if err != nil {
			return wrapErr(KindDecodeError, err)
		}
	}

	peerStatic, err := hs.PeerStaticKey()
	if err != nil {
		return wrapErr(KindHandshakeFailed, err)
	}

	peerHistory, err := bindPeerIdentity(peerPayload, peerStatic, s.cfg.now(), s.cfg.ClockSkew, expectedTranscriptHash)
	if err != nil {
		return wrapErr(KindIdentityBindingFailed, err)
	}
	peerIdentity, err := peerHistory.Identity()
	if err != nil {
		return wrapErr(KindIdentityBindingFailed, err)
	}

	peerCred, err := validatePeerCredentials(s.cfg.Trust, peerPayload.Credentials, s.cfg.now())
	if err != nil {
		return wrapErr(KindCredentialRejected, err)
	}

	sendCipher, recvCipher, err := hs.Ciphers()
	if err != nil {
		return wrapErr(KindHandshakeFailed, err)
	}
	channelBinding, err := hs.ChannelBinding()
	if err != nil {
		return wrapErr(KindHandshakeFailed, err)
	}
	s.mu.Lock()
	s.peerIdentity = peerIdentity
	s.peerChangeHistory = peerHistory
	s.peerCredential = peerCred
	s.sendCipher = sendCipher
	s.recvCipher = recvCipher
	s.channelBinding = channelBinding
	s.peerRoute = peerRoute
	s.established = true
	s.mu.Unlock()

	s.events.publish(LifecycleEvent{Kind: LifecycleHandshakeCompleted, SessionID: s.ID})
	return nil
}

// identityOf computes a history's identity hash, treating a computation
// failure as the zero identity — runHandshake only uses this to label the
// subject of our own outgoing attestation, which peer verification does
// not depend on (the peer derives the subject from our change history
// directly).
func identityOf(h *identity.ChangeHistory) [32]byte {
	id, err := h.Identity()
	if err != nil {
		return [32]byte{}
	}
	return id
}
