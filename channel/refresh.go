package channel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ockam-project/secure-channel/credential"
	"github.com/ockam-project/secure-channel/identity"
	"github.com/ockam-project/secure-channel/wire"
)

// RefreshCredentials is the credential refresh subprotocol's send side: it
// seals and transmits a rotated change history plus zero or more new
// credentials to the peer over the already-established channel, without
// re-running the handshake. history must extend the one presented during
// the handshake (identity.ChangeHistory.Extends); the peer rejects and
// closes the session otherwise.
func (s *Session) RefreshCredentials(history *identity.ChangeHistory, creds ...*credential.Credential) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wrapErr(KindLocalClosed, nil)
	}
	if !s.established {
		s.mu.Unlock()
		return wrapErr(KindHandshakeFailed, nil)
	}
	encryptorAddr := s.encryptorAddr
	s.mu.Unlock()

	encodedHistory, err := cbor.Marshal(history.Events)
	if err != nil {
		return wrapErr(KindDecodeError, fmt.Errorf("encode change history: %w", err))
	}

	encodedCreds := make([][]byte, 0, len(creds))
	for _, cred := range creds {
		encoded, err := credential.Encode(cred)
		if err != nil {
			return wrapErr(KindDecodeError, fmt.Errorf("encode presented credential: %w", err))
		}
		encodedCreds = append(encodedCreds, encoded)
	}

	return s.dispatchEnvelope(encryptorAddr, wire.NewRefreshCredentials(encodedHistory, encodedCreds))
}

// handleRefreshCredentials is the credential refresh subprotocol's receive
// side, called by the decryptor worker when it recovers a
// KindRefreshCredentials envelope. The new attribute set is authoritative
// outright on acceptance; there is no merge with the credential presented
// during the original handshake.
//
// The peer's identity is immutable after the handshake: the presented
// change history must verify on its own and must extend the change history
// this session accepted during the handshake, or the session is closed
// rather than silently ignoring the refresh.
func (s *Session) handleRefreshCredentials(encodedHistory []byte, encodedCreds [][]byte) {
	var events []identity.RotationEvent
	if err := cbor.Unmarshal(encodedHistory, &events); err != nil {
		s.logger.WithError(err).Warn("decode refreshed change history, closing session")
		s.terminate(KindIdentityBindingFailed)
		return
	}
	presented := &identity.ChangeHistory{Events: events}
	if err := presented.Verify(); err != nil {
		s.logger.WithError(err).Warn("refreshed change history failed verification, closing session")
		s.terminate(KindIdentityBindingFailed)
		return
	}

	s.mu.Lock()
	accepted := s.peerChangeHistory
	s.mu.Unlock()

	if accepted == nil {
		s.logger.Warn("refresh received before a change history was accepted, closing session")
		s.terminate(KindIdentityBindingFailed)
		return
	}
	if err := presented.Extends(accepted); err != nil {
		s.logger.WithError(err).Warn("refreshed change history does not extend the accepted one, closing session")
		s.terminate(KindIdentityBindingFailed)
		return
	}

	var cred *credential.Credential
	if len(encodedCreds) > 0 {
		decoded, err := credential.Decode(encodedCreds[0])
		if err != nil {
			s.logger.WithError(err).Warn("decode refreshed credential, closing session")
			s.terminate(KindIdentityBindingFailed)
			return
		}
		cred = decoded
	}

	s.mu.Lock()
	trust := s.cfg.Trust
	now := s.cfg.now()
	s.mu.Unlock()

	if trust != nil {
		if err := trust.Validate(cred, now); err != nil {
			s.logger.WithError(err).Warn("rejected refreshed credential, closing session")
			s.terminate(KindCredentialRejected)
			return
		}
	}

	s.mu.Lock()
	s.peerChangeHistory = presented
	s.peerCredential = cred
	s.mu.Unlock()

	s.events.publish(LifecycleEvent{Kind: LifecycleCredentialRefreshed, SessionID: s.ID})
}
