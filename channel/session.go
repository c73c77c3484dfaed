package channel

import (
	"fmt"
	"sync"

	flynnnoise "github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ockam-project/secure-channel/credential"
	ockamcrypto "github.com/ockam-project/secure-channel/crypto"
	"github.com/ockam-project/secure-channel/identity"
	"github.com/ockam-project/secure-channel/route"
	"github.com/ockam-project/secure-channel/wire"
)

// handshakeMessage is one inbound delivery during the handshake phase,
// queued by the session's temporary router registration and drained by the
// state machine goroutine running runHandshake.
type handshakeMessage struct {
	payload     []byte
	returnRoute route.Route
}

// Session is one established (or establishing) secure channel: the Noise XX
// transcript's derived cipher states, the peer's verified identity, and the
// encryptor/decryptor worker pair that carries traffic.
type Session struct {
	ID   string
	cfg  *Config
	role role

	mu             sync.Mutex
	established    bool
	closed         bool
	peerIdentity   [32]byte
	peerCredential *credential.Credential
	// peerChangeHistory is the change history accepted during the handshake;
	// RefreshCredentials's receive side checks a presented rotation against
	// this, not just the identity hash.
	peerChangeHistory *identity.ChangeHistory
	peerRoute         route.Route       // route to the peer's encryptor-facing decryptor
	sendCipher        flynnnoise.Cipher // explicit per-call nonce; see noise.XXHandshake.Ciphers
	recvCipher        flynnnoise.Cipher
	channelBinding    []byte // final handshake hash; AEAD associated data on every transport frame
	sendCounter       *ockamcrypto.SendCounter
	replayWindow      *ockamcrypto.ReplayWindow
	encryptorAddr     route.Segment
	decryptorAddr     route.Segment
	onMessage         func(plaintext []byte)
	events            *lifecycleBus
	handshakeInbox    chan handshakeMessage

	logger *logrus.Entry
}

type role int

const (
	roleInitiator role = iota
	roleResponder
)

func newSession(cfg *Config, r role) *Session {
	id := uuid.NewString()
	return &Session{
		ID:             id,
		cfg:            cfg,
		role:           r,
		sendCounter:    &ockamcrypto.SendCounter{},
		replayWindow:   ockamcrypto.NewReplayWindow(cfg.ReplayWindowSize),
		events:         newLifecycleBus(),
		handshakeInbox: make(chan handshakeMessage, 4),
		logger: logrus.WithFields(logrus.Fields{
			"package": "channel",
			"session": id,
		}),
	}
}

// Events returns a channel of this session's lifecycle events. Call before
// Close to avoid missing the final event.
func (s *Session) Events() <-chan LifecycleEvent {
	return s.events.Subscribe()
}

// PeerIdentity returns the verified identity hash of the remote party. Only
// meaningful once the handshake has completed.
func (s *Session) PeerIdentity() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIdentity
}

// PeerCredential returns the most recently accepted credential the peer has
// presented, via the initial handshake binding or a later refresh. Nil
// until one has been validated.
func (s *Session) PeerCredential() *credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCredential
}

// OnMessage registers the callback invoked for every decrypted application
// payload the peer sends.
func (s *Session) OnMessage(fn func(plaintext []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// deliverHandshakeMessage is the router.Handler registered at a session's
// temporary handshake address; it queues inbound handshake messages for
// runHandshake to drain, dropping them if the inbox is unexpectedly full
// rather than blocking the router's delivery goroutine.
func (s *Session) deliverHandshakeMessage(payload []byte, returnRoute route.Route) {
	select {
	case s.handshakeInbox <- handshakeMessage{payload: payload, returnRoute: returnRoute}:
	default:
		s.logger.Warn("handshake inbox full, dropping message")
	}
}

// dispatchEnvelope encodes env and routes it to addr, the local encryptor
// worker's address — the encryptor seals it and forwards it to the peer.
// Used by Send, RefreshCredentials, and Close so every outbound wire
// message takes the same local-hop-then-seal path.
func (s *Session) dispatchEnvelope(encryptorAddr route.Segment, env wire.Envelope) error {
	encoded, err := wire.Encode(env)
	if err != nil {
		return wrapErr(KindDecodeError, err)
	}
	target, err := route.New(encryptorAddr)
	if err != nil {
		return wrapErr(KindRouteTooLong, err)
	}
	if err := s.cfg.Router.Send(target, route.Route{}, encoded); err != nil {
		return wrapErr(KindTransportDropped, err)
	}
	return nil
}

// Send encrypts and transmits an application payload to the peer's
// decryptor, to be delivered to the peer session's own OnMessage callback.
// Equivalent to SendTo with an empty onward route. Returns a *channel.Error
// wrapping KindLocalClosed if the session has been closed. A frame the
// encryptor cannot deliver closes the session with TransportDropped, so
// sends after a failed delivery fail with LocalClosed.
func (s *Session) Send(plaintext []byte) error {
	return s.SendTo(route.Route{}, plaintext)
}

// SendTo encrypts and transmits an application payload addressed to a
// destination past the peer's decryptor:
// onward is embedded in the sealed envelope and, on arrival, the peer's
// decryptor forwards the decrypted payload to that route instead of
// invoking its own OnMessage callback. An empty onward route means
// "deliver to the peer session's OnMessage", matching Send.
func (s *Session) SendTo(onward route.Route, plaintext []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wrapErr(KindLocalClosed, nil)
	}
	if !s.established {
		s.mu.Unlock()
		return wrapErr(KindHandshakeFailed, fmt.Errorf("channel: session not established"))
	}
	encryptorAddr := s.encryptorAddr
	decryptorAddr := s.decryptorAddr
	padTo := s.cfg.PaddingPolicy(len(plaintext))
	s.mu.Unlock()

	returnRoute, err := route.New(decryptorAddr)
	if err != nil {
		return wrapErr(KindRouteTooLong, err)
	}

	env := wire.NewPayload(plaintext, onward, returnRoute, padTo)
	return s.dispatchEnvelope(encryptorAddr, env)
}

// Close tears the session down: notifies the peer with a Close envelope,
// unregisters its worker addresses, and publishes LifecycleClosed with
// reason KindLocalClosed (or KindTransportDropped, if the encryptor fails
// to deliver the Close envelope and closes the session first). The Close
// envelope is dispatched before the
// session is marked closed, since the encryptor worker refuses to act once
// s.closed is set.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	established := s.established
	encAddr := s.encryptorAddr
	s.mu.Unlock()

	if established {
		_ = s.dispatchEnvelope(encAddr, wire.NewClose(KindLocalClosed.String()))
	}

	s.terminate(KindLocalClosed)
	return nil
}

