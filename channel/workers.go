package channel

import (
	"fmt"

	"github.com/ockam-project/secure-channel/route"
	"github.com/ockam-project/secure-channel/wire"
)

// establishWorkers spawns the session's encryptor/decryptor worker pair,
// replacing the temporary handshake address: the encryptor
// accepts locally-dispatched envelopes (from Send, RefreshCredentials, and
// Close) and seals them for the peer; the decryptor accepts sealed frames
// from the peer's encryptor, opens them, and dispatches the recovered
// envelope.
func establishWorkers(s *Session) error {
	decAddr, err := s.cfg.Router.SpawnWorker(s.handleInboundFrame)
	if err != nil {
		return wrapErr(KindTransportDropped, fmt.Errorf("spawn decryptor: %w", err))
	}
	encAddr, err := s.cfg.Router.SpawnWorker(s.handleOutboundRequest)
	if err != nil {
		s.cfg.Router.Unregister(decAddr)
		return wrapErr(KindTransportDropped, fmt.Errorf("spawn encryptor: %w", err))
	}

	s.mu.Lock()
	s.decryptorAddr = decAddr
	s.encryptorAddr = encAddr
	s.mu.Unlock()
	return nil
}

// handleOutboundRequest is the encryptor worker's router.Handler: payload is
// an already-encoded wire.Envelope queued by dispatchEnvelope. It seals the
// envelope under the session's send cipher and forwards the resulting frame
// to the peer's current route, advancing the send counter. A delivery
// failure closes the session with TransportDropped: the channel is a
// one-shot resource with no retransmission, so once a frame cannot reach
// the peer the counters on the two sides have diverged for good and
// subsequent sends must fail rather than silently vanish.
func (s *Session) handleOutboundRequest(payload []byte, _ route.Route) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	sendCipher := s.sendCipher
	channelBinding := s.channelBinding
	peerRoute := s.peerRoute
	s.mu.Unlock()

	seq, err := s.sendCounter.Next()
	if err != nil {
		s.logger.WithError(err).Warn("send counter exhausted, closing session")
		s.terminate(KindNonceExhausted)
		return
	}

	ciphertext := sendCipher.Encrypt(nil, seq, channelBinding, payload)

	datagram := wire.EncodeDatagram(wire.Frame{Nonce: seq, Ciphertext: ciphertext})
	if err := s.cfg.Router.Send(peerRoute, route.Route{}, datagram); err != nil {
		s.logger.WithError(err).Warn("failed to deliver outbound frame, closing session")
		s.terminate(KindTransportDropped)
	}
}

// handleInboundFrame is the decryptor worker's router.Handler: payload is a
// sealed wire.Frame datagram from the peer's encryptor. It enforces the
// replay window before opening the frame, since an AEAD open is far more
// expensive than a bitmap check.
func (s *Session) handleInboundFrame(payload []byte, returnRoute route.Route) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	recvCipher := s.recvCipher
	channelBinding := s.channelBinding
	maxFrameSize := s.cfg.MaxFrameSize
	s.mu.Unlock()

	if maxFrameSize > 0 && len(payload) > maxFrameSize+wire.NonceSize {
		s.logger.WithField("size", len(payload)).Warn("rejecting oversized inbound frame")
		return
	}

	frame, err := wire.DecodeDatagram(payload)
	if err != nil {
		s.logger.WithError(err).Warn("decode inbound frame")
		return
	}

	if err := s.replayWindow.Accept(frame.Nonce); err != nil {
		s.logger.WithError(err).Warn("rejected inbound frame, closing session")
		s.terminate(KindReplayDetected)
		return
	}

	plaintext, err := recvCipher.Decrypt(nil, frame.Nonce, channelBinding, frame.Ciphertext)
	if err != nil {
		s.logger.WithError(err).Warn("failed to open inbound frame, closing session")
		s.terminate(KindAuthFail)
		return
	}

	env, err := wire.Decode(plaintext)
	if err != nil {
		s.logger.WithError(err).Warn("decode inbound envelope")
		return
	}

	// The peer's return route addresses its own decryptor; track it so
	// replies keep flowing even if the peer re-homes its worker mid-session.
	if !returnRoute.Empty() {
		s.mu.Lock()
		s.peerRoute = returnRoute
		s.mu.Unlock()
	}

	switch env.Kind {
	case wire.KindPayload:
		s.deliverPayload(env)
	case wire.KindRefreshCredentials:
		s.handleRefreshCredentials(env.ChangeHistory, env.Credentials)
	case wire.KindClose:
		s.handlePeerClose(env.Reason)
	default:
		s.logger.WithField("kind", env.Kind).Warn("ignoring envelope of unknown kind")
	}
}

// deliverPayload implements the decryptor's Payload dispatch: the return
// route always gets this decryptor's own address
// prepended, so a destination past the channel can reply back through it.
// If the envelope carries a non-empty onward route, the payload is
// forwarded internally to that destination rather than handed to this
// session's own OnMessage callback, keeping the channel usable as one hop
// in a longer local route instead of always being the final consumer.
func (s *Session) deliverPayload(env wire.Envelope) {
	s.mu.Lock()
	decAddr := s.decryptorAddr
	onMessage := s.onMessage
	s.mu.Unlock()

	newReturn := env.ReturnRoute.Prepend(decAddr)

	if env.OnwardRoute.Empty() {
		if onMessage != nil {
			onMessage(env.Payload)
		}
		return
	}

	if err := s.cfg.Router.Send(env.OnwardRoute, newReturn, env.Payload); err != nil {
		s.logger.WithError(err).Warn("forward payload to onward destination")
	}
}

// handlePeerClose tears the session down the same way Close does, but
// without sending a reciprocal Close envelope back to a peer that has
// already told us it's going away. peerReason is the peer's own local
// shutdown reason (e.g. "local_closed"), logged but not what's published on
// this side's lifecycle stream: the receiving side reports its terminal
// reason as PeerClosed regardless of why the peer closed.
func (s *Session) handlePeerClose(peerReason string) {
	s.logger.WithField("peer_reason", peerReason).Debug("peer closed the channel")
	s.terminate(KindPeerClosed)
}

// terminate closes the session locally, classifying the shutdown with kind
// on the lifecycle stream. Used when this side detects a fatal condition
// after Established (AuthFail, ReplayDetected, NonceExhausted,
// TransportDropped, or a rejected credential refresh), when the peer
// initiates the close (PeerClosed), and by Close itself (LocalClosed). Safe
// to call more than once; only the first call has effect.
func (s *Session) terminate(kind ErrorKind) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	encAddr, decAddr := s.encryptorAddr, s.decryptorAddr
	r := s.cfg.Router
	s.mu.Unlock()

	if r != nil {
		r.Unregister(encAddr)
		r.Unregister(decAddr)
	}

	s.events.publish(LifecycleEvent{Kind: LifecycleClosed, SessionID: s.ID, Reason: kind.String()})
}
