package channel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	ockamcrypto "github.com/ockam-project/secure-channel/crypto"
	"github.com/ockam-project/secure-channel/route"
)

// CreateChannel is the initiator's entry point: it
// runs a Noise XX handshake to peerRoute, binds and validates the peer's
// identity and credentials, and returns an established Session. A non-nil
// error means the handshake never reached Established; no session is left
// registered with the router.
func CreateChannel(cfg *Config, local *Identity, staticKey *ockamcrypto.KeyPair, peerRoute route.Route) (*Session, error) {
	s := newSession(cfg, roleInitiator)
	s.events.publish(LifecycleEvent{Kind: LifecycleHandshakeStarted, SessionID: s.ID})

	handshakeAddr, err := cfg.Router.SpawnWorker(s.deliverHandshakeMessage)
	if err != nil {
		return nil, wrapErr(KindTransportDropped, fmt.Errorf("spawn handshake worker: %w", err))
	}

	err = runHandshake(s, local, staticKey, handshakeAddr, peerRoute, true)
	cfg.Router.Unregister(handshakeAddr)
	if err != nil {
		return nil, err
	}

	if err := establishWorkers(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Listener accepts inbound channel establishment attempts at a well-known
// router address, completing each handshake on its own goroutine so a slow
// or stalled peer cannot block other in-flight handshakes.
type Listener struct {
	cfg       *Config
	local     *Identity
	staticKey *ockamcrypto.KeyPair
	addr      route.Segment

	accepted chan *Session
	closed   chan struct{}

	logger *logrus.Entry
}

// CreateChannelListener registers a handler at listenAddr that treats every
// inbound message as the first message (msg1) of a new responder-side
// handshake.
func CreateChannelListener(cfg *Config, local *Identity, staticKey *ockamcrypto.KeyPair, listenAddr route.Segment) (*Listener, error) {
	l := &Listener{
		cfg:       cfg,
		local:     local,
		staticKey: staticKey,
		addr:      listenAddr,
		accepted:  make(chan *Session, 8),
		closed:    make(chan struct{}),
		logger: logrus.WithFields(logrus.Fields{
			"package":   "channel",
			"component": "listener",
		}),
	}

	if err := cfg.Router.Register(listenAddr, l.handleFirstMessage); err != nil {
		return nil, wrapErr(KindTransportDropped, fmt.Errorf("register listener address: %w", err))
	}
	return l, nil
}

// handleFirstMessage spins up a new responder session for each inbound
// handshake attempt. It must return quickly, since it runs on the router's
// delivery path, so the rest of the handshake completes on its own
// goroutine.
func (l *Listener) handleFirstMessage(payload []byte, returnRoute route.Route) {
	s := newSession(l.cfg, roleResponder)
	s.events.publish(LifecycleEvent{Kind: LifecycleHandshakeStarted, SessionID: s.ID})

	// Pre-seed msg1 itself; runHandshake's first recv() drains it and, in
	// doing so, learns the initiator's handshake address from returnRoute.
	s.handshakeInbox <- handshakeMessage{payload: payload, returnRoute: returnRoute}

	go l.completeHandshake(s)
}

func (l *Listener) completeHandshake(s *Session) {
	handshakeAddr, err := l.cfg.Router.SpawnWorker(s.deliverHandshakeMessage)
	if err != nil {
		l.logger.WithError(err).Warn("spawn responder handshake worker")
		return
	}

	err = runHandshake(s, l.local, l.staticKey, handshakeAddr, route.Route{}, false)
	l.cfg.Router.Unregister(handshakeAddr)
	if err != nil {
		l.logger.WithError(err).WithField("session", s.ID).Warn("responder handshake failed")
		return
	}

	if err := establishWorkers(s); err != nil {
		l.logger.WithError(err).WithField("session", s.ID).Warn("establish worker pair")
		return
	}

	select {
	case l.accepted <- s:
	case <-l.closed:
		s.Close()
	}
}

// Accept blocks until a new session completes its handshake, or the
// listener is closed.
func (l *Listener) Accept() (*Session, error) {
	select {
	case s, ok := <-l.accepted:
		if !ok {
			return nil, wrapErr(KindLocalClosed, fmt.Errorf("channel: listener closed"))
		}
		return s, nil
	case <-l.closed:
		return nil, wrapErr(KindLocalClosed, fmt.Errorf("channel: listener closed"))
	}
}

// Close stops accepting new handshakes and unregisters the listener
// address. Sessions already returned by Accept are unaffected.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}
	l.cfg.Router.Unregister(l.addr)
	return nil
}
