package channel

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ockam-project/secure-channel/credential"
	ockamcrypto "github.com/ockam-project/secure-channel/crypto"
	"github.com/ockam-project/secure-channel/identity"
	"github.com/ockam-project/secure-channel/route"
	"github.com/ockam-project/secure-channel/router"
	"github.com/ockam-project/secure-channel/wire"
)

// testParty bundles everything one side of a handshake needs: its change
// history, signing key, Noise static key, and a ready-to-use Identity.
type testParty struct {
	identity *Identity
	static   *ockamcrypto.KeyPair
}

func newTestParty(t *testing.T) testParty {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	history, err := identity.NewChangeHistory(pub, priv, time.Unix(1700000000, 0))
	require.NoError(t, err)

	static, err := ockamcrypto.GenerateKeyPair()
	require.NoError(t, err)

	return testParty{
		identity: &Identity{History: history, SigningKey: priv},
		static:   static,
	}
}

func TestChannelEstablishesAndDerivesMatchingIdentities(t *testing.T) {
	r := router.NewMemoryRouter()
	cfgA := NewConfig(r)
	cfgB := NewConfig(r)

	a := newTestParty(t)
	b := newTestParty(t)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	type initResult struct {
		session *Session
		err     error
	}
	initDone := make(chan initResult, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		initDone <- initResult{s, err}
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	defer sessionB.Close()

	result := <-initDone
	require.NoError(t, result.err)
	sessionA := result.session
	defer sessionA.Close()

	idA, err := a.identity.History.Identity()
	require.NoError(t, err)
	idB, err := b.identity.History.Identity()
	require.NoError(t, err)

	require.Equal(t, idB, sessionA.PeerIdentity())
	require.Equal(t, idA, sessionB.PeerIdentity())
}

func TestChannelSendDeliversPlaintextToPeer(t *testing.T) {
	r := router.NewMemoryRouter()
	cfgA := NewConfig(r)
	cfgB := NewConfig(r)

	a := newTestParty(t)
	b := newTestParty(t)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	defer sessionB.Close()
	sessionA := <-initDone
	defer sessionA.Close()

	var received []byte
	sessionB.OnMessage(func(plaintext []byte) {
		received = append([]byte(nil), plaintext...)
	})

	require.NoError(t, sessionA.Send([]byte("hello")))
	require.Equal(t, []byte("hello"), received)
}

// TestChannelSendToForwardsPastDecryptor: a
// Payload envelope carrying a non-empty onward route is forwarded by the
// decryptor to that local destination instead of the session's own
// OnMessage, with the decryptor's own address prepended to the return
// route so the destination can reply back through the channel.
func TestChannelSendToForwardsPastDecryptor(t *testing.T) {
	r := router.NewMemoryRouter()
	cfgA := NewConfig(r)
	cfgB := NewConfig(r)

	a := newTestParty(t)
	b := newTestParty(t)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	defer sessionB.Close()
	sessionA := <-initDone
	defer sessionA.Close()

	echoAddr := route.NewSegment(route.Worker, "echo-service")
	var gotPayload []byte
	var gotReturnRoute route.Route
	require.NoError(t, r.Register(echoAddr, func(payload []byte, returnRoute route.Route) {
		gotPayload = append([]byte(nil), payload...)
		gotReturnRoute = returnRoute
	}))

	onward, err := route.New(echoAddr)
	require.NoError(t, err)
	require.NoError(t, sessionA.SendTo(onward, []byte("past the channel")))

	require.Eventually(t, func() bool { return gotPayload != nil }, time.Second, time.Millisecond)
	require.Equal(t, []byte("past the channel"), gotPayload)

	head, _, ok := gotReturnRoute.Next()
	require.True(t, ok)
	require.Equal(t, sessionB.decryptorAddr, head)
}

// TestChannelRejectsUntrustedCredential puts the trust requirement on the
// initiator, whose CreateChannel call validates the responder's credential
// from handshake message 2 and is therefore the side that can surface the
// rejection as an error (the responder's mirror-image rejection of message
// 3 has no caller to return to; its listener just drops the attempt).
func TestChannelRejectsUntrustedCredential(t *testing.T) {
	r := router.NewMemoryRouter()

	authorityPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, untrustedPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	a := newTestParty(t)
	b := newTestParty(t)

	cred, err := credential.Issue([32]byte{1}, map[string]string{"role": "admin"}, untrustedPriv, time.Now(), time.Hour)
	require.NoError(t, err)
	b.identity.Credential = cred

	cfgA := NewConfig(r)
	cfgA.Trust = credential.NewTrustContext([]ed25519.PublicKey{authorityPub}, "role == admin", true)
	cfgB := NewConfig(r)
	cfgB.HandshakeTimeout = time.Second

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	_, err = CreateChannel(cfgA, a.identity, a.static, peerRoute)
	require.Error(t, err)

	var chanErr *Error
	require.ErrorAs(t, err, &chanErr)
	require.Equal(t, KindCredentialRejected, chanErr.Kind)
}

func TestChannelRefreshCredentialsUpdatesPeerCredential(t *testing.T) {
	r := router.NewMemoryRouter()

	authorityPub, authorityPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	a := newTestParty(t)
	b := newTestParty(t)

	cfgA := NewConfig(r)
	cfgB := NewConfig(r)
	cfgB.Trust = credential.NewTrustContext([]ed25519.PublicKey{authorityPub}, "", false)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	defer sessionB.Close()
	sessionA := <-initDone
	defer sessionA.Close()

	events := sessionB.Events()

	cred, err := credential.Issue([32]byte{2}, map[string]string{"role": "admin"}, authorityPriv, time.Now(), time.Hour)
	require.NoError(t, err)

	rotatedPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, a.identity.History.Rotate(a.identity.SigningKey, rotatedPub, time.Now()))

	require.NoError(t, sessionA.RefreshCredentials(a.identity.History, cred))

	select {
	case ev := <-events:
		require.Equal(t, LifecycleCredentialRefreshed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for credential refresh event")
	}

	require.NotNil(t, sessionB.PeerCredential())
	require.Equal(t, "admin", sessionB.PeerCredential().Attributes["role"])
}

// TestChannelRefreshRejectedCredentialClosesSession: a refresh carrying a
// credential the receiver's trust context refuses must tear the session
// down, not just drop the refresh — otherwise a peer whose credentials
// have lapsed keeps using attributes accepted at handshake time.
func TestChannelRefreshRejectedCredentialClosesSession(t *testing.T) {
	r := router.NewMemoryRouter()

	authorityPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, untrustedPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	a := newTestParty(t)
	b := newTestParty(t)

	cfgA := NewConfig(r)
	cfgB := NewConfig(r)
	cfgB.Trust = credential.NewTrustContext([]ed25519.PublicKey{authorityPub}, "", false)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	sessionA := <-initDone
	defer sessionA.Close()

	events := sessionB.Events()

	badCred, err := credential.Issue([32]byte{3}, map[string]string{"role": "admin"}, untrustedPriv, time.Now(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, sessionA.RefreshCredentials(a.identity.History, badCred))

	select {
	case ev := <-events:
		require.Equal(t, LifecycleClosed, ev.Kind)
		require.Equal(t, KindCredentialRejected.String(), ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejected-refresh close event")
	}
	require.Nil(t, sessionB.PeerCredential())
}

func TestChannelCloseNotifiesPeer(t *testing.T) {
	r := router.NewMemoryRouter()
	cfgA := NewConfig(r)
	cfgB := NewConfig(r)

	a := newTestParty(t)
	b := newTestParty(t)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	sessionA := <-initDone

	eventsA := sessionA.Events()
	eventsB := sessionB.Events()
	require.NoError(t, sessionA.Close())

	select {
	case ev := <-eventsA:
		require.Equal(t, LifecycleClosed, ev.Kind)
		require.Equal(t, KindLocalClosed.String(), ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local close event")
	}

	select {
	case ev := <-eventsB:
		require.Equal(t, LifecycleClosed, ev.Kind)
		require.Equal(t, KindPeerClosed.String(), ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer close event")
	}
}

// TestChannelReplayedFrameClosesSession: redelivering an
// already-accepted frame triggers ReplayDetected and the receiving session
// closes. It seals a frame directly with sessionA's send cipher (bypassing
// the worker so the exact same ciphertext can be delivered twice) and feeds
// it to sessionB's decryptor handler, since a real transport delivering the
// same bytes twice is indistinguishable from this at the decryptor.
func TestChannelReplayedFrameClosesSession(t *testing.T) {
	r := router.NewMemoryRouter()
	cfgA := NewConfig(r)
	cfgB := NewConfig(r)

	a := newTestParty(t)
	b := newTestParty(t)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	sessionA := <-initDone
	defer sessionA.Close()

	var received int
	sessionB.OnMessage(func([]byte) { received++ })

	seq, err := sessionA.sendCounter.Next()
	require.NoError(t, err)
	env := wire.NewPayload([]byte("hello"), route.Route{}, route.Route{}, 0)
	encoded, err := wire.Encode(env)
	require.NoError(t, err)
	ciphertext := sessionA.sendCipher.Encrypt(nil, seq, sessionA.channelBinding, encoded)
	datagram := wire.EncodeDatagram(wire.Frame{Nonce: seq, Ciphertext: ciphertext})

	events := sessionB.Events()

	sessionB.handleInboundFrame(datagram, route.Route{})
	require.Equal(t, 1, received)

	select {
	case ev := <-events:
		t.Fatalf("unexpected lifecycle event after first delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	sessionB.handleInboundFrame(datagram, route.Route{})
	require.Equal(t, 1, received, "replayed frame must not be delivered to the application")

	select {
	case ev := <-events:
		require.Equal(t, LifecycleClosed, ev.Kind)
		require.Equal(t, KindReplayDetected.String(), ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay-detected close event")
	}

	// B's teardown unregistered its worker addresses, so A's next send is
	// undeliverable: the encryptor discovers this and closes A's side with
	// TransportDropped, and every send after that fails outright.
	eventsA := sessionA.Events()
	require.NoError(t, sessionA.Send([]byte("into the void")))

	select {
	case ev := <-eventsA:
		require.Equal(t, LifecycleClosed, ev.Kind)
		require.Equal(t, KindTransportDropped.String(), ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transport-dropped close event")
	}

	err = sessionA.Send([]byte("still closed"))
	var sendErr *Error
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, KindLocalClosed, sendErr.Kind)
}

// TestChannelTamperedFrameClosesSession: a frame altered in any transmitted
// byte — ciphertext or the declared nonce — must fail authentication,
// deliver nothing to the application, and close the receiving session with
// AuthFail. The associated data (the handshake hash) never travels on the
// wire, so ciphertext and nonce are the whole tamperable surface.
func TestChannelTamperedFrameClosesSession(t *testing.T) {
	cases := []struct {
		name   string
		tamper func(datagram []byte)
	}{
		{"ciphertext byte flipped", func(d []byte) { d[len(d)-1] ^= 0x01 }},
		{"nonce byte flipped", func(d []byte) { d[0] ^= 0x01 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := router.NewMemoryRouter()
			cfgA := NewConfig(r)
			cfgB := NewConfig(r)

			a := newTestParty(t)
			b := newTestParty(t)

			listenAddr := route.NewSegment(route.Service, "listener-b")
			listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
			require.NoError(t, err)
			defer listener.Close()

			peerRoute, err := route.New(listenAddr)
			require.NoError(t, err)

			initDone := make(chan *Session, 1)
			go func() {
				s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
				require.NoError(t, err)
				initDone <- s
			}()

			sessionB, err := listener.Accept()
			require.NoError(t, err)
			sessionA := <-initDone
			defer sessionA.Close()

			var received int
			sessionB.OnMessage(func([]byte) { received++ })

			seq, err := sessionA.sendCounter.Next()
			require.NoError(t, err)
			env := wire.NewPayload([]byte("hello"), route.Route{}, route.Route{}, 0)
			encoded, err := wire.Encode(env)
			require.NoError(t, err)
			ciphertext := sessionA.sendCipher.Encrypt(nil, seq, sessionA.channelBinding, encoded)
			datagram := wire.EncodeDatagram(wire.Frame{Nonce: seq, Ciphertext: ciphertext})
			tc.tamper(datagram)

			events := sessionB.Events()
			sessionB.handleInboundFrame(datagram, route.Route{})
			require.Equal(t, 0, received, "tampered frame must not be delivered to the application")

			select {
			case ev := <-events:
				require.Equal(t, LifecycleClosed, ev.Kind)
				require.Equal(t, KindAuthFail.String(), ev.Reason)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for auth-fail close event")
			}
		})
	}
}

// TestChannelRejectsOversizedInboundFrame covers the MaxFrameSize guard: a
// datagram bigger than the configured bound must be dropped before the
// decryptor attempts to decode or open it, since a router implementation
// with no framing limit of its own (unlike router.TCPConn) would otherwise
// hand it straight to the AEAD open.
func TestChannelRejectsOversizedInboundFrame(t *testing.T) {
	r := router.NewMemoryRouter()
	cfgA := NewConfig(r)
	cfgB := NewConfig(r)
	cfgB.MaxFrameSize = 16

	a := newTestParty(t)
	b := newTestParty(t)

	listenAddr := route.NewSegment(route.Service, "listener-b")
	listener, err := CreateChannelListener(cfgB, b.identity, b.static, listenAddr)
	require.NoError(t, err)
	defer listener.Close()

	peerRoute, err := route.New(listenAddr)
	require.NoError(t, err)

	initDone := make(chan *Session, 1)
	go func() {
		s, err := CreateChannel(cfgA, a.identity, a.static, peerRoute)
		require.NoError(t, err)
		initDone <- s
	}()

	sessionB, err := listener.Accept()
	require.NoError(t, err)
	sessionA := <-initDone
	defer sessionA.Close()
	defer sessionB.Close()

	var received int
	sessionB.OnMessage(func([]byte) { received++ })

	oversized := wire.EncodeDatagram(wire.Frame{Nonce: 0, Ciphertext: make([]byte, 256)})
	sessionB.handleInboundFrame(oversized, route.Route{})
	require.Equal(t, 0, received, "oversized frame must not reach decode/decrypt")
}
