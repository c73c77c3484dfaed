// Package crypto implements the cryptographic primitives the secure channel
// is built from: X25519 key pairs for the Noise XX handshake, cipher suite
// selection, the per-direction nonce/replay window, and constant-time
// secure memory wiping.
//
// # Key Generation
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kp.Wipe()
//
// # Cipher Suites
//
// A CipherSuite bundles the DH function, AEAD cipher, and hash used by the
// Noise XX engine, named by the protocol string committed into the initial
// handshake hash:
//
//	suite := crypto.DefaultCipherSuite()
//
// # Replay Protection
//
// SendCounter produces the monotonically increasing per-direction nonce;
// ReplayWindow validates received sequence numbers against a trailing
// bitmap:
//
//	window := crypto.NewReplayWindow(crypto.DefaultReplayWindowSize)
//	if err := window.Accept(seq); err != nil {
//	    // reject frame
//	}
//
// # Secure Memory Handling
//
// Sensitive byte slices should be wiped after use with SecureWipe or
// ZeroBytes, which use a constant-time XOR the compiler cannot optimize
// away.
package crypto
