// Package noise drives the Noise XX handshake that opens every secure
// channel, built on github.com/flynn/noise.
//
// XX provides mutual static-key authentication without either side needing
// to know the other's static key in advance:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// # Usage
//
//	suite := crypto.DefaultCipherSuite()
//	hs, err := noise.New(staticKeyPair, suite, noise.Initiator)
//	msg1, _, err := hs.WriteMessage(nil)
//	// ... exchange msg1/msg2/msg3 over the router ...
//	send, recv, err := hs.CipherStates()
//	binding, err := hs.ChannelBinding()
package noise
