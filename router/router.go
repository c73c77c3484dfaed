// Package router implements the contract between a channel and the node
// runtime that hosts it: message delivery, address registration, and
// worker spawning. It also ships a reference in-memory implementation so
// the channel is independently testable, and a TCP framing adapter for
// running it over a real connection.
package router

import (
	"errors"

	"github.com/ockam-project/secure-channel/route"
)

// ErrAddressInUse is returned by Router.Register when the requested address
// is already registered.
var ErrAddressInUse = errors.New("router: address already registered")

// ErrNoSuchAddress is returned when Send targets an address with no
// registered handler.
var ErrNoSuchAddress = errors.New("router: no handler registered for address")

// Handler processes one message delivered to a registered address. payload
// is the raw bytes received (a wire.Frame datagram from wire.EncodeDatagram,
// an encoded envelope, or a handshake message); returnRoute is how the
// handler should address a reply.
type Handler func(payload []byte, returnRoute route.Route)

// Router is the external collaborator a channel session is built on: it
// delivers messages to and from worker addresses, without any knowledge of
// what those workers do (encrypt, decrypt, run a handshake). Implementations
// must be safe for concurrent use.
type Router interface {
	// Register binds addr to handler; subsequent Send calls
	// targeting addr invoke handler. Returns ErrAddressInUse if addr is
	// already bound.
	Register(addr route.Segment, handler Handler) error

	// Unregister removes addr's handler. A no-op if addr was not
	// registered.
	Unregister(addr route.Segment)

	// Send delivers payload to the worker at the front of onward,
	// attaching returnRoute for the handler's replies. Only the front hop
	// is used; the remaining segments of onward are not passed on to the
	// handler.
	Send(onward route.Route, returnRoute route.Route, payload []byte) error

	// SpawnWorker registers a fresh handler under a router-generated
	// unique local address and returns that address, used by the channel
	// state machine to stand up its encryptor/decryptor pair.
	SpawnWorker(handler Handler) (route.Segment, error)
}
