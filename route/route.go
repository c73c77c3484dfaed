// Package route implements the routed address model shared by the wire
// codec and the channel: an ordered list of typed segments describing a
// path through the router/node topology.
package route

import (
	"errors"
	"fmt"
)

// SegmentType identifies what kind of hop a route segment addresses. A
// Route threads through worker mailboxes and transport endpoints alike, so
// the types name router-addressable endpoint kinds rather than raw socket
// address families.
type SegmentType uint8

const (
	// Worker addresses a local in-process mailbox by name.
	Worker SegmentType = iota
	// TCP addresses a remote node reachable over a TCP connection.
	TCP
	// UDP addresses a remote node reachable over a UDP connection.
	UDP
	// Service addresses a well-known logical service on a node (e.g. the
	// channel listener registered for incoming handshakes).
	Service
)

func (t SegmentType) String() string {
	switch t {
	case Worker:
		return "worker"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case Service:
		return "service"
	default:
		return fmt.Sprintf("segment(%d)", uint8(t))
	}
}

// MaxSegments bounds how many hops a Route may carry; routes beyond this
// are rejected rather than forwarded.
const MaxSegments = 32

// ErrRouteTooLong is returned when a route carries more than MaxSegments
// segments.
var ErrRouteTooLong = errors.New("route: exceeds maximum segment count")

// Segment is one hop of a Route: a typed address value.
type Segment struct {
	Type  SegmentType `cbor:"1,keyasint"`
	Value []byte      `cbor:"2,keyasint"`
}

// NewSegment constructs a segment addressing value under the given type.
func NewSegment(t SegmentType, value string) Segment {
	return Segment{Type: t, Value: []byte(value)}
}

// String returns the segment's address value as a string, the common case
// for worker/service names and host:port pairs alike.
func (s Segment) String() string {
	return string(s.Value)
}

// Route is an ordered list of segments describing a path through the
// router topology. A channel message carries two routes: the onward route
// (where the message is headed next) and the return route (how to reply).
type Route struct {
	Segments []Segment `cbor:"1,keyasint"`
}

// New builds a Route from a sequence of segments, validating its length.
func New(segments ...Segment) (Route, error) {
	if len(segments) > MaxSegments {
		return Route{}, ErrRouteTooLong
	}
	return Route{Segments: segments}, nil
}

// Next returns the first segment and the remaining route, used by a router
// hop to strip its own address off the front of an onward route before
// forwarding.
func (r Route) Next() (Segment, Route, bool) {
	if len(r.Segments) == 0 {
		return Segment{}, r, false
	}
	return r.Segments[0], Route{Segments: r.Segments[1:]}, true
}

// Prepend returns a new route with seg inserted at the front, used to
// extend a return route as a message passes through an additional hop.
func (r Route) Prepend(seg Segment) Route {
	segments := make([]Segment, 0, len(r.Segments)+1)
	segments = append(segments, seg)
	segments = append(segments, r.Segments...)
	return Route{Segments: segments}
}

// Empty reports whether the route has no remaining segments.
func (r Route) Empty() bool { return len(r.Segments) == 0 }

// Validate checks the route's segment count against MaxSegments.
func (r Route) Validate() error {
	if len(r.Segments) > MaxSegments {
		return ErrRouteTooLong
	}
	return nil
}
