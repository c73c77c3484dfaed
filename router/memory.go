package router

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ockam-project/secure-channel/route"
)

// MemoryRouter is an in-process reference Router: every registered address
// is a goroutine-safe map entry invoked synchronously on Send.
type MemoryRouter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logrus.Entry
}

// NewMemoryRouter creates an empty in-memory router.
func NewMemoryRouter() *MemoryRouter {
	return &MemoryRouter{
		handlers: make(map[string]Handler),
		logger:   logrus.WithFields(logrus.Fields{"package": "router", "component": "memory_router"}),
	}
}

func key(seg route.Segment) string {
	return fmt.Sprintf("%s:%s", seg.Type, seg.Value)
}

// Register implements Router.
func (r *MemoryRouter) Register(addr route.Segment, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(addr)
	if _, exists := r.handlers[k]; exists {
		return ErrAddressInUse
	}
	r.handlers[k] = handler
	r.logger.WithField("address", addr.String()).Debug("registered handler")
	return nil
}

// Unregister implements Router.
func (r *MemoryRouter) Unregister(addr route.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key(addr))
}

// Send implements Router. It strips the front segment off onward, looks up
// that segment's handler, and invokes it directly; every segment type is
// looked up the same way, by its type and value together.
func (r *MemoryRouter) Send(onward route.Route, returnRoute route.Route, payload []byte) error {
	seg, _, ok := onward.Next()
	if !ok {
		return ErrNoSuchAddress
	}

	r.mu.RLock()
	handler, exists := r.handlers[key(seg)]
	r.mu.RUnlock()

	if !exists {
		return ErrNoSuchAddress
	}

	handler(payload, returnRoute)
	return nil
}

// SpawnWorker implements Router, generating a unique local worker address.
func (r *MemoryRouter) SpawnWorker(handler Handler) (route.Segment, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return route.Segment{}, fmt.Errorf("router: generate worker address: %w", err)
	}
	addr := route.NewSegment(route.Worker, hex.EncodeToString(raw[:]))

	if err := r.Register(addr, handler); err != nil {
		return route.Segment{}, err
	}
	return addr, nil
}
