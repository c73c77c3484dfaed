package channel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// LifecycleKind names one of the observable transitions a channel session
// goes through.
type LifecycleKind int

const (
	LifecycleHandshakeStarted LifecycleKind = iota
	LifecycleHandshakeCompleted
	LifecycleCredentialRefreshed
	LifecycleClosed
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleHandshakeStarted:
		return "handshake_started"
	case LifecycleHandshakeCompleted:
		return "handshake_completed"
	case LifecycleCredentialRefreshed:
		return "credential_refreshed"
	case LifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LifecycleEvent is one entry in a channel session's observability stream.
type LifecycleEvent struct {
	Kind      LifecycleKind
	SessionID string
	Reason    string
}

// lifecycleBus fans LifecycleEvents out to every current subscriber. A
// buffered-channel fan-out is the minimal thing that lets a node observe a
// session without blocking it.
type lifecycleBus struct {
	mu          sync.Mutex
	subscribers []chan LifecycleEvent
}

func newLifecycleBus() *lifecycleBus {
	return &lifecycleBus{}
}

// Subscribe returns a channel that receives every subsequent lifecycle
// event. The channel is buffered; a slow subscriber drops events rather
// than blocking the session.
func (b *lifecycleBus) Subscribe() <-chan LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan LifecycleEvent, 16)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *lifecycleBus) publish(ev LifecycleEvent) {
	logrus.WithFields(logrus.Fields{
		"session_id": ev.SessionID,
		"kind":       ev.Kind.String(),
		"reason":     ev.Reason,
	}).Debug("channel lifecycle event")

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
