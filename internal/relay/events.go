package relay

import "sync"

// EventKind identifies a relay lifecycle event.
type EventKind int

const (
	// StatusChanged fires when the status watcher sees relaying flip.
	StatusChanged EventKind = iota
	// UpstreamIdle fires when the upstream stopped sending work.
	UpstreamIdle
	// UpstreamSwitched fires for every pool the relay moves to.
	UpstreamSwitched
	// ForeignPoolSubscribed fires after a subscribe response from the upstream.
	ForeignPoolSubscribed
	// RelayingStopped fires when work falls back to the local daemon.
	RelayingStopped
	// RequestSent fires after a request was written upstream.
	RequestSent
)

func (k EventKind) String() string {
	switch k {
	case StatusChanged:
		return "status_changed"
	case UpstreamIdle:
		return "upstream_idle"
	case UpstreamSwitched:
		return "upstream_switched"
	case ForeignPoolSubscribed:
		return "foreign_pool_subscribed"
	case RelayingStopped:
		return "relaying_stopped"
	case RequestSent:
		return "request_sent"
	}
	return "unknown"
}

// Event carries the kind and the kind-specific payload. Relaying is set for
// StatusChanged, PoolID for UpstreamSwitched.
type Event struct {
	Kind     EventKind
	Relaying bool
	PoolID   int
}

// Bus fans relay events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]func(Event))}
}

// On registers fn for kind.
func (b *Bus) On(kind EventKind, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// Emit runs the handlers of ev.Kind synchronously in registration order.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Kind]
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// EmitAsync runs Emit on a new goroutine.
func (b *Bus) EmitAsync(ev Event) {
	go b.Emit(ev)
}
