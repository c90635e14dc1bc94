// Package events publishes call/registration lifecycle notifications to
// any interested internal subscriber, without blocking the signalling
// path that produced them.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the category of an Event.
type Kind string

const (
	KindRegisterOK   Kind = "REGISTER_OK"
	KindRegisterFail Kind = "REGISTER_FAIL"
	KindCallStart    Kind = "CALL_START"
	KindCallRing     Kind = "CALL_RING"
	KindCallAnswer   Kind = "CALL_ANSWER"
	KindCallEnd      Kind = "CALL_END"
	KindMediaAlloc   Kind = "MEDIA_ALLOC"
	KindMediaFail    Kind = "MEDIA_FAIL"
)

// Event is one published occurrence, carrying enough context to log or
// route on without a subscriber needing to reach back into live state.
type Event struct {
	Kind      Kind
	CallID    string
	AOR       string
	Reason    string
	At        time.Time
	Attrs     map[string]any
}

// Publisher accepts events. Implementations must not block the caller for
// long; Publish is called from the signalling hot path.
type Publisher interface {
	Publish(e Event)
}

// Noop discards every event, for configurations with no subscriber.
type Noop struct{}

func (Noop) Publish(Event) {}

// Logging publishes by writing a structured log line.
type Logging struct {
	Log *slog.Logger
}

// NewLogging wraps a logger as a Publisher.
func NewLogging(log *slog.Logger) *Logging {
	if log == nil {
		log = slog.Default()
	}
	return &Logging{Log: log}
}

func (l *Logging) Publish(e Event) {
	l.Log.Info("event", "kind", e.Kind, "call_id", e.CallID, "aor", e.AOR, "reason", e.Reason)
}

// Channel publishes by sending onto a buffered channel, dropping events
// when the buffer is full rather than blocking the signalling path.
type Channel struct {
	ch  chan Event
	log *slog.Logger
}

// NewChannel creates a Channel-backed Publisher with the given buffer
// size. Subscribers read from Events().
func NewChannel(buffer int) *Channel {
	return &Channel{
		ch:  make(chan Event, buffer),
		log: slog.Default().With("component", "events"),
	}
}

// Events exposes the channel for subscribers to range over.
func (c *Channel) Events() <-chan Event { return c.ch }

func (c *Channel) Publish(e Event) {
	select {
	case c.ch <- e:
	default:
		c.log.Warn("dropping event, subscriber channel full", "kind", e.Kind, "call_id", e.CallID)
	}
}

// Close closes the underlying channel. Callers must ensure no further
// Publish calls happen afterward.
func (c *Channel) Close() { close(c.ch) }

// Multi fans a published event out to several Publishers.
type Multi struct {
	mu         sync.RWMutex
	publishers []Publisher
}

// NewMulti creates a Multi over the given publishers.
func NewMulti(publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers}
}

// Add registers another publisher at runtime.
func (m *Multi) Add(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

func (m *Multi) Publish(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.publishers {
		p.Publish(e)
	}
}
