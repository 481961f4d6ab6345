// Package events carries tunnel engine notifications to interested parties.
//
// A Bus fans ConnectionEvent and ByteCount values out to every listener
// subscribed at publish time, in publish order. There is no replay: a
// listener subscribed after an event was published never sees it.
package events

import (
	"strings"
	"sync"
	"time"
)

// Kind classifies a ConnectionEvent.
type Kind int

const (
	KindStateChanged Kind = iota
	KindAuthFailed
	KindConnected
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "StateChanged"
	case KindAuthFailed:
		return "AuthFailed"
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Engine state names with a dedicated Kind.
const (
	StateConnected  = "CONNECTED"
	StateAuthFailed = "AUTH_FAILED"
	StateExiting    = "EXITING"
)

// KindFromState maps an engine state name to its Kind. Names without a
// dedicated kind are plain state changes.
func KindFromState(state string) Kind {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case StateConnected:
		return KindConnected
	case StateAuthFailed:
		return KindAuthFailed
	case StateExiting:
		return KindDisconnected
	default:
		return KindStateChanged
	}
}

// Level is the engine-reported severity of a ConnectionEvent.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelDebug
)

// ConnectionEvent is a state notification emitted by the tunnel engine.
type ConnectionEvent struct {
	Kind    Kind
	State   string // raw engine state name, e.g. "WAIT" or "CONNECTED"
	Message string
	Level   Level
	Time    time.Time
	// Session identifies the engine session that emitted the event.
	Session string
}

// NewConnectionEvent builds an event for an engine state, deriving its Kind.
func NewConnectionEvent(session, state, message string, level Level) ConnectionEvent {
	return ConnectionEvent{
		Kind:    KindFromState(state),
		State:   state,
		Message: message,
		Level:   level,
		Time:    time.Now(),
		Session: session,
	}
}

// ByteCount reports tunnel traffic totals and the change since the previous report.
type ByteCount struct {
	In       int64
	Out      int64
	DeltaIn  int64
	DeltaOut int64
	Time     time.Time
	Session  string
}

// Listener receives bus traffic. Implementations must be comparable
// (usually a pointer) since subscription identity is listener equality.
type Listener interface {
	OnConnectionEvent(ConnectionEvent)
	OnByteCount(ByteCount)
}

// ListenerFuncs adapts plain functions to a Listener. Use a pointer to it.
type ListenerFuncs struct {
	Event func(ConnectionEvent)
	Bytes func(ByteCount)
}

func (f *ListenerFuncs) OnConnectionEvent(e ConnectionEvent) {
	if f.Event != nil {
		f.Event(e)
	}
}

func (f *ListenerFuncs) OnByteCount(b ByteCount) {
	if f.Bytes != nil {
		f.Bytes(b)
	}
}

// Bus is a synchronous publish/subscribe channel.
//
// Publish calls are serialized, so listeners observe events in the order
// they were published even with several publishers. Listeners may
// subscribe or unsubscribe from inside a callback but must not publish.
type Bus struct {
	publishMu sync.Mutex

	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

var (
	defaultBus  *Bus
	defaultOnce sync.Once
)

// Default returns the process-wide bus.
func Default() *Bus {
	defaultOnce.Do(func() {
		defaultBus = NewBus()
	})
	return defaultBus
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus      *Bus
	listener Listener
	once     sync.Once
}

// Close unsubscribes the listener. Calling it more than once is safe.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.Unsubscribe(s.listener)
	})
}

// Subscribe registers l. Subscribing an already registered listener does
// not duplicate deliveries.
func (b *Bus) Subscribe(l Listener) *Subscription {
	b.mu.Lock()
	if b.indexOf(l) < 0 {
		b.listeners = append(b.listeners, l)
	}
	b.mu.Unlock()
	return &Subscription{bus: b, listener: l}
}

// Unsubscribe removes l. Removing an unknown listener is a no-op.
func (b *Bus) Unsubscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(l)
	if i < 0 {
		return
	}
	// Copy so in-flight snapshots keep their view.
	next := make([]Listener, 0, len(b.listeners)-1)
	next = append(next, b.listeners[:i]...)
	next = append(next, b.listeners[i+1:]...)
	b.listeners = next
}

// Len returns the number of subscribed listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) indexOf(l Listener) int {
	for i, x := range b.listeners {
		if x == l {
			return i
		}
	}
	return -1
}

func (b *Bus) snapshot() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners
}

// PublishEvent delivers e to every current listener before returning.
func (b *Bus) PublishEvent(e ConnectionEvent) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	for _, l := range b.snapshot() {
		l.OnConnectionEvent(e)
	}
}

// PublishByteCount delivers c to every current listener before returning.
func (b *Bus) PublishByteCount(c ByteCount) {
	if c.Time.IsZero() {
		c.Time = time.Now()
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	for _, l := range b.snapshot() {
		l.OnByteCount(c)
	}
}
