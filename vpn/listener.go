package vpn

import (
	"sync"

	"github.com/yllada/ovpn-launcher/events"
)

// Listener observes launch cycles. Register implementations that are
// comparable, usually pointers.
type Listener interface {
	// OnProfileAcquired reports whether a configuration was fetched,
	// parsed and stamped into a profile.
	OnProfileAcquired(success bool)
	// OnConnectionStateChanged reports the tunnel coming up or going away.
	OnConnectionStateChanged(connected bool)
}

// FailureListener is implemented by listeners that want failure details.
type FailureListener interface {
	OnFailure(Failure)
}

// StateListener is implemented by listeners that track every transition.
type StateListener interface {
	OnStateChanged(from, to State)
}

// ByteCountListener is implemented by listeners that show traffic.
type ByteCountListener interface {
	OnByteCount(events.ByteCount)
}

// ListenerFuncs adapts plain functions to a Listener and every optional
// listener interface. Register a pointer to it.
type ListenerFuncs struct {
	ProfileAcquired        func(success bool)
	ConnectionStateChanged func(connected bool)
	Failure                func(Failure)
	StateChanged           func(from, to State)
	ByteCount              func(events.ByteCount)
}

func (f *ListenerFuncs) OnProfileAcquired(success bool) {
	if f.ProfileAcquired != nil {
		f.ProfileAcquired(success)
	}
}

func (f *ListenerFuncs) OnConnectionStateChanged(connected bool) {
	if f.ConnectionStateChanged != nil {
		f.ConnectionStateChanged(connected)
	}
}

func (f *ListenerFuncs) OnFailure(fl Failure) {
	if f.Failure != nil {
		f.Failure(fl)
	}
}

func (f *ListenerFuncs) OnStateChanged(from, to State) {
	if f.StateChanged != nil {
		f.StateChanged(from, to)
	}
}

func (f *ListenerFuncs) OnByteCount(b events.ByteCount) {
	if f.ByteCount != nil {
		f.ByteCount(b)
	}
}

// Registration ties a listener to a controller until Close is called.
type Registration struct {
	c        *Controller
	listener Listener
	once     sync.Once
}

// Close unregisters the listener. It is safe to call more than once.
func (r *Registration) Close() {
	r.once.Do(func() {
		r.c.unregister(r)
	})
}

// notification is a queued listener callback.
type notification func(Listener)

func notifyAcquired(ok bool) notification {
	return func(l Listener) { l.OnProfileAcquired(ok) }
}

func notifyConnected(ok bool) notification {
	return func(l Listener) { l.OnConnectionStateChanged(ok) }
}

func notifyFailure(f Failure) notification {
	return func(l Listener) {
		if fl, ok := l.(FailureListener); ok {
			fl.OnFailure(f)
		}
	}
}

func notifyState(from, to State) notification {
	return func(l Listener) {
		if sl, ok := l.(StateListener); ok {
			sl.OnStateChanged(from, to)
		}
	}
}

func notifyBytes(b events.ByteCount) notification {
	return func(l Listener) {
		if bl, ok := l.(ByteCountListener); ok {
			bl.OnByteCount(b)
		}
	}
}
