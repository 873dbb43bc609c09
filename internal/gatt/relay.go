package gatt

import "sync/atomic"

// Relay is the single event sink registered with the platform stack. It
// forwards each event to the current listener, or drops it when none is
// registered. Safe for concurrent use.
type Relay struct {
	current atomic.Pointer[registration]
}

// registration boxes the listener so that a swap is one pointer store.
type registration struct {
	listener Listener
}

// Compile-time check that Relay matches the stack's callback surface.
var _ Listener = (*Relay)(nil)

// New returns a Relay with no listener.
func New() *Relay {
	return &Relay{}
}

// SetListener replaces the current listener. Passing nil unregisters.
// The previous listener is not notified.
func (r *Relay) SetListener(l Listener) {
	if l == nil {
		r.current.Store(nil)
		return
	}
	r.current.Store(&registration{listener: l})
}

// Listener returns the current listener, if any.
func (r *Relay) Listener() (Listener, bool) {
	reg := r.current.Load()
	if reg == nil {
		return nil, false
	}
	return reg.listener, true
}

func (r *Relay) OnCharacteristicChanged(conn Conn, char Characteristic) error {
	if l, ok := r.Listener(); ok {
		return l.OnCharacteristicChanged(conn, char)
	}
	return nil
}

func (r *Relay) OnConnectionStateChange(conn Conn, status Status, state ConnState) error {
	if l, ok := r.Listener(); ok {
		return l.OnConnectionStateChange(conn, status, state)
	}
	return nil
}

func (r *Relay) OnServicesDiscovered(conn Conn, status Status) error {
	if l, ok := r.Listener(); ok {
		return l.OnServicesDiscovered(conn, status)
	}
	return nil
}

func (r *Relay) OnCharacteristicRead(conn Conn, char Characteristic, status Status) error {
	if l, ok := r.Listener(); ok {
		return l.OnCharacteristicRead(conn, char, status)
	}
	return nil
}
