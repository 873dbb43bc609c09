// Package gatt relays GATT client events from a platform BLE stack to a
// single application listener. The relay is a passthrough: it does not
// buffer, retry, reorder, or inspect events.
package gatt

import "fmt"

// Conn identifies one BLE link session. It is owned by the platform stack
// and handed to the listener unmodified.
type Conn any

// Characteristic carries a characteristic's identity together with the raw
// value delivered by the stack.
type Characteristic struct {
	UUID  string
	Value []byte
}

// Status is a stack-defined result code for a GATT operation.
// Values outside the named constants are valid and passed through.
type Status int

// Android-compatible GATT status codes.
const (
	StatusSuccess                    Status = 0x00
	StatusReadNotPermitted           Status = 0x02
	StatusWriteNotPermitted          Status = 0x03
	StatusInsufficientAuthentication Status = 0x05
	StatusRequestNotSupported        Status = 0x06
	StatusInvalidOffset              Status = 0x07
	StatusInvalidAttributeLength     Status = 0x0d
	StatusInsufficientEncryption     Status = 0x0f
	StatusConnectionCongested        Status = 0x8f
	StatusFailure                    Status = 0x101
)

var statusNames = map[Status]string{
	StatusSuccess:                    "success",
	StatusReadNotPermitted:           "read not permitted",
	StatusWriteNotPermitted:          "write not permitted",
	StatusInsufficientAuthentication: "insufficient authentication",
	StatusRequestNotSupported:        "request not supported",
	StatusInvalidOffset:              "invalid offset",
	StatusInvalidAttributeLength:     "invalid attribute length",
	StatusInsufficientEncryption:     "insufficient encryption",
	StatusConnectionCongested:        "connection congested",
	StatusFailure:                    "failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(0x%02x)", int(s))
}

// ConnState is the state of a link after a transition.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Listener receives GATT client events. Handlers run synchronously on the
// stack's callback goroutine and must not block it. A returned error is
// handed back to whoever delivered the event.
type Listener interface {
	// OnCharacteristicChanged is called for a notification or indication
	// on a subscribed characteristic.
	OnCharacteristicChanged(conn Conn, char Characteristic) error
	// OnConnectionStateChange is called on every link state transition.
	OnConnectionStateChange(conn Conn, status Status, state ConnState) error
	// OnServicesDiscovered is called once per discovery operation.
	OnServicesDiscovered(conn Conn, status Status) error
	// OnCharacteristicRead is called with the result of an explicit read.
	OnCharacteristicRead(conn Conn, char Characteristic, status Status) error
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields ignore
// the corresponding event.
type ListenerFuncs struct {
	CharacteristicChanged func(conn Conn, char Characteristic) error
	ConnectionStateChange func(conn Conn, status Status, state ConnState) error
	ServicesDiscovered    func(conn Conn, status Status) error
	CharacteristicRead    func(conn Conn, char Characteristic, status Status) error
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnCharacteristicChanged(conn Conn, char Characteristic) error {
	if f.CharacteristicChanged == nil {
		return nil
	}
	return f.CharacteristicChanged(conn, char)
}

func (f ListenerFuncs) OnConnectionStateChange(conn Conn, status Status, state ConnState) error {
	if f.ConnectionStateChange == nil {
		return nil
	}
	return f.ConnectionStateChange(conn, status, state)
}

func (f ListenerFuncs) OnServicesDiscovered(conn Conn, status Status) error {
	if f.ServicesDiscovered == nil {
		return nil
	}
	return f.ServicesDiscovered(conn, status)
}

func (f ListenerFuncs) OnCharacteristicRead(conn Conn, char Characteristic, status Status) error {
	if f.CharacteristicRead == nil {
		return nil
	}
	return f.CharacteristicRead(conn, char, status)
}
