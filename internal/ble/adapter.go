// Package ble is the platform side of the GATT event relay. It wraps the
// host BLE stack behind small interfaces and delivers every stack callback
// into a gatt.Listener, normally a *gatt.Relay.
package ble

import (
	"context"
	"errors"

	"github.com/rafalcieslak/bluetoothcube/internal/gatt"
)

// Errors returned by Connection.Characteristic.
var (
	ErrNotDiscovered = errors.New("ble: services not discovered")
	ErrNotFound      = errors.New("ble: not found")
)

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Characteristic represents a GATT characteristic on a connected peer.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical string form.
	UUID() string
	// Read requests the current value. The result arrives through the
	// sink's OnCharacteristicRead.
	Read() error
	// Write sends data to the characteristic.
	Write(data []byte) error
	// EnableNotifications subscribes to value changes. Each value arrives
	// through the sink's OnCharacteristicChanged.
	EnableNotifications() error
}

// Connection represents an active BLE connection to a peripheral. The
// Connection value itself is the gatt.Conn handle passed to the sink.
type Connection interface {
	// DiscoverServices enumerates the peer's services and characteristics.
	// The outcome arrives through the sink's OnServicesDiscovered.
	DiscoverServices() error
	// Characteristic looks up a characteristic after a successful discovery.
	Characteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals accepted by match until ctx is done.
	Scan(ctx context.Context, match func(Device) bool) ([]Device, error)
	// Connect establishes a connection and routes its events to sink.
	Connect(ctx context.Context, mac string, sink gatt.Listener) (Connection, error)
}
