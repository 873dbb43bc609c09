// Package bletest provides an in-memory BLE stack for tests. It delivers
// events to the sink synchronously on the calling goroutine.
package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rafalcieslak/bluetoothcube/internal/ble"
	"github.com/rafalcieslak/bluetoothcube/internal/gatt"
)

// Adapter simulates the BLE adapter.
type Adapter struct {
	mu         sync.Mutex
	devices    []ble.Device
	services   map[string][]string
	enabled    bool
	connectErr error
	setup      func(*Conn)
	connection *Conn // most recent connection for test assertions
}

// NewAdapter returns an adapter that advertises devices and exposes
// services (service UUID -> characteristic UUIDs) on every connection.
func NewAdapter(devices []ble.Device, services map[string][]string) *Adapter {
	return &Adapter{devices: devices, services: services}
}

// FailConnect makes subsequent Connect calls return err.
func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

// OnConnect registers fn to prepare each new connection before the
// connected event is delivered.
func (a *Adapter) OnConnect(fn func(*Conn)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setup = fn
}

// Enabled reports whether Enable was called.
func (a *Adapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *Adapter) Scan(_ context.Context, match func(ble.Device) bool) ([]ble.Device, error) {
	var out []ble.Device
	for _, d := range a.devices {
		if match == nil || match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Connect creates a connection and delivers a connected event to sink
// before returning.
func (a *Adapter) Connect(_ context.Context, mac string, sink gatt.Listener) (ble.Connection, error) {
	a.mu.Lock()
	if a.connectErr != nil {
		err := a.connectErr
		a.mu.Unlock()
		return nil, fmt.Errorf("bletest: connect to %s: %w", mac, err)
	}
	conn := newConn(mac, sink, a.services)
	a.connection = conn
	setup := a.setup
	a.mu.Unlock()

	if setup != nil {
		setup(conn)
	}

	conn.deliver(sink.OnConnectionStateChange(conn, gatt.StatusSuccess, gatt.StateConnected))
	return conn, nil
}

// LatestConnection returns the most recently created connection.
func (a *Adapter) LatestConnection() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

var _ ble.Adapter = (*Adapter)(nil)

// Conn simulates a BLE connection.
type Conn struct {
	MAC  string
	sink gatt.Listener

	mu             sync.Mutex
	chars          map[string]map[string]*Characteristic
	discoverStatus gatt.Status
	discovered     bool
	disconnected   bool
	errs           []error
}

func newConn(mac string, sink gatt.Listener, services map[string][]string) *Conn {
	c := &Conn{
		MAC:   mac,
		sink:  sink,
		chars: make(map[string]map[string]*Characteristic),
	}
	for svc, uuids := range services {
		byUUID := make(map[string]*Characteristic, len(uuids))
		for _, u := range uuids {
			byUUID[u] = &Characteristic{conn: c, uuid: u}
		}
		c.chars[svc] = byUUID
	}
	return c
}

// deliver records a listener error, standing in for the stack's own
// handling of callback failures.
func (c *Conn) deliver(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

// ListenerErrors returns every error the sink returned so far.
func (c *Conn) ListenerErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// SetDiscoverStatus sets the status reported by the next DiscoverServices.
func (c *Conn) SetDiscoverStatus(status gatt.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverStatus = status
}

func (c *Conn) DiscoverServices() error {
	c.mu.Lock()
	status := c.discoverStatus
	c.discovered = status == gatt.StatusSuccess
	c.mu.Unlock()

	c.deliver(c.sink.OnServicesDiscovered(c, status))
	return nil
}

func (c *Conn) Characteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.discovered {
		return nil, ble.ErrNotDiscovered
	}
	chars, ok := c.chars[serviceUUID]
	if !ok {
		return nil, fmt.Errorf("bletest: service %s: %w", serviceUUID, ble.ErrNotFound)
	}
	char, ok := chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("bletest: characteristic %s: %w", charUUID, ble.ErrNotFound)
	}
	return char, nil
}

// Lookup returns the simulated characteristic regardless of discovery.
func (c *Conn) Lookup(serviceUUID, charUUID string) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars[serviceUUID][charUUID]
}

// Disconnect closes the link and, like a real stack, reports the
// disconnected state to the sink.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	c.mu.Unlock()

	c.deliver(c.sink.OnConnectionStateChange(c, gatt.StatusSuccess, gatt.StateDisconnected))
	return nil
}

// Disconnected reports whether Disconnect was called.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateLinkLoss reports an unsolicited disconnect with status.
func (c *Conn) SimulateLinkLoss(status gatt.Status) error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	return c.sink.OnConnectionStateChange(c, status, gatt.StateDisconnected)
}

var _ ble.Connection = (*Conn)(nil)

// Characteristic simulates a characteristic. It records writes and
// notification subscriptions.
type Characteristic struct {
	conn *Conn
	uuid string

	mu         sync.Mutex
	value      []byte
	readStatus gatt.Status
	writes     [][]byte
	notifying  bool
	notifyErr  error
}

func (c *Characteristic) UUID() string { return c.uuid }

// SetValue sets the value and status returned by the next Read.
func (c *Characteristic) SetValue(value []byte, status gatt.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.readStatus = status
}

// FailNotifications makes EnableNotifications return err.
func (c *Characteristic) FailNotifications(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyErr = err
}

func (c *Characteristic) Read() error {
	c.mu.Lock()
	char := gatt.Characteristic{UUID: c.uuid, Value: c.value}
	status := c.readStatus
	c.mu.Unlock()

	c.conn.deliver(c.conn.sink.OnCharacteristicRead(c.conn, char, status))
	return nil
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

// Writes returns every value written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *Characteristic) EnableNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return c.notifyErr
	}
	c.notifying = true
	return nil
}

// Notifying reports whether notifications are enabled.
func (c *Characteristic) Notifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying
}

// Notify pushes a value to the sink as the stack would for a
// notification, returning the listener's error. Values are dropped when
// notifications are not enabled.
func (c *Characteristic) Notify(value []byte) error {
	c.mu.Lock()
	on := c.notifying
	c.mu.Unlock()
	if !on {
		return nil
	}
	return c.conn.sink.OnCharacteristicChanged(c.conn, gatt.Characteristic{UUID: c.uuid, Value: value})
}

var _ ble.Characteristic = (*Characteristic)(nil)
