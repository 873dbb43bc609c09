package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/rafalcieslak/bluetoothcube/internal/gatt"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// stopScanRetry is how often a cancelled scan retries StopScan when the
// scan had not started yet.
const stopScanRetry = 50 * time.Millisecond

// TinygoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the MAC field carries
// that UUID string.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects connections and closing.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device address
	closing     map[string]int               // local disconnects whose callback is still due
}

// NewTinygoAdapter creates a new BLE adapter using the host's default
// Bluetooth controller.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
		closing:     make(map[string]int),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports link loss through one adapter-wide handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		if a.closing[id] > 0 {
			// Callback for a link we closed ourselves.
			a.closing[id]--
			a.mu.Unlock()
			return
		}
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if !ok {
			return
		}
		conn.report("connection state",
			conn.sink.OnConnectionStateChange(conn, gatt.StatusSuccess, gatt.StateDisconnected))
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, match func(Device) bool) ([]Device, error) {
	// StopScan before Scan starts is a no-op, and the scan would never end.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		for a.adapter.StopScan() != nil {
			select {
			case <-done:
				return
			case <-time.After(stopScanRetry):
			}
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		dev := Device{
			Name: result.LocalName(),
			MAC:  result.Address.String(),
			RSSI: int(result.RSSI),
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[dev.MAC] {
			return
		}
		seen[dev.MAC] = true
		if match == nil || match(dev) {
			devices = append(devices, dev)
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, mac string, sink gatt.Listener) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	device, err := awaitConnect(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(d bluetooth.Device) {
			slog.Info("[BLE] dropping link established after cancel", "addr", d.Address.String())
			if err := d.Disconnect(); err != nil {
				slog.Debug("[BLE] disconnect abandoned link", "error", err)
			}
		})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, err)
	}

	conn := &tinygoConnection{
		adapter: a,
		device:  &device,
		addr:    device.Address.String(),
		sink:    sink,
	}

	a.mu.Lock()
	a.connections[conn.addr] = conn
	a.mu.Unlock()

	// Deliver from a stack-side goroutine so the caller's Connect
	// returns before listener code runs.
	go func() {
		conn.report("connection state",
			sink.OnConnectionStateChange(conn, gatt.StatusSuccess, gatt.StateConnected))
	}()

	return conn, nil
}

// awaitConnect runs a blocking connect and returns early when ctx is done.
// A connect that still succeeds after that is handed to abandon, since a
// cube accepts only one central and a leaked link locks it out.
func awaitConnect[T any](ctx context.Context, connect func() (T, error), abandon func(T)) (T, error) {
	type connectResult struct {
		link T
		err  error
	}
	ch := make(chan connectResult, 1)
	go func() {
		link, err := connect()
		ch <- connectResult{link, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				abandon(result.link)
			}
		}()
		var zero T
		return zero, ctx.Err()
	case result := <-ch:
		return result.link, result.err
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	adapter *TinygoAdapter
	device  *bluetooth.Device
	addr    string
	sink    gatt.Listener

	mu    sync.Mutex
	chars map[string]map[string]*bluetooth.DeviceCharacteristic // service -> char -> handle
}

// report logs a listener failure. Stack goroutines have no caller to
// return it to.
func (c *tinygoConnection) report(event string, err error) {
	if err != nil {
		slog.Warn("[BLE] listener failed", "event", event, "addr", c.addr, "error", err)
	}
}

func (c *tinygoConnection) DiscoverServices() error {
	go func() {
		status := gatt.StatusSuccess
		table, err := c.enumerate()
		if err != nil {
			slog.Debug("[BLE] service discovery failed", "addr", c.addr, "error", err)
			status = gatt.StatusFailure
		} else {
			c.mu.Lock()
			c.chars = table
			c.mu.Unlock()
		}
		c.report("services discovered", c.sink.OnServicesDiscovered(c, status))
	}()
	return nil
}

// enumerate walks every service and characteristic on the peer.
func (c *tinygoConnection) enumerate() (map[string]map[string]*bluetooth.DeviceCharacteristic, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	table := make(map[string]map[string]*bluetooth.DeviceCharacteristic, len(svcs))
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID(), err)
		}
		byUUID := make(map[string]*bluetooth.DeviceCharacteristic, len(chars))
		for j := range chars {
			byUUID[chars[j].UUID().String()] = &chars[j]
		}
		table[svcs[i].UUID().String()] = byUUID
	}
	return table, nil
}

func (c *tinygoConnection) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	ch, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chars == nil {
		return nil, ErrNotDiscovered
	}
	chars, ok := c.chars[svc.String()]
	if !ok {
		return nil, fmt.Errorf("ble: service %s: %w", serviceUUID, ErrNotFound)
	}
	char, ok := chars[ch.String()]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s: %w", charUUID, ErrNotFound)
	}
	return &tinygoCharacteristic{conn: c, char: char, uuid: ch.String()}, nil
}

// Disconnect closes the link and reports the disconnected state to this
// connection's sink. A later connection to the same address is not
// affected by the adapter's disconnect callback for this one.
func (c *tinygoConnection) Disconnect() error {
	c.adapter.mu.Lock()
	owned := c.adapter.connections[c.addr] == c
	if owned {
		delete(c.adapter.connections, c.addr)
		c.adapter.closing[c.addr]++
	}
	c.adapter.mu.Unlock()

	err := c.device.Disconnect()
	if err != nil && owned {
		c.adapter.mu.Lock()
		c.adapter.closing[c.addr]--
		c.adapter.mu.Unlock()
	}
	if owned {
		go func() {
			c.report("connection state",
				c.sink.OnConnectionStateChange(c, gatt.StatusSuccess, gatt.StateDisconnected))
		}()
	}
	return err
}

type tinygoCharacteristic struct {
	conn *tinygoConnection
	char *bluetooth.DeviceCharacteristic
	uuid string
}

func (c *tinygoCharacteristic) UUID() string { return c.uuid }

func (c *tinygoCharacteristic) Read() error {
	go func() {
		buf := make([]byte, maxAttributeLen)
		status := gatt.StatusSuccess
		n, err := c.char.Read(buf)
		if err != nil {
			slog.Debug("[BLE] read failed", "uuid", c.uuid, "error", err)
			status = gatt.StatusFailure
			n = 0
		}
		c.conn.report("characteristic read",
			c.conn.sink.OnCharacteristicRead(c.conn, gatt.Characteristic{UUID: c.uuid, Value: buf[:n]}, status))
	}()
	return nil
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) EnableNotifications() error {
	return c.char.EnableNotifications(func(buf []byte) {
		c.conn.report("characteristic changed",
			c.conn.sink.OnCharacteristicChanged(c.conn, gatt.Characteristic{UUID: c.uuid, Value: buf}))
	})
}
