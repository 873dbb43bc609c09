// Package cube drives a connection to a Giiker-compatible smart cube. A
// Session is the application listener behind the GATT relay: it walks the
// link through discovery and notification setup and reports raw state
// packets. Decoding those packets happens elsewhere.
package cube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rafalcieslak/bluetoothcube/internal/ble"
	"github.com/rafalcieslak/bluetoothcube/internal/gatt"
)

// Cube GATT UUIDs
const (
	StateService      = "0000aadb-0000-1000-8000-00805f9b34fb"
	StateResponseChar = "0000aadc-0000-1000-8000-00805f9b34fb"
	InfoService       = "0000aaaa-0000-1000-8000-00805f9b34fb"
	InfoResponseChar  = "0000aaab-0000-1000-8000-00805f9b34fb"
	InfoRequestChar   = "0000aaac-0000-1000-8000-00805f9b34fb"
)

// CommandLen is the size of an info request packet.
const CommandLen = 17

// Command is the first byte of an info request.
type Command byte

const (
	// CommandResetSolved tells the cube its current state is solved.
	CommandResetSolved Command = 0xA1
)

// ErrNotReady is returned when a command is sent before the cube's
// channels are set up.
var ErrNotReady = errors.New("cube: not ready")

// Events receives session progress. Nil fields are skipped. Callbacks run
// on the BLE stack's callback goroutine.
type Events struct {
	Connecting   func(message string, progress int)
	Failed       func(reason string)
	Connected    func()
	Disconnected func()
	StateUpdated func(state []byte)
}

// Session manages one cube connection. Each Connect gets its own relay,
// so events from a replaced link never reach the session.
type Session struct {
	adapter ble.Adapter
	events  Events

	mu          sync.Mutex
	relay       *gatt.Relay
	conn        ble.Connection
	connected   bool // BLE link is up
	ready       bool // notifications enabled, commands accepted
	infoRequest ble.Characteristic
}

// Compile-time check that Session can be registered with the relay.
var _ gatt.Listener = (*Session)(nil)

// NewSession creates a session that connects through adapter.
func NewSession(adapter ble.Adapter, events Events) *Session {
	return &Session{
		adapter: adapter,
		events:  events,
	}
}

// Connect drops any existing link and connects to the cube at mac.
// Progress and the final outcome arrive through Events.
func (s *Session) Connect(ctx context.Context, name, mac string) error {
	s.Disconnect()

	relay := gatt.New()
	relay.SetListener(s)
	s.mu.Lock()
	s.relay = relay
	s.mu.Unlock()
	s.connecting(fmt.Sprintf("Connecting to %s...", name), 20)

	conn, err := s.adapter.Connect(ctx, mac, relay)
	if err != nil {
		relay.SetListener(nil)
		s.mu.Lock()
		if s.relay == relay {
			s.relay = nil
		}
		s.mu.Unlock()
		s.failed("Connection failed.")
		return fmt.Errorf("cube: connect: %w", err)
	}

	// Setup may already have failed and torn the link down.
	s.mu.Lock()
	if s.relay == relay {
		s.conn = conn
	}
	s.mu.Unlock()
	return nil
}

// Disconnect closes the link. No further events are reported for it.
func (s *Session) Disconnect() {
	s.mu.Lock()
	relay := s.relay
	s.relay = nil
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.ready = false
	s.infoRequest = nil
	s.mu.Unlock()

	if relay != nil {
		relay.SetListener(nil)
	}
	if conn == nil {
		return
	}
	slog.Info("[CUBE] disconnecting")
	if err := conn.Disconnect(); err != nil {
		slog.Debug("[CUBE] disconnect", "error", err)
	}
}

// IsConnected reports whether the BLE link is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsReady reports whether state notifications are flowing.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SendCommand writes a single-byte command padded to CommandLen.
func (s *Session) SendCommand(cmd Command) error {
	s.mu.Lock()
	char := s.infoRequest
	ready := s.ready
	s.mu.Unlock()
	if !ready || char == nil {
		return ErrNotReady
	}

	buf := make([]byte, CommandLen)
	buf[0] = byte(cmd)
	if err := char.Write(buf); err != nil {
		return fmt.Errorf("cube: write command 0x%02x: %w", byte(cmd), err)
	}
	return nil
}

// Reset marks the cube's current physical state as solved.
func (s *Session) Reset() error {
	return s.SendCommand(CommandResetSolved)
}

func (s *Session) OnConnectionStateChange(conn gatt.Conn, status gatt.Status, state gatt.ConnState) error {
	slog.Debug("[CUBE] connection state changed", "state", state, "status", status)
	c, err := s.current(conn)
	if c == nil {
		return err
	}

	switch state {
	case gatt.StateConnected:
		s.mu.Lock()
		s.conn = c
		s.connected = true
		s.mu.Unlock()
		slog.Info("[CUBE] connected")

		s.connecting("Initializing cube...", 55)
		if err := c.DiscoverServices(); err != nil {
			s.fail("Service discovery failed.")
			return fmt.Errorf("cube: discover services: %w", err)
		}

	case gatt.StateDisconnected:
		s.mu.Lock()
		wasConnected := s.connected
		s.mu.Unlock()
		slog.Info("[CUBE] disconnected", "status", status)

		s.Disconnect()
		if wasConnected {
			s.disconnected()
		} else {
			s.failed("Connection failed.")
		}
	}
	return nil
}

func (s *Session) OnServicesDiscovered(conn gatt.Conn, status gatt.Status) error {
	slog.Debug("[CUBE] service discovery", "status", status)
	c, err := s.current(conn)
	if c == nil {
		return err
	}
	if status != gatt.StatusSuccess {
		s.fail("Service discovery failed.")
		return nil
	}

	s.connecting("Establishing communications...", 85)
	s.enableNotifications(c)
	return nil
}

// enableNotifications subscribes to state and info responses and keeps
// the info request characteristic for commands.
func (s *Session) enableNotifications(c ble.Connection) {
	stateResp, err := c.Characteristic(StateService, StateResponseChar)
	if err != nil {
		slog.Warn("[CUBE] state characteristic not found", "error", err)
		s.fail("Status service not found.")
		return
	}
	infoResp, err := c.Characteristic(InfoService, InfoResponseChar)
	if err != nil {
		slog.Warn("[CUBE] info response characteristic not found", "error", err)
		s.fail("Info service not found.")
		return
	}
	infoReq, err := c.Characteristic(InfoService, InfoRequestChar)
	if err != nil {
		slog.Warn("[CUBE] info request characteristic not found", "error", err)
		s.fail("Characteristics not found.")
		return
	}

	if err := stateResp.EnableNotifications(); err != nil {
		slog.Warn("[CUBE] could not enable state notifications", "error", err)
		s.fail("Failed to enable state notifications.")
		return
	}
	if err := infoResp.EnableNotifications(); err != nil {
		slog.Warn("[CUBE] could not enable info notifications", "error", err)
		s.fail("Failed to enable info notifications.")
		return
	}

	s.mu.Lock()
	s.ready = true
	s.infoRequest = infoReq
	s.mu.Unlock()

	slog.Info("[CUBE] ready")
	if s.events.Connected != nil {
		s.events.Connected()
	}
}

func (s *Session) OnCharacteristicChanged(conn gatt.Conn, char gatt.Characteristic) error {
	if c, err := s.current(conn); c == nil {
		return err
	}
	if strings.EqualFold(char.UUID, StateResponseChar) {
		if s.events.StateUpdated != nil {
			s.events.StateUpdated(char.Value)
		}
		return nil
	}
	slog.Debug("[CUBE] characteristic changed", "uuid", char.UUID, "len", len(char.Value))
	return nil
}

func (s *Session) OnCharacteristicRead(_ gatt.Conn, char gatt.Characteristic, status gatt.Status) error {
	slog.Debug("[CUBE] characteristic read", "uuid", char.UUID, "status", status, "len", len(char.Value))
	return nil
}

// current returns conn as a ble.Connection if it is the session's link,
// or the link being set up. A nil result with a nil error means conn
// belongs to a replaced link and its event is dropped.
func (s *Session) current(conn gatt.Conn) (ble.Connection, error) {
	c, ok := conn.(ble.Connection)
	if !ok {
		return nil, fmt.Errorf("cube: unexpected connection handle %T", conn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn != c {
		slog.Debug("[CUBE] dropping event from replaced link")
		return nil, nil
	}
	return c, nil
}

// fail tears the link down and reports reason.
func (s *Session) fail(reason string) {
	s.Disconnect()
	s.failed(reason)
}

func (s *Session) connecting(message string, progress int) {
	if s.events.Connecting != nil {
		s.events.Connecting(message, progress)
	}
}

func (s *Session) failed(reason string) {
	slog.Warn("[CUBE] connecting failed", "reason", reason)
	if s.events.Failed != nil {
		s.events.Failed(reason)
	}
}

func (s *Session) disconnected() {
	if s.events.Disconnected != nil {
		s.events.Disconnected()
	}
}
