package cube

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafalcieslak/bluetoothcube/internal/ble"
	"github.com/rafalcieslak/bluetoothcube/internal/ble/bletest"
	"github.com/rafalcieslak/bluetoothcube/internal/gatt"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

func cubeServices() map[string][]string {
	return map[string][]string{
		StateService: {StateResponseChar},
		InfoService:  {InfoResponseChar, InfoRequestChar},
	}
}

// recorder collects session events.
type recorder struct {
	mu           sync.Mutex
	progress     []int
	messages     []string
	failures     []string
	connected    int
	disconnected int
	states       [][]byte
}

func (r *recorder) events() Events {
	return Events{
		Connecting: func(msg string, p int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msg)
			r.progress = append(r.progress, p)
		},
		Failed: func(reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, reason)
		},
		Connected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
		Disconnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected++
		},
		StateUpdated: func(state []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
	}
}

func newTestSession(t *testing.T, services map[string][]string) (*Session, *bletest.Adapter, *recorder) {
	t.Helper()
	adapter := bletest.NewAdapter([]ble.Device{{Name: "GiC123", MAC: testMAC}}, services)
	rec := &recorder{}
	return NewSession(adapter, rec.events()), adapter, rec
}

func TestSessionConnectReachesReady(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())

	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))

	assert.True(t, s.IsConnected())
	assert.True(t, s.IsReady())
	assert.Equal(t, []int{20, 55, 85}, rec.progress)
	assert.Equal(t, "Connecting to GiC123...", rec.messages[0])
	assert.Equal(t, 1, rec.connected)
	assert.Empty(t, rec.failures)

	conn := adapter.LatestConnection()
	assert.True(t, conn.Lookup(StateService, StateResponseChar).Notifying())
	assert.True(t, conn.Lookup(InfoService, InfoResponseChar).Notifying())
	assert.False(t, conn.Lookup(InfoService, InfoRequestChar).Notifying())
	assert.Empty(t, conn.ListenerErrors())
}

func TestSessionReportsStateNotifications(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))

	conn := adapter.LatestConnection()
	state := []byte{0x12, 0x34, 0x56}
	require.NoError(t, conn.Lookup(StateService, StateResponseChar).Notify(state))
	require.NoError(t, conn.Lookup(InfoService, InfoResponseChar).Notify([]byte{0xFF}))

	require.Len(t, rec.states, 1)
	assert.Equal(t, state, rec.states[0])
}

func TestSessionConnectFailure(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	adapter.FailConnect(errors.New("radio off"))

	err := s.Connect(context.Background(), "GiC123", testMAC)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio off")
	assert.Equal(t, []string{"Connection failed."}, rec.failures)
	assert.False(t, s.IsConnected())
	assert.Nil(t, s.relay)
}

func TestSessionDiscoveryFailure(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	adapter.OnConnect(func(c *bletest.Conn) { c.SetDiscoverStatus(gatt.StatusFailure) })

	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))

	assert.Equal(t, []string{"Service discovery failed."}, rec.failures)
	assert.False(t, s.IsReady())
	assert.True(t, adapter.LatestConnection().Disconnected())
	assert.Equal(t, 0, rec.disconnected, "own teardown must not be reported as a drop")
}

func TestSessionMissingCharacteristics(t *testing.T) {
	tests := []struct {
		name     string
		services map[string][]string
		want     string
	}{
		{
			name:     "no state service",
			services: map[string][]string{InfoService: {InfoResponseChar, InfoRequestChar}},
			want:     "Status service not found.",
		},
		{
			name:     "no info service",
			services: map[string][]string{StateService: {StateResponseChar}},
			want:     "Info service not found.",
		},
		{
			name: "no info request",
			services: map[string][]string{
				StateService: {StateResponseChar},
				InfoService:  {InfoResponseChar},
			},
			want: "Characteristics not found.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, adapter, rec := newTestSession(t, tt.services)

			require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))

			assert.Equal(t, []string{tt.want}, rec.failures)
			assert.Equal(t, 0, rec.connected)
			assert.False(t, s.IsReady())
			assert.True(t, adapter.LatestConnection().Disconnected())
		})
	}
}

func TestSessionNotificationSetupFailure(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	adapter.OnConnect(func(c *bletest.Conn) {
		c.Lookup(InfoService, InfoResponseChar).FailNotifications(errors.New("cccd write rejected"))
	})

	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))

	assert.Equal(t, []string{"Failed to enable info notifications."}, rec.failures)
	assert.False(t, s.IsReady())
}

func TestSessionLinkLossAfterConnect(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))

	conn := adapter.LatestConnection()
	require.NoError(t, conn.SimulateLinkLoss(gatt.Status(0x08)))

	assert.Equal(t, 1, rec.disconnected)
	assert.Empty(t, rec.failures)
	assert.False(t, s.IsConnected())

	// Late notifications from the dead link are dropped by the relay.
	require.NoError(t, conn.Lookup(StateService, StateResponseChar).Notify([]byte{0x01}))
	assert.Empty(t, rec.states)
}

func TestSessionDisconnectBeforeConnected(t *testing.T) {
	s, _, rec := newTestSession(t, cubeServices())
	conn := &bletest.Conn{MAC: testMAC}

	require.NoError(t, s.OnConnectionStateChange(conn, gatt.StatusFailure, gatt.StateDisconnected))

	assert.Equal(t, []string{"Connection failed."}, rec.failures)
	assert.Equal(t, 0, rec.disconnected)
}

func TestSessionRejectsForeignHandle(t *testing.T) {
	s, _, _ := newTestSession(t, cubeServices())

	assert.Error(t, s.OnConnectionStateChange(42, gatt.StatusSuccess, gatt.StateConnected))
	assert.Error(t, s.OnServicesDiscovered("handle", gatt.StatusSuccess))
}

func TestSessionSendCommand(t *testing.T) {
	s, adapter, _ := newTestSession(t, cubeServices())

	assert.ErrorIs(t, s.Reset(), ErrNotReady)

	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))
	require.NoError(t, s.Reset())

	writes := adapter.LatestConnection().Lookup(InfoService, InfoRequestChar).Writes()
	require.Len(t, writes, 1)
	require.Len(t, writes[0], CommandLen)
	assert.Equal(t, byte(CommandResetSolved), writes[0][0])
	for _, b := range writes[0][1:] {
		assert.Zero(t, b)
	}
}

func TestSessionReconnectReplacesLink(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))
	first := adapter.LatestConnection()

	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))
	second := adapter.LatestConnection()

	assert.NotSame(t, first, second)
	assert.True(t, first.Disconnected())
	assert.Equal(t, 2, rec.connected)
	assert.Equal(t, 0, rec.disconnected)
	assert.True(t, s.IsReady())
}

func TestSessionIgnoresReplacedLink(t *testing.T) {
	s, adapter, rec := newTestSession(t, cubeServices())
	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))
	first := adapter.LatestConnection()
	require.NoError(t, s.Connect(context.Background(), "GiC123", testMAC))
	second := adapter.LatestConnection()

	// Late events from the old link, through its own relay.
	require.NoError(t, first.SimulateLinkLoss(gatt.StatusFailure))
	require.NoError(t, first.Lookup(StateService, StateResponseChar).Notify([]byte{0xEE}))

	// And handed to the session directly.
	require.NoError(t, s.OnConnectionStateChange(first, gatt.StatusSuccess, gatt.StateDisconnected))
	require.NoError(t, s.OnCharacteristicChanged(first, gatt.Characteristic{UUID: StateResponseChar, Value: []byte{0xEE}}))
	require.NoError(t, s.OnServicesDiscovered(first, gatt.StatusFailure))

	assert.True(t, s.IsReady())
	assert.True(t, s.IsConnected())
	assert.False(t, second.Disconnected())
	assert.Equal(t, 0, rec.disconnected)
	assert.Empty(t, rec.failures)
	assert.Empty(t, rec.states)

	state := []byte{0x42}
	require.NoError(t, second.Lookup(StateService, StateResponseChar).Notify(state))
	assert.Equal(t, [][]byte{state}, rec.states)
}
