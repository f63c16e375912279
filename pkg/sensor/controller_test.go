package sensor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentiolabs/sentio/internal/transport"
	"github.com/sentiolabs/sentio/pkg/sensor"
	"github.com/sentiolabs/sentio/pkg/telemetry"
)

// fakeTransport records issued commands and lets tests fire events
// manually, standing in for the platform BLE stack.
type fakeTransport struct {
	mu sync.Mutex
	ev transport.Events

	connectCalls    []string
	cancelCalls     []string
	disconnectCalls []string
	subscribeCalls  [][]string
	discoverCalls   int
	stopCalls       int

	connectErr error
}

func (f *fakeTransport) SetEvents(ev transport.Events) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ev = ev
}

func (f *fakeTransport) StartDiscovery(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls++
	return nil
}

func (f *fakeTransport) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeTransport) Connect(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connectCalls = append(f.connectCalls, identity)
	return nil
}

func (f *fakeTransport) CancelConnect(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, identity)
	return nil
}

func (f *fakeTransport) Disconnect(identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls = append(f.disconnectCalls, identity)
	return nil
}

func (f *fakeTransport) Subscribe(identity string, channelIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls = append(f.subscribeCalls, channelIDs)
	return nil
}

func (f *fakeTransport) events() transport.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func (f *fakeTransport) connects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connectCalls...)
}

func (f *fakeTransport) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnectCalls...)
}

func (f *fakeTransport) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

func newTestController(t *testing.T, mutate func(*sensor.Config)) (*sensor.Controller, *fakeTransport) {
	t.Helper()

	cfg := sensor.DefaultConfig()
	cfg.LogLevel = "error"
	if mutate != nil {
		mutate(cfg)
	}

	ft := &fakeTransport{}
	ctl, err := sensor.NewController(cfg, ft, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctl.Close() })
	return ctl, ft
}

var testDevice = sensor.Device{Identity: "AA:BB:CC:DD:EE:FF", Name: "SENTIO-0042"}

// connectAndEstablish drives the controller into Connected.
func connectAndEstablish(t *testing.T, ctl *sensor.Controller, ft *fakeTransport) {
	t.Helper()
	require.NoError(t, ctl.Connect(testDevice))
	require.Equal(t, sensor.Connecting(testDevice.Name), ctl.State())
	ft.events().Connected(testDevice.Identity)
	require.Equal(t, sensor.Connected(testDevice.Name), ctl.State())
}

func TestController_InitialState(t *testing.T) {
	ctl, _ := newTestController(t, nil)
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	assert.False(t, ctl.IsConnected())
	assert.False(t, ctl.IsScanning())
}

func TestController_ScanLifecycle(t *testing.T) {
	ctl, ft := newTestController(t, nil)

	require.NoError(t, ctl.StartScanning(context.Background()))
	assert.True(t, ctl.IsScanning())
	assert.Equal(t, sensor.Scanning(), ctl.State())

	require.NoError(t, ctl.StopScanning())
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	assert.Equal(t, 1, ft.stopCalls)
}

func TestController_StartScanning_RadioOff(t *testing.T) {
	ctl, ft := newTestController(t, nil)

	ft.events().Radio(transport.RadioPoweredOff)
	require.Equal(t, sensor.Failed(sensor.ErrorRadioUnavailable), ctl.State())

	err := ctl.StartScanning(context.Background())
	assert.ErrorIs(t, err, sensor.ErrRadioUnavailable)
	assert.Equal(t, sensor.Failed(sensor.ErrorRadioUnavailable), ctl.State())

	// Radio returning recovers to Disconnected automatically.
	ft.events().Radio(transport.RadioPoweredOn)
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	require.NoError(t, ctl.StartScanning(context.Background()))
}

func TestController_DiscoveryDeduplicates(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	require.NoError(t, ctl.StartScanning(context.Background()))

	rssi := -60
	ft.events().Discovered(testDevice.Identity, testDevice.Name, &rssi)
	ft.events().Discovered(testDevice.Identity, testDevice.Name, &rssi)
	assert.Len(t, ctl.Devices(), 1)

	// Non-matching prefix is rejected.
	ft.events().Discovered("11:22:33:44:55:66", "OtherDevice", nil)
	assert.Len(t, ctl.Devices(), 1)
}

func TestController_ConnectSuccess(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	assert.True(t, ctl.IsConnected())
	// Notifications were subscribed on all four sensor channels.
	require.Len(t, ft.subscribeCalls, 1)
	assert.Len(t, ft.subscribeCalls[0], 4)
}

func TestController_ConnectStopsScanning(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	require.NoError(t, ctl.StartScanning(context.Background()))

	require.NoError(t, ctl.Connect(testDevice))
	assert.Equal(t, sensor.Connecting(testDevice.Name), ctl.State())
	assert.Equal(t, 1, ft.stopCalls)
}

func TestController_ConnectFailure(t *testing.T) {
	ctl, ft := newTestController(t, nil)

	require.NoError(t, ctl.Connect(testDevice))
	ft.events().ConnectFailed(testDevice.Identity, errors.New("peer refused"))
	assert.Equal(t, sensor.Failed(sensor.ErrorConnectionFailed), ctl.State())

	// A failed attempt is terminal for the attempt, not the controller.
	connectAndEstablish(t, ctl, ft)
}

func TestController_UserDisconnectNeverReconnects(t *testing.T) {
	ctl, ft := newTestController(t, nil) // auto-reconnect enabled by default
	connectAndEstablish(t, ctl, ft)

	require.NoError(t, ctl.Disconnect())
	assert.Equal(t, []string{testDevice.Identity}, ft.disconnects())

	ft.events().Disconnected(testDevice.Identity, nil)
	assert.Equal(t, sensor.Disconnected(), ctl.State())

	// No reconnect was issued: only the original connect happened.
	assert.Len(t, ft.connects(), 1)

	// The remembered identity is cleared; re-enabling the policy must not
	// dial anything.
	ctl.SetAutoReconnect(true)
	assert.Len(t, ft.connects(), 1)
	assert.Equal(t, sensor.Disconnected(), ctl.State())
}

func TestController_DropTriggersReconnect(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	ft.events().Disconnected(testDevice.Identity, errors.New("link lost"))
	assert.Equal(t, sensor.Reconnecting(testDevice.Name), ctl.State())

	// The reconnect targeted the same remembered identity.
	require.Len(t, ft.connects(), 2)
	assert.Equal(t, testDevice.Identity, ft.connects()[1])

	ft.events().Connected(testDevice.Identity)
	assert.Equal(t, sensor.Connected(testDevice.Name), ctl.State())
}

func TestController_DropWithoutAutoReconnect(t *testing.T) {
	ctl, ft := newTestController(t, func(cfg *sensor.Config) {
		cfg.AutoReconnect = false
	})
	connectAndEstablish(t, ctl, ft)

	ft.events().Disconnected(testDevice.Identity, errors.New("link lost"))
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	assert.Len(t, ft.connects(), 1)
}

func TestController_DisableAutoReconnectCancelsAttempt(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	ft.events().Disconnected(testDevice.Identity, errors.New("link lost"))
	require.Equal(t, sensor.Reconnecting(testDevice.Name), ctl.State())

	ctl.SetAutoReconnect(false)
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	assert.Equal(t, []string{testDevice.Identity}, ft.cancels())

	// A late success for the cancelled attempt must be rejected, not
	// accepted into Connected.
	ft.events().Connected(testDevice.Identity)
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	assert.Contains(t, ft.disconnects(), testDevice.Identity)
}

func TestController_ReenableAutoReconnectDialsRememberedIdentity(t *testing.T) {
	ctl, ft := newTestController(t, func(cfg *sensor.Config) {
		cfg.AutoReconnect = false
	})
	connectAndEstablish(t, ctl, ft)

	ft.events().Disconnected(testDevice.Identity, errors.New("link lost"))
	require.Equal(t, sensor.Disconnected(), ctl.State())

	// Re-enabling with a remembered identity reconnects immediately,
	// without a new Connect call.
	ctl.SetAutoReconnect(true)
	assert.Equal(t, sensor.Reconnecting(testDevice.Name), ctl.State())
	require.Len(t, ft.connects(), 2)
	assert.Equal(t, testDevice.Identity, ft.connects()[1])
}

func TestController_StaleSuccessTornDown(t *testing.T) {
	ctl, ft := newTestController(t, nil)

	// A success arriving with no attempt in flight is torn down.
	ft.events().Connected("FF:FF:FF:FF:FF:FF")
	assert.Equal(t, sensor.Disconnected(), ctl.State())
	assert.Contains(t, ft.disconnects(), "FF:FF:FF:FF:FF:FF")
}

func TestController_RadioLossFromConnected(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	ft.events().Radio(transport.RadioUnauthorized)
	assert.Equal(t, sensor.Failed(sensor.ErrorRadioUnavailable), ctl.State())

	ft.events().Radio(transport.RadioPoweredOn)
	assert.Equal(t, sensor.Disconnected(), ctl.State())
}

func TestController_StateAlwaysOneOfSixKinds(t *testing.T) {
	ctl, ft := newTestController(t, nil)

	var mu sync.Mutex
	var observed []sensor.ConnectionState
	cancel := ctl.Subscribe(sensor.Subscriber{
		OnState: func(s sensor.ConnectionState) {
			mu.Lock()
			observed = append(observed, s)
			mu.Unlock()
		},
	})
	defer cancel()

	require.NoError(t, ctl.StartScanning(context.Background()))
	require.NoError(t, ctl.Connect(testDevice))
	ft.events().Connected(testDevice.Identity)
	ft.events().Disconnected(testDevice.Identity, errors.New("link lost"))
	ctl.SetAutoReconnect(false)
	ft.events().Radio(transport.RadioPoweredOff)
	ft.events().Radio(transport.RadioPoweredOn)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) >= 7
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range observed {
		assert.GreaterOrEqual(t, s.Kind, sensor.StateDisconnected)
		assert.LessOrEqual(t, s.Kind, sensor.StateFailed)
	}
	// Delivery preserved transition order up to the first few states.
	assert.Equal(t, sensor.Scanning(), observed[0])
	assert.Equal(t, sensor.Connecting(testDevice.Name), observed[1])
	assert.Equal(t, sensor.Connected(testDevice.Name), observed[2])
}

func TestController_NotificationsProduceReadings(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	var mu sync.Mutex
	var readings []telemetry.Reading
	cancel := ctl.Subscribe(sensor.Subscriber{
		OnReading: func(r telemetry.Reading) {
			mu.Lock()
			readings = append(readings, r)
			mu.Unlock()
		},
	})
	defer cancel()

	cfg := telemetry.DefaultConfig()

	// EEG payload with slot index as the first raw byte, to verify order.
	payload := make([]byte, cfg.EEG.PacketLength)
	for i := 0; i < cfg.EEG.SamplesPerPacket; i++ {
		payload[cfg.EEG.HeaderLength+i*cfg.EEG.SampleStride] = byte(i)
	}
	ft.events().Notification(cfg.EEG.CharacteristicUUID, payload)
	ft.events().Notification(cfg.BatteryCharacteristicUUID, []byte{80})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readings) == cfg.EEG.SamplesPerPacket+1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < cfg.EEG.SamplesPerPacket; i++ {
		eeg, ok := readings[i].(telemetry.EEGReading)
		require.True(t, ok)
		assert.Equal(t, int32(i), eeg.Raw1, "reading %d delivered out of order", i)
	}
	bat, ok := readings[len(readings)-1].(telemetry.BatteryReading)
	require.True(t, ok)
	assert.Equal(t, uint8(80), bat.Percent)
}

func TestController_MalformedPayloadIsLocal(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	cfg := telemetry.DefaultConfig()

	// One bad payload never disables the channel or the connection.
	ft.events().Notification(cfg.EEG.CharacteristicUUID, make([]byte, 10))
	assert.Equal(t, sensor.Connected(testDevice.Name), ctl.State())

	var mu sync.Mutex
	count := 0
	cancel := ctl.Subscribe(sensor.Subscriber{
		OnReading: func(telemetry.Reading) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})
	defer cancel()

	ft.events().Notification(cfg.BatteryCharacteristicUUID, []byte{55})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestController_UnknownChannelIgnored(t *testing.T) {
	ctl, ft := newTestController(t, nil)
	connectAndEstablish(t, ctl, ft)

	ft.events().Notification("0000dead-0000-1000-8000-00805f9b34fb", []byte{1, 2, 3})
	assert.Equal(t, sensor.Connected(testDevice.Name), ctl.State())
}
