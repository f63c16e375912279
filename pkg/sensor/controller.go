// Package sensor implements the client-side driver for the wearable
// biosignal sensor: device discovery, the connection lifecycle state
// machine with unattended reconnection, and routing of raw notification
// payloads through the telemetry decoder to subscribers.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sentiolabs/sentio/internal/dispatch"
	"github.com/sentiolabs/sentio/internal/transport"
	"github.com/sentiolabs/sentio/pkg/telemetry"
)

// ErrRadioUnavailable reports an operation attempted while the radio is
// off, unauthorized, or unsupported.
var ErrRadioUnavailable = errors.New("radio unavailable")

// Subscriber receives controller notifications. All callbacks are invoked
// on one fixed dispatcher goroutine, serialized and in order, regardless
// of which transport goroutine produced the underlying event. Nil
// callbacks are skipped.
type Subscriber struct {
	OnState   func(ConnectionState)
	OnDevice  func(Device)
	OnReading func(telemetry.Reading)
}

// event is the internal union carried through the dispatcher.
type event struct {
	state   *ConnectionState
	device  *Device
	reading telemetry.Reading
}

// Controller owns the single authoritative ConnectionState and drives it
// through transport commands. One mutex serializes every state transition
// and all reconnect bookkeeping; transport commands are issued outside
// the lock so an event handler can never deadlock against a command.
type Controller struct {
	cfg     *Config
	logger  *logrus.Logger
	tr      transport.Transport
	decoder *telemetry.Decoder

	registry *Registry
	events   *dispatch.Dispatcher[event]

	mu    sync.Mutex
	state ConnectionState
	radio transport.RadioState

	// Reconnect bookkeeping, owned exclusively by the controller.
	lastIdentity   string // remembered last-connected identity
	lastName       string
	userDisconnect bool // set just before a deliberate disconnect command
	autoReconnect  bool

	// In-flight connect attempt. A cancelled attempt clears these; a
	// late success that no longer matches is torn down, not accepted.
	pendingIdentity string
	pendingName     string

	scanning bool
}

// NewController creates a Controller bound to a transport. The initial
// state is Disconnected. A nil logger falls back to cfg.NewLogger().
func NewController(cfg *Config, tr transport.Transport, logger *logrus.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	decoder, err := telemetry.NewDecoder(cfg.Decoding)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:           cfg,
		logger:        logger,
		tr:            tr,
		decoder:       decoder,
		registry:      NewRegistry(cfg.NamePrefix),
		events:        dispatch.New[event](cfg.EventQueueSize, logger),
		state:         Disconnected(),
		radio:         transport.RadioUnknown,
		autoReconnect: cfg.AutoReconnect,
	}

	tr.SetEvents(transport.Events{
		Discovered:    c.onDiscovered,
		Connected:     c.onConnected,
		ConnectFailed: c.onConnectFailed,
		Disconnected:  c.onDisconnected,
		Notification:  c.onNotification,
		Radio:         c.onRadio,
	})

	return c, nil
}

// Subscribe registers a subscriber and returns a cancel function.
func (c *Controller) Subscribe(sub Subscriber) (cancel func()) {
	return c.events.Subscribe(func(ev event) {
		switch {
		case ev.state != nil:
			if sub.OnState != nil {
				sub.OnState(*ev.state)
			}
		case ev.device != nil:
			if sub.OnDevice != nil {
				sub.OnDevice(*ev.device)
			}
		case ev.reading != nil:
			if sub.OnReading != nil {
				sub.OnReading(ev.reading)
			}
		}
	})
}

// Close tears down discovery, any live connection, and the dispatcher.
func (c *Controller) Close() error {
	c.mu.Lock()
	scanning := c.scanning
	connected := c.state.Kind == StateConnected
	identity := c.lastIdentity
	c.mu.Unlock()

	if scanning {
		if err := c.tr.StopDiscovery(); err != nil {
			c.logger.WithError(err).Warn("Failed to stop discovery on close")
		}
	}
	if connected && identity != "" {
		if err := c.tr.Disconnect(identity); err != nil {
			c.logger.WithError(err).Warn("Failed to disconnect on close")
		}
	}
	c.events.Close()
	return nil
}

// ----------------------------
// Queries
// ----------------------------

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsScanning reports whether discovery is running.
func (c *Controller) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Kind == StateScanning
}

// IsConnected reports whether a device is connected.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Kind == StateConnected
}

// AutoReconnect reports whether automatic reconnection is enabled.
func (c *Controller) AutoReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoReconnect
}

// Devices returns a snapshot of the discovery registry.
func (c *Controller) Devices() []Device {
	return c.registry.Devices()
}

// ----------------------------
// Operations
// ----------------------------

// StartScanning clears the discovery cache and begins discovery. If the
// radio is unavailable the state moves to Failed(radio_unavailable).
func (c *Controller) StartScanning(ctx context.Context) error {
	c.mu.Lock()
	if !c.radioUsableLocked() {
		c.setStateLocked(Failed(ErrorRadioUnavailable))
		c.mu.Unlock()
		return ErrRadioUnavailable
	}
	if c.state.Kind == StateScanning {
		c.mu.Unlock()
		return nil
	}
	c.registry.Clear()
	c.scanning = true
	c.setStateLocked(Scanning())
	c.mu.Unlock()

	if err := c.tr.StartDiscovery(ctx, c.cfg.NamePrefix); err != nil {
		c.mu.Lock()
		c.scanning = false
		if errors.Is(err, transport.ErrRadioOff) {
			c.setStateLocked(Failed(ErrorRadioUnavailable))
		} else {
			c.setStateLocked(Disconnected())
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	return nil
}

// StopScanning stops discovery and returns to Disconnected.
func (c *Controller) StopScanning() error {
	c.mu.Lock()
	if c.state.Kind != StateScanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = false
	c.setStateLocked(Disconnected())
	c.mu.Unlock()

	return c.tr.StopDiscovery()
}

// Connect stops scanning and dials the given device. The outcome arrives
// asynchronously; state moves to Connecting immediately.
func (c *Controller) Connect(dev Device) error {
	c.mu.Lock()
	if !c.radioUsableLocked() {
		c.setStateLocked(Failed(ErrorRadioUnavailable))
		c.mu.Unlock()
		return ErrRadioUnavailable
	}

	stopScan := c.scanning
	c.scanning = false
	c.userDisconnect = false
	c.pendingIdentity = dev.Identity
	c.pendingName = dev.Name
	c.setStateLocked(Connecting(dev.Name))
	c.mu.Unlock()

	if stopScan {
		if err := c.tr.StopDiscovery(); err != nil {
			c.logger.WithError(err).Warn("Failed to stop discovery before connect")
		}
	}

	if err := c.tr.Connect(dev.Identity); err != nil {
		c.mu.Lock()
		c.pendingIdentity = ""
		c.pendingName = ""
		c.setStateLocked(Failed(ErrorConnectionFailed))
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %q: %w", dev.Identity, err)
	}
	return nil
}

// Disconnect requests a deliberate disconnect. The user-initiated flag
// suppresses the reconnect policy for the resulting drop event. No-op if
// nothing is connected.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if c.state.Kind != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.userDisconnect = true
	identity := c.lastIdentity
	c.lastIdentity = ""
	c.lastName = ""
	c.mu.Unlock()

	if err := c.tr.Disconnect(identity); err != nil {
		return fmt.Errorf("failed to disconnect from %q: %w", identity, err)
	}
	return nil
}

// SetAutoReconnect toggles the reconnect policy. Disabling it while a
// reconnect attempt is in flight cancels that attempt; enabling it while
// disconnected with a remembered identity immediately issues a reconnect.
func (c *Controller) SetAutoReconnect(enabled bool) {
	c.mu.Lock()
	c.autoReconnect = enabled

	if !enabled && c.state.Kind == StateReconnecting {
		identity := c.pendingIdentity
		c.pendingIdentity = ""
		c.pendingName = ""
		c.setStateLocked(Disconnected())
		c.mu.Unlock()

		if err := c.tr.CancelConnect(identity); err != nil {
			c.logger.WithError(err).Warn("Failed to cancel pending reconnect")
		}
		return
	}

	if enabled && c.state.Kind == StateDisconnected && c.lastIdentity != "" {
		c.reconnectLocked()
		return
	}

	c.mu.Unlock()
}

// reconnectLocked issues a reconnect to the remembered identity. The
// discovery cache is deliberately not consulted: the transport resolves
// identities directly. Releases c.mu.
func (c *Controller) reconnectLocked() {
	identity := c.lastIdentity
	name := c.lastName
	c.pendingIdentity = identity
	c.pendingName = name
	c.setStateLocked(Reconnecting(name))
	c.mu.Unlock()

	if err := c.tr.Connect(identity); err != nil {
		c.logger.WithError(err).WithField("identity", identity).Error("Reconnect command failed")
		c.mu.Lock()
		c.pendingIdentity = ""
		c.pendingName = ""
		c.setStateLocked(Failed(ErrorConnectionFailed))
		c.mu.Unlock()
	}
}

// ----------------------------
// Transport event handlers
// ----------------------------

func (c *Controller) onDiscovered(identity, name string, rssi *int) {
	dev, isNew, ok := c.registry.Observe(identity, name, rssi)
	if !ok {
		return
	}
	if isNew {
		c.logger.WithFields(logrus.Fields{
			"identity": identity,
			"name":     name,
		}).Info("Discovered sensor")
		c.events.Publish(event{device: &dev})
	}
}

func (c *Controller) onConnected(identity string) {
	c.mu.Lock()

	accept := (c.state.Kind == StateConnecting || c.state.Kind == StateReconnecting) &&
		identity == c.pendingIdentity
	// A reconnect that completes after auto-reconnect was turned off is
	// rejected even if the cancel lost the race with the transport.
	if c.state.Kind == StateReconnecting && !c.autoReconnect {
		accept = false
	}

	if !accept {
		c.mu.Unlock()
		c.logger.WithField("identity", identity).Info("Rejecting connect success for cancelled or stale attempt")
		if err := c.tr.Disconnect(identity); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			c.logger.WithError(err).Warn("Failed to tear down unwanted connection")
		}
		return
	}

	name := c.pendingName
	c.lastIdentity = identity
	c.lastName = name
	c.pendingIdentity = ""
	c.pendingName = ""
	c.setStateLocked(Connected(name))
	c.mu.Unlock()

	if err := c.tr.Subscribe(identity, c.cfg.Decoding.ChannelIDs()); err != nil {
		c.logger.WithError(err).WithField("identity", identity).Error("Failed to subscribe to sensor channels")
	}
}

func (c *Controller) onConnectFailed(identity string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Kind != StateConnecting && c.state.Kind != StateReconnecting {
		return
	}
	if identity != c.pendingIdentity {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"identity": identity,
		"error":    err,
	}).Error("Connect attempt failed")

	c.pendingIdentity = ""
	c.pendingName = ""
	c.setStateLocked(Failed(ErrorConnectionFailed))
}

func (c *Controller) onDisconnected(identity string, err error) {
	c.mu.Lock()

	if c.state.Kind != StateConnected {
		// Teardown confirmations for rejected/cancelled attempts land here.
		c.mu.Unlock()
		return
	}

	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Connection dropped")
	}

	switch {
	case c.userDisconnect:
		c.userDisconnect = false
		c.lastIdentity = ""
		c.lastName = ""
		c.setStateLocked(Disconnected())
		c.mu.Unlock()

	case c.autoReconnect && c.lastIdentity != "":
		c.reconnectLocked()

	default:
		c.setStateLocked(Disconnected())
		c.mu.Unlock()
	}
}

func (c *Controller) onNotification(channelID string, payload []byte) {
	readings, err := c.decoder.Decode(channelID, payload)
	if err != nil {
		if errors.Is(err, telemetry.ErrUnhandledChannel) {
			c.logger.WithField("channel", channelID).Debug("Ignoring unhandled channel")
			return
		}
		// One bad payload never disables the channel or the connection.
		c.logger.WithError(err).Warn("Dropped malformed payload")
		return
	}

	for _, r := range readings {
		c.events.Publish(event{reading: r})
	}
}

func (c *Controller) onRadio(state transport.RadioState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.radio
	c.radio = state

	switch {
	case !state.Available() && state != transport.RadioUnknown:
		c.scanning = false
		c.setStateLocked(Failed(ErrorRadioUnavailable))

	case state.Available() && c.state == Failed(ErrorRadioUnavailable):
		c.setStateLocked(Disconnected())
	}

	if prev != state {
		c.logger.WithField("radio", state).Info("Radio state changed")
	}
}

// ----------------------------
// Internals
// ----------------------------

// radioUsableLocked treats an unknown radio state as usable; the adapter
// reports the real state on first use and the controller reacts then.
func (c *Controller) radioUsableLocked() bool {
	return c.radio == transport.RadioUnknown || c.radio.Available()
}

// setStateLocked performs a transition and publishes it. Must be called
// with c.mu held; every state mutation in the controller goes through
// here.
func (c *Controller) setStateLocked(next ConnectionState) {
	if c.state == next {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"from": c.state.String(),
		"to":   next.String(),
	}).Debug("State transition")

	c.state = next
	published := next
	c.events.Publish(event{state: &published})
}
