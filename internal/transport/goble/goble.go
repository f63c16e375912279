// Package goble implements the transport capability on top of go-ble.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/sentiolabs/sentio/internal/transport"
)

const (
	// DefaultDialTimeout bounds a single dial attempt. The connection
	// controller deliberately owns no timeout policy; this adapter does.
	DefaultDialTimeout = 30 * time.Second
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// Options configures the adapter.
type Options struct {
	DialTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{DialTimeout: DefaultDialTimeout}
}

// Adapter is the production transport.Transport backed by go-ble.
type Adapter struct {
	logger *logrus.Logger
	opts   *Options

	mu         sync.Mutex
	events     transport.Events
	dev        ble.Device
	client     ble.Client
	profile    *ble.Profile
	scanCancel context.CancelFunc
	dialCancel context.CancelFunc
	dialID     string
}

// New creates an Adapter. A nil logger falls back to a default logrus
// instance; nil opts use DefaultOptions.
func New(opts *Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Adapter{logger: logger, opts: opts}
}

// SetEvents installs the event handlers.
func (a *Adapter) SetEvents(ev transport.Events) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = ev
}

// ensureDevice lazily initializes the platform BLE device and reports the
// resulting radio state.
func (a *Adapter) ensureDevice() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		a.emitRadio(radioStateFromError(err))
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	a.dev = dev
	a.emitRadio(transport.RadioPoweredOn)
	return dev, nil
}

// emitRadio must be called with a.mu held.
func (a *Adapter) emitRadio(state transport.RadioState) {
	if fn := a.events.Radio; fn != nil {
		go fn(state)
	}
}

// StartDiscovery begins scanning, reporting devices whose name starts
// with prefix.
func (a *Adapter) StartDiscovery(ctx context.Context, prefix string) error {
	dev, err := a.ensureDevice()
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.scanCancel != nil {
		a.mu.Unlock()
		cancel()
		return fmt.Errorf("discovery already running")
	}
	a.scanCancel = cancel
	events := a.events
	a.mu.Unlock()

	a.logger.WithField("prefix", prefix).Info("Starting BLE discovery")

	go func() {
		err := dev.Scan(scanCtx, true, func(adv ble.Advertisement) {
			name := adv.LocalName()
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				return
			}
			if events.Discovered == nil {
				return
			}
			rssi := adv.RSSI()
			events.Discovered(adv.Addr().String(), name, &rssi)
		})
		if err != nil && scanCtx.Err() == nil {
			a.logger.WithError(err).Error("BLE scan terminated")
		}
	}()

	return nil
}

// StopDiscovery stops an in-progress scan.
func (a *Adapter) StopDiscovery() error {
	a.mu.Lock()
	cancel := a.scanCancel
	a.scanCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect dials the device asynchronously; the outcome arrives as a
// Connected or ConnectFailed event.
func (a *Adapter) Connect(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("device identity is empty")
	}

	if _, err := a.ensureDevice(); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), a.opts.DialTimeout)

	a.mu.Lock()
	if a.dialCancel != nil {
		a.mu.Unlock()
		cancel()
		return fmt.Errorf("connect already in flight for %q", a.dialID)
	}
	a.dialCancel = cancel
	a.dialID = identity
	events := a.events
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"identity": identity,
		"timeout":  a.opts.DialTimeout,
	}).Info("Dialing BLE device")

	go a.dial(dialCtx, cancel, identity, events)
	return nil
}

func (a *Adapter) dial(ctx context.Context, cancel context.CancelFunc, identity string, events transport.Events) {
	defer cancel()
	defer func() {
		a.mu.Lock()
		a.dialCancel = nil
		a.dialID = ""
		a.mu.Unlock()
	}()

	client, err := ble.Dial(ctx, ble.NewAddr(identity))
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Error("Failed to dial BLE device")
		if events.ConnectFailed != nil {
			events.ConnectFailed(identity, NormalizeError(err))
		}
		return
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		a.logger.WithError(err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			a.logger.WithError(cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		if events.ConnectFailed != nil {
			events.ConnectFailed(identity, NormalizeError(err))
		}
		return
	}

	a.mu.Lock()
	a.client = client
	a.profile = profile
	a.mu.Unlock()

	// Watch for spontaneous drops.
	go func() {
		<-client.Disconnected()
		a.mu.Lock()
		if a.client == client {
			a.client = nil
			a.profile = nil
		}
		a.mu.Unlock()
		if events.Disconnected != nil {
			events.Disconnected(identity, nil)
		}
	}()

	a.logger.WithFields(logrus.Fields{
		"identity": identity,
		"services": len(profile.Services),
	}).Info("Connected to BLE device")

	if events.Connected != nil {
		events.Connected(identity)
	}
}

// CancelConnect aborts an in-flight dial for identity, or tears down the
// link if the dial already completed.
func (a *Adapter) CancelConnect(identity string) error {
	a.mu.Lock()
	cancel := a.dialCancel
	pending := a.dialID == identity
	client := a.client
	a.mu.Unlock()

	if pending && cancel != nil {
		cancel()
		return nil
	}
	if client != nil && client.Addr().String() == identity {
		return a.Disconnect(identity)
	}
	return nil
}

// Disconnect tears down an established connection.
func (a *Adapter) Disconnect(identity string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil {
		return transport.ErrNotConnected
	}
	if err := client.CancelConnection(); err != nil {
		return fmt.Errorf("failed to disconnect from %q: %w", identity, NormalizeError(err))
	}
	return nil
}

// Subscribe enables notifications on the given characteristics, routing
// payloads to the Notification event.
func (a *Adapter) Subscribe(identity string, channelIDs []string) error {
	a.mu.Lock()
	client := a.client
	profile := a.profile
	events := a.events
	a.mu.Unlock()

	if client == nil || profile == nil {
		return transport.ErrNotConnected
	}

	wanted := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		wanted[transport.NormalizeUUID(id)] = true
	}

	subscribed := 0
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			uuid := transport.NormalizeUUID(char.UUID.String())
			if !wanted[uuid] {
				continue
			}
			id := uuid
			if err := client.Subscribe(char, false, func(data []byte) {
				if events.Notification != nil {
					events.Notification(id, data)
				}
			}); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", id, NormalizeError(err))
			}
			subscribed++
		}
	}

	if subscribed == 0 {
		return fmt.Errorf("none of %d requested characteristics found on %q", len(channelIDs), identity)
	}

	a.logger.WithFields(logrus.Fields{
		"identity":   identity,
		"subscribed": subscribed,
	}).Debug("Notification subscriptions established")
	return nil
}

// radioStateFromError classifies a device-creation failure.
func radioStateFromError(err error) transport.RadioState {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"):
		return transport.RadioUnauthorized
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "no such device"):
		return transport.RadioUnsupported
	default:
		return transport.RadioPoweredOff
	}
}
