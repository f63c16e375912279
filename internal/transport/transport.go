// Package transport defines the narrow asynchronous capability the driver
// consumes from the platform's BLE stack: discovery, connect/disconnect by
// identity, characteristic notification subscription, and radio power
// state. Commands are fire-and-forget; outcomes arrive later as events on
// goroutines the transport chooses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RadioState describes the power/authorization state of the local radio.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnauthorized
	RadioUnsupported
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "powered_on"
	case RadioPoweredOff:
		return "powered_off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Available reports whether the radio can carry traffic.
func (s RadioState) Available() bool {
	return s == RadioPoweredOn
}

// Events carries the asynchronous outcomes of transport commands.
// Handlers may be invoked from any goroutine; nil handlers are skipped.
type Events struct {
	// Discovered is called for every advertisement matching the discovery
	// filter. rssi is nil when the advertisement carried no signal strength.
	Discovered func(identity, name string, rssi *int)

	// Connected reports a successful connect, after notification
	// subscriptions are established.
	Connected func(identity string)

	// ConnectFailed reports a failed connect attempt.
	ConnectFailed func(identity string, err error)

	// Disconnected reports a connection drop. err is nil for a clean,
	// requested disconnect.
	Disconnected func(identity string, err error)

	// Notification delivers one raw characteristic payload.
	Notification func(channelID string, payload []byte)

	// Radio reports radio power state changes.
	Radio func(state RadioState)
}

// Transport is the consumed BLE capability. All commands return
// immediately; success or failure surfaces through Events.
type Transport interface {
	// SetEvents installs the event handlers. Must be called before any
	// command is issued.
	SetEvents(ev Events)

	// StartDiscovery begins advertising discovery, reporting devices whose
	// name starts with prefix. An empty prefix reports everything.
	StartDiscovery(ctx context.Context, prefix string) error

	// StopDiscovery stops an in-progress discovery. Safe to call when no
	// discovery is running.
	StopDiscovery() error

	// Connect dials the device with the given identity. The identity is
	// resolved by the platform stack directly; it does not need to be in
	// any discovery cache.
	Connect(identity string) error

	// CancelConnect aborts an in-flight connect attempt, or tears down the
	// link if the attempt already completed.
	CancelConnect(identity string) error

	// Disconnect tears down an established connection.
	Disconnect(identity string) error

	// Subscribe enables notifications on the given characteristics.
	Subscribe(identity string, channelIDs []string) error
}

// ConnectionError represents a connection-related transport failure.
type ConnectionError struct {
	Kind string
	Msg  string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel transport errors.
var (
	ErrRadioOff     = &ConnectionError{Kind: "radio_off"}
	ErrNotConnected = &ConnectionError{Kind: "not_connected"}
	ErrTimeout      = errors.New("timeout")
)

// NormalizeUUID converts a UUID string to a canonical lookup form:
// lowercase with dashes removed. Short 16-bit forms pass through.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
