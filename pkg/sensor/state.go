package sensor

import "fmt"

// StateKind enumerates the connection lifecycle states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateScanning
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "Disconnected"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// ErrorKind classifies a Failed state.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	// ErrorRadioUnavailable covers radio off/unauthorized/unsupported.
	// Recovers automatically when the radio returns to powered-on.
	ErrorRadioUnavailable
	// ErrorConnectionFailed is a transport-reported connect failure.
	// Not retried automatically.
	ErrorConnectionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorRadioUnavailable:
		return "radio_unavailable"
	case ErrorConnectionFailed:
		return "connection_failed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ConnectionState is a closed tagged union over the six lifecycle states.
// DeviceName carries the payload of Connecting/Connected/Reconnecting;
// Error carries the payload of Failed. The zero value is Disconnected.
// Equality compares tag and payload (plain ==).
type ConnectionState struct {
	Kind       StateKind
	DeviceName string
	Error      ErrorKind
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnecting, StateConnected, StateReconnecting:
		return fmt.Sprintf("%s(%s)", s.Kind, s.DeviceName)
	case StateFailed:
		return fmt.Sprintf("Failed(%s)", s.Error)
	}
	return s.Kind.String()
}

// Constructors. States are only ever produced through these; the
// controller is the sole mutator of the current state.

func Disconnected() ConnectionState { return ConnectionState{Kind: StateDisconnected} }

func Scanning() ConnectionState { return ConnectionState{Kind: StateScanning} }

func Connecting(name string) ConnectionState {
	return ConnectionState{Kind: StateConnecting, DeviceName: name}
}

func Connected(name string) ConnectionState {
	return ConnectionState{Kind: StateConnected, DeviceName: name}
}

func Reconnecting(name string) ConnectionState {
	return ConnectionState{Kind: StateReconnecting, DeviceName: name}
}

func Failed(kind ErrorKind) ConnectionState {
	return ConnectionState{Kind: StateFailed, Error: kind}
}
