package main

import (
	"errors"

	"github.com/sentiolabs/sentio/internal/transport"
	"github.com/sentiolabs/sentio/pkg/sensor"
)

// FormatUserError maps internal errors to actionable messages.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, sensor.ErrRadioUnavailable), errors.Is(err, transport.ErrRadioOff):
		return "Bluetooth is unavailable - turn the radio on and try again"
	case errors.Is(err, transport.ErrNotConnected):
		return "no sensor is connected"
	case errors.Is(err, transport.ErrTimeout):
		return "the sensor did not respond in time"
	default:
		return err.Error()
	}
}
