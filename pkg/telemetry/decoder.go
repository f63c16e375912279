// Package telemetry converts raw BLE notification payloads from the
// sensor into typed physiological readings. Decoding is a pure transform:
// one payload in, zero or more readings out, no state carried between
// packets.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/sentiolabs/sentio/internal/transport"
)

// ErrUnhandledChannel reports a characteristic the decoder does not know.
// This is informational, not a failure: firmware may add channels this
// driver predates.
var ErrUnhandledChannel = errors.New("unhandled channel")

// DecodeError reports a payload whose length does not match the channel's
// fixed packet layout. The payload is dropped; no readings are produced.
type DecodeError struct {
	Channel  string
	Expected int
	Actual   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s packet length mismatch: expected %d bytes, got %d", e.Channel, e.Expected, e.Actual)
}

// Decoder converts raw notification payloads into typed readings using
// fixed-point hardware constants. It is stateless and safe for concurrent
// use.
type Decoder struct {
	cfg Config

	// adcMax is the maximum representable magnitude of the signed ADC
	// code, 2^(bits-1)-1.
	adcMax float64

	channels map[string]string // normalized UUID -> channel name

	// now supplies the wall clock for channels without a device clock
	// field. Injectable for tests.
	now func() time.Time
}

// NewDecoder creates a Decoder from validated configuration.
func NewDecoder(cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decoder configuration: %w", err)
	}

	return &Decoder{
		cfg:    cfg,
		adcMax: float64(int32(1)<<(cfg.ADCBits-1) - 1),
		channels: map[string]string{
			transport.NormalizeUUID(cfg.EEG.CharacteristicUUID):    ChannelEEG,
			transport.NormalizeUUID(cfg.PPG.CharacteristicUUID):    ChannelPPG,
			transport.NormalizeUUID(cfg.Accel.CharacteristicUUID):  ChannelAccel,
			transport.NormalizeUUID(cfg.BatteryCharacteristicUUID): ChannelBattery,
		},
		now: time.Now,
	}, nil
}

// Decode converts one payload, tagged by its source characteristic, into
// readings in slot order. An unknown characteristic returns
// ErrUnhandledChannel; a length mismatch returns a *DecodeError.
func (d *Decoder) Decode(channelID string, payload []byte) ([]Reading, error) {
	switch d.channels[transport.NormalizeUUID(channelID)] {
	case ChannelEEG:
		return d.decodeEEG(payload)
	case ChannelPPG:
		return d.decodePPG(payload)
	case ChannelAccel:
		return d.decodeAccel(payload)
	case ChannelBattery:
		return d.decodeBattery(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledChannel, channelID)
	}
}

func (d *Decoder) decodeEEG(payload []byte) ([]Reading, error) {
	layout := d.cfg.EEG
	if len(payload) != layout.PacketLength {
		return nil, &DecodeError{Channel: ChannelEEG, Expected: layout.PacketLength, Actual: len(payload)}
	}

	base := d.packetClockSeconds(payload[:layout.HeaderLength])
	readings := make([]Reading, 0, layout.SamplesPerPacket)

	for i := 0; i < layout.SamplesPerPacket; i++ {
		slot := payload[layout.HeaderLength+i*layout.SampleStride:][:layout.SampleStride]

		raw1 := int24(slot[0:3])
		raw2 := int24(slot[3:6])
		leadOff := slot[6]&0x01 != 0

		ch1, oor1 := d.scaleEEG(raw1)
		ch2, oor2 := d.scaleEEG(raw2)

		readings = append(readings, EEGReading{
			Timestamp:  base + float64(i)/layout.SampleRate,
			Raw1:       raw1,
			Raw2:       raw2,
			Ch1:        ch1,
			Ch2:        ch2,
			LeadOff:    leadOff,
			OutOfRange: oor1 || oor2,
		})
	}
	return readings, nil
}

// scaleEEG converts a raw signed ADC code to microvolts:
// raw/adcMax * (vref/gain) * 1e6. Values outside the configured
// physiological range are clamped and reported out of range.
func (d *Decoder) scaleEEG(raw int32) (uv float64, outOfRange bool) {
	uv = float64(raw) / d.adcMax * (d.cfg.VRef / d.cfg.Gain) * 1e6

	limit := d.cfg.EEGRangeMicrovolts
	switch {
	case uv > limit:
		return limit, true
	case uv < -limit:
		return -limit, true
	}
	return uv, false
}

func (d *Decoder) decodePPG(payload []byte) ([]Reading, error) {
	layout := d.cfg.PPG
	if len(payload) != layout.PacketLength {
		return nil, &DecodeError{Channel: ChannelPPG, Expected: layout.PacketLength, Actual: len(payload)}
	}

	base := d.packetClockSeconds(payload[:layout.HeaderLength])
	readings := make([]Reading, 0, layout.SamplesPerPacket)

	for i := 0; i < layout.SamplesPerPacket; i++ {
		slot := payload[layout.HeaderLength+i*layout.SampleStride:][:layout.SampleStride]

		red := uint24(slot[0:3])
		ir := uint24(slot[3:6])
		if red > d.cfg.PPGMax {
			red = d.cfg.PPGMax
		}
		if ir > d.cfg.PPGMax {
			ir = d.cfg.PPGMax
		}

		readings = append(readings, PPGReading{
			Timestamp: base + float64(i)/layout.SampleRate,
			Red:       red,
			Infrared:  ir,
		})
	}
	return readings, nil
}

func (d *Decoder) decodeAccel(payload []byte) ([]Reading, error) {
	layout := d.cfg.Accel
	if len(payload) != layout.PacketLength {
		return nil, &DecodeError{Channel: ChannelAccel, Expected: layout.PacketLength, Actual: len(payload)}
	}

	base := d.packetClockSeconds(payload[:layout.HeaderLength])
	readings := make([]Reading, 0, layout.SamplesPerPacket)

	for i := 0; i < layout.SamplesPerPacket; i++ {
		slot := payload[layout.HeaderLength+i*layout.SampleStride:][:layout.SampleStride]

		readings = append(readings, AccelReading{
			Timestamp: base + float64(i)/layout.SampleRate,
			X:         int16(uint16(slot[0]) | uint16(slot[1])<<8),
			Y:         int16(uint16(slot[2]) | uint16(slot[3])<<8),
			Z:         int16(uint16(slot[4]) | uint16(slot[5])<<8),
		})
	}
	return readings, nil
}

// decodeBattery handles the single-slot battery packet. The battery
// channel carries no clock field, so decode-time wall clock is used.
// Values above 100 are clamped, flagged, and preserved raw.
func (d *Decoder) decodeBattery(payload []byte) ([]Reading, error) {
	if len(payload) != 1 {
		return nil, &DecodeError{Channel: ChannelBattery, Expected: 1, Actual: len(payload)}
	}

	raw := payload[0]
	percent := raw
	clamped := false
	if percent > 100 {
		percent = 100
		clamped = true
	}

	return []Reading{BatteryReading{
		Timestamp: float64(d.now().UnixNano()) / float64(time.Second),
		Percent:   percent,
		Raw:       raw,
		Clamped:   clamped,
	}}, nil
}

// packetClockSeconds converts the packet's little-endian device clock
// field to seconds: ticks / divisor gives milliseconds on the device's
// crystal, normalized to seconds.
func (d *Decoder) packetClockSeconds(header []byte) float64 {
	ticks := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
	ms := float64(ticks) / d.cfg.ClockDivisor
	return ms / 1000
}

// int24 decodes a little-endian signed 24-bit value.
func int24(b []byte) int32 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

// uint24 decodes a little-endian unsigned 24-bit value.
func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
