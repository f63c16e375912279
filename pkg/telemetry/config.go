package telemetry

import "fmt"

// ChannelLayout describes the fixed packet geometry of one sensor channel
// as agreed with the hardware: an exact packet length, a clock header, and
// a fixed number of equal-size sample slots.
type ChannelLayout struct {
	// CharacteristicUUID identifies the channel's GATT characteristic.
	CharacteristicUUID string `yaml:"characteristic_uuid"`

	// PacketLength is the exact notification payload size in bytes.
	PacketLength int `yaml:"packet_length"`

	// HeaderLength is the size of the leading device clock field, 0 if
	// the channel carries no clock.
	HeaderLength int `yaml:"header_length"`

	// SampleStride is the per-sample byte size of one slot.
	SampleStride int `yaml:"sample_stride"`

	// SamplesPerPacket is the fixed number of slots per packet.
	SamplesPerPacket int `yaml:"samples_per_packet"`

	// SampleRate is the channel's sampling frequency in Hz, used to space
	// per-slot timestamps within a packet.
	SampleRate float64 `yaml:"sample_rate"`
}

// Validate checks that the layout's geometry is internally consistent.
func (l ChannelLayout) Validate(name string) error {
	if l.CharacteristicUUID == "" {
		return fmt.Errorf("%s: characteristic UUID is empty", name)
	}
	if l.SampleStride <= 0 || l.SamplesPerPacket <= 0 {
		return fmt.Errorf("%s: stride and samples per packet must be positive", name)
	}
	if got := l.HeaderLength + l.SampleStride*l.SamplesPerPacket; got != l.PacketLength {
		return fmt.Errorf("%s: packet length %d does not match header %d + %d slots of %d bytes",
			name, l.PacketLength, l.HeaderLength, l.SamplesPerPacket, l.SampleStride)
	}
	return nil
}

// Config groups the fixed-point hardware constants the Decoder needs.
// It is created once at startup and read-only thereafter. Defaults match
// the sensor's shipped firmware.
type Config struct {
	EEG   ChannelLayout `yaml:"eeg"`
	PPG   ChannelLayout `yaml:"ppg"`
	Accel ChannelLayout `yaml:"accel"`

	// BatteryCharacteristicUUID identifies the single-byte battery channel.
	BatteryCharacteristicUUID string `yaml:"battery_characteristic_uuid" default:"8e7c1a23-5f04-4cd1-9a60-0b1c6d2f4e01"`

	// VRef is the ADC voltage reference in volts.
	VRef float64 `yaml:"vref" default:"4.033"`

	// Gain is the analog front-end amplification factor.
	Gain float64 `yaml:"gain" default:"12.0"`

	// ADCBits is the signed ADC word width; the maximum representable
	// magnitude is 2^(ADCBits-1)-1.
	ADCBits int `yaml:"adc_bits" default:"24"`

	// EEGRangeMicrovolts bounds the valid physiological range; values
	// outside ±EEGRangeMicrovolts are clamped and flagged.
	EEGRangeMicrovolts float64 `yaml:"eeg_range_microvolts" default:"200000"`

	// PPGMax is the maximum representable intensity per PPG channel.
	PPGMax uint32 `yaml:"ppg_max" default:"16777215"`

	// ClockDivisor converts device clock ticks to milliseconds
	// (ticks per millisecond of the 32.768 kHz crystal).
	ClockDivisor float64 `yaml:"clock_divisor" default:"32.768"`
}

// DefaultConfig returns the shipped hardware constants.
func DefaultConfig() Config {
	return Config{
		EEG: ChannelLayout{
			CharacteristicUUID: "8e7c1a23-5f04-4cd1-9a60-0b1c6d2f4e02",
			PacketLength:       179,
			HeaderLength:       4,
			SampleStride:       7,
			SamplesPerPacket:   25,
			SampleRate:         250,
		},
		PPG: ChannelLayout{
			CharacteristicUUID: "8e7c1a23-5f04-4cd1-9a60-0b1c6d2f4e03",
			PacketLength:       58,
			HeaderLength:       4,
			SampleStride:       6,
			SamplesPerPacket:   9,
			SampleRate:         64,
		},
		Accel: ChannelLayout{
			CharacteristicUUID: "8e7c1a23-5f04-4cd1-9a60-0b1c6d2f4e04",
			PacketLength:       40,
			HeaderLength:       4,
			SampleStride:       6,
			SamplesPerPacket:   6,
			SampleRate:         100,
		},
		BatteryCharacteristicUUID: "8e7c1a23-5f04-4cd1-9a60-0b1c6d2f4e01",
		VRef:                      4.033,
		Gain:                      12.0,
		ADCBits:                   24,
		EEGRangeMicrovolts:        200000,
		PPGMax:                    1<<24 - 1,
		ClockDivisor:              32.768,
	}
}

// Validate rejects inconsistent packet geometry or degenerate scaling
// constants.
func (c Config) Validate() error {
	if err := c.EEG.Validate("eeg"); err != nil {
		return err
	}
	if err := c.PPG.Validate("ppg"); err != nil {
		return err
	}
	if err := c.Accel.Validate("accel"); err != nil {
		return err
	}
	if c.BatteryCharacteristicUUID == "" {
		return fmt.Errorf("battery: characteristic UUID is empty")
	}
	if c.VRef <= 0 || c.Gain <= 0 {
		return fmt.Errorf("vref and gain must be positive")
	}
	if c.ADCBits < 2 || c.ADCBits > 32 {
		return fmt.Errorf("adc_bits %d out of range", c.ADCBits)
	}
	if c.ClockDivisor <= 0 {
		return fmt.Errorf("clock_divisor must be positive")
	}
	return nil
}

// ChannelIDs returns all characteristic UUIDs the driver subscribes to.
func (c Config) ChannelIDs() []string {
	return []string{
		c.EEG.CharacteristicUUID,
		c.PPG.CharacteristicUUID,
		c.Accel.CharacteristicUUID,
		c.BatteryCharacteristicUUID,
	}
}
