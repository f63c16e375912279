package telemetry

// Channel names for decoded readings.
const (
	ChannelEEG     = "eeg"
	ChannelPPG     = "ppg"
	ChannelAccel   = "accel"
	ChannelBattery = "battery"
)

// Reading is one decoded physiological sample. Implementations are
// immutable value records produced only by the Decoder.
type Reading interface {
	// Channel returns the sensor channel name this reading came from.
	Channel() string
	// Time returns the sample timestamp in seconds. Derived from the
	// packet's device clock field when present, decode-time wall clock
	// otherwise.
	Time() float64
}

// EEGReading is one two-channel EEG sample. Raw ADC codes are preserved
// alongside the scaled microvolt values; when a value falls outside the
// configured physiological range it is clamped and OutOfRange is set.
type EEGReading struct {
	Timestamp  float64
	Raw1       int32
	Raw2       int32
	Ch1        float64 // µV
	Ch2        float64 // µV
	LeadOff    bool
	OutOfRange bool
}

func (r EEGReading) Channel() string { return ChannelEEG }
func (r EEGReading) Time() float64   { return r.Timestamp }

// PPGReading is one photoplethysmography sample: red and infrared channel
// intensities, unscaled.
type PPGReading struct {
	Timestamp float64
	Red       uint32
	Infrared  uint32
}

func (r PPGReading) Channel() string { return ChannelPPG }
func (r PPGReading) Time() float64   { return r.Timestamp }

// AccelReading is one accelerometer sample, unscaled.
type AccelReading struct {
	Timestamp float64
	X, Y, Z   int16
}

func (r AccelReading) Channel() string { return ChannelAccel }
func (r AccelReading) Time() float64   { return r.Timestamp }

// BatteryReading is one battery level report. Percent is clamped to
// [0,100]; Clamped is set when the hardware reported a value above 100,
// with the original byte preserved in Raw.
type BatteryReading struct {
	Timestamp float64
	Percent   uint8
	Raw       uint8
	Clamped   bool
}

func (r BatteryReading) Channel() string { return ChannelBattery }
func (r BatteryReading) Time() float64   { return r.Timestamp }
