// Package recorder persists decoded readings to a session file. It is a
// plain subscriber sink: the controller core knows nothing about it.
//
// Encoded rows are staged in a ring buffer drained by a writer goroutine,
// so file latency never blocks the dispatcher's delivery context. When the
// buffer fills, whole rows are dropped and counted rather than stalling
// delivery.
package recorder

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/sentiolabs/sentio/pkg/telemetry"
)

// Format selects the session file encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// Options configures a Recorder.
type Options struct {
	Format        Format
	BufferSize    int           // staging buffer size in bytes
	FlushInterval time.Duration // how often the writer drains the buffer
}

// DefaultOptions returns sensible defaults for session recording.
func DefaultOptions() *Options {
	return &Options{
		Format:        FormatCSV,
		BufferSize:    64 * 1024,
		FlushInterval: 250 * time.Millisecond,
	}
}

// Recorder writes decoded readings to an io.Writer in CSV or JSON-lines
// form. Record is safe to call from the dispatcher callback; the actual
// write happens on the recorder's own goroutine.
type Recorder struct {
	w      io.Writer
	opts   *Options
	logger *logrus.Logger

	rb      *ringbuffer.RingBuffer
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool

	stop chan struct{}
	done chan struct{}
}

// New creates a Recorder and starts its writer goroutine. For CSV the
// header row is written immediately.
func New(w io.Writer, opts *Options, logger *logrus.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Format != FormatCSV && opts.Format != FormatJSONL {
		return nil, fmt.Errorf("unknown recording format %q", opts.Format)
	}
	if opts.BufferSize <= 0 || opts.FlushInterval <= 0 {
		return nil, fmt.Errorf("buffer size and flush interval must be positive")
	}

	r := &Recorder{
		w:      w,
		opts:   opts,
		logger: logger,
		rb:     ringbuffer.New(opts.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if opts.Format == FormatCSV {
		if _, err := w.Write([]byte("channel,timestamp,c1,c2,c3,flags\n")); err != nil {
			return nil, fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	go r.writeLoop()
	return r, nil
}

// Record stages one reading for writing. Never blocks; rows that do not
// fit the staging buffer are dropped and counted.
func (r *Recorder) Record(reading telemetry.Reading) {
	row, err := r.encode(reading)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to encode reading")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// A partial write would corrupt the stream, so rows that do not fit
	// whole are dropped.
	if r.rb.Free() < len(row) {
		r.dropped.Add(1)
		return
	}
	if _, err := r.rb.Write(row); err != nil {
		r.dropped.Add(1)
	}
}

// Dropped reports how many rows were discarded because the staging
// buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the staging buffer and stops the writer goroutine.
// Closing the underlying writer is the caller's responsibility.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	<-r.done

	if dropped := r.dropped.Load(); dropped > 0 {
		r.logger.WithField("rows", dropped).Warn("Recording dropped rows under backpressure")
	}
	return nil
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	buf := make([]byte, 4096)
	for {
		select {
		case <-r.stop:
			r.drain(buf)
			return
		case <-ticker.C:
			r.drain(buf)
		}
	}
}

func (r *Recorder) drain(buf []byte) {
	for {
		r.mu.Lock()
		n, err := r.rb.Read(buf)
		r.mu.Unlock()
		if n == 0 || err == ringbuffer.ErrIsEmpty {
			return
		}
		if err != nil {
			r.logger.WithError(err).Error("Staging buffer read failed")
			return
		}
		if _, err := r.w.Write(buf[:n]); err != nil {
			r.logger.WithError(err).Error("Session write failed")
			return
		}
	}
}

// jsonRow is the JSON-lines wire form of one reading.
type jsonRow struct {
	Channel string            `json:"channel"`
	Time    float64           `json:"time"`
	Reading telemetry.Reading `json:"reading"`
}

func (r *Recorder) encode(reading telemetry.Reading) ([]byte, error) {
	switch r.opts.Format {
	case FormatJSONL:
		data, err := json.Marshal(jsonRow{
			Channel: reading.Channel(),
			Time:    reading.Time(),
			Reading: reading,
		})
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil

	default:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvRow(reading)); err != nil {
			return nil, err
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	}
}

func csvRow(reading telemetry.Reading) []string {
	ts := strconv.FormatFloat(reading.Time(), 'f', 6, 64)

	switch v := reading.(type) {
	case telemetry.EEGReading:
		flags := ""
		if v.LeadOff {
			flags += "leadoff"
		}
		if v.OutOfRange {
			if flags != "" {
				flags += "|"
			}
			flags += "oor"
		}
		return []string{
			v.Channel(), ts,
			strconv.FormatFloat(v.Ch1, 'f', 3, 64),
			strconv.FormatFloat(v.Ch2, 'f', 3, 64),
			"",
			flags,
		}
	case telemetry.PPGReading:
		return []string{
			v.Channel(), ts,
			strconv.FormatUint(uint64(v.Red), 10),
			strconv.FormatUint(uint64(v.Infrared), 10),
			"", "",
		}
	case telemetry.AccelReading:
		return []string{
			v.Channel(), ts,
			strconv.FormatInt(int64(v.X), 10),
			strconv.FormatInt(int64(v.Y), 10),
			strconv.FormatInt(int64(v.Z), 10),
			"",
		}
	case telemetry.BatteryReading:
		flags := ""
		if v.Clamped {
			flags = "clamped"
		}
		return []string{
			v.Channel(), ts,
			strconv.FormatUint(uint64(v.Percent), 10),
			"", "",
			flags,
		}
	default:
		return []string{reading.Channel(), ts, "", "", "", ""}
	}
}
