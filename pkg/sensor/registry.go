package sensor

import (
	"sort"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
)

// Device is one discovered sensor: the transport's stable identity (used
// for equality), a display name, and the advertised signal strength if
// present.
type Device struct {
	Identity string
	Name     string
	RSSI     *int // dBm, nil when the advertisement carried none
}

// Registry is the deduplicated list of discovered devices, filtered by
// name prefix. At most one entry exists per identity; re-advertisements
// update the existing entry in place.
type Registry struct {
	prefix string

	mu      sync.RWMutex
	devices *hashmap.Map[string, Device]
}

// NewRegistry creates a Registry that accepts devices whose display name
// starts with prefix. An empty prefix accepts everything.
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:  prefix,
		devices: hashmap.New[string, Device](),
	}
}

// Observe records one discovery event. It returns the stored device and
// whether it was newly added. Devices not matching the name prefix are
// rejected with ok=false.
func (r *Registry) Observe(identity, name string, rssi *int) (dev Device, isNew, ok bool) {
	if r.prefix != "" && !strings.HasPrefix(name, r.prefix) {
		return Device{}, false, false
	}

	r.mu.RLock()
	devices := r.devices
	r.mu.RUnlock()

	dev = Device{Identity: identity, Name: name, RSSI: rssi}
	_, existing := devices.Get(identity)
	devices.Set(identity, dev)
	return dev, !existing, true
}

// Get returns the device with the given identity.
func (r *Registry) Get(identity string) (Device, bool) {
	r.mu.RLock()
	devices := r.devices
	r.mu.RUnlock()
	return devices.Get(identity)
}

// Devices returns a snapshot of all discovered devices, sorted by
// identity for stable ordering.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	devices := r.devices
	r.mu.RUnlock()

	out := make([]Device, 0, devices.Len())
	devices.Range(func(_ string, dev Device) bool {
		out = append(out, dev)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len returns the number of discovered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// Clear discards all discovered devices. Called when a new scan starts;
// the discovery list is volatile and never the source of truth for
// reconnection.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = hashmap.New[string, Device]()
}
