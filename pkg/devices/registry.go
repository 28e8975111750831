// Package devices tracks known connectable devices (Bluetooth
// peripherals and audio routes) and their connection state.
package devices

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/store"
)

// Kind tags the device variant
type Kind string

const (
	KindBluetooth  Kind = "bluetooth"
	KindAudioRoute Kind = "audioRoute"
)

// HFP is the hands-free-profile audio port type most cars expose
const HFP = "BluetoothHFP"

// Device is a tagged-variant connectable device. Identity is the
// variant-specific key (UUID for Bluetooth, UID for audio routes),
// never the display name.
type Device struct {
	Kind      Kind   `json:"kind"`
	Name      string `json:"name"`
	UUID      string `json:"uuid,omitempty"`      // bluetooth only
	PortType  string `json:"port_type,omitempty"` // audioRoute only
	UID       string `json:"uid,omitempty"`       // audioRoute only
	Connected bool   `json:"is_connected"`
}

// Key returns the identity key for the device
func (d Device) Key() string {
	switch d.Kind {
	case KindBluetooth:
		return d.UUID
	case KindAudioRoute:
		return d.UID
	}
	return ""
}

// IsCarCandidate reports whether a newly seen device looks like a car
// head unit worth prompting the user about
func (d Device) IsCarCandidate() bool {
	return d.Kind == KindAudioRoute && d.PortType == HFP
}

// Registry holds at most one record per identity key, ordered with
// connected devices at the front and disconnected at the back.
type Registry struct {
	mu      sync.Mutex
	devices []Device
	kv      *store.Store
	logger  *logx.Logger
}

// NewRegistry creates a device registry backed by the key-value store
func NewRegistry(kv *store.Store, logger *logx.Logger) *Registry {
	return &Registry{kv: kv, logger: logger}
}

// Upsert inserts the device if its identity is unknown, otherwise
// replaces the existing record. Connected devices move to the front of
// the list, disconnected devices to the back.
func (r *Registry) Upsert(d Device) error {
	if d.Key() == "" {
		return fmt.Errorf("device %q has no identity key", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(d.Key())
	r.insertLocked(d)
	return r.persistLocked()
}

// MarkConnected updates the connection state of a known device.
// Idempotent: repeating the same state is a no-op and does not reorder.
// Unknown keys are ignored.
func (r *Registry) MarkConnected(key string, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.Key() != key {
			continue
		}
		if d.Connected == connected {
			return nil
		}
		d.Connected = connected
		r.removeLocked(key)
		r.insertLocked(d)
		return r.persistLocked()
	}
	return nil
}

// Get returns the device with the given identity key
func (r *Registry) Get(key string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.Key() == key {
			return d, true
		}
	}
	return Device{}, false
}

// All returns a copy of the registry in presentation order
func (r *Registry) All() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Clear resets the registry
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = nil
	return r.persistLocked()
}

// Load restores the registry from the key-value store. Missing or
// corrupt snapshots become an empty registry.
func (r *Registry) Load() error {
	data, ok, err := r.kv.Get(store.KeyConnectedDevices)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !ok {
		r.devices = nil
		return nil
	}

	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		r.logger.Warn("discarding corrupt device snapshot", "error", err)
		r.devices = nil
		return nil
	}
	r.devices = devices
	return nil
}

func (r *Registry) removeLocked(key string) {
	kept := r.devices[:0]
	for _, d := range r.devices {
		if d.Key() != key {
			kept = append(kept, d)
		}
	}
	r.devices = kept
}

func (r *Registry) insertLocked(d Device) {
	if d.Connected {
		r.devices = append([]Device{d}, r.devices...)
	} else {
		r.devices = append(r.devices, d)
	}
}

func (r *Registry) persistLocked() error {
	devices := r.devices
	if devices == nil {
		devices = []Device{}
	}
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to encode devices: %w", err)
	}
	return r.kv.Set(store.KeyConnectedDevices, data)
}
