// Package input models Linux input devices and their event streams: the
// capability descriptors read from physical devices, the events captured
// from them, and the virtual devices synthesized from remote descriptors.
package input

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable indicates a device node could not be opened or
	// exclusively grabbed.
	ErrDeviceUnavailable = errors.New("input: device unavailable")
	// ErrDeviceCreationFailed indicates the host refused to register a
	// virtual device with the requested capability set.
	ErrDeviceCreationFailed = errors.New("input: device creation failed")
	// ErrInjectionFailed indicates an event could not be injected into a
	// virtual device.
	ErrInjectionFailed = errors.New("input: injection failed")
)

// Event is one raw input event: an event type/code/value triple plus the
// capture timestamp in nanoseconds since the Unix epoch.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
	Time  int64
}

// IsSyn reports whether the event is a synchronization marker.
func (e Event) IsSyn() bool {
	return e.Type == EV_SYN
}

// AbsInfo describes the value range of one absolute axis.
type AbsInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// Capability is one supported (type, code) pair of a device. Abs carries
// axis ranges when Type is EV_ABS; Rep carries the repeat parameter when
// Type is EV_REP. Both are zero otherwise.
type Capability struct {
	Type uint16
	Code uint16
	Abs  AbsInfo
	Rep  int32
}

// Device is the immutable capability descriptor of a physical or virtual
// input device. It is built once at device-open time and transmitted to
// receivers so they can synthesize a matching virtual device.
type Device struct {
	Name         string
	Vendor       uint16
	Product      uint16
	Bustype      uint16
	Version      uint16
	Capabilities []Capability
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%04x:%04x, %d capabilities)", d.Name, d.Vendor, d.Product, len(d.Capabilities))
}

// CapabilityKey packs an event type and code into a single lookup key.
func CapabilityKey(evType, code uint16) uint32 {
	return uint32(evType)<<16 | uint32(code)
}

// CapabilitySet returns the device's capabilities as a lookup set keyed by
// CapabilityKey. EV_SYN events are always permitted and not part of the set.
func (d Device) CapabilitySet() map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		set[CapabilityKey(c.Type, c.Code)] = struct{}{}
	}
	return set
}

// Notification is one ordered item from a capture source. Exactly one of
// the concrete types DeviceAdded, DeviceRemoved, or DeviceEvent.
type Notification interface {
	notification()
}

// DeviceAdded reports a newly opened and grabbed device.
type DeviceAdded struct {
	ID     uint32
	Device Device
}

// DeviceRemoved reports that a device disappeared or failed and its grab
// was released.
type DeviceRemoved struct {
	ID uint32
}

// DeviceEvent is one captured input event tagged with its device id.
type DeviceEvent struct {
	ID    uint32
	Event Event
}

func (DeviceAdded) notification()   {}
func (DeviceRemoved) notification() {}
func (DeviceEvent) notification()   {}

// Source delivers capture notifications for a dynamic set of exclusively
// grabbed devices. A DeviceAdded for an id always precedes any DeviceEvent
// carrying that id.
type Source interface {
	// Notifications returns the ordered capture stream. The channel is
	// closed after Close.
	Notifications() <-chan Notification
	// Close releases every grab and stops the stream.
	Close() error
}

// Handle is one synthesized virtual device accepting injected events.
type Handle interface {
	// Inject writes one event into the virtual device. Events outside the
	// device's negotiated capability set fail with ErrInjectionFailed.
	Inject(ev Event) error
	// Close destroys the virtual device. It is idempotent.
	Close() error
}

// Injector synthesizes virtual devices from remote capability descriptors.
type Injector interface {
	Create(desc Device) (Handle, error)
}
