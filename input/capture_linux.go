//go:build linux

package input

import (
	"fmt"
	"sync"

	evdev "github.com/holoplot/go-evdev"
)

// captureDevice wraps one exclusively grabbed evdev device node.
type captureDevice struct {
	path string
	dev  *evdev.InputDevice
	desc Device

	closeOnce sync.Once
}

// errSelfDevice marks a node that belongs to one of our own virtual devices.
var errSelfDevice = fmt.Errorf("input: own virtual device")

// openCapture opens and exclusively grabs a device node, building its
// capability descriptor. The grab is released on every failure path.
func openCapture(path string) (*captureDevice, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, path, err)
	}

	id, err := dev.InputID()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("%w: read identity of %s: %v", ErrDeviceUnavailable, path, err)
	}
	if IsVirtualMark(id.BusType, id.Version) {
		_ = dev.Close()
		return nil, errSelfDevice
	}

	name, err := dev.Name()
	if err != nil {
		name = path
	}

	desc := Device{
		Name:    name,
		Vendor:  id.Vendor,
		Product: id.Product,
		Bustype: id.BusType,
		Version: id.Version,
	}
	desc.Capabilities = readCapabilities(dev)

	if err := dev.Grab(); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("%w: grab %s: %v", ErrDeviceUnavailable, path, err)
	}

	return &captureDevice{path: path, dev: dev, desc: desc}, nil
}

func readCapabilities(dev *evdev.InputDevice) []Capability {
	var caps []Capability

	absInfos, absErr := dev.AbsInfos()

	for _, t := range dev.CapableTypes() {
		if t == evdev.EV_SYN {
			continue
		}
		for _, code := range dev.CapableEvents(t) {
			entry := Capability{Type: uint16(t), Code: uint16(code)}
			if t == evdev.EV_ABS && absErr == nil {
				if info, ok := absInfos[code]; ok {
					entry.Abs = AbsInfo{
						Value:      info.Value,
						Minimum:    info.Minimum,
						Maximum:    info.Maximum,
						Fuzz:       info.Fuzz,
						Flat:       info.Flat,
						Resolution: info.Resolution,
					}
				}
			}
			caps = append(caps, entry)
		}
	}

	return caps
}

// read blocks until the next event from the device.
func (c *captureDevice) read() (Event, error) {
	raw, err := c.dev.ReadOne()
	if err != nil {
		return Event{}, fmt.Errorf("read %s: %w", c.path, err)
	}

	return Event{
		Type:  uint16(raw.Type),
		Code:  uint16(raw.Code),
		Value: raw.Value,
		Time:  int64(raw.Time.Sec)*1e9 + int64(raw.Time.Usec)*1e3,
	}, nil
}

// close releases the grab and the device node. Safe to call more than once
// and on every exit path.
func (c *captureDevice) close() {
	c.closeOnce.Do(func() {
		_ = c.dev.Ungrab()
		_ = c.dev.Close()
	})
}
