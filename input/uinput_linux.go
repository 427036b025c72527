//go:build linux

package input

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// UInput synthesizes virtual devices through /dev/uinput. It implements
// Injector.
type UInput struct{}

// uinput ioctl requests from linux/uinput.h. x/sys/unix does not export
// these; the UI_SET_* requests are _IOW('U', n, int) and the lifecycle
// requests are _IO('U', n).
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502

	uiSetEvBit  = 0x40045564
	uiSetKeyBit = 0x40045565
	uiSetRelBit = 0x40045566
	uiSetAbsBit = 0x40045567
	uiSetMscBit = 0x40045568
	uiSetLedBit = 0x40045569
	uiSetSndBit = 0x4004556a
	uiSetSwBit  = 0x4004556d
)

type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputUserDev mirrors struct uinput_user_dev from linux/uinput.h.
type uinputUserDev struct {
	Name         [80]byte
	ID           inputID
	FFEffectsMax uint32
	Absmax       [absCnt]int32
	Absmin       [absCnt]int32
	Absfuzz      [absCnt]int32
	Absflat      [absCnt]int32
}

// rawEvent mirrors struct input_event on 64-bit Linux.
type rawEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

// VirtualDevice is one registered uinput device. It implements Handle.
type VirtualDevice struct {
	file *os.File
	caps map[uint32]struct{}
	name string

	closed    atomic.Bool
	closeOnce sync.Once
}

// Create registers a virtual device matching the descriptor. The device
// carries the virtual identity mark so local capture never re-grabs it.
func (UInput) Create(desc Device) (Handle, error) {
	file, err := openUInputNode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceCreationFailed, err)
	}

	dev := &VirtualDevice{
		file: file,
		caps: desc.CapabilitySet(),
		name: desc.Name,
	}
	if err := dev.configure(desc); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceCreationFailed, err)
	}

	return dev, nil
}

func openUInputNode() (*os.File, error) {
	paths := []string{"/dev/uinput", "/dev/input/uinput"}
	var lastErr error
	for _, p := range paths {
		file, err := os.OpenFile(p, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return file, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("open uinput: %w", lastErr)
}

func (d *VirtualDevice) configure(desc Device) error {
	fd := int(d.file.Fd())

	var udev uinputUserDev
	enabledTypes := make(map[uint16]bool)

	for _, c := range desc.Capabilities {
		ioctl, ok := codeBitRequest(c.Type)
		if !ok {
			// Force feedback and other exotic types need upload plumbing
			// uinput_user_dev cannot express; drop them from the clone.
			continue
		}

		if !enabledTypes[c.Type] {
			if err := unix.IoctlSetInt(fd, uiSetEvBit, int(c.Type)); err != nil {
				return fmt.Errorf("UI_SET_EVBIT %#x: %w", c.Type, err)
			}
			enabledTypes[c.Type] = true
		}

		if ioctl == 0 {
			// EV_REP has no per-code bit; enabling the type suffices.
			continue
		}
		if err := unix.IoctlSetInt(fd, ioctl, int(c.Code)); err != nil {
			return fmt.Errorf("set code bit %#x/%#x: %w", c.Type, c.Code, err)
		}

		if c.Type == EV_ABS && int(c.Code) < absCnt {
			udev.Absmin[c.Code] = c.Abs.Minimum
			udev.Absmax[c.Code] = c.Abs.Maximum
			udev.Absfuzz[c.Code] = c.Abs.Fuzz
			udev.Absflat[c.Code] = c.Abs.Flat
		}
	}

	copy(udev.Name[:len(udev.Name)-1], desc.Name)
	udev.ID = inputID{
		Bustype: busVirtual,
		Vendor:  desc.Vendor,
		Product: desc.Product,
		Version: virtualDeviceVersion,
	}

	if err := binary.Write(d.file, binary.LittleEndian, &udev); err != nil {
		return fmt.Errorf("write uinput_user_dev: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("UI_DEV_CREATE: %w", err)
	}
	return nil
}

// codeBitRequest maps an event type to its UI_SET_*BIT ioctl. A zero ioctl
// with ok=true means the type needs no per-code bits.
func codeBitRequest(evType uint16) (uint, bool) {
	switch evType {
	case EV_KEY:
		return uiSetKeyBit, true
	case EV_REL:
		return uiSetRelBit, true
	case EV_ABS:
		return uiSetAbsBit, true
	case EV_MSC:
		return uiSetMscBit, true
	case EV_SW:
		return uiSetSwBit, true
	case EV_LED:
		return uiSetLedBit, true
	case EV_SND:
		return uiSetSndBit, true
	case EV_REP:
		return 0, true
	default:
		return 0, false
	}
}

// Inject writes one event into the virtual device. Events whose type/code
// fall outside the negotiated capability set are rejected; such events are
// a protocol violation by the peer, not grounds for a crash.
func (d *VirtualDevice) Inject(ev Event) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: device %q destroyed", ErrInjectionFailed, d.name)
	}
	if ev.Type != EV_SYN {
		if _, ok := d.caps[CapabilityKey(ev.Type, ev.Code)]; !ok {
			return fmt.Errorf("%w: %q does not support event %#x/%#x", ErrInjectionFailed, d.name, ev.Type, ev.Code)
		}
	}

	raw := rawEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value}
	if err := binary.Write(d.file, binary.LittleEndian, &raw); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrInjectionFailed, d.name, err)
	}
	return nil
}

// Close destroys the virtual device immediately. Idempotent.
func (d *VirtualDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		_ = unix.IoctlSetInt(int(d.file.Fd()), uiDevDestroy, 0)
		_ = d.file.Close()
	})
	return nil
}
