package input

// Linux input event types and the key codes referenced by this package.
// Values sourced from include/uapi/linux/input-event-codes.h.
const (
	EV_SYN       = 0x00
	EV_KEY       = 0x01
	EV_REL       = 0x02
	EV_ABS       = 0x03
	EV_MSC       = 0x04
	EV_SW        = 0x05
	EV_LED       = 0x11
	EV_SND       = 0x12
	EV_REP       = 0x14
	EV_FF        = 0x15
	EV_PWR       = 0x16
	EV_FF_STATUS = 0x17
	EV_MAX       = 0x1f

	SYN_REPORT = 0

	KEY_ESC        = 1
	KEY_A          = 30
	KEY_LEFTCTRL   = 29
	KEY_LEFTSHIFT  = 42
	KEY_RIGHTSHIFT = 54
	KEY_LEFTALT    = 56
	KEY_RIGHTCTRL  = 97
	KEY_RIGHTALT   = 100
	KEY_LEFTMETA   = 125
	KEY_RIGHTMETA  = 126

	REL_X     = 0x00
	REL_Y     = 0x01
	REL_WHEEL = 0x08

	BTN_LEFT   = 0x110
	BTN_RIGHT  = 0x111
	BTN_MIDDLE = 0x112
)

const (
	absCnt = 64

	busVirtual = 0x06

	// Synthesized devices carry this version on BUS_VIRTUAL so the capture
	// monitor can recognize and skip them. A receiver that is also a sender
	// must never grab its own virtual devices.
	virtualDeviceVersion = 0xDEAD
)

// IsVirtualMark reports whether a device identity belongs to an evkvm
// virtual device.
func IsVirtualMark(bustype, version uint16) bool {
	return bustype == busVirtual && version == virtualDeviceVersion
}
