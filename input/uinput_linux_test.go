//go:build linux

package input

import "testing"

// ioW encodes _IOW('U', nr, int) from linux/uinput.h.
func ioW(nr uint) uint {
	const (
		iocWrite    = 1
		iocSizeInt  = 4
		iocTypeBase = 'U'
	)
	return iocWrite<<30 | iocSizeInt<<16 | iocTypeBase<<8 | nr
}

// io encodes _IO('U', nr).
func io(nr uint) uint {
	return 'U'<<8 | nr
}

func TestUInputIoctlRequests(t *testing.T) {
	cases := []struct {
		name string
		got  uint
		want uint
	}{
		{"UI_DEV_CREATE", uiDevCreate, io(1)},
		{"UI_DEV_DESTROY", uiDevDestroy, io(2)},
		{"UI_SET_EVBIT", uiSetEvBit, ioW(100)},
		{"UI_SET_KEYBIT", uiSetKeyBit, ioW(101)},
		{"UI_SET_RELBIT", uiSetRelBit, ioW(102)},
		{"UI_SET_ABSBIT", uiSetAbsBit, ioW(103)},
		{"UI_SET_MSCBIT", uiSetMscBit, ioW(104)},
		{"UI_SET_LEDBIT", uiSetLedBit, ioW(105)},
		{"UI_SET_SNDBIT", uiSetSndBit, ioW(106)},
		{"UI_SET_SWBIT", uiSetSwBit, ioW(109)},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("%s = %#x, want %#x", c.name, c.got, c.want)
		}
	}
}

func TestCodeBitRequestMapping(t *testing.T) {
	cases := []struct {
		evType uint16
		ioctl  uint
		ok     bool
	}{
		{EV_KEY, uiSetKeyBit, true},
		{EV_REL, uiSetRelBit, true},
		{EV_ABS, uiSetAbsBit, true},
		{EV_MSC, uiSetMscBit, true},
		{EV_SW, uiSetSwBit, true},
		{EV_LED, uiSetLedBit, true},
		{EV_SND, uiSetSndBit, true},
		{EV_REP, 0, true},
		{EV_FF, 0, false},
	}
	for _, c := range cases {
		ioctl, ok := codeBitRequest(c.evType)
		if ioctl != c.ioctl || ok != c.ok {
			t.Fatalf("codeBitRequest(%#x) = %#x/%v, want %#x/%v", c.evType, ioctl, ok, c.ioctl, c.ok)
		}
	}
}
