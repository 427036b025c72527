// Package network implements the authenticated transport and the framed
// wire protocol between senders and receivers: TLS connections trusted by
// certificate fingerprint, a fixed binary message codec, and the
// per-connection session state machine.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"evkvm/input"
)

const (
	// ProtocolVersion is the current wire protocol version, negotiated once
	// during the handshake.
	ProtocolVersion uint16 = 1

	// MaxFrameSize is the maximum accepted frame payload size. Device
	// descriptors are the largest messages and stay well under this.
	MaxFrameSize = 64 * 1024

	// maxNameLen bounds a device name inside a descriptor.
	maxNameLen = 256
	// maxCapabilities bounds the capability count of one descriptor.
	maxCapabilities = 8192
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedMessage indicates a truncated or out-of-range payload.
	// The session that produced it is closed.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrProtocolMismatch indicates incompatible protocol versions.
	ErrProtocolMismatch = errors.New("network: protocol version mismatch")
	// ErrAuthenticationFailed indicates the peer certificate fingerprint
	// was not accepted.
	ErrAuthenticationFailed = errors.New("network: authentication failed")
	// ErrPeerTimeout indicates no traffic arrived within the keep-alive
	// window.
	ErrPeerTimeout = errors.New("network: peer timeout")
	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("network: session closed")
)

// Role identifies which end of the protocol a peer speaks.
type Role uint8

const (
	// RoleSender captures devices and forwards events.
	RoleSender Role = 1
	// RoleReceiver synthesizes devices and consumes events.
	RoleReceiver Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Message type tags, first byte of every frame payload.
const (
	tagHandshake     = 1
	tagDeviceAdded   = 2
	tagDeviceRemoved = 3
	tagEvent         = 4
	tagKeepAlive     = 5
)

// Message is one decoded protocol message.
type Message interface {
	message()
}

// Handshake opens every session: protocol version and speaker role.
type Handshake struct {
	Version uint16
	Role    Role
}

// DeviceAdded announces a newly available device and its descriptor.
type DeviceAdded struct {
	ID     uint32
	Device input.Device
}

// DeviceRemoved announces that a device disappeared.
type DeviceRemoved struct {
	ID uint32
}

// EventMessage carries one captured input event tagged with its device id.
type EventMessage struct {
	ID    uint32
	Event input.Event
}

// KeepAlive keeps an otherwise idle session open.
type KeepAlive struct{}

func (Handshake) message()     {}
func (DeviceAdded) message()   {}
func (DeviceRemoved) message() {}
func (EventMessage) message()  {}
func (KeepAlive) message()     {}

// EncodeMessage serializes a message into a frame payload.
func EncodeMessage(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case Handshake:
		buf := make([]byte, 4)
		buf[0] = tagHandshake
		binary.BigEndian.PutUint16(buf[1:], msg.Version)
		buf[3] = uint8(msg.Role)
		return buf, nil
	case DeviceAdded:
		return encodeDeviceAdded(msg)
	case DeviceRemoved:
		buf := make([]byte, 5)
		buf[0] = tagDeviceRemoved
		binary.BigEndian.PutUint32(buf[1:], msg.ID)
		return buf, nil
	case EventMessage:
		buf := make([]byte, 21)
		buf[0] = tagEvent
		binary.BigEndian.PutUint32(buf[1:], msg.ID)
		binary.BigEndian.PutUint16(buf[5:], msg.Event.Type)
		binary.BigEndian.PutUint16(buf[7:], msg.Event.Code)
		binary.BigEndian.PutUint32(buf[9:], uint32(msg.Event.Value))
		binary.BigEndian.PutUint64(buf[13:], uint64(msg.Event.Time))
		return buf, nil
	case KeepAlive:
		return []byte{tagKeepAlive}, nil
	default:
		return nil, fmt.Errorf("encode: unknown message type %T", m)
	}
}

func encodeDeviceAdded(msg DeviceAdded) ([]byte, error) {
	dev := msg.Device
	if len(dev.Name) > maxNameLen {
		return nil, fmt.Errorf("encode descriptor: name too long (%d)", len(dev.Name))
	}
	if len(dev.Capabilities) > maxCapabilities {
		return nil, fmt.Errorf("encode descriptor: too many capabilities (%d)", len(dev.Capabilities))
	}

	buf := make([]byte, 0, 17+len(dev.Name)+8*len(dev.Capabilities))
	buf = append(buf, tagDeviceAdded)
	buf = binary.BigEndian.AppendUint32(buf, msg.ID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(dev.Name)))
	buf = append(buf, dev.Name...)
	buf = binary.BigEndian.AppendUint16(buf, dev.Vendor)
	buf = binary.BigEndian.AppendUint16(buf, dev.Product)
	buf = binary.BigEndian.AppendUint16(buf, dev.Bustype)
	buf = binary.BigEndian.AppendUint16(buf, dev.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(dev.Capabilities)))

	for _, c := range dev.Capabilities {
		if c.Type > input.EV_MAX {
			return nil, fmt.Errorf("encode descriptor: capability type %#x out of range", c.Type)
		}
		buf = binary.BigEndian.AppendUint16(buf, c.Type)
		buf = binary.BigEndian.AppendUint16(buf, c.Code)
		switch c.Type {
		case input.EV_ABS:
			for _, v := range []int32{c.Abs.Value, c.Abs.Minimum, c.Abs.Maximum, c.Abs.Fuzz, c.Abs.Flat, c.Abs.Resolution} {
				buf = binary.BigEndian.AppendUint32(buf, uint32(v))
			}
		case input.EV_REP:
			buf = binary.BigEndian.AppendUint32(buf, uint32(c.Rep))
		}
	}

	return buf, nil
}

// DecodeMessage parses a frame payload. Truncated or out-of-range data
// fails with ErrMalformedMessage and never panics.
func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}

	body := payload[1:]
	switch payload[0] {
	case tagHandshake:
		if len(body) != 3 {
			return nil, fmt.Errorf("%w: handshake length %d", ErrMalformedMessage, len(body))
		}
		msg := Handshake{
			Version: binary.BigEndian.Uint16(body),
			Role:    Role(body[2]),
		}
		if msg.Role != RoleSender && msg.Role != RoleReceiver {
			return nil, fmt.Errorf("%w: unknown role %d", ErrMalformedMessage, body[2])
		}
		return msg, nil
	case tagDeviceAdded:
		return decodeDeviceAdded(body)
	case tagDeviceRemoved:
		if len(body) != 4 {
			return nil, fmt.Errorf("%w: device-removed length %d", ErrMalformedMessage, len(body))
		}
		return DeviceRemoved{ID: binary.BigEndian.Uint32(body)}, nil
	case tagEvent:
		if len(body) != 20 {
			return nil, fmt.Errorf("%w: event length %d", ErrMalformedMessage, len(body))
		}
		msg := EventMessage{
			ID: binary.BigEndian.Uint32(body),
			Event: input.Event{
				Type:  binary.BigEndian.Uint16(body[4:]),
				Code:  binary.BigEndian.Uint16(body[6:]),
				Value: int32(binary.BigEndian.Uint32(body[8:])),
				Time:  int64(binary.BigEndian.Uint64(body[12:])),
			},
		}
		if msg.Event.Type > input.EV_MAX {
			return nil, fmt.Errorf("%w: event type %#x out of range", ErrMalformedMessage, msg.Event.Type)
		}
		return msg, nil
	case tagKeepAlive:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: keep-alive length %d", ErrMalformedMessage, len(body))
		}
		return KeepAlive{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message tag %d", ErrMalformedMessage, payload[0])
	}
}

func decodeDeviceAdded(body []byte) (Message, error) {
	r := reader{buf: body}

	id := r.uint32()
	nameLen := int(r.uint16())
	if nameLen > maxNameLen {
		return nil, fmt.Errorf("%w: descriptor name length %d", ErrMalformedMessage, nameLen)
	}
	name := r.bytes(nameLen)

	dev := input.Device{
		Name:    string(name),
		Vendor:  r.uint16(),
		Product: r.uint16(),
		Bustype: r.uint16(),
		Version: r.uint16(),
	}

	capCount := int(r.uint16())
	if capCount > maxCapabilities {
		return nil, fmt.Errorf("%w: descriptor capability count %d", ErrMalformedMessage, capCount)
	}
	if r.failed {
		return nil, fmt.Errorf("%w: truncated descriptor", ErrMalformedMessage)
	}

	caps := make([]input.Capability, 0, capCount)
	for i := 0; i < capCount; i++ {
		c := input.Capability{
			Type: r.uint16(),
			Code: r.uint16(),
		}
		if c.Type > input.EV_MAX {
			return nil, fmt.Errorf("%w: capability type %#x out of range", ErrMalformedMessage, c.Type)
		}
		switch c.Type {
		case input.EV_ABS:
			c.Abs = input.AbsInfo{
				Value:      r.int32(),
				Minimum:    r.int32(),
				Maximum:    r.int32(),
				Fuzz:       r.int32(),
				Flat:       r.int32(),
				Resolution: r.int32(),
			}
		case input.EV_REP:
			c.Rep = r.int32()
		}
		caps = append(caps, c)
	}

	if r.failed || len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: truncated or oversized descriptor", ErrMalformedMessage)
	}

	dev.Capabilities = caps
	return DeviceAdded{ID: id, Device: dev}, nil
}

// reader consumes big-endian fields from a byte slice, latching failure on
// the first short read so callers can check once at the end.
type reader struct {
	buf    []byte
	failed bool
}

func (r *reader) bytes(n int) []byte {
	if r.failed || len(r.buf) < n || n < 0 {
		r.failed = true
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) int32() int32 {
	return int32(r.uint32())
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame under an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
