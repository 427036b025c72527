package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultMessageTimeout is the keep-alive window: a session with no inbound
// traffic for this long is closed with ErrPeerTimeout. Keep-alives are sent
// at half this interval to stay on the safe side.
const DefaultMessageTimeout = 5 * time.Second

// SessionState is the lifecycle state of one protocol session.
type SessionState string

const (
	StateHandshaking SessionState = "HANDSHAKING"
	StateDeviceSync  SessionState = "DEVICE_SYNC"
	StateActive      SessionState = "ACTIVE"
	StateClosed      SessionState = "CLOSED"
)

// SessionOptions controls session runtime behavior.
type SessionOptions struct {
	// MessageTimeout is the keep-alive window. Zero means
	// DefaultMessageTimeout.
	MessageTimeout time.Duration
	// ConnectTimeout bounds dialing and both handshakes. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// Logger receives structured lifecycle events. Nil means the standard
	// logger.
	Logger *log.Logger
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.MessageTimeout <= 0 {
		out.MessageTimeout = DefaultMessageTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.Logger == nil {
		out.Logger = log.StandardLogger()
	}
	return out
}

// Session is one live protocol connection. A session is destroyed and
// replaced on disconnect, never resumed: reconnecting always constructs a
// fresh Session.
type Session struct {
	id   string
	conn net.Conn
	role Role
	peer AllowedPeer

	messageTimeout time.Duration
	logger         *log.Entry

	sendMu   sync.Mutex
	lastSend atomic.Int64

	stateMu sync.RWMutex
	state   SessionState

	inbound chan Message

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.RWMutex
	closeErr  error

	wg sync.WaitGroup
}

// newSession exchanges protocol handshakes over an authenticated transport
// and returns a session in the DeviceSync state. localRole is the role this
// process speaks; the peer must present the opposite role.
func newSession(conn net.Conn, localRole Role, peer AllowedPeer, options SessionOptions) (*Session, error) {
	opts := options.withDefaults()

	s := &Session{
		id:             uuid.NewString(),
		conn:           conn,
		role:           localRole,
		peer:           peer,
		messageTimeout: opts.MessageTimeout,
		inbound:        make(chan Message, 256),
		closed:         make(chan struct{}),
		state:          StateHandshaking,
	}
	s.logger = opts.Logger.WithFields(log.Fields{
		"session": s.id,
		"peer":    peer.Nick,
		"remote":  conn.RemoteAddr().String(),
	})
	s.logger.WithField("state", StateHandshaking).Info("session handshaking")

	if err := s.handshake(localRole, opts); err != nil {
		return nil, err
	}

	s.setState(StateDeviceSync)
	s.lastSend.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go s.readLoop()
	go s.keepAliveLoop()

	return s, nil
}

func (s *Session) handshake(localRole Role, opts SessionOptions) error {
	deadline := time.Now().Add(opts.ConnectTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	defer func() {
		_ = s.conn.SetDeadline(time.Time{})
	}()

	payload, err := EncodeMessage(Handshake{Version: ProtocolVersion, Role: localRole})
	if err != nil {
		return err
	}
	if err := WriteFrame(s.conn, payload); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	reply, err := ReadFrame(s.conn)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	msg, err := DecodeMessage(reply)
	if err != nil {
		return err
	}
	peerHandshake, ok := msg.(Handshake)
	if !ok {
		return fmt.Errorf("%w: expected handshake, got %T", ErrMalformedMessage, msg)
	}

	if peerHandshake.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expecting %d", ErrProtocolMismatch, peerHandshake.Version, ProtocolVersion)
	}
	if peerHandshake.Role == localRole {
		return fmt.Errorf("%w: both ends speak role %s", ErrProtocolMismatch, localRole)
	}

	return nil
}

// ID returns the session's unique identifier, used in logs and registries.
func (s *Session) ID() string {
	return s.id
}

// Peer returns the authenticated peer this session talks to.
func (s *Session) Peer() AllowedPeer {
	return s.peer
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the terminal error, if any, once the session is closed.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// Messages returns decoded inbound protocol messages. Keep-alives are
// consumed internally. The channel delivers messages in receive order and
// is never closed; callers select against Done.
func (s *Session) Messages() <-chan Message {
	return s.inbound
}

// Send encodes a message and writes it as one frame. Frames written on one
// session are delivered in send order.
func (s *Session) Send(m Message) error {
	if s.State() == StateClosed {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	}

	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.messageTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(s.conn, payload); err != nil {
		s.Close(fmt.Errorf("write frame: %w", err))
		return err
	}
	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

// Activate transitions the session from DeviceSync to Active. The capturing
// side calls it after flushing the initial device list; the consuming side
// when the first event arrives.
func (s *Session) Activate() {
	s.stateMu.Lock()
	if s.state != StateDeviceSync {
		s.stateMu.Unlock()
		return
	}
	s.state = StateActive
	s.stateMu.Unlock()
	s.logger.WithField("state", StateActive).Info("session active")
}

// Close transitions the session to Closed, releasing the transport. Work
// tied to the session stops promptly; a new Session must be constructed to
// retry. Idempotent.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.setState(StateClosed)
		_ = s.conn.Close()
		close(s.closed)

		entry := s.logger.WithField("state", StateClosed)
		if err != nil && !errors.Is(err, io.EOF) {
			entry.WithError(err).Warn("session closed")
		} else {
			entry.Info("session closed")
		}
	})
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	s.stateMu.Unlock()
	if prev != state && state != StateClosed {
		s.logger.WithFields(log.Fields{"from": prev, "state": state}).Info("session state")
	}
}

// readLoop decodes inbound frames. Absence of any traffic, keep-alives
// included, for the full message timeout closes the session with
// ErrPeerTimeout.
func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(s.conn, s.messageTimeout)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.Close(ErrPeerTimeout)
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				s.Close(nil)
			default:
				s.Close(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		msg, err := DecodeMessage(payload)
		if err != nil {
			s.Close(err)
			return
		}

		if err := s.checkInbound(msg); err != nil {
			s.Close(err)
			return
		}

		if _, isKeepAlive := msg.(KeepAlive); isKeepAlive {
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.closed:
			return
		}
	}
}

// checkInbound enforces the state machine: a message arriving in an
// unexpected state or direction is a protocol violation, not ignored.
func (s *Session) checkInbound(msg Message) error {
	switch msg.(type) {
	case Handshake:
		return fmt.Errorf("%w: handshake after session establishment", ErrMalformedMessage)
	case KeepAlive:
		return nil
	case DeviceAdded, DeviceRemoved, EventMessage:
		if s.role != RoleReceiver {
			return fmt.Errorf("%w: %T sent to capturing side", ErrMalformedMessage, msg)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected message %T", ErrMalformedMessage, msg)
	}
}

// keepAliveLoop sends a KeepAlive whenever the write side has been idle for
// half the message timeout.
func (s *Session) keepAliveLoop() {
	defer s.wg.Done()

	interval := s.messageTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastSend.Load()))
			if idle < interval {
				continue
			}
			if err := s.Send(KeepAlive{}); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
