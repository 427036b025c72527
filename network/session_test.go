package network

import (
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"evkvm/input"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	server := <-accepted
	if server == nil {
		_ = client.Close()
		t.Fatalf("Accept failed")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func sessionPair(t *testing.T, opts SessionOptions) (*Session, *Session) {
	t.Helper()

	serverConn, clientConn := tcpPair(t)

	type result struct {
		session *Session
		err     error
	}
	senderDone := make(chan result, 1)
	go func() {
		s, err := newSession(serverConn, RoleSender, AllowedPeer{Nick: "receiver"}, opts)
		senderDone <- result{s, err}
	}()

	receiverSide, err := newSession(clientConn, RoleReceiver, AllowedPeer{Nick: "sender"}, opts)
	if err != nil {
		t.Fatalf("receiver-side newSession failed: %v", err)
	}

	senderResult := <-senderDone
	if senderResult.err != nil {
		t.Fatalf("sender-side newSession failed: %v", senderResult.err)
	}

	t.Cleanup(func() {
		senderResult.session.Close(nil)
		receiverSide.Close(nil)
	})
	return senderResult.session, receiverSide
}

func TestSessionHandshake(t *testing.T) {
	senderSide, receiverSide := sessionPair(t, SessionOptions{})

	if got := senderSide.State(); got != StateDeviceSync {
		t.Fatalf("sender-side state = %s, want %s", got, StateDeviceSync)
	}
	if got := receiverSide.State(); got != StateDeviceSync {
		t.Fatalf("receiver-side state = %s, want %s", got, StateDeviceSync)
	}

	senderSide.Activate()
	if got := senderSide.State(); got != StateActive {
		t.Fatalf("state after Activate = %s, want %s", got, StateActive)
	}

	// Activate is only valid from DeviceSync.
	senderSide.Close(nil)
	senderSide.Activate()
	if got := senderSide.State(); got != StateClosed {
		t.Fatalf("state after Activate on closed session = %s, want %s", got, StateClosed)
	}
}

func TestSessionRejectsVersionMismatch(t *testing.T) {
	serverConn, clientConn := tcpPair(t)

	go func() {
		payload, _ := EncodeMessage(Handshake{Version: ProtocolVersion + 1, Role: RoleReceiver})
		_ = WriteFrame(clientConn, payload)
		_, _ = ReadFrame(clientConn)
	}()

	_, err := newSession(serverConn, RoleSender, AllowedPeer{Nick: "bad"}, SessionOptions{ConnectTimeout: 2 * time.Second})
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestSessionRejectsMatchingRoles(t *testing.T) {
	serverConn, clientConn := tcpPair(t)

	go func() {
		payload, _ := EncodeMessage(Handshake{Version: ProtocolVersion, Role: RoleSender})
		_ = WriteFrame(clientConn, payload)
		_, _ = ReadFrame(clientConn)
	}()

	_, err := newSession(serverConn, RoleSender, AllowedPeer{Nick: "bad"}, SessionOptions{ConnectTimeout: 2 * time.Second})
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestSessionDeliversMessagesInOrder(t *testing.T) {
	senderSide, receiverSide := sessionPair(t, SessionOptions{})

	want := []Message{
		DeviceAdded{ID: 1, Device: input.Device{Name: "kbd", Capabilities: []input.Capability{{Type: input.EV_KEY, Code: input.KEY_A}}}},
		EventMessage{ID: 1, Event: input.Event{Type: input.EV_KEY, Code: input.KEY_A, Value: 1}},
		EventMessage{ID: 1, Event: input.Event{Type: input.EV_SYN, Code: input.SYN_REPORT}},
		EventMessage{ID: 1, Event: input.Event{Type: input.EV_KEY, Code: input.KEY_A, Value: 0}},
		DeviceRemoved{ID: 1},
	}

	for _, msg := range want {
		if err := senderSide.Send(msg); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i, wantMsg := range want {
		select {
		case got := <-receiverSide.Messages():
			if !reflect.DeepEqual(got, wantMsg) {
				t.Fatalf("message %d: got %+v, want %+v", i, got, wantMsg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestSessionClosesOnPeerTimeout(t *testing.T) {
	serverConn, clientConn := tcpPair(t)

	go func() {
		// Handshake, then stay silent forever.
		payload, _ := EncodeMessage(Handshake{Version: ProtocolVersion, Role: RoleReceiver})
		_ = WriteFrame(clientConn, payload)
		_, _ = ReadFrame(clientConn)
	}()

	session, err := newSession(serverConn, RoleSender, AllowedPeer{Nick: "silent"}, SessionOptions{
		MessageTimeout: 300 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("newSession failed: %v", err)
	}
	defer session.Close(nil)

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed after silence")
	}
	if err := session.Err(); !errors.Is(err, ErrPeerTimeout) {
		t.Fatalf("expected ErrPeerTimeout, got %v", err)
	}
}

func TestSessionStaysOpenOnKeepAlivesAlone(t *testing.T) {
	senderSide, receiverSide := sessionPair(t, SessionOptions{MessageTimeout: 300 * time.Millisecond})

	// Long enough for several timeout windows; keep-alive loops on both
	// ends must keep the sessions open without any payload traffic.
	select {
	case <-senderSide.Done():
		t.Fatalf("sender side closed: %v", senderSide.Err())
	case <-receiverSide.Done():
		t.Fatalf("receiver side closed: %v", receiverSide.Err())
	case <-time.After(time.Second):
	}
}

func TestSessionClosesOnDirectionViolation(t *testing.T) {
	senderSide, receiverSide := sessionPair(t, SessionOptions{})

	// Device messages flow sender to receiver only.
	if err := receiverSide.Send(DeviceRemoved{ID: 1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-senderSide.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("sender side not closed after direction violation")
	}
	if err := senderSide.Err(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	senderSide, _ := sessionPair(t, SessionOptions{})

	senderSide.Close(nil)
	if err := senderSide.Send(KeepAlive{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
