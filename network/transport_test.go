package network

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"evkvm/identity"
)

func testIdentity(t *testing.T, name string) identity.Identity {
	t.Helper()

	dir := t.TempDir()
	id, err := identity.Ensure(filepath.Join(dir, name+"_cert.pem"), filepath.Join(dir, name+"_key.pem"))
	if err != nil {
		t.Fatalf("Ensure identity failed: %v", err)
	}
	return id
}

func TestListenAndDialEstablishSessions(t *testing.T) {
	senderID := testIdentity(t, "sender")
	receiverID := testIdentity(t, "receiver")

	listener, err := Listen("127.0.0.1:0", senderID, []AllowedPeer{
		{Nick: "desk", Fingerprint: receiverID.Fingerprint},
	}, SessionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outbound, err := Dial(ctx, listener.Addr().String(), receiverID, AllowedPeer{
		Nick:        "laptop",
		Fingerprint: senderID.Fingerprint,
	}, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer outbound.Close(nil)

	var inbound *Session
	select {
	case inbound = <-listener.Incoming():
	case err := <-listener.Errors():
		t.Fatalf("unexpected listener error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for inbound session")
	}
	defer inbound.Close(nil)

	if got := inbound.Peer().Nick; got != "desk" {
		t.Fatalf("inbound peer nick = %q, want %q", got, "desk")
	}
	if got := inbound.Peer().Fingerprint; got != receiverID.Fingerprint {
		t.Fatalf("inbound peer fingerprint = %q, want %q", got, receiverID.Fingerprint)
	}
	if got := inbound.State(); got != StateDeviceSync {
		t.Fatalf("inbound state = %s, want %s", got, StateDeviceSync)
	}
}

func TestListenerRejectsUnknownFingerprint(t *testing.T) {
	senderID := testIdentity(t, "sender")
	receiverID := testIdentity(t, "receiver")
	strangerID := testIdentity(t, "stranger")

	listener, err := Listen("127.0.0.1:0", senderID, []AllowedPeer{
		{Nick: "desk", Fingerprint: receiverID.Fingerprint},
	}, SessionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Dial(ctx, listener.Addr().String(), strangerID, AllowedPeer{
		Nick:        "sender",
		Fingerprint: senderID.Fingerprint,
	}, SessionOptions{})
	if err == nil {
		session.Close(nil)
		t.Fatalf("expected dial with unauthorized identity to fail")
	}

	select {
	case s := <-listener.Incoming():
		s.Close(nil)
		t.Fatalf("unauthorized connection produced a session")
	case err := <-listener.Errors():
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for listener rejection")
	}
}

func TestDialRejectsWrongServerFingerprint(t *testing.T) {
	senderID := testIdentity(t, "sender")
	receiverID := testIdentity(t, "receiver")
	otherID := testIdentity(t, "other")

	listener, err := Listen("127.0.0.1:0", senderID, []AllowedPeer{
		{Nick: "desk", Fingerprint: receiverID.Fingerprint},
	}, SessionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Dial(ctx, listener.Addr().String(), receiverID, AllowedPeer{
		Nick:        "imposter",
		Fingerprint: otherID.Fingerprint,
	}, SessionOptions{})
	if err == nil {
		session.Close(nil)
		t.Fatalf("expected dial pinning a different fingerprint to fail")
	}
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDialRequiresFingerprint(t *testing.T) {
	receiverID := testIdentity(t, "receiver")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "127.0.0.1:1", receiverID, AllowedPeer{Nick: "nobody"}, SessionOptions{})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestListenerAcceptsFormattedFingerprint(t *testing.T) {
	senderID := testIdentity(t, "sender")
	receiverID := testIdentity(t, "receiver")

	// Operators paste fingerprints in colon-separated form; the allow-list
	// must normalize it.
	listener, err := Listen("127.0.0.1:0", senderID, []AllowedPeer{
		{Nick: "desk", Fingerprint: identity.FormatFingerprint(receiverID.Fingerprint)},
	}, SessionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outbound, err := Dial(ctx, listener.Addr().String(), receiverID, AllowedPeer{
		Nick:        "laptop",
		Fingerprint: identity.FormatFingerprint(senderID.Fingerprint),
	}, SessionOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer outbound.Close(nil)

	select {
	case inbound := <-listener.Incoming():
		inbound.Close(nil)
	case err := <-listener.Errors():
		t.Fatalf("unexpected listener error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for inbound session")
	}
}
