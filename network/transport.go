package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"evkvm/identity"
)

// AllowedPeer is one allow-list entry: a display nickname and the expected
// certificate fingerprint.
type AllowedPeer struct {
	Nick        string
	Fingerprint string
}

// Listener accepts inbound TLS connections, authenticates them by client
// certificate fingerprint, runs the protocol handshake, and emits ready
// sessions. Connections presenting an unknown fingerprint are closed before
// a single protocol byte is exchanged.
type Listener struct {
	listener net.Listener
	id       identity.Identity
	allowed  []AllowedPeer
	options  SessionOptions

	incoming chan *Session
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS listener for the sender role.
func Listen(address string, id identity.Identity, allowed []AllowedPeer, options SessionOptions) (*Listener, error) {
	opts := options.withDefaults()

	normalized := make([]AllowedPeer, 0, len(allowed))
	for _, peer := range allowed {
		fp := identity.NormalizeFingerprint(peer.Fingerprint)
		if fp == "" {
			return nil, fmt.Errorf("allow-list entry %q has no fingerprint", peer.Nick)
		}
		normalized = append(normalized, AllowedPeer{Nick: peer.Nick, Fingerprint: fp})
	}

	tcp, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: tcp,
		id:       id,
		allowed:  normalized,
		options:  opts,
		incoming: make(chan *Session, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Incoming returns authenticated, handshaked sessions.
func (l *Listener) Incoming() <-chan *Session {
	return l.incoming
}

// Errors returns asynchronous accept/handshake errors. A failed inbound
// connection never disturbs established sessions.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes the listener channels. Established
// sessions are not touched.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *Listener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	tlsConn := tls.Server(conn, l.serverTLSConfig())

	ctx, cancel := context.WithTimeout(context.Background(), l.options.ConnectTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		l.reportError(fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, conn.RemoteAddr(), err))
		return
	}

	peer, err := l.lookupPeer(tlsConn.ConnectionState().PeerCertificates)
	if err != nil {
		_ = tlsConn.Close()
		l.reportError(fmt.Errorf("%s: %w", conn.RemoteAddr(), err))
		return
	}

	session, err := newSession(tlsConn, RoleSender, peer, l.options)
	if err != nil {
		_ = tlsConn.Close()
		l.reportError(fmt.Errorf("handshake with %s: %w", peer.Nick, err))
		return
	}

	select {
	case l.incoming <- session:
	case <-l.closed:
		session.Close(nil)
	}
}

// serverTLSConfig builds a TLS config that demands a client certificate and
// accepts it solely on fingerprint match. There is no chain, expiry, or
// hostname validation.
func (l *Listener) serverTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{l.id.Certificate},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrAuthenticationFailed
			}
			fp := identity.Fingerprint(rawCerts[0])
			for _, peer := range l.allowed {
				if peer.Fingerprint == fp {
					return nil
				}
			}
			l.options.Logger.WithField("fingerprint", identity.FormatFingerprint(fp)).Warn("fingerprint not authorized")
			return ErrAuthenticationFailed
		},
	}
}

func (l *Listener) lookupPeer(certs []*x509.Certificate) (AllowedPeer, error) {
	if len(certs) == 0 {
		return AllowedPeer{}, ErrAuthenticationFailed
	}
	fp := identity.Fingerprint(certs[0].Raw)
	for _, peer := range l.allowed {
		if peer.Fingerprint == fp {
			nick := peer.Nick
			if nick == "" {
				nick = identity.FormatFingerprint(fp)
			}
			return AllowedPeer{Nick: nick, Fingerprint: fp}, nil
		}
	}
	return AllowedPeer{}, ErrAuthenticationFailed
}

func (l *Listener) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

// Dial connects to a sender, verifies its certificate fingerprint equals
// expectedFingerprint byte for byte, runs the protocol handshake, and
// returns a ready session. CA validity, expiry, and hostname are ignored;
// the fingerprint comparison is the entire trust decision.
func Dial(ctx context.Context, address string, id identity.Identity, peer AllowedPeer, options SessionOptions) (*Session, error) {
	opts := options.withDefaults()

	expected := identity.NormalizeFingerprint(peer.Fingerprint)
	if expected == "" {
		return nil, fmt.Errorf("%w: no expected fingerprint for %q", ErrAuthenticationFailed, peer.Nick)
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS13,
		// Trust is fingerprint pinning, not chain verification.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrAuthenticationFailed
			}
			if identity.Fingerprint(rawCerts[0]) != expected {
				return ErrAuthenticationFailed
			}
			return nil
		},
	}

	tlsConn := tls.Client(conn, tlsConf)
	handshakeCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, address, err)
	}

	session, err := newSession(tlsConn, RoleReceiver, AllowedPeer{Nick: peer.Nick, Fingerprint: expected}, opts)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return session, nil
}

// DefaultConnectTimeout bounds TCP dial plus both handshakes.
const DefaultConnectTimeout = 10 * time.Second
